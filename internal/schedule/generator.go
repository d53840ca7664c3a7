// Package schedule turns extracted medicines into daily dosing slots and
// delivers the resulting schedule to the pill dispenser.
//
// [Generate] is a pure function of its inputs. [Publisher] is the
// best-effort delivery side; a delivery failure never blocks local
// persistence.
package schedule

import "github.com/MrWong99/pillbox/pkg/types"

// labelsFor returns the dosing occasions for a daily count. Counts without a
// dedicated pattern (0, 4 and more) collapse to a single morning dose so that
// no medicine is silently dropped.
func labelsFor(timesPerDay int) []types.SlotLabel {
	switch timesPerDay {
	case 2:
		return []types.SlotLabel{types.LabelMorning, types.LabelNight}
	case 3:
		return []types.SlotLabel{types.LabelMorning, types.LabelAfternoon, types.LabelNight}
	default:
		return []types.SlotLabel{types.LabelMorning}
	}
}

// Generate builds the slots for medicines. The daily count for each medicine
// is looked up by name in timesPerDay, falling back to the medicine's own
// TimesPerDay. Each medicine gets compartment index+1 and
// every one of its slots carries that compartment.
//
// Slots are returned grouped by medicine in input order, and within a
// medicine in morning, afternoon, night order.
func Generate(medicines []types.Medicine, timesPerDay map[string]int, anchors types.MealAnchors) []types.Slot {
	slots := make([]types.Slot, 0, len(medicines))
	for i, med := range medicines {
		tpd, ok := timesPerDay[med.Name]
		if !ok {
			tpd = med.TimesPerDay
		}

		compartment := i + 1
		for _, label := range labelsFor(tpd) {
			at := anchors.At(label)
			slots = append(slots, types.Slot{
				MedicineIndex: i,
				MedicineName:  med.Name,
				Dosage:        med.Dosage,
				Hour:          at.Hour,
				Minute:        at.Minute,
				Label:         label,
				Compartment:   compartment,
			})
		}
	}
	return slots
}

// AlarmsFor converts the slots of one stored medicine into auto-generated,
// enabled alarms.
func AlarmsFor(med types.Medicine, slots []types.Slot) []types.Alarm {
	alarms := make([]types.Alarm, 0, len(slots))
	for _, s := range slots {
		alarms = append(alarms, types.Alarm{
			MedicineID:    med.ID,
			MedicineName:  med.Name,
			Dosage:        med.Dosage,
			Hour:          s.Hour,
			Minute:        s.Minute,
			Label:         string(s.Label),
			Compartment:   s.Compartment,
			Enabled:       true,
			AutoGenerated: true,
		})
	}
	return alarms
}
