package schedule

import (
	"slices"

	"github.com/MrWong99/pillbox/pkg/types"
)

// Entry is one element of the dispenser schedule payload: every compartment
// to open at one time of day.
type Entry struct {
	Time         string   `json:"time"`
	Label        string   `json:"label"`
	Compartments []int    `json:"compartments"`
	Medicines    []string `json:"medicines"`
}

// payloadOrder is the fixed order of payload entries.
var payloadOrder = []types.SlotLabel{types.LabelMorning, types.LabelAfternoon, types.LabelNight}

// BuildPayload groups slots by label into at most three entries, in morning,
// afternoon, night order. Labels with no slots are omitted. Each entry's time
// is the anchor for its label, and medicines are rendered as "name dosage".
func BuildPayload(slots []types.Slot, anchors types.MealAnchors) []Entry {
	byLabel := make(map[types.SlotLabel]*Entry, len(payloadOrder))
	for _, s := range slots {
		e, ok := byLabel[s.Label]
		if !ok {
			e = &Entry{Time: anchors.At(s.Label).String(), Label: string(s.Label)}
			byLabel[s.Label] = e
		}
		if !slices.Contains(e.Compartments, s.Compartment) {
			e.Compartments = append(e.Compartments, s.Compartment)
		}
		e.Medicines = append(e.Medicines, types.Medicine{Name: s.MedicineName, Dosage: s.Dosage}.Label())
	}

	out := make([]Entry, 0, len(byLabel))
	for _, label := range payloadOrder {
		if e, ok := byLabel[label]; ok {
			out = append(out, *e)
		}
	}
	return out
}

// PayloadFromAlarms rebuilds the payload for every enabled alarm, grouping by
// exact time of day. It is used after a schedule change where alarms, not
// freshly generated slots, are the source of truth. Entries are ordered by
// time. The label comes from the first auto-generated alarm at that time,
// falling back to the first alarm when all of them were entered by hand.
func PayloadFromAlarms(alarms []types.Alarm) []Entry {
	type key struct{ h, m int }
	byTime := map[key]*Entry{}
	autoLabel := map[key]bool{}
	var order []key
	for _, a := range alarms {
		if !a.Enabled {
			continue
		}
		k := key{a.Hour, a.Minute}
		e, ok := byTime[k]
		if !ok {
			e = &Entry{Time: a.Time().String(), Label: a.Label}
			byTime[k] = e
			order = append(order, k)
		}
		if a.AutoGenerated && !autoLabel[k] {
			e.Label = a.Label
			autoLabel[k] = true
		}
		if a.Compartment > 0 && !slices.Contains(e.Compartments, a.Compartment) {
			e.Compartments = append(e.Compartments, a.Compartment)
		}
		e.Medicines = append(e.Medicines, types.Medicine{Name: a.MedicineName, Dosage: a.Dosage}.Label())
	}

	slices.SortFunc(order, func(a, b key) int {
		if a.h != b.h {
			return a.h - b.h
		}
		return a.m - b.m
	})
	out := make([]Entry, 0, len(order))
	for _, k := range order {
		e := byTime[k]
		if len(e.Compartments) == 0 {
			continue
		}
		out = append(out, *e)
	}
	return out
}
