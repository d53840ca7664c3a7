package medparse

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/pillbox/pkg/types"
)

// Placeholders substituted for blank fields.
const (
	DefaultDosage    = "see prescription"
	DefaultFrequency = "as prescribed"
	DefaultTiming    = "as directed"
)

// minNameLen is the shortest accepted medicine name, in characters.
const minNameLen = 2

// rawMedicine is the lenient intermediate form of one model-emitted object.
// Every field is decoded on its own so that a mistyped value only discards
// that field, never the whole object.
type rawMedicine struct {
	Name        json.RawMessage `json:"name"`
	Dosage      json.RawMessage `json:"dosage"`
	Frequency   json.RawMessage `json:"frequency"`
	TimesPerDay json.RawMessage `json:"times_per_day"`
	MealTiming  json.RawMessage `json:"meal_timing"`
	Timing      json.RawMessage `json:"timing"`
	Duration    json.RawMessage `json:"duration"`
}

// mapObject converts one JSON object into a Medicine. ok is false when the
// object is not an object or has no usable name. The name must be a JSON
// string; the descriptive fields also accept numbers and booleans.
func mapObject(raw json.RawMessage) (types.Medicine, bool) {
	var rm rawMedicine
	if err := json.Unmarshal(raw, &rm); err != nil {
		return types.Medicine{}, false
	}

	var name string
	if err := json.Unmarshal(rm.Name, &name); err != nil {
		return types.Medicine{}, false
	}
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) < minNameLen {
		return types.Medicine{}, false
	}

	dosage := orDefault(scalarString(rm.Dosage), DefaultDosage)

	frequency := orDefault(scalarString(rm.Frequency), DefaultFrequency)
	if d := strings.TrimSpace(scalarString(rm.Duration)); d != "" {
		frequency += " (" + d + ")"
	}

	timing := strings.TrimSpace(scalarString(rm.MealTiming))
	if timing == "" {
		timing = strings.TrimSpace(scalarString(rm.Timing))
	}
	if timing == "" {
		timing = DefaultTiming
	}

	return types.Medicine{
		Name:        name,
		Dosage:      dosage,
		Frequency:   frequency,
		Timing:      timing,
		TimesPerDay: timesPerDay(rm.TimesPerDay),
	}, true
}

// scalarString renders a JSON string, number or boolean as text. Null,
// objects, arrays and absent fields yield "".
func scalarString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return ""
		}
		return strconv.FormatBool(b)
	case '{', '[', 'n':
		return ""
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return ""
		}
		return n.String()
	}
}

// timesPerDay coerces a numeric, integer-string or float value into a
// positive count. Anything absent, unparseable or below one yields 1.
func timesPerDay(raw json.RawMessage) int {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 1
	}

	var n int
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 1
		}
		v, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 1
		}
		n = v
	default:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 1
		}
		if f > math.MaxInt32 {
			return 1
		}
		n = int(f)
	}

	if n < 1 {
		return 1
	}
	return n
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}
