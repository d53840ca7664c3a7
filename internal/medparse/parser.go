// Package medparse recovers a list of medicines from raw model output.
//
// Model answers are frequently wrapped in code fences, prefixed with prose,
// or cut off by the output-token limit. [Parse] applies a cascade of
// increasingly lenient strategies and stops at the first one that yields at
// least one medicine:
//
//  1. strip code fences and surrounding whitespace
//  2. parse the cleaned text as a JSON array
//  3. parse the substring between the first '[' and the last ']'
//  4. scan for balanced top-level {...} objects and parse each on its own,
//     recovering every complete object emitted before a truncation
//  5. (only when the text has no '[' at all) extract single-level objects
//     carrying a "name" key with a regular expression
//
// Parse never fails. Objects that cannot be decoded or lack a usable name are
// skipped, and a human-readable trace of every step is returned alongside the
// result.
package medparse

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/MrWong99/pillbox/pkg/types"
)

// Tier identifies the cascade step that produced a [Result].
type Tier string

const (
	TierNone      Tier = "none"
	TierDirect    Tier = "direct"
	TierBracket   Tier = "bracket"
	TierTruncated Tier = "truncated"
	TierRegex     Tier = "regex"
)

// Result is the outcome of [Parse].
type Result struct {
	// Medicines are the recovered records in input order.
	Medicines []types.Medicine

	// TimesPerDay maps medicine name to its numeric daily count. It is kept
	// separately from the display fields for the schedule generator.
	TimesPerDay map[string]int

	// Tier is the cascade step that produced Medicines, or TierNone.
	Tier Tier

	// Trace holds diagnostic lines describing every step attempted.
	Trace []string
}

// traceExcerpt bounds how much of the cleaned text is copied into the trace.
const traceExcerpt = 300

var (
	jsonFence  = regexp.MustCompile("(?i)```json\\s*")
	plainFence = regexp.MustCompile("```\\s*")

	// namedObject matches a single-level object containing a "name" string.
	namedObject = regexp.MustCompile(`\{[^{}]*"name"\s*:\s*"[^"]+[^{}]*\}`)
)

// Parse runs the recovery cascade over text.
func Parse(text string) Result {
	res := Result{TimesPerDay: make(map[string]int), Tier: TierNone}

	cleaned := StripFences(text)
	res.tracef("cleaned (first %d): %s", traceExcerpt, truncate(cleaned, traceExcerpt))

	// ── Tier 2: direct array ─────────────────────────────────────────────
	if objs, err := decodeArray(cleaned); err != nil {
		res.tracef("direct parse failed: %v", err)
	} else if res.collect(objs) > 0 {
		res.Tier = TierDirect
		res.tracef("direct parse: %d medicines", len(res.Medicines))
		return res
	} else {
		res.tracef("direct parse: array held no usable medicines")
	}

	start := strings.IndexByte(cleaned, '[')
	end := strings.LastIndexByte(cleaned, ']')

	// ── Tier 3: bracket slice ────────────────────────────────────────────
	switch {
	case start < 0:
		res.tracef("bracket parse skipped: no '[' found")
	case end <= start:
		res.tracef("bracket parse skipped: no ']' after '[' (likely truncated)")
	default:
		if objs, err := decodeArray(cleaned[start : end+1]); err != nil {
			res.tracef("bracket parse failed: %v", err)
		} else if res.collect(objs) > 0 {
			res.Tier = TierBracket
			res.tracef("bracket parse: %d medicines", len(res.Medicines))
			return res
		} else {
			res.tracef("bracket parse: array held no usable medicines")
		}
	}

	// ── Tier 4: truncated-object recovery ────────────────────────────────
	from := 0
	if start >= 0 {
		from = start
	}
	spans := BalancedObjects(cleaned[from:])
	var objs []json.RawMessage
	for _, span := range spans {
		if !json.Valid([]byte(span)) {
			res.tracef("recovery: skipped malformed object %s", truncate(span, 60))
			continue
		}
		objs = append(objs, json.RawMessage(span))
	}
	if res.collect(objs) > 0 {
		res.Tier = TierTruncated
		res.tracef("recovery: %d medicines from %d balanced objects", len(res.Medicines), len(spans))
		return res
	}
	res.tracef("recovery: no usable objects among %d balanced spans", len(spans))

	// ── Tier 5: regex objects ────────────────────────────────────────────
	if start >= 0 {
		res.tracef("regex extraction skipped: text contains '['")
		return res
	}
	objs = objs[:0]
	for _, m := range namedObject.FindAllString(cleaned, -1) {
		if json.Valid([]byte(m)) {
			objs = append(objs, json.RawMessage(m))
		}
	}
	if res.collect(objs) > 0 {
		res.Tier = TierRegex
		res.tracef("regex extraction: %d medicines", len(res.Medicines))
		return res
	}
	res.tracef("regex extraction: no medicines found")
	return res
}

// StripFences removes markdown code-fence markers (```json and ```) and
// trims surrounding whitespace.
func StripFences(text string) string {
	s := strings.TrimSpace(text)
	s = jsonFence.ReplaceAllString(s, "")
	s = plainFence.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// decodeArray decodes s as a JSON array without interpreting its elements.
func decodeArray(s string) ([]json.RawMessage, error) {
	var objs []json.RawMessage
	if err := json.Unmarshal([]byte(s), &objs); err != nil {
		return nil, err
	}
	return objs, nil
}

// collect maps every object and appends the usable ones. It returns the
// number of medicines added.
func (r *Result) collect(objs []json.RawMessage) int {
	added := 0
	for i, raw := range objs {
		med, ok := mapObject(raw)
		if !ok {
			r.tracef("object %d discarded: missing or too-short name", i)
			continue
		}
		r.Medicines = append(r.Medicines, med)
		if _, seen := r.TimesPerDay[med.Name]; !seen {
			r.TimesPerDay[med.Name] = med.TimesPerDay
		}
		added++
	}
	return added
}

func (r *Result) tracef(format string, args ...any) {
	r.Trace = append(r.Trace, fmt.Sprintf(format, args...))
}

// truncate returns at most n runes of s.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
