package extraction

import "strings"

// promptHeader instructs the model to answer with a bare JSON array. The
// recovery parser tolerates fences and prose, but the fewer it has to strip
// the more often the direct tier succeeds.
const promptHeader = `You are a medical prescription parser. Your only output is a JSON array.

Extract ONLY the medicines that appear in the OCR text below.

Rules:
- Never invent a medicine. If a word is not clearly a medicine, leave it out.
- Correct obvious OCR typos (for example "CALP0L" is "CALPOL").
- Abbreviations: Tab=Tablet, Cap=Capsule, Syp=Syrup, Inj=Injection.
- Frequencies: OD=once daily, BD=twice daily, TDS=three times daily, QID=four times daily, SOS=as needed.
- A "1-0-1" pattern means morning and night, so times_per_day is 2. "1-1-1" is 3. "1-0-0" is 1.
- "x 5d" or "for 5 days" goes into duration.
- times_per_day is an integer. Use 1 when unsure.
- Leave a field as "" when the prescription does not say.
- No markdown, no code fences, no explanation. Output the array and nothing else.

Each element has exactly these keys:
{"name":"","dosage":"","frequency":"","times_per_day":1,"meal_timing":"","duration":""}

Example output:
[{"name":"Paracetamol","dosage":"500mg","frequency":"OD","times_per_day":1,"meal_timing":"after food","duration":"5 days"}]

OCR TEXT:
`

// BuildPrompt returns the extraction prompt for rawText.
func BuildPrompt(rawText string) string {
	var b strings.Builder
	b.Grow(len(promptHeader) + len(rawText))
	b.WriteString(promptHeader)
	b.WriteString(strings.TrimSpace(rawText))
	return b.String()
}
