package medparse

// BalancedObjects returns every top-level {...} span in s whose braces
// balance. Braces inside JSON strings are ignored and backslash escapes
// inside strings are honoured. A trailing object that never closes (because
// the text was cut off) is dropped.
//
// The scan is byte-wise; every structural character is ASCII, so multi-byte
// UTF-8 sequences pass through untouched.
func BalancedObjects(s string) []string {
	var (
		spans    []string
		depth    int
		start    = -1
		inString bool
		escaped  bool
	)

	for i := 0; i < len(s); i++ {
		c := s[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				// Stray closer before any opener.
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				spans = append(spans, s[start:i+1])
				start = -1
			}
		}
	}
	return spans
}
