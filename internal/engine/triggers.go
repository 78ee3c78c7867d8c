package engine

import "strings"

// matchTrigger reports the first trigger phrase contained in description,
// ignoring case.
func matchTrigger(description string, triggers []string) (string, bool) {
	d := strings.ToLower(description)
	for _, t := range triggers {
		if t == "" {
			continue
		}
		if strings.Contains(d, strings.ToLower(t)) {
			return t, true
		}
	}
	return "", false
}
