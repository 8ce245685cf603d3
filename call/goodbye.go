package call

import "strings"

// goodbyePhrases end the call when the human says any of them. Matching is a
// case-insensitive substring test, so "bye" alone covers most of the list.
var goodbyePhrases = []string{
	"bye",
	"goodbye",
	"good bye",
	"good-by",
	"bye bye",
	"gotta go",
	"have to go",
}

// IsGoodbye reports whether text contains a farewell phrase.
func IsGoodbye(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return false
	}
	for _, phrase := range goodbyePhrases {
		if strings.Contains(t, phrase) {
			return true
		}
	}
	return false
}
