package transcript

import (
	"strings"

	"github.com/mrsingh-rishi/callbridge/agent"
)

// Entry is one utterance, in the order the voice agent reported it.
type Entry struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Labeler turns speaker roles into the names printed in flattened transcripts.
type Labeler struct {
	Agent string
	Human string
}

func NewLabeler(human string) Labeler {
	if human == "" {
		human = "User"
	}
	return Labeler{Agent: "Agent", Human: human}
}

func (l Labeler) Label(speaker string) string {
	if agent.IsHuman(speaker) {
		return l.Human
	}
	return l.Agent
}

// Flatten renders entries as "Label: text" lines joined by sep.
func (l Labeler) Flatten(entries []Entry, sep string) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, l.Label(e.Speaker)+": "+e.Text)
	}
	return strings.Join(lines, sep)
}
