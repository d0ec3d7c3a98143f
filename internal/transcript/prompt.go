// internal/transcript/prompt.go
package transcript

import (
	"errors"
	"strings"
)

// ErrNoUserContent is returned by Render when the transcript holds no
// user-role turn, i.e. there is nothing to respond to.
var ErrNoUserContent = errors.New("transcript: no user content to respond to")

// Default role labels follow the instruction format most local completion
// models are tuned on.
const (
	DefaultUserLabel      = "### Human:"
	DefaultAssistantLabel = "### Assistant:"
)

// Renderer turns a transcript into the exact prompt text the completion
// backend expects. Rendering is deterministic: the same turn sequence always
// produces byte-identical output. The renderer never truncates turn text;
// sizing the transcript is the Buffer's job.
type Renderer struct {
	userLabel      string
	assistantLabel string
}

// NewRenderer creates a Renderer with the given role labels. Empty labels
// fall back to the defaults.
func NewRenderer(userLabel, assistantLabel string) *Renderer {
	if userLabel == "" {
		userLabel = DefaultUserLabel
	}
	if assistantLabel == "" {
		assistantLabel = DefaultAssistantLabel
	}
	return &Renderer{
		userLabel:      userLabel,
		assistantLabel: assistantLabel,
	}
}

// Render produces the prompt: the system preamble verbatim, one labelled
// line per turn, and a trailing assistant cue for the model to complete.
func (r *Renderer) Render(turns []Turn) (string, error) {
	var sb strings.Builder
	hasUser := false
	for _, t := range turns {
		switch t.Role {
		case RoleSystem:
			sb.WriteString(t.Text)
			sb.WriteString("\n")
		case RoleUser:
			hasUser = true
			sb.WriteString(r.userLabel)
			sb.WriteString(" ")
			sb.WriteString(t.Text)
			sb.WriteString("\n")
		case RoleAssistant:
			sb.WriteString(r.assistantLabel)
			sb.WriteString(" ")
			sb.WriteString(t.Text)
			sb.WriteString("\n")
		}
	}
	if !hasUser {
		return "", ErrNoUserContent
	}
	sb.WriteString(r.assistantLabel)
	return sb.String(), nil
}

// StopSequences derives sampling stop strings from the role labels so the
// model cannot continue the dialogue past its own turn.
func (r *Renderer) StopSequences() []string {
	return []string{r.userLabel, r.assistantLabel}
}
