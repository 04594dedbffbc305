package mirror

import (
	"time"

	"github.com/hazyhaar/idemirror/snapshot"
)

// TypingSession pins the keyboard to one editable zone. At most one session
// exists at a time: clicking another editable zone replaces it, Escape or an
// explicit stop ends it, and a snapshot that no longer contains the target
// element invalidates it.
type TypingSession struct {
	ID        string
	Selector  string
	Semantic  snapshot.SemanticType
	StartedAt time.Time
}

// editable reports whether a zone of this semantic type accepts a typing
// session. Chat zones are deliberately excluded: chat input goes through the
// one-shot message command, not keystroke mirroring.
func editable(sem snapshot.SemanticType) bool {
	switch sem {
	case snapshot.SemanticEditor, snapshot.SemanticTerminal, snapshot.SemanticInput:
		return true
	}
	return false
}
