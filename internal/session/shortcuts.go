package session

import (
	"errors"

	"github.com/irt-reconciliation-engine/internal/domain"
)

// KeyEvent is a key press from the review screen.
type KeyEvent struct {
	Key         string `json:"key"`
	InTextInput bool   `json:"in_text_input"`
}

// ShortcutKind classifies a resolved key press.
type ShortcutKind int

const (
	ShortcutNone ShortcutKind = iota
	ShortcutPrevRecord
	ShortcutNextRecord
	ShortcutNoMatch
	ShortcutSelectCandidate
)

// Shortcut is the command a key maps to. Rank is set for ShortcutSelectCandidate.
type Shortcut struct {
	Kind ShortcutKind
	Rank int
}

// ResolveShortcut maps a key event to its command. Keys typed into a text input never
// trigger shortcuts.
func ResolveShortcut(ev KeyEvent) (Shortcut, bool) {
	if ev.InTextInput {
		return Shortcut{}, false
	}
	switch ev.Key {
	case "ArrowLeft", "Left":
		return Shortcut{Kind: ShortcutPrevRecord}, true
	case "ArrowRight", "Right":
		return Shortcut{Kind: ShortcutNextRecord}, true
	case "n", "N":
		return Shortcut{Kind: ShortcutNoMatch}, true
	}
	if len(ev.Key) == 1 && ev.Key[0] >= '1' && ev.Key[0] <= '0'+domain.MaxShortcutRank {
		return Shortcut{Kind: ShortcutSelectCandidate, Rank: int(ev.Key[0] - '0')}, true
	}
	return Shortcut{}, false
}

// HandleKey applies a keyboard shortcut during the match step. It reports whether the key
// did anything; a digit for a rank that does not exist is ignored.
func (s *Session) HandleKey(ev KeyEvent) (bool, error) {
	shortcut, ok := ResolveShortcut(ev)
	if !ok {
		return false, nil
	}
	if s.Snapshot().Step != domain.StepMatch {
		return false, nil
	}

	switch shortcut.Kind {
	case ShortcutPrevRecord:
		s.Dispatch(PrevRecord{})
		return true, nil
	case ShortcutNextRecord:
		s.Dispatch(NextRecord{})
		return true, nil
	case ShortcutNoMatch:
		if _, err := s.RecordNoMatch(); err != nil {
			return false, err
		}
		return true, nil
	case ShortcutSelectCandidate:
		_, err := s.RecordMatch(shortcut.Rank)
		if errors.Is(err, domain.ErrCandidateRankOutOfRange) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, nil
	}
}
