package gateway

import (
	"sort"

	"github.com/mcdev12/stagesync/go/internal/protocol"
)

// messageEntry is a per-screen override; shown=false hides the global message too
type messageEntry struct {
	text  string
	shown bool
}

// MessageSlot shadows which message each screen is displaying.
// A message sent to "all" is a global layer that per-screen entries override.
type MessageSlot struct {
	global    *string
	perScreen map[string]messageEntry
}

func NewMessageSlot() *MessageSlot {
	return &MessageSlot{perScreen: make(map[string]messageEntry)}
}

func (s *MessageSlot) Show(screenID, text string) {
	if screenID == protocol.TargetAll {
		s.global = &text
		clear(s.perScreen)
		return
	}
	s.perScreen[screenID] = messageEntry{text: text, shown: true}
}

func (s *MessageSlot) Hide(screenID string) {
	if screenID == protocol.TargetAll {
		s.global = nil
		clear(s.perScreen)
		return
	}
	s.perScreen[screenID] = messageEntry{shown: false}
}

// Current returns the message a screen should be showing
func (s *MessageSlot) Current(screenID string) (string, bool) {
	if e, ok := s.perScreen[screenID]; ok {
		return e.text, e.shown
	}
	if s.global != nil {
		return *s.global, true
	}
	return "", false
}

// VisibilitySet shadows which elements each screen is showing. Elements
// shown for "all" form a global set; per-screen show/hide overrides it.
type VisibilitySet struct {
	global    map[string]struct{}
	overrides map[string]map[string]bool
}

func NewVisibilitySet() *VisibilitySet {
	return &VisibilitySet{
		global:    make(map[string]struct{}),
		overrides: make(map[string]map[string]bool),
	}
}

func (v *VisibilitySet) Show(screenID, elementID string) {
	v.set(screenID, elementID, true)
}

func (v *VisibilitySet) Hide(screenID, elementID string) {
	v.set(screenID, elementID, false)
}

func (v *VisibilitySet) set(screenID, elementID string, shown bool) {
	if screenID == protocol.TargetAll {
		if shown {
			v.global[elementID] = struct{}{}
		} else {
			delete(v.global, elementID)
		}
		// a global toggle wins over earlier per-screen toggles of the same element
		for id, o := range v.overrides {
			delete(o, elementID)
			if len(o) == 0 {
				delete(v.overrides, id)
			}
		}
		return
	}

	if v.overrides[screenID] == nil {
		v.overrides[screenID] = make(map[string]bool)
	}
	v.overrides[screenID][elementID] = shown
}

// Visible returns the sorted element ids a screen should be showing
func (v *VisibilitySet) Visible(screenID string) []string {
	seen := make(map[string]struct{}, len(v.global))
	for el := range v.global {
		seen[el] = struct{}{}
	}
	for el, shown := range v.overrides[screenID] {
		if shown {
			seen[el] = struct{}{}
		} else {
			delete(seen, el)
		}
	}

	out := make([]string, 0, len(seen))
	for el := range seen {
		out = append(out, el)
	}
	sort.Strings(out)
	return out
}

// IsVisible reports whether one element is visible on a screen
func (v *VisibilitySet) IsVisible(screenID, elementID string) bool {
	if shown, ok := v.overrides[screenID][elementID]; ok {
		return shown
	}
	_, ok := v.global[elementID]
	return ok
}
