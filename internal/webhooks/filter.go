package webhooks

import (
	"bytes"
	"strings"

	"github.com/n1ur0/off-the-grid/internal/model"
)

// Matches reports whether the webhook should receive the event. Status is not
// considered here; see Publisher.
func Matches(w model.Webhook, e model.Event) bool {
	if !w.Subscribes(e.Type) {
		return false
	}
	return FilterMatches(w.Filter, w.OwnerID, e)
}

// FilterMatches evaluates a filter against an event. A nil or empty filter matches everything.
func FilterMatches(f *model.Filter, ownerID string, e model.Event) bool {
	if f.Empty() {
		return true
	}
	if f.OwnOnly && (e.OwnerScope == "" || e.OwnerScope != ownerID) {
		return false
	}
	for path, want := range f.Equals {
		got, ok := lookup(e.Payload, path)
		if !ok || !jsonEqual(got, want) {
			return false
		}
	}
	for path, options := range f.In {
		got, ok := lookup(e.Payload, path)
		if !ok {
			return false
		}
		found := false
		for _, opt := range options {
			if jsonEqual(got, opt) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, path := range f.Exists {
		if _, ok := lookup(e.Payload, path); !ok {
			return false
		}
	}
	return true
}

func lookup(payload map[string]any, path string) (any, bool) {
	var cur any = payload
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// jsonEqual compares by canonical encoding so 1, int64(1) and 1.0 are equal.
func jsonEqual(a, b any) bool {
	ab, err := CanonicalJSON(a)
	if err != nil {
		return false
	}
	bb, err := CanonicalJSON(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
