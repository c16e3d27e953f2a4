package series

import (
	"fmt"
	"slices"
	"time"
)

// KeyLayout is the canonical occurrence id format: the generated start as a
// zone-naive local timestamp truncated to the minute.
const KeyLayout = "2006-01-02T15:04"

// keyLayouts are accepted when normalizing ids recorded with other precisions.
var keyLayouts = []string{
	KeyLayout,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
	"20060102T150405",
	"20060102T150405Z",
}

// Key returns the occurrence id for a generated start.
func Key(t time.Time) string {
	return Floating(t).Truncate(time.Minute).Format(KeyLayout)
}

// ParseKey parses an occurrence id (in any accepted precision) back into its
// floating instant, truncated to the minute.
func ParseKey(id string) (time.Time, error) {
	for _, layout := range keyLayouts {
		t, err := time.Parse(layout, id)
		if err == nil {
			return Floating(t).Truncate(time.Minute), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidOccurrenceID, id)
}

// NormalizeKey rewrites id into the canonical KeyLayout.
func NormalizeKey(id string) (string, error) {
	t, err := ParseKey(id)
	if err != nil {
		return "", err
	}
	return t.Format(KeyLayout), nil
}

// Exclusions is the set of suppressed occurrence ids. It is stored as a
// key -> true map, the usual set encoding of a tree store.
type Exclusions map[string]bool

// Add suppresses the occurrence starting at t. Adding an id twice is a no-op.
// It reports whether the set changed.
func (e *Exclusions) Add(t time.Time) bool {
	if *e == nil {
		*e = make(Exclusions)
	}
	k := Key(t)
	if (*e)[k] {
		return false
	}
	(*e)[k] = true
	return true
}

// Has reports whether the occurrence starting at t is suppressed.
func (e Exclusions) Has(t time.Time) bool {
	return e[Key(t)]
}

// Remove drops the exclusion for t.
func (e Exclusions) Remove(t time.Time) {
	delete(e, Key(t))
}

// PruneFrom removes every exclusion at or after t and returns how many were removed.
func (e Exclusions) PruneFrom(t time.Time) int {
	return pruneFrom(e, t)
}

// Keys returns the ids in chronological order.
func (e Exclusions) Keys() []string {
	return sortedKeys(e)
}

// Normalize re-keys every entry through NormalizeKey, collapsing ids that
// differ only in sub-minute precision. Unparseable ids are dropped and returned.
func (e *Exclusions) Normalize() []string {
	if len(*e) == 0 {
		return nil
	}
	var bad []string
	out := make(Exclusions, len(*e))
	for k, v := range *e {
		if !v {
			continue
		}
		nk, err := NormalizeKey(k)
		if err != nil {
			bad = append(bad, k)
			continue
		}
		out[nk] = true
	}
	*e = out
	return bad
}

// Overrides maps occurrence ids to their patches.
type Overrides map[string]Override

// Set stores the override for the occurrence generated at t.
func (o *Overrides) Set(t time.Time, ov Override) {
	if *o == nil {
		*o = make(Overrides)
	}
	(*o)[Key(t)] = ov
}

// Get returns the override for the occurrence generated at t.
func (o Overrides) Get(t time.Time) (Override, bool) {
	ov, ok := o[Key(t)]
	return ov, ok
}

// Remove drops the override for t.
func (o Overrides) Remove(t time.Time) {
	delete(o, Key(t))
}

// PruneFrom removes every override at or after t and returns how many were removed.
func (o Overrides) PruneFrom(t time.Time) int {
	return pruneFrom(o, t)
}

// Keys returns the ids in chronological order.
func (o Overrides) Keys() []string {
	return sortedKeys(o)
}

// Normalize re-keys overrides like Exclusions.Normalize. When two ids collapse
// into one, the chronologically last raw id wins.
func (o *Overrides) Normalize() []string {
	if len(*o) == 0 {
		return nil
	}
	var bad []string
	out := make(Overrides, len(*o))
	for _, k := range sortedKeys(*o) {
		nk, err := NormalizeKey(k)
		if err != nil {
			bad = append(bad, k)
			continue
		}
		out[nk] = (*o)[k]
	}
	*o = out
	return bad
}

func pruneFrom[V any](m map[string]V, t time.Time) int {
	cut := Floating(t).Truncate(time.Minute)
	n := 0
	for k := range m {
		kt, err := ParseKey(k)
		if err != nil {
			continue
		}
		if !kt.Before(cut) {
			delete(m, k)
			n++
		}
	}
	return n
}

// sortedKeys orders keys lexically, which is chronological for KeyLayout.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
