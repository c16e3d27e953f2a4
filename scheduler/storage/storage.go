// Package storage defines the tree-structured store the scheduler persists to
// and the record layout it uses inside it.
//
// A store exposes four primitives: read a subtree, write several paths
// atomically, generate an id, and subscribe to changes. Values live at leaf
// paths such as "series/<calendarId>/<seriesId>"; writing or deleting a path
// replaces everything beneath it.
package storage

import "context"

// Update is one entry of a multi-path write: either a value or a delete marker.
type Update struct {
	Value  []byte
	Delete bool
}

// Put returns an Update that stores value.
func Put(value []byte) Update {
	return Update{Value: value}
}

// Remove returns a delete marker.
func Remove() Update {
	return Update{Delete: true}
}

// Event reports the paths touched by one committed write.
type Event struct {
	Paths []string
}

// Store is the interface a tree backend must implement.
type Store interface {
	// ReadSubtree returns every leaf value at or below path, keyed by full path.
	// An empty subtree yields an empty map and no error.
	ReadSubtree(ctx context.Context, path string) (map[string][]byte, error)

	// WriteMulti applies all updates atomically. A value or delete marker
	// replaces the whole subtree at its path. Paths in one batch must not be
	// ancestors or descendants of each other.
	WriteMulti(ctx context.Context, updates map[string]Update) error

	// NewID returns a fresh unique id for a child of path.
	NewID(ctx context.Context, path string) (string, error)

	// Subscribe calls onChange after every committed write touching path or
	// anything below or above it. The returned func cancels the subscription;
	// cancelling ctx does the same.
	Subscribe(ctx context.Context, path string, onChange func(Event)) (func(), error)
}

// ValidateBatch checks every path of a write and rejects overlapping entries.
func ValidateBatch(updates map[string]Update) ([]string, error) {
	if len(updates) == 0 {
		return nil, nil
	}
	paths := make([]string, 0, len(updates))
	for p, u := range updates {
		if err := ValidatePath(p); err != nil {
			return nil, err
		}
		if !u.Delete && u.Value == nil {
			return nil, invalidInput("nil value for %q; use Remove to delete", p)
		}
		paths = append(paths, p)
	}
	if err := CheckOverlap(paths); err != nil {
		return nil, err
	}
	return paths, nil
}
