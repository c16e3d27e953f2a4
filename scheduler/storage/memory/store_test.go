package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsvc/schedule/scheduler/storage"
)

func TestStore_WriteAndReadSubtree(t *testing.T) {
	store := New()
	ctx := context.Background()

	err := store.WriteMulti(ctx, map[string]storage.Update{
		"series/cal/a":   storage.Put([]byte("A")),
		"series/cal/b":   storage.Put([]byte("B")),
		"series/other/c": storage.Put([]byte("C")),
		"occurrences/cal/a/2024/01/2024-01-01T09:00": storage.Put([]byte("o1")),
	})
	require.NoError(t, err)

	got, err := store.ReadSubtree(ctx, "series/cal")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{
		"series/cal/a": []byte("A"),
		"series/cal/b": []byte("B"),
	}, got)

	leaf, err := store.ReadSubtree(ctx, "series/cal/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("A"), leaf["series/cal/a"])

	empty, err := store.ReadSubtree(ctx, "series/missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStore_ReadSubtreeDoesNotMatchSiblingPrefix(t *testing.T) {
	store := New()
	ctx := context.Background()

	require.NoError(t, store.WriteMulti(ctx, map[string]storage.Update{
		"series/cal/a":   storage.Put([]byte("A")),
		"series/cal-2/b": storage.Put([]byte("B")),
	}))

	got, err := store.ReadSubtree(ctx, "series/cal")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStore_WriteReplacesSubtree(t *testing.T) {
	store := New()
	ctx := context.Background()

	require.NoError(t, store.WriteMulti(ctx, map[string]storage.Update{
		"occurrences/cal/a/2024/01/x": storage.Put([]byte("1")),
		"occurrences/cal/a/2024/02/y": storage.Put([]byte("2")),
		"occurrences/cal/b/2024/01/z": storage.Put([]byte("3")),
	}))

	require.NoError(t, store.WriteMulti(ctx, map[string]storage.Update{
		"occurrences/cal/a": storage.Remove(),
	}))

	got, err := store.ReadSubtree(ctx, "occurrences")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"occurrences/cal/b/2024/01/z": []byte("3")}, got)

	// A value written over a branch replaces the branch.
	require.NoError(t, store.WriteMulti(ctx, map[string]storage.Update{
		"occurrences/cal/b": storage.Put([]byte("flat")),
	}))
	got, err = store.ReadSubtree(ctx, "occurrences/cal/b")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"occurrences/cal/b": []byte("flat")}, got)
}

func TestStore_WriteMultiRejectsInvalidBatches(t *testing.T) {
	store := New()
	ctx := context.Background()

	tests := []struct {
		name    string
		updates map[string]storage.Update
	}{
		{
			name: "ancestor and descendant",
			updates: map[string]storage.Update{
				"series/cal":   storage.Remove(),
				"series/cal/a": storage.Put([]byte("A")),
			},
		},
		{
			name:    "empty segment",
			updates: map[string]storage.Update{"series//a": storage.Put([]byte("A"))},
		},
		{
			name:    "nil value",
			updates: map[string]storage.Update{"series/cal/a": {}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.WriteMulti(ctx, tt.updates)
			require.Error(t, err)
			assert.True(t, storage.IsType(err, storage.ErrInvalidInput))
			assert.Equal(t, 0, store.Len(), "rejected batch must not be partially applied")
		})
	}
}

func TestStore_WriteMultiHonorsCancelledContext(t *testing.T) {
	store := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.WriteMulti(ctx, map[string]storage.Update{"series/cal/a": storage.Put([]byte("A"))})

	assert.True(t, storage.IsType(err, storage.ErrUnavailable))
	assert.Equal(t, 0, store.Len())
}

func TestStore_NewID(t *testing.T) {
	store := New()
	ctx := context.Background()

	a, err := store.NewID(ctx, "series/cal")
	require.NoError(t, err)
	b, err := store.NewID(ctx, "series/cal")
	require.NoError(t, err)

	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestStore_Subscribe(t *testing.T) {
	store := New()
	ctx := context.Background()

	var events []storage.Event
	unsubscribe, err := store.Subscribe(ctx, "series/cal", func(e storage.Event) {
		events = append(events, e)
	})
	require.NoError(t, err)

	require.NoError(t, store.WriteMulti(ctx, map[string]storage.Update{
		"series/cal/a":   storage.Put([]byte("A")),
		"series/other/b": storage.Put([]byte("B")),
	}))
	require.NoError(t, store.WriteMulti(ctx, map[string]storage.Update{
		"series/other/c": storage.Put([]byte("C")),
	}))

	require.Len(t, events, 1)
	assert.Equal(t, []string{"series/cal/a"}, events[0].Paths)

	unsubscribe()
	require.NoError(t, store.WriteMulti(ctx, map[string]storage.Update{
		"series/cal/a": storage.Remove(),
	}))
	assert.Len(t, events, 1)
}

func TestStore_SubscribeEndsWithContext(t *testing.T) {
	store := New()
	ctx, cancel := context.WithCancel(context.Background())

	_, err := store.Subscribe(ctx, "series", func(storage.Event) {})
	require.NoError(t, err)
	assert.Equal(t, 1, store.bus.Len())

	cancel()
	assert.Eventually(t, func() bool { return store.bus.Len() == 0 }, time.Second, time.Millisecond)
}

func TestStore_ReadReturnsCopies(t *testing.T) {
	store := New()
	ctx := context.Background()
	require.NoError(t, store.WriteMulti(ctx, map[string]storage.Update{"series/cal/a": storage.Put([]byte("A"))}))

	got, err := store.ReadSubtree(ctx, "series/cal/a")
	require.NoError(t, err)
	got["series/cal/a"][0] = 'Z'

	again, err := store.ReadSubtree(ctx, "series/cal/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("A"), again["series/cal/a"])
}
