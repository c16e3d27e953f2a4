package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fieldsvc/schedule/scheduler/series"
	"github.com/fieldsvc/schedule/scheduler/storage"
	"github.com/fieldsvc/schedule/scheduler/storage/memory"
)

func sampleSeries(cal, id string) *series.Series {
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	return &series.Series{
		ID:         id,
		CalendarID: cal,
		Payload:    series.Payload{Title: "Window washing"},
		Start:      series.At(start, "America/New_York"),
		End:        series.At(start.Add(time.Hour), "America/New_York"),
		Rule:       &series.Rule{Freq: series.Weekly},
	}
}

func TestRepository_SeriesRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	repo := storage.NewRepository(store)

	want := sampleSeries("cal", "s1")
	want.Exclusions.Add(time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC))
	path, u, err := storage.EncodeSeriesUpdate(want)
	require.NoError(t, err)
	assert.Equal(t, "series/cal/s1", path)
	require.NoError(t, store.WriteMulti(ctx, map[string]storage.Update{path: u}))

	got, err := repo.Series(ctx, "cal", "s1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = repo.Series(ctx, "cal", "missing")
	assert.True(t, storage.IsNotFound(err))
}

func TestRepository_ListSeriesAndCalendars(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	repo := storage.NewRepository(store)

	updates := map[string]storage.Update{}
	for _, s := range []*series.Series{sampleSeries("b", "2"), sampleSeries("a", "1"), sampleSeries("b", "1")} {
		path, u, err := storage.EncodeSeriesUpdate(s)
		require.NoError(t, err)
		updates[path] = u
	}
	require.NoError(t, store.WriteMulti(ctx, updates))

	list, err := repo.ListSeries(ctx, "b")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "1", list[0].ID)
	assert.Equal(t, "2", list[1].ID)

	all, err := repo.ListAllSeries(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	cals, err := repo.Calendars(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, cals)
}

func TestRepository_DecodeNormalizesExceptionKeys(t *testing.T) {
	ctx := context.Background()
	store := &storage.MockStorage{}
	repo := storage.NewRepository(store)

	raw := `{"id":"s1","calendarId":"cal","payload":{"title":"x"},
		"start":{"timestamp":"2024-01-01T09:00:00Z"},"end":{"timestamp":"2024-01-01T10:00:00Z"},
		"rule":{"freq":"DAILY","until":null,"count":null},
		"exclusions":{"2024-01-02T09:00:30":true,"bogus":true},
		"createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-01T00:00:00Z"}`
	store.On("ReadSubtree", mock.Anything, "series/cal/s1").
		Return(map[string][]byte{"series/cal/s1": []byte(raw)}, nil)

	got, err := repo.Series(ctx, "cal", "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-02T09:00"}, got.Exclusions.Keys())
	store.AssertExpectations(t)
}

func TestRepository_PropagatesStoreErrors(t *testing.T) {
	ctx := context.Background()
	store := &storage.MockStorage{}
	repo := storage.NewRepository(store)

	store.On("ReadSubtree", mock.Anything, "series/cal").
		Return(nil, &storage.Error{Type: storage.ErrUnavailable, Message: "connection refused"})

	_, err := repo.ListSeries(ctx, "cal")
	assert.True(t, storage.IsType(err, storage.ErrUnavailable))
}

func TestRepository_Partition(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	repo := storage.NewRepository(store)

	occ := &series.Occurrence{ID: "2024-01-08T09:00", SeriesID: "s1", CalendarID: "cal", Status: series.StatusScheduled}
	data, err := storage.EncodeOccurrence(occ)
	require.NoError(t, err)
	path, err := storage.OccurrencePath("cal", "s1", occ.ID)
	require.NoError(t, err)
	require.NoError(t, store.WriteMulti(ctx, map[string]storage.Update{path: storage.Put(data)}))

	got, err := repo.Partition(ctx, "cal", "s1", 2024, time.January)
	require.NoError(t, err)
	require.Contains(t, got, path)
	assert.Equal(t, occ.ID, got[path].ID)

	empty, err := repo.Partition(ctx, "cal", "s1", 2024, time.February)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestBroadcaster_FiltersByPath(t *testing.T) {
	bus := storage.NewBroadcaster()
	ctx := context.Background()

	var got [][]string
	cancel, err := bus.Subscribe(ctx, "occurrences/cal/s1", func(e storage.Event) {
		got = append(got, e.Paths)
	})
	require.NoError(t, err)
	defer cancel()

	bus.Publish([]string{"occurrences/cal/s1/2024/01/x", "occurrences/cal/s2/2024/01/y"})
	bus.Publish([]string{"occurrences/cal"})
	bus.Publish([]string{"series/cal/s1"})

	assert.Equal(t, [][]string{
		{"occurrences/cal/s1/2024/01/x"},
		{"occurrences/cal"},
	}, got)

	_, err = bus.Subscribe(ctx, "", func(storage.Event) {})
	assert.Error(t, err)
}
