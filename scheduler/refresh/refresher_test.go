package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fieldsvc/schedule/scheduler/materialize"
	"github.com/fieldsvc/schedule/scheduler/series"
	"github.com/fieldsvc/schedule/scheduler/storage"
	"github.com/fieldsvc/schedule/scheduler/storage/memory"
)

// fakeMaterializer blocks the first `blocking` passes until their context ends.
type fakeMaterializer struct {
	mu       sync.Mutex
	calls    []string
	blocking int
}

func (f *fakeMaterializer) Materialize(ctx context.Context, calendarID string) (*materialize.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, calendarID)
	block := len(f.calls) <= f.blocking
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &materialize.Result{}, nil
}

func (f *fakeMaterializer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type outcome struct {
	calendarID string
	trigger    string
	err        error
}

func collect() (ResultFunc, <-chan outcome) {
	ch := make(chan outcome, 16)
	return func(calendarID, trigger string, _ *materialize.Result, err error) {
		ch <- outcome{calendarID, trigger, err}
	}, ch
}

func putSeries(t *testing.T, store storage.Store, calendarID, id string) {
	t.Helper()
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	s := &series.Series{
		ID:         id,
		CalendarID: calendarID,
		Payload:    series.Payload{Title: "Pest control"},
		Start:      series.At(start, "UTC"),
		End:        series.At(start.Add(time.Hour), "UTC"),
		Rule:       &series.Rule{Freq: series.Weekly, Count: mo.Some(4)},
	}
	path, u, err := storage.EncodeSeriesUpdate(s)
	require.NoError(t, err)
	require.NoError(t, store.WriteMulti(context.Background(), map[string]storage.Update{path: u}))
}

func receive(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a materialization pass")
		return outcome{}
	}
}

func TestRefresher_SeriesChangeTriggersPass(t *testing.T) {
	store := memory.New()
	mat := &fakeMaterializer{}
	onResult, results := collect()
	r := New(store, mat, WithSchedule(""), WithCalendars("cal"), WithResultFunc(onResult))
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	putSeries(t, store, "other", "x")
	putSeries(t, store, "cal", "a")

	got := receive(t, results)
	assert.Equal(t, outcome{calendarID: "cal", trigger: TriggerChange}, got)
	assert.Equal(t, []string{"cal"}, mat.Calls())
}

func TestRefresher_OccurrenceWritesAreIgnored(t *testing.T) {
	store := memory.New()
	mat := &fakeMaterializer{}
	onResult, results := collect()
	r := New(store, mat, WithSchedule(""), WithResultFunc(onResult))
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	require.NoError(t, store.WriteMulti(context.Background(), map[string]storage.Update{
		"occurrences/cal/a/2024/01/2024-01-01T09:00": storage.Put([]byte(`{}`)),
	}))
	putSeries(t, store, "cal", "a")

	got := receive(t, results)
	assert.Equal(t, "", got.calendarID)
	assert.Len(t, mat.Calls(), 1)
}

func TestRefresher_NewerPassSupersedes(t *testing.T) {
	mat := &fakeMaterializer{blocking: 1}
	onResult, results := collect()
	r := New(memory.New(), mat, WithSchedule(""), WithOnChange(false), WithResultFunc(onResult))
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	r.Trigger("cal", TriggerManual)
	require.Eventually(t, func() bool { return len(mat.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	r.Trigger("cal", TriggerManual)

	first, second := receive(t, results), receive(t, results)
	if first.err == nil {
		first, second = second, first
	}
	assert.True(t, errors.Is(first.err, context.Canceled))
	assert.NoError(t, second.err)
}

func TestRefresher_StopCancelsRunningPasses(t *testing.T) {
	mat := &fakeMaterializer{blocking: 2}
	onResult, results := collect()
	r := New(memory.New(), mat, WithSchedule(""), WithOnChange(false), WithResultFunc(onResult))
	require.NoError(t, r.Start(context.Background()))

	r.Trigger("a", TriggerManual)
	r.Trigger("b", TriggerManual)
	require.Eventually(t, func() bool { return len(mat.Calls()) == 2 }, time.Second, 5*time.Millisecond)

	r.Stop()
	require.Len(t, results, 2)
	for range 2 {
		assert.ErrorIs(t, (<-results).err, context.Canceled)
	}

	r.Trigger("a", TriggerManual)
	assert.Len(t, mat.Calls(), 2)
}

func TestRefresher_CronSchedule(t *testing.T) {
	mat := &fakeMaterializer{}
	onResult, results := collect()
	r := New(memory.New(), mat, WithSchedule("@every 1s"), WithOnChange(false), WithResultFunc(onResult))
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	select {
	case got := <-results:
		assert.Equal(t, TriggerCron, got.trigger)
	case <-time.After(3 * time.Second):
		t.Fatal("cron schedule never fired")
	}
}

func TestRefresher_StartErrors(t *testing.T) {
	r := New(memory.New(), &fakeMaterializer{}, WithSchedule("not a schedule"))
	assert.Error(t, r.Start(context.Background()))

	store := &storage.MockStorage{}
	store.On("Subscribe", mock.Anything, storage.SeriesPrefix, mock.Anything).Return(nil, errors.New("no change feed"))
	r = New(store, &fakeMaterializer{}, WithSchedule(""))
	assert.Error(t, r.Start(context.Background()))

	r = New(memory.New(), &fakeMaterializer{}, WithSchedule(""))
	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()))
	r.Stop()
	r.Stop()
}

func TestRefresher_TriggerBeforeStartIsNoop(t *testing.T) {
	mat := &fakeMaterializer{}
	r := New(memory.New(), mat)
	r.Trigger("cal", TriggerManual)
	assert.Empty(t, mat.Calls())
}
