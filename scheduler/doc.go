/*
Package scheduler is a recurring-service scheduler that keeps its data in a
tree-structured store.

A series is stored once, as a compact recurrence rule plus its exceptions.
The scheduler expands series into dated occurrences over a bounded rolling
window, persists them in month partitions, and supports partial mutation of
an unbounded series without corrupting future coverage.

# Basic Usage

	store := memory.New()
	sched, err := scheduler.New(store)
	if err != nil {
		log.Fatal(err)
	}
	defer sched.Close()

	created, err := sched.Create(ctx, &series.Series{
		CalendarID: "crew-north",
		Payload:    series.Payload{Title: "Lawn care"},
		Start:      series.At(start, "Europe/Paris"),
		End:        series.At(start.Add(time.Hour), "Europe/Paris"),
		Rule:       &series.Rule{Freq: series.Weekly, ByWeekday: []series.Weekday{series.Monday}},
	})

	res, err := sched.Materialize(ctx, "crew-north")
	for _, occ := range res.Occurrences {
		fmt.Println(occ.ID, occ.Start.Time, occ.Payload.Title)
	}

# Store Layout

	series/<calendarId>/<seriesId>                                  series record
	occurrences/<calendarId>/<seriesId>/<yyyy>/<mm>/<occurrenceId>  materialized occurrence

An occurrence id is the generated start formatted as 2006-01-02T15:04. It is
stable across overrides: moving an occurrence keeps its id and partition.

# Mutations

Edit and Delete take a scope:
  - ONLY_THIS records an override or an exclusion on the series
  - THIS_AND_FOLLOWING ends the series before the occurrence and, for edits,
    starts a new series from it
  - ALL rewrites or removes the series

Every mutation is a single atomic multi-path write of series records. Stored
occurrences are re-derived by the next materialization. Until then, reading a
series whose records predate its last change expands it from its current rule.

# Custom Storage Backend

Any tree store offering the four primitives of storage.Store can back the
scheduler. Memory, Redis and SQLite implementations are provided.
*/
package scheduler
