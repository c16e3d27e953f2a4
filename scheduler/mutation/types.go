package mutation

import (
	"errors"

	"github.com/samber/mo"

	"github.com/fieldsvc/schedule/scheduler/series"
)

// Scope selects which occurrences of a series a mutation affects.
type Scope string

const (
	OnlyThis         Scope = "ONLY_THIS"
	ThisAndFollowing Scope = "THIS_AND_FOLLOWING"
	All              Scope = "ALL"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case OnlyThis, ThisAndFollowing, All:
		return true
	default:
		return false
	}
}

var (
	ErrInvalidScope      = errors.New("invalid mutation scope")
	ErrMissingOccurrence = errors.New("occurrence id is required for this scope")
	ErrUnknownOccurrence = errors.New("occurrence is not generated by the series")
)

// Edit is a partial change. Nil fields are left untouched.
//
// With OnlyThis, Start/End/Payload/Status become an override of the
// occurrence. With ThisAndFollowing and All, Start/End set the new anchor of
// the (new or rewritten) series and Status is not allowed.
type Edit struct {
	Start   *series.Timestamp
	End     *series.Timestamp
	Payload *series.PayloadPatch
	Status  series.Status
	// Rule replaces the recurrence rule when present; Some(nil) makes the
	// series a single event.
	Rule mo.Option[*series.Rule]
}

// Result describes what a mutation wrote.
type Result struct {
	// Updated holds the series rewritten in place.
	Updated []*series.Series
	// Created is the series spawned by a split, if any.
	Created *series.Series
	// Deleted holds the ids of removed series.
	Deleted []string
	// Warnings lists exception ids that the resulting rule no longer generates.
	Warnings []string
}
