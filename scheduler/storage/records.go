package storage

import (
	"encoding/json"
	"fmt"

	"github.com/fieldsvc/schedule/scheduler/series"
)

// EncodeSeries serializes a series record.
func EncodeSeries(s *series.Series) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode series %s: %w", s.ID, err)
	}
	return data, nil
}

// DecodeSeries parses a series record. Exception ids recorded with a
// different precision are normalized; unparseable ones are dropped.
func DecodeSeries(data []byte) (*series.Series, error) {
	var s series.Series
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, &Error{Type: ErrInvalidInput, Message: "malformed series record", Err: err}
	}
	s.Exclusions.Normalize()
	s.Overrides.Normalize()
	return &s, nil
}

// EncodeOccurrence serializes a materialized occurrence.
func EncodeOccurrence(o *series.Occurrence) ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to encode occurrence %s/%s: %w", o.SeriesID, o.ID, err)
	}
	return data, nil
}

// DecodeOccurrence parses a materialized occurrence.
func DecodeOccurrence(data []byte) (*series.Occurrence, error) {
	var o series.Occurrence
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, &Error{Type: ErrInvalidInput, Message: "malformed occurrence record", Err: err}
	}
	return &o, nil
}
