package store

import (
	"encoding/json"
	"fmt"

	"nyiyui.ca/hato/shirei"
)

// Encode serializes e as JSON.
func Encode(e shirei.Entity) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a record of the given kind encoded by Encode.
func Decode(kind shirei.Kind, data []byte) (shirei.Entity, error) {
	switch kind {
	case shirei.KindTrain:
		return decode[shirei.Train](data)
	case shirei.KindStation:
		return decode[shirei.Station](data)
	case shirei.KindConflict:
		return decode[shirei.Conflict](data)
	case shirei.KindAlert:
		return decode[shirei.Alert](data)
	case shirei.KindSuggestion:
		return decode[shirei.TrafficSuggestion](data)
	default:
		return nil, fmt.Errorf("decode %q: %w", kind, shirei.ErrInvalidKind)
	}
}

func decode[E shirei.Entity](data []byte) (shirei.Entity, error) {
	var e E
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return e, nil
}

// clone returns a copy of e sharing no memory with it.
func clone(e shirei.Entity) shirei.Entity {
	switch e := e.(type) {
	case shirei.Train:
		return e.Clone()
	case shirei.Conflict:
		return e.Clone()
	case shirei.TrafficSuggestion:
		return e.Clone()
	default:
		return e
	}
}
