// Package domain contains core domain types for the artifact viewer.
package domain

import (
	"encoding/json"
	"errors"
)

// Stage is the observable lifecycle position of the client.
type Stage string

const (
	StageUploading  Stage = "uploading"
	StageProcessing Stage = "processing"
	StageViewing    Stage = "viewing"
	StageExpired    Stage = "expired"
)

// Sequence is one animation sequence descriptor. Its contents are owned by
// the animation editor and passed through unchanged.
type Sequence = json.RawMessage

// ErrInvalidSequence is returned when a sequence is not a JSON document.
var ErrInvalidSequence = errors.New("sequence must be valid JSON")

// ValidateSequence checks that seq can be stored and replayed verbatim.
func ValidateSequence(seq Sequence) error {
	if len(seq) == 0 || !json.Valid(seq) {
		return ErrInvalidSequence
	}
	return nil
}
