package labreport

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for a document state change the
// lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid document state transition")

// DocumentState is the processing stage of one document.
type DocumentState string

const (
	StateReceived    DocumentState = "received"
	StateExtracting  DocumentState = "extracting"
	StateClassifying DocumentState = "classifying"
	StateAssembled   DocumentState = "assembled"
	StateFailed      DocumentState = "failed"
)

// documentTransitions defines valid state transitions for a Document.
// Assembled and failed are terminal.
var documentTransitions = map[DocumentState][]DocumentState{
	StateReceived:    {StateExtracting, StateFailed},
	StateExtracting:  {StateClassifying, StateFailed},
	StateClassifying: {StateAssembled},
	StateAssembled:   {},
	StateFailed:      {},
}

// ValidateTransition checks if a document state transition is valid.
func ValidateTransition(from, to DocumentState) error {
	allowed, ok := documentTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Terminal reports whether no further transition is possible.
func (s DocumentState) Terminal() bool {
	return s == StateAssembled || s == StateFailed
}

func (d *Document) transition(to DocumentState) error {
	if err := ValidateTransition(d.State, to); err != nil {
		return fmt.Errorf("document %s: %w", d.ID, err)
	}
	d.State = to
	return nil
}
