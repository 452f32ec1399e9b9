package slab

import "github.com/cockroachdb/errors"

var (
	// ErrUnknownReservation is returned when a reservation or handle is used after it was freed,
	// or with an arena it does not belong to
	ErrUnknownReservation = errors.New("reservation is not live in this arena")
	// ErrPinned is returned when a pinned reservation would have to move or be freed
	ErrPinned = errors.New("reservation is pinned")
	// ErrCorruptionDetectionDisabled is returned from CheckCorruption when the module was built
	// without the debug_compactmem build tag
	ErrCorruptionDetectionDisabled = errors.New("corruption detection requires the debug_compactmem build tag")
)
