package core

import "context"

// Microphone hands out the local capture stream.
type Microphone interface {
	Acquire(ctx context.Context) (Capture, error)
}

// Capture is a live local audio stream.
type Capture interface {
	// Loud reports whether the most recent audio was above the speaking threshold.
	Loud() bool
	Close() error
}
