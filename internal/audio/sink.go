package audio

import (
	"context"
	"errors"
	"time"
)

// ErrSinkUnavailable is returned when the audio sink cannot be acquired or
// brought to a running state. It is fatal to the pipeline and is not retried.
var ErrSinkUnavailable = errors.New("audio sink unavailable")

// Voice is a handle to a buffer that has been handed to the sink.
type Voice interface {
	// Stop cancels playback of the buffer. The buffer's completion
	// callback still fires exactly once.
	Stop()
}

// Sink is the audio output consumed by the real-time transport. A sink is
// owned by exactly one Scheduler at a time.
type Sink interface {
	// Start brings the sink to a running state.
	Start(ctx context.Context) error

	// SampleRate returns the sink's fixed output rate in Hz.
	SampleRate() int

	// Now returns the current position on the sink's clock.
	Now() time.Duration

	// PlayAt schedules a mono float buffer to begin at the given clock
	// position. done fires once the buffer has finished playing or has
	// been stopped.
	PlayAt(samples []float32, at time.Duration, done func()) (Voice, error)

	// Close releases the sink. After Close the sink cannot be restarted.
	Close() error
}
