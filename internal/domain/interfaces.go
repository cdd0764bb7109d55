package domain

import (
	"context"
)

// StreamConnection defines the contract of the venue websocket session
type StreamConnection interface {
	Connect(ctx context.Context) error
	Exit()
	IsConnected() bool
}

// FrameHandler consumes raw frames in arrival order. It is called from the
// connection goroutine and may block to apply backpressure.
type FrameHandler interface {
	HandleFrame(ctx context.Context, frame []byte) error
}

// MessageBus publishes an encoded message. Implementations must not retry.
type MessageBus interface {
	Publish(ctx context.Context, messageID string, body []byte) error
	Close() error
}

// FailureJournal records publishes the bus rejected
type FailureJournal interface {
	RecordFailure(f *PublishFailure) error
}
