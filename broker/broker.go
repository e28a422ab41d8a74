// Package broker fans events out to every gateway replica. Topics are
// independent ordered logs; subscribers may resume after a known event id.
package broker

import (
	"context"
	"errors"
)

// ErrStopped may be returned by a Handler to end a subscription without
// reporting a failure.
var ErrStopped = errors.New("broker: subscription stopped")

// Broker publishes and delivers events by topic.
type Broker interface {
	// Publish appends data to topic and returns the event id assigned to it.
	Publish(ctx context.Context, topic string, data []byte) (eventID string, err error)

	// Subscribe calls handler for each event of topic until ctx is done or
	// handler returns an error. With an empty lastEventID delivery starts
	// with the next published event; otherwise it resumes after lastEventID
	// when that event is still retained.
	Subscribe(ctx context.Context, topic string, lastEventID string, handler Handler) error
}

// Handler processes one delivered event.
type Handler func(ctx context.Context, env Envelope) error

// Envelope is one event of a topic.
type Envelope struct {
	// ID is unique and increasing within its topic.
	ID   string `json:"id"`
	Data []byte `json:"data"`
}
