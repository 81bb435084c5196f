package queues

import (
	"context"
	"time"
)

const EnvelopeVersion = "1.0"

type EventType string

const (
	EventClaimed  EventType = "gpu.claimed"
	EventReleased EventType = "gpu.released"
	EventExpired  EventType = "gpu.expired"
)

// AllocationEvent is published after a GPU changes hands.
type AllocationEvent struct {
	EnvelopeVersion string     `json:"envelopeVersion"`
	Type            EventType  `json:"type"`
	EventID         string     `json:"eventId"`
	GPUID           string     `json:"gpuId"`
	UserID          string     `json:"userId,omitempty"`
	UserName        string     `json:"userName,omitempty"`
	Purpose         string     `json:"purpose,omitempty"`
	ClaimTime       *time.Time `json:"claimTime,omitempty"`
	ReleaseTime     *time.Time `json:"releaseTime,omitempty"`
	OccurredAt      time.Time  `json:"occurredAt"`
}

// CommandRequest is a slash command delivered through a queue instead of the
// webhook, e.g. by a training job that releases its GPU when it finishes.
type CommandRequest struct {
	RequestID string `json:"requestId"`
	Text      string `json:"text"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
}

type Subscriber interface {
	Start(ctx context.Context, handler func(context.Context, *CommandRequest) error) error
}

type Publisher interface {
	PublishEvent(ctx context.Context, ev *AllocationEvent) error
}

// NopPublisher drops events. Used when no event topic is configured.
type NopPublisher struct{}

func (NopPublisher) PublishEvent(context.Context, *AllocationEvent) error { return nil }
