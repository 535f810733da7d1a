package blog

import "time"

// Trigger identifies what kind of platform event started an invocation.
type Trigger string

// Trigger kinds.
const (
	TriggerCreated  Trigger = "document.created"
	TriggerSchedule Trigger = "schedule"
)

// Event is a trigger payload handed to a notification handler.
type Event interface {
	ID() string
	Trigger() Trigger
}

// Created is a "document created" event carrying the new document.
type Created[T any] struct {
	Document T      `json:"document"`
	EventID  string `json:"eventId"`
}

// ID returns the platform event id.
func (e Created[T]) ID() string { return e.EventID }

// Trigger returns TriggerCreated.
func (Created[T]) Trigger() Trigger { return TriggerCreated }

// Tick is a scheduled trigger firing at FireTime.
type Tick struct {
	FireTime time.Time `json:"fireTime"`
	EventID  string    `json:"eventId"`
}

// ID returns the platform event id.
func (t Tick) ID() string { return t.EventID }

// Trigger returns TriggerSchedule.
func (Tick) Trigger() Trigger { return TriggerSchedule }
