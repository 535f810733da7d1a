// Package email builds and sends blog notification emails via multiple providers.
package email

import (
	"context"
	"fmt"
	"net/mail"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send delivers a single message. A send is attempted once.
	Send(ctx context.Context, msg *Message) error
}

// Address is a mailbox with an optional display name.
type Address struct {
	Email string
	Name  string
}

// String formats the address for a header, quoting the name when needed.
func (a Address) String() string {
	return (&mail.Address{Name: a.Name, Address: a.Email}).String()
}

// Message is a single outbound email. It is built per recipient and discarded after sending.
type Message struct {
	To      Address
	From    Address
	Subject string
	HTML    string
	Text    string // optional plain-text alternative
}

// ProviderError is a rejected send carrying provider diagnostics.
type ProviderError struct {
	Err        error
	Provider   string
	Detail     string // response body or API message
	StatusCode int
}

func (e *ProviderError) Error() string {
	msg := e.Provider + " send failed"
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: HTTP %d", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
