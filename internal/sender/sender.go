// Package sender delivers campaign messages to the external delivery channel.
package sender

import "context"

// Outcome is the result of a single delivery attempt. It is one of
// Delivered, Rejected or Unreachable.
type Outcome interface {
	outcome()
}

// Delivered means the channel accepted the message.
type Delivered struct{}

// Rejected means the channel answered but refused this message.
type Rejected struct {
	Reason string
}

// Unreachable means the channel could not be reached at all.
type Unreachable struct {
	Reason string
}

func (Delivered) outcome()   {}
func (Rejected) outcome()    {}
func (Unreachable) outcome() {}

// Channel sends one message to one address.
type Channel interface {
	Send(ctx context.Context, messageID int64, address, text string) Outcome
}
