// Package notify delivers statistics reports to operators.
package notify

import (
	"context"
	"errors"
	"time"
)

// Report is a rendered statistics rollup.
type Report struct {
	Date     time.Time
	Subject  string
	Filename string
	CSV      []byte
	// Table is a plain-text rendering of the same rows.
	Table string
}

// Notifier hands a report to an operator channel.
type Notifier interface {
	Notify(ctx context.Context, r Report) error
}

// Nop discards reports.
type Nop struct{}

func (Nop) Notify(context.Context, Report) error { return nil }

// Multi fans a report out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, r Report) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
