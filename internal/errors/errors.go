// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrCampaignNotEditable is returned when an edit is not allowed in the campaign's current status.
	ErrCampaignNotEditable = errors.New("campaign cannot be changed")
	// ErrCampaignNotDeletable is returned when a finished campaign already sent messages.
	ErrCampaignNotDeletable = errors.New("campaign cannot be deleted because it has already sent messages, create a new mailing")
	// ErrInvalidTransition is returned when a status change is not a lifecycle edge.
	ErrInvalidTransition = errors.New("invalid campaign status transition")
)

// ErrCampaignNotFound is a sentinel error
type ErrCampaignNotFound struct {
	CampaignID int64
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id int64) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// IsNotFound reports whether err wraps ErrCampaignNotFound.
func IsNotFound(err error) bool {
	var nf *ErrCampaignNotFound
	return errors.As(err, &nf)
}

// ValidationError collects field-level rejections raised at the control boundary.
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(e.Fields[k], "; "))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// Add records a reason for field.
func (e *ValidationError) Add(field, reason string) {
	if e.Fields == nil {
		e.Fields = map[string][]string{}
	}
	e.Fields[field] = append(e.Fields[field], reason)
}

// OrNil returns nil when nothing was recorded.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// NewValidation builds a single-field validation error.
func NewValidation(field, reason string) error {
	v := &ValidationError{}
	v.Add(field, reason)
	return v
}

// NotEditable wraps ErrCampaignNotEditable with a human readable reason.
func NotEditable(reason string) error {
	return fmt.Errorf("%w: %s", ErrCampaignNotEditable, reason)
}
