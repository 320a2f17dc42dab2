// internal/model/campaign.go
package model

import (
	"fmt"
	"time"
)

// CampaignStatus is the lifecycle state of a mailing campaign.
// Values are persisted and exposed as integers 0..4.
type CampaignStatus int

const (
	CampaignPending       CampaignStatus = 0
	CampaignStarted       CampaignStatus = 1
	CampaignSuccess       CampaignStatus = 2
	CampaignExpiredByTime CampaignStatus = 3
	CampaignRevoked       CampaignStatus = 4
)

var campaignStatusLabels = map[CampaignStatus]string{
	CampaignPending:       "PENDING",
	CampaignStarted:       "STARTED",
	CampaignSuccess:       "SUCCESS",
	CampaignExpiredByTime: "REVOKED BY TIME",
	CampaignRevoked:       "REVOKED",
}

// campaignTransitions lists the only forward edges of the lifecycle.
var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignPending: {CampaignStarted, CampaignRevoked},
	CampaignStarted: {CampaignSuccess, CampaignExpiredByTime, CampaignRevoked},
}

func (s CampaignStatus) String() string {
	if label, ok := campaignStatusLabels[s]; ok {
		return label
	}
	return fmt.Sprintf("CampaignStatus(%d)", int(s))
}

// Valid reports whether s is one of the known statuses.
func (s CampaignStatus) Valid() bool {
	_, ok := campaignStatusLabels[s]
	return ok
}

// Terminal reports whether no further transition is possible from s.
func (s CampaignStatus) Terminal() bool {
	return len(campaignTransitions[s]) == 0
}

// CanTransition reports whether moving from s to next is a legal lifecycle edge.
func (s CampaignStatus) CanTransition(next CampaignStatus) bool {
	for _, to := range campaignTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// SourcesOf returns every status that may legally move to target.
func SourcesOf(target CampaignStatus) []CampaignStatus {
	var from []CampaignStatus
	for _, s := range []CampaignStatus{CampaignPending, CampaignStarted} {
		if s.CanTransition(target) {
			from = append(from, s)
		}
	}
	return from
}

// ParseCampaignStatus accepts the integer form used by the API.
func ParseCampaignStatus(v int) (CampaignStatus, error) {
	s := CampaignStatus(v)
	if !s.Valid() {
		return 0, fmt.Errorf("unknown campaign status %d", v)
	}
	return s, nil
}

type Campaign struct {
	ID         int64          `db:"id" json:"id"`
	StartDate  time.Time      `db:"start_date" json:"start_date"`
	FinishDate time.Time      `db:"finish_date" json:"finish_date"`
	Text       string         `db:"text" json:"text"`
	TagIDs     []int64        `db:"-" json:"tag"`
	CodeIDs    []int64        `db:"-" json:"code"`
	Status     CampaignStatus `db:"status" json:"status"`
	JobID      *string        `db:"task_uuid" json:"-"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt  *time.Time     `db:"updated_at" json:"updated_at,omitempty"`
}

// CurrentJob returns the execution-job handle or "" when none is armed.
func (c *Campaign) CurrentJob() string {
	if c.JobID == nil {
		return ""
	}
	return *c.JobID
}
