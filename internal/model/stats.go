package model

import "time"

// CampaignStats is the per-campaign delivery rollup.
type CampaignStats struct {
	ID          int64          `json:"id"`
	StartDate   time.Time      `json:"start_date"`
	FinishDate  time.Time      `json:"finish_date"`
	Text        string         `json:"text"`
	Status      CampaignStatus `json:"status"`
	SendSuccess int            `json:"send_success"`
	SendFailed  int            `json:"send_failed"`
}

// CampaignStatsDetail adds filters and the individual messages.
type CampaignStatsDetail struct {
	CampaignStats
	TagIDs   []int64   `json:"tag"`
	CodeIDs  []int64   `json:"code"`
	Messages []Message `json:"message"`
}
