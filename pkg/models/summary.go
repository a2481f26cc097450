package models

import "time"

// SummaryCounts holds the store-level aggregates behind the DLQ summary.
// Category and entity breakdowns cover Active records only.
type SummaryCounts struct {
	Total        int64                     `json:"total"`
	Active       int64                     `json:"active"`
	Replayed     int64                     `json:"replayed"`
	Archived     int64                     `json:"archived"`
	ByCategory   map[FailureCategory]int64 `json:"by_category"`
	ByEntity     map[string]int64          `json:"by_entity"`
	OldestActive *time.Time                `json:"oldest_active,omitempty"`
	NewestActive *time.Time                `json:"newest_active,omitempty"`
}

// DailyCount is one UTC calendar day of the new-vs-resolved trend. Day is
// formatted as YYYY-MM-DD.
type DailyCount struct {
	Day      string `db:"day" json:"date"`
	New      int64  `db:"new_count" json:"new"`
	Resolved int64  `db:"resolved_count" json:"resolved"`
}
