package models

import (
	"time"

	"github.com/indexnow-engine/internal/types"
)

// KeywordTask represents a keyword/domain/device/country tuple tracked for one owner
type KeywordTask struct {
	ID            string       `json:"id" db:"id"`
	UserID        string       `json:"userId" db:"user_id"`
	Keyword       string       `json:"keyword" db:"keyword"`
	Domain        string       `json:"domain" db:"domain"`
	Device        types.Device `json:"device" db:"device"`
	CountryCode   string       `json:"countryCode" db:"country_code"`
	IsActive      bool         `json:"isActive" db:"is_active"`
	LastCheckDate *time.Time   `json:"lastCheckDate,omitempty" db:"last_check_date"` // date only
	CreatedAt     time.Time    `json:"createdAt" db:"created_at"`
}

// IsDue reports whether the task has not been checked on the calendar day of now in loc.
// LastCheckDate holds a calendar date (midnight UTC), so it is compared without conversion.
func (k *KeywordTask) IsDue(now time.Time, loc *time.Location) bool {
	if k.LastCheckDate == nil {
		return true
	}
	return k.LastCheckDate.UTC().Format(dateLayout) != DateOf(now, loc)
}

// RankQuery is what the rank-data API needs to look up one keyword
type RankQuery struct {
	Keyword     string       `json:"keyword"`
	Domain      string       `json:"domain"`
	Device      types.Device `json:"device"`
	CountryCode string       `json:"countryCode"`
}

// Query returns the rank lookup for the task
func (k *KeywordTask) Query() RankQuery {
	return RankQuery{
		Keyword:     k.Keyword,
		Domain:      k.Domain,
		Device:      k.Device,
		CountryCode: k.CountryCode,
	}
}

const dateLayout = "2006-01-02"

// DateOf returns the YYYY-MM-DD calendar date of t in loc (UTC when loc is nil).
func DateOf(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(dateLayout)
}

// RankResult is one persisted rank observation
type RankResult struct {
	KeywordID    string       `json:"keywordId" ch:"keyword_id"`
	UserID       string       `json:"userId" ch:"user_id"`
	Keyword      string       `json:"keyword" ch:"keyword"`
	Domain       string       `json:"domain" ch:"domain"`
	Device       types.Device `json:"device" ch:"device"`
	CountryCode  string       `json:"countryCode" ch:"country_code"`
	Position     *int         `json:"position,omitempty" ch:"position"` // nil = not ranked
	RankedURL    string       `json:"rankedUrl,omitempty" ch:"ranked_url"`
	CredentialID string       `json:"credentialId" ch:"credential_id"`
	CheckedAt    time.Time    `json:"checkedAt" ch:"checked_at"`
}

// RankCheckStats summarises rank-check progress for dashboards
type RankCheckStats struct {
	TotalActive    int     `json:"totalActive"`
	DueToday       int     `json:"dueToday"`
	CompletedToday int     `json:"completedToday"`
	CompletionRate float64 `json:"completionRate"`
}
