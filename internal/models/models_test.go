package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/indexnow-engine/internal/types"
)

func TestJob_RecordOutcome(t *testing.T) {
	job := &Job{TotalURLs: 25}

	job.RecordOutcome(9, 1)
	assert.Equal(t, 10, job.ProcessedURLs)
	assert.Equal(t, 40.0, job.ProgressPercentage)

	job.RecordOutcome(8, 2)
	job.RecordOutcome(5, 0)
	assert.Equal(t, 25, job.ProcessedURLs)
	assert.Equal(t, 22, job.SuccessfulURLs)
	assert.Equal(t, 3, job.FailedURLs)
	assert.Equal(t, 100.0, job.ProgressPercentage)
}

func TestJob_RecordOutcomeNeverExceedsTotal(t *testing.T) {
	job := &Job{TotalURLs: 2}
	job.RecordOutcome(3, 0)

	assert.Equal(t, job.SuccessfulURLs+job.FailedURLs, job.ProcessedURLs)
	assert.LessOrEqual(t, job.ProcessedURLs, job.TotalURLs)
}

func TestJob_RecordOutcomeWithoutRecordedTotal(t *testing.T) {
	job := &Job{}
	job.RecordOutcome(2, 1)

	assert.Equal(t, 3, job.ProcessedURLs)
	assert.Equal(t, 3, job.TotalURLs)
	assert.Equal(t, 100.0, job.ProgressPercentage)
}

func TestProgress(t *testing.T) {
	assert.Equal(t, 100.0, Progress(0, 0))
	assert.Equal(t, 33.33, Progress(1, 3))
	assert.Equal(t, 66.67, Progress(2, 3))
	assert.Equal(t, 100.0, Progress(5, 4))
}

func TestCredential_Remaining(t *testing.T) {
	c := &Credential{QuotaLimit: 100, QuotaUsed: 95}
	assert.Equal(t, 5, c.Remaining())
	assert.True(t, c.Exhausted(10))
	assert.False(t, c.Exhausted(5))

	c.QuotaUsed = 105
	assert.Equal(t, 0, c.Remaining())
}

func TestScope_Matches(t *testing.T) {
	owner := "user-1"
	site := &Credential{Provider: types.ProviderRank}
	owned := &Credential{Provider: types.ProviderIndexing, OwnerID: &owner}

	assert.True(t, Scope{Provider: types.ProviderRank}.Matches(site))
	assert.False(t, Scope{Provider: types.ProviderIndexing}.Matches(site))
	assert.True(t, Scope{Provider: types.ProviderIndexing, OwnerID: owner}.Matches(owned))
	assert.False(t, Scope{Provider: types.ProviderIndexing, OwnerID: "user-2"}.Matches(owned))
	assert.False(t, Scope{Provider: types.ProviderIndexing}.Matches(owned))
	assert.Equal(t, "indexing:user-1", Scope{Provider: types.ProviderIndexing, OwnerID: owner}.String())
}

func TestKeywordTask_IsDue(t *testing.T) {
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}

	now := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC) // 2026-03-09 23:00 in Los Angeles
	mar9 := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	mar10 := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	assert.True(t, (&KeywordTask{}).IsDue(now, loc))

	assert.False(t, (&KeywordTask{LastCheckDate: &mar9}).IsDue(now, loc))
	assert.True(t, (&KeywordTask{LastCheckDate: &mar10}).IsDue(now, loc))

	assert.True(t, (&KeywordTask{LastCheckDate: &mar9}).IsDue(now, time.UTC))
	assert.False(t, (&KeywordTask{LastCheckDate: &mar10}).IsDue(now, time.UTC))
	assert.Equal(t, "2026-03-09", DateOf(now, loc))
}
