package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/indexnow-engine/internal/errors"
	"github.com/indexnow-engine/internal/models"
	"github.com/indexnow-engine/internal/quota"
	"github.com/indexnow-engine/internal/retry"
	"github.com/indexnow-engine/internal/types"
	"github.com/indexnow-engine/internal/worker"
)

type memKeywordStore struct {
	mu    sync.Mutex
	tasks []*models.KeywordTask
	dates map[string]string
}

func newMemKeywordStore() *memKeywordStore {
	return &memKeywordStore{dates: make(map[string]string)}
}

func (s *memKeywordStore) add(owner string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		s.tasks = append(s.tasks, &models.KeywordTask{
			ID:          fmt.Sprintf("%s-kw-%02d", owner, i),
			UserID:      owner,
			Keyword:     fmt.Sprintf("keyword %d", i),
			Domain:      owner + ".example.com",
			Device:      types.DeviceDesktop,
			CountryCode: "US",
			IsActive:    true,
			CreatedAt:   base.Add(time.Duration(len(s.tasks)) * time.Minute),
		})
	}
}

func (s *memKeywordStore) checked(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dates[id]
}

func (s *memKeywordStore) ListDue(_ context.Context, date string) ([]*models.KeywordTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.KeywordTask
	for _, t := range s.tasks {
		if t.IsActive && s.dates[t.ID] != date {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memKeywordStore) MarkChecked(_ context.Context, id, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dates[id] = date
	return nil
}

func (s *memKeywordStore) Stats(_ context.Context, date string) (*models.RankCheckStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &models.RankCheckStats{TotalActive: len(s.tasks)}
	for _, t := range s.tasks {
		if s.dates[t.ID] == date {
			stats.CompletedToday++
		} else {
			stats.DueToday++
		}
	}
	if stats.TotalActive > 0 {
		stats.CompletionRate = models.Progress(stats.CompletedToday, stats.TotalActive)
	}
	return stats, nil
}

type memResultStore struct {
	mu      sync.Mutex
	results []*models.RankResult
}

func (s *memResultStore) Insert(_ context.Context, r *models.RankResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

func (s *memResultStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	respond func(q models.RankQuery, call int) error
}

func (f *fakeFetcher) CheckRank(_ context.Context, q models.RankQuery, _ *models.Credential) (*models.RankResult, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	key := q.Domain + "/" + q.Keyword
	f.calls[key]++
	call := f.calls[key]
	f.mu.Unlock()

	if f.respond != nil {
		if err := f.respond(q, call); err != nil {
			return nil, err
		}
	}
	pos := 3
	return &models.RankResult{Position: &pos, RankedURL: "https://" + q.Domain + "/"}, nil
}

func (f *fakeFetcher) callsFor(domain, keyword string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[domain+"/"+keyword]
}

// panickingPool fails the first AvailableQuota call
type panickingPool struct {
	QuotaPool
	calls int32
}

func (p *panickingPool) AvailableQuota(ctx context.Context, scope models.Scope) (int, error) {
	if atomic.AddInt32(&p.calls, 1) == 1 {
		panic("quota backend exploded")
	}
	return p.QuotaPool.AvailableQuota(ctx, scope)
}

type rankFixture struct {
	keywords *memKeywordStore
	results  *memResultStore
	fetcher  *fakeFetcher
	creds    *quota.MemoryStore
	rotator  *quota.Rotator
}

func newRankFixture(t *testing.T) *rankFixture {
	t.Helper()
	f := &rankFixture{
		keywords: newMemKeywordStore(),
		results:  &memResultStore{},
		fetcher:  &fakeFetcher{},
		creds:    quota.NewMemoryStore(),
	}
	var err error
	f.rotator, err = quota.NewRotator(&quota.RotatorConfig{Store: f.creds, UnitsPerRequest: 10})
	require.NoError(t, err)
	return f
}

func (f *rankFixture) addCredential(limit, used int, active bool) *models.Credential {
	return f.creds.Add(models.Credential{
		Provider:   types.ProviderRank,
		QuotaLimit: limit,
		QuotaUsed:  used,
		IsActive:   active,
	})
}

func (f *rankFixture) service(t *testing.T, pool QuotaPool) *RankCheckService {
	t.Helper()
	if pool == nil {
		pool = f.rotator
	}
	svc, err := NewRankCheckService(&RankCheckConfig{
		Keywords:        f.keywords,
		Results:         f.results,
		Fetcher:         f.fetcher,
		Quota:           pool,
		InterBatchDelay: -1,
		InterOwnerDelay: -1,
		Retry:           &retry.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	})
	require.NoError(t, err)
	return svc
}

func TestNewRankCheckService_Validation(t *testing.T) {
	_, err := NewRankCheckService(nil)
	assert.Error(t, err)

	_, err = NewRankCheckService(&RankCheckConfig{Keywords: newMemKeywordStore()})
	assert.Error(t, err)
}

func TestProcessDailyRankChecks_TruncatesToAvailableQuota(t *testing.T) {
	f := newRankFixture(t)
	f.addCredential(50, 0, true)
	f.keywords.add("owner-u", 12)

	res, err := f.service(t, nil).ProcessDailyRankChecks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, worker.BatchResult{Processed: 5, Errors: 0}, res)
	assert.Equal(t, 5, f.results.count())

	due, err := f.keywords.ListDue(context.Background(), models.DateOf(time.Now(), time.UTC))
	require.NoError(t, err)
	assert.Len(t, due, 7)
	for i := 5; i < 12; i++ {
		assert.Empty(t, f.keywords.checked(fmt.Sprintf("owner-u-kw-%02d", i)))
	}
	for i := 0; i < 5; i++ {
		assert.NotEmpty(t, f.keywords.checked(fmt.Sprintf("owner-u-kw-%02d", i)))
	}
}

func TestProcessDailyRankChecks_ZeroQuotaSkipsOwner(t *testing.T) {
	f := newRankFixture(t)
	f.addCredential(100, 95, true)
	f.keywords.add("owner-u", 3)

	res, err := f.service(t, nil).ProcessDailyRankChecks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, worker.BatchResult{}, res)
	assert.Zero(t, f.results.count())
}

func TestProcessDailyRankChecks_NothingDue(t *testing.T) {
	f := newRankFixture(t)
	res, err := f.service(t, nil).ProcessDailyRankChecks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, worker.BatchResult{}, res)
}

func TestProcessDailyRankChecks_OwnerFailureIsIsolated(t *testing.T) {
	f := newRankFixture(t)
	f.addCredential(1000, 0, true)
	f.keywords.add("owner-a", 3)
	f.keywords.add("owner-b", 2)

	res, err := f.service(t, &panickingPool{QuotaPool: f.rotator}).ProcessDailyRankChecks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, worker.BatchResult{Processed: 2, Errors: 3}, res)

	assert.Empty(t, f.keywords.checked("owner-a-kw-00"))
	assert.NotEmpty(t, f.keywords.checked("owner-b-kw-00"))
	assert.NotEmpty(t, f.keywords.checked("owner-b-kw-01"))
}

func TestProcessDailyRankChecks_ItemFailuresAreCounted(t *testing.T) {
	f := newRankFixture(t)
	cred := f.addCredential(1000, 0, true)
	f.keywords.add("owner-a", 4)
	f.fetcher.respond = func(q models.RankQuery, _ int) error {
		if q.Keyword == "keyword 2" {
			return apperrors.NewProviderError("rank", 400, "unsupported country")
		}
		return nil
	}

	res, err := f.service(t, nil).ProcessDailyRankChecks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, worker.BatchResult{Processed: 3, Errors: 1}, res)
	assert.Empty(t, f.keywords.checked("owner-a-kw-02"))
	assert.Equal(t, 1, f.fetcher.callsFor("owner-a.example.com", "keyword 2"))

	stored, _ := f.creds.Get(cred.ID)
	assert.Equal(t, 30, stored.QuotaUsed)
}

func TestProcessDailyRankChecks_RetriesTransientErrorsOnly(t *testing.T) {
	f := newRankFixture(t)
	f.addCredential(1000, 0, true)
	f.keywords.add("owner-a", 2)
	f.fetcher.respond = func(q models.RankQuery, call int) error {
		switch q.Keyword {
		case "keyword 0":
			if call == 1 {
				return apperrors.NewProviderError("rank", 503, "unavailable")
			}
		case "keyword 1":
			return apperrors.NewProviderQuotaError("rank", "daily limit")
		}
		return nil
	}

	res, err := f.service(t, nil).ProcessDailyRankChecks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, worker.BatchResult{Processed: 1, Errors: 1}, res)
	assert.Equal(t, 2, f.fetcher.callsFor("owner-a.example.com", "keyword 0"))
	assert.Equal(t, 1, f.fetcher.callsFor("owner-a.example.com", "keyword 1"))
}

func TestProcessDailyRankChecks_PersistsResultDetails(t *testing.T) {
	f := newRankFixture(t)
	cred := f.addCredential(1000, 0, true)
	f.keywords.add("owner-a", 1)

	_, err := f.service(t, nil).ProcessDailyRankChecks(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, f.results.count())
	r := f.results.results[0]
	assert.Equal(t, "owner-a-kw-00", r.KeywordID)
	assert.Equal(t, "owner-a", r.UserID)
	assert.Equal(t, cred.ID, r.CredentialID)
	assert.False(t, r.CheckedAt.IsZero())
}

func TestProcessDailyRankChecks_ContextCancelled(t *testing.T) {
	f := newRankFixture(t)
	f.addCredential(1000, 0, true)
	f.keywords.add("owner-a", 1)
	f.keywords.add("owner-b", 1)

	svc := f.service(t, nil)
	svc.interOwnerDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	f.fetcher.respond = func(models.RankQuery, int) error {
		cancel()
		return nil
	}

	res, err := svc.ProcessDailyRankChecks(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, res.Processed+res.Errors)
}

func TestGroupByOwner_PreservesOrder(t *testing.T) {
	tasks := []*models.KeywordTask{
		{ID: "1", UserID: "b"},
		{ID: "2", UserID: "a"},
		{ID: "3", UserID: "b"},
		{ID: "4", UserID: "c"},
		{ID: "5", UserID: "a"},
	}

	groups := groupByOwner(tasks)
	require.Len(t, groups, 3)
	assert.Equal(t, "b", groups[0].ownerID)
	assert.Equal(t, "a", groups[1].ownerID)
	assert.Equal(t, "c", groups[2].ownerID)
	assert.Equal(t, "1", groups[0].tasks[0].ID)
	assert.Equal(t, "3", groups[0].tasks[1].ID)
	assert.Equal(t, "5", groups[1].tasks[1].ID)
}

func TestGetStats(t *testing.T) {
	f := newRankFixture(t)
	f.addCredential(1000, 0, true)
	f.keywords.add("owner-a", 4)

	svc := f.service(t, nil)
	require.NoError(t, f.keywords.MarkChecked(context.Background(), "owner-a-kw-00", models.DateOf(time.Now(), time.UTC)))

	stats, err := svc.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalActive)
	assert.Equal(t, 3, stats.DueToday)
	assert.Equal(t, 1, stats.CompletedToday)
	assert.Equal(t, 25.0, stats.CompletionRate)
}
