package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sitesync/sitesync/internal/domain"
	"github.com/sitesync/sitesync/internal/frontier"
	"github.com/sitesync/sitesync/internal/queue"
	"github.com/sitesync/sitesync/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testProfile() domain.SourceProfile {
	return domain.SourceProfile{
		Name:     "docs",
		MaxDepth: 5,
		AllowedDomains: map[string]domain.DomainRules{
			"example.com": {},
		},
	}
}

// stubFetcher returns a scripted sequence of results/errors, one per call,
// repeating the last entry once the script is exhausted.
type stubFetcher struct {
	mu     sync.Mutex
	script []fetchOutcome
	calls  int
}

type fetchOutcome struct {
	result *domain.FetchResult
	err    error
}

func (f *stubFetcher) Fetch(ctx context.Context, url string, profile domain.SourceProfile) (*domain.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	f.calls++
	o := f.script[idx]
	return o.result, o.err
}

// stubPlugin matches everything and returns a fixed record with no
// outbound links, unless linksOut is set.
type stubPlugin struct {
	linksOut  []string
	rejectErr error
}

func (p *stubPlugin) Matches(hint string, result *domain.FetchResult) bool { return true }

func (p *stubPlugin) Normalize(result *domain.FetchResult) (*domain.AssetRecord, error) {
	if p.rejectErr != nil {
		return nil, p.rejectErr
	}
	return &domain.AssetRecord{
		AssetType:         "html",
		CanonicalURL:      result.FinalURL,
		NormalizedPayload: result.Body,
		RawPayloadRef:     string(result.Body),
		Relationships:     p.linksOut,
	}, nil
}

type fakeCoord struct {
	mu     sync.Mutex
	denies []DeniedCall
	done   chan struct{}

	// acquireLimit, if positive, makes AcquireSlot start refusing once it
	// has granted that many slots, simulating a cancel partway through a
	// leased batch.
	acquireLimit int
	acquireCount int
}

type DeniedCall struct {
	Host, AuthPrefix, ContinuePath string
}

func newFakeCoord() *fakeCoord {
	return &fakeCoord{done: make(chan struct{})}
}

func (c *fakeCoord) AcquireSlot(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acquireLimit > 0 && c.acquireCount >= c.acquireLimit {
		return false
	}
	c.acquireCount++
	return true
}
func (c *fakeCoord) ReleaseSlot() {}
func (c *fakeCoord) Done() <-chan struct{}                { return c.done }
func (c *fakeCoord) ReportAuthRedirect(host, authPrefix, continuePath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.denies = append(c.denies, DeniedCall{host, authPrefix, continuePath})
}

func seedRun(t *testing.T, s *store.Store) domain.Run {
	t.Helper()
	run := domain.Run{ID: "run-1", SourceName: "docs", StartedAt: time.Now(), Status: domain.RunRunning}
	require.NoError(t, s.CreateRun(run))
	return run
}

// newTestQueue uses a zero backoff so a transiently failed task is due again
// at once: Queue.Acquire reads the wall clock, and the default 2s backoff
// would leave the next round of a retry test with nothing to lease.
func newTestQueue(s *store.Store) *queue.Queue {
	return queue.New(s, store.BackoffConfig{}, 2, 30*time.Second)
}

func TestProcess_RetryExhaustion(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s)
	q := newTestQueue(s)
	f := frontier.New(testProfile())
	coord := newFakeCoord()

	task := domain.Task{ID: "t1", RunID: run.ID, URL: "https://example.com/page", SourceName: "docs", NextRunAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, s.EnqueueTask(task))

	fetcher := &stubFetcher{script: []fetchOutcome{{err: domain.NewTransientFetchError("boom")}}}
	w := New("owner-1", Deps{
		Queue: q, Store: s, Fetcher: fetcher,
		Plugins:      mustRegistry(t, &stubPlugin{}),
		Frontier:     f, Coord: coord, Profile: testProfile(),
		Logger: zap.NewNop(), FetchTimeout: time.Second,
	})

	// max_retries=2: attempt 1 fails transient -> pending, attempt 2 fails
	// -> pending, attempt 3 fails -> error (attempt_count=3).
	for i := 0; i < 3; i++ {
		tasks, err := q.Acquire(run.ID, "owner-1", 1)
		require.NoError(t, err)
		require.Len(t, tasks, 1, "round %d", i)
		w.process(context.Background(), tasks[0], zap.NewNop())
	}

	final, err := s.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskError, final.Status)
	require.Equal(t, 3, final.AttemptCount)
}

func TestProcess_RecoveryAfterOneFailure(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s)
	q := newTestQueue(s)
	f := frontier.New(testProfile())
	coord := newFakeCoord()

	task := domain.Task{ID: "t1", RunID: run.ID, URL: "https://example.com/page", SourceName: "docs", NextRunAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, s.EnqueueTask(task))

	fetcher := &stubFetcher{script: []fetchOutcome{
		{err: domain.NewTransientFetchError("flaky")},
		{result: &domain.FetchResult{FinalURL: task.URL, StatusCode: 200, Body: []byte("<html></html>"), FetchedAt: time.Now()}},
	}}
	w := New("owner-1", Deps{
		Queue: q, Store: s, Fetcher: fetcher,
		Plugins:  mustRegistry(t, &stubPlugin{}),
		Frontier: f, Coord: coord, Profile: testProfile(),
		Logger: zap.NewNop(), FetchTimeout: time.Second,
	})

	for i := 0; i < 2; i++ {
		tasks, err := q.Acquire(run.ID, "owner-1", 1)
		require.NoError(t, err)
		require.Len(t, tasks, 1, "round %d", i)
		w.process(context.Background(), tasks[0], zap.NewNop())
	}

	final, err := s.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskFinished, final.Status)

	assets, err := s.ListAssetsBySource("docs")
	require.NoError(t, err)
	require.Len(t, assets, 1)
}

func TestProcess_AuthRedirectSuppressesDiscoveryAndReportsDeny(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s)
	q := newTestQueue(s)
	f := frontier.New(testProfile())
	coord := newFakeCoord()

	task := domain.Task{ID: "t1", RunID: run.ID, URL: "https://example.com/settings/roles", Depth: 0, SourceName: "docs", NextRunAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, s.EnqueueTask(task))

	fetcher := &stubFetcher{script: []fetchOutcome{{result: &domain.FetchResult{
		FinalURL:   "https://example.com/auth/login?continue=/settings/roles",
		StatusCode: 200,
		Body:       []byte("<html></html>"),
		FetchedAt:  time.Now(),
	}}}}
	plugin := &stubPlugin{linksOut: []string{"https://example.com/should-not-be-enqueued"}}
	w := New("owner-1", Deps{
		Queue: q, Store: s, Fetcher: fetcher,
		Plugins:              mustRegistry(t, plugin),
		Frontier:              f, Coord: coord, Profile: testProfile(),
		Logger:                zap.NewNop(),
		FetchTimeout:          time.Second,
		AuthRedirectPrefixes:  []string{"/auth/login"},
	})

	tasks, err := q.Acquire(run.ID, "owner-1", 1)
	require.NoError(t, err)
	w.process(context.Background(), tasks[0], zap.NewNop())

	require.Len(t, coord.denies, 1)
	require.Equal(t, "/auth/login", coord.denies[0].AuthPrefix)

	counts, err := q.Counts(run.ID)
	require.NoError(t, err)
	require.Zero(t, counts.Pending, "no outbound links should have been enqueued")
}

func TestRun_StoppedBatchReleasesWholeRemainder(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s)
	q := newTestQueue(s)
	f := frontier.New(testProfile())
	coord := newFakeCoord()
	coord.acquireLimit = 1 // grant the first task's slot, then refuse the rest

	for i, url := range []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"} {
		task := domain.Task{ID: fmt.Sprintf("t%d", i), RunID: run.ID, URL: url, SourceName: "docs", NextRunAt: time.Now(), UpdatedAt: time.Now()}
		require.NoError(t, s.EnqueueTask(task))
	}

	fetcher := &stubFetcher{script: []fetchOutcome{{result: &domain.FetchResult{
		FinalURL: "https://example.com/a", StatusCode: 200, Body: []byte("<html></html>"), FetchedAt: time.Now(),
	}}}}
	w := New("owner-1", Deps{
		Queue: q, Store: s, Fetcher: fetcher,
		Plugins:      mustRegistry(t, &stubPlugin{}),
		Frontier:     f, Coord: coord, Profile: testProfile(),
		Logger: zap.NewNop(), FetchTimeout: time.Second,
	})

	w.Run(context.Background(), run.ID, 3)

	counts, err := q.Counts(run.ID)
	require.NoError(t, err)
	require.Equal(t, 1, counts.Finished, "the one granted slot should have been processed")
	require.Equal(t, 2, counts.Pending, "the rest of the leased batch must be released to pending, not left in_progress")
	require.Zero(t, counts.InProgress)

	for _, id := range []string{"t1", "t2"} {
		task, err := s.GetTask(id)
		require.NoError(t, err)
		require.Zero(t, task.AttemptCount, "release on stop must not charge an attempt")
	}
}

func mustRegistry(t *testing.T, p domain.Plugin) *domain.PluginRegistry {
	t.Helper()
	reg, failures := domain.NewPluginRegistry(
		map[string]domain.PluginFactory{"stub": func() (domain.Plugin, error) { return p, nil }},
		[]string{"stub"},
		nil,
	)
	require.Empty(t, failures)
	return reg
}
