package executor

import (
	"context"
	"path/filepath"
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

// singlePageFetcher returns one fixed page so a real run can drain
// without external I/O.
type singlePageFetcher struct{}

func (f *singlePageFetcher) Fetch(ctx context.Context, url string, profile domain.SourceProfile) (*domain.FetchResult, error) {
	return &domain.FetchResult{FinalURL: url, StatusCode: 200, Body: []byte("<html></html>"), FetchedAt: time.Now()}, nil
}

type linkPlugin struct{ links []string }

func (p *linkPlugin) Matches(hint string, result *domain.FetchResult) bool { return true }
func (p *linkPlugin) Normalize(result *domain.FetchResult) (*domain.AssetRecord, error) {
	return &domain.AssetRecord{AssetType: "html", CanonicalURL: result.FinalURL, NormalizedPayload: result.Body, RawPayloadRef: string(result.Body), Relationships: p.links}, nil
}

func mustRegistry(t *testing.T, p domain.Plugin) *domain.PluginRegistry {
	t.Helper()
	reg, failures := domain.NewPluginRegistry(
		map[string]domain.PluginFactory{"stub": func() (domain.Plugin, error) { return p, nil }},
		[]string{"stub"}, nil,
	)
	require.Empty(t, failures)
	return reg
}

func TestExecutor_RunDrainsToCompletion(t *testing.T) {
	s := newTestStore(t)
	run := domain.Run{ID: "run-1", SourceName: "docs", StartedAt: time.Now(), Status: domain.RunRunning}
	require.NoError(t, s.CreateRun(run))

	seed := domain.Task{ID: "seed", RunID: run.ID, URL: "https://example.com/", SourceName: "docs", NextRunAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, s.EnqueueTask(seed))

	q := queue.New(s, store.DefaultBackoffConfig(), 2, 10*time.Second)
	f := frontier.New(testProfile())
	exec := New(run.ID, Config{ParallelAgents: 2, PagesPerAgent: 2, MaxInFlight: 4, FetchTimeout: time.Second, DrainPoll: 20 * time.Millisecond}, s, q, f, zap.NewNop())

	plugin := &linkPlugin{links: []string{"https://example.com/a", "https://example.com/b"}}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	summary, err := exec.Run(ctx, WorkerDeps{Fetcher: &singlePageFetcher{}, Plugins: mustRegistry(t, plugin), Profile: testProfile()})
	require.NoError(t, err)
	require.Equal(t, domain.RunCompleted, summary.FinalStatus)
	require.Zero(t, summary.Counts.Pending)
	require.Zero(t, summary.Counts.InProgress)
	require.Equal(t, 3, summary.Counts.Finished, "seed + 2 discovered links")
}

func TestAuthAreaGlob(t *testing.T) {
	cases := []struct {
		prefix, want string
	}{
		{"/auth/login", "/auth/**"},
		{"/auth/login/sso", "/auth/**"},
		{"/oauth/callback", "/oauth/**"},
		{"/", "/**"},
	}
	for _, c := range cases {
		if got := authAreaGlob(c.prefix); got != c.want {
			t.Errorf("authAreaGlob(%q) = %q, want %q", c.prefix, got, c.want)
		}
	}
}

func TestExecutor_ReportAuthRedirectDeniesWholeAuthArea(t *testing.T) {
	s := newTestStore(t)
	run := domain.Run{ID: "run-1", SourceName: "docs", StartedAt: time.Now(), Status: domain.RunRunning}
	require.NoError(t, s.CreateRun(run))

	q := queue.New(s, store.DefaultBackoffConfig(), 2, 10*time.Second)
	f := frontier.New(testProfile())
	exec := New(run.ID, Config{ParallelAgents: 1, PagesPerAgent: 1, MaxInFlight: 1, FetchTimeout: time.Second, DrainPoll: 20 * time.Millisecond}, s, q, f, zap.NewNop())

	exec.ReportAuthRedirect("example.com", "/auth/login", "/dashboard")

	// A sibling path under the same auth area must be denied, not just the
	// literal redirected-from path.
	decision := f.Evaluate("https://example.com/auth/signup", 1)
	require.False(t, decision.Enqueue)
}

func TestExecutor_AcquireSlotBlocksAtCapacity(t *testing.T) {
	s := newTestStore(t)
	run := domain.Run{ID: "run-1", SourceName: "docs", StartedAt: time.Now(), Status: domain.RunRunning}
	require.NoError(t, s.CreateRun(run))

	q := queue.New(s, store.DefaultBackoffConfig(), 2, 10*time.Second)
	f := frontier.New(testProfile())
	exec := New(run.ID, Config{ParallelAgents: 1, PagesPerAgent: 1, MaxInFlight: 1, FetchTimeout: time.Second, DrainPoll: 20 * time.Millisecond}, s, q, f, zap.NewNop())

	require.True(t, exec.AcquireSlot(context.Background()))

	acquired := make(chan bool, 1)
	go func() { acquired <- exec.AcquireSlot(context.Background()) }()

	select {
	case <-acquired:
		t.Fatal("second AcquireSlot returned before the first slot was released")
	case <-time.After(50 * time.Millisecond):
	}

	exec.ReleaseSlot()
	require.True(t, <-acquired, "second AcquireSlot should succeed once the slot is released")
}

func TestExecutor_CancelStopsRunEarly(t *testing.T) {
	s := newTestStore(t)
	run := domain.Run{ID: "run-1", SourceName: "docs", StartedAt: time.Now(), Status: domain.RunRunning}
	require.NoError(t, s.CreateRun(run))
	seed := domain.Task{ID: "seed", RunID: run.ID, URL: "https://example.com/", SourceName: "docs", NextRunAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, s.EnqueueTask(seed))

	q := queue.New(s, store.DefaultBackoffConfig(), 2, 10*time.Second)
	f := frontier.New(testProfile())
	exec := New(run.ID, Config{ParallelAgents: 1, PagesPerAgent: 1, MaxInFlight: 2, FetchTimeout: time.Second, DrainPoll: 20 * time.Millisecond}, s, q, f, zap.NewNop())

	exec.Cancel()

	plugin := &linkPlugin{}
	summary, err := exec.Run(context.Background(), WorkerDeps{Fetcher: &singlePageFetcher{}, Plugins: mustRegistry(t, plugin), Profile: testProfile()})
	require.NoError(t, err)
	require.Equal(t, domain.RunStopped, summary.FinalStatus)
}
