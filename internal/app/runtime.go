package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/devpulse/harvester/internal/collect"
	"github.com/devpulse/harvester/internal/config"
	"github.com/devpulse/harvester/internal/failure"
	"github.com/devpulse/harvester/internal/githubapi"
	"github.com/devpulse/harvester/internal/ratelimit"
	"github.com/devpulse/harvester/internal/scheduler"
	"github.com/devpulse/harvester/internal/stats"
	"github.com/devpulse/harvester/internal/statsdb"
	"github.com/devpulse/harvester/internal/store"
	"github.com/google/go-github/v75/github"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type harvester interface {
	CollectSubject(ctx context.Context, subject collect.Subject) (collect.Summary, error)
}

type factReader interface {
	RepositoriesBySubject(ctx context.Context, subjectID string) ([]store.Repository, error)
	CommitsBySubject(ctx context.Context, subjectID string) ([]store.Commit, error)
	PullRequestsBySubject(ctx context.Context, subjectID string) ([]store.PullRequest, error)
	IssuesBySubject(ctx context.Context, subjectID string) ([]store.Issue, error)
	RateLimitState(ctx context.Context, subjectID string) (store.RateLimitState, bool, error)
	SaveRateLimitState(ctx context.Context, state store.RateLimitState) error
}

// statsStore is the persistence surface for derived aggregates, scores and
// platform snapshots.
type statsStore interface {
	statsReader
	SaveUserStatistics(ctx context.Context, user stats.UserStatistics) error
	ReplaceRepositoryStatistics(ctx context.Context, subjectID string, repositories []stats.RepositoryStatistics) error
	SaveScore(ctx context.Context, score stats.Score) error
	SavePlatformStatistics(ctx context.Context, platform stats.PlatformStatistics) error
	AllUserStatistics(ctx context.Context) ([]stats.UserStatistics, error)
}

// Runtime owns the harvest pipeline: the job queue and worker pool, the
// collector, statistics aggregation, and the read API over the persisted
// snapshots.
type Runtime struct {
	cfg       *config.Config
	logger    *zap.Logger
	collector harvester
	facts     factReader
	statsDB   statsStore
	tracker   *ratelimit.Tracker
	failures  *failure.Stats
	queue     *scheduler.Queue
	pool      *scheduler.Pool
	platform  *stats.PlatformAggregator
	metrics   *Metrics
	closers   []func() error

	now func() time.Time
}

// NewRuntime wires the full pipeline from configuration: Redis fact store,
// Postgres statistics store, GitHub clients sharing one rate tracker, the
// collector, and the scheduler pool.
func NewRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Store.RedisAddr,
		Password: cfg.Store.RedisPassword,
		DB:       cfg.Store.RedisDB,
	})
	facts := store.NewFactStore(redisClient, store.FactStoreConfig{Namespace: cfg.Store.Namespace})

	statsDB, err := statsdb.New(ctx, cfg.Database.DSN)
	if err != nil {
		_ = facts.Close()
		return nil, fmt.Errorf("open statistics store: %w", err)
	}

	tracker := ratelimit.NewTracker()
	httpClient := &http.Client{
		Timeout:   cfg.GitHub.RequestTimeout,
		Transport: githubapi.NewRetryingTransport(nil, cfg.Retry.MaxAttempts, cfg.Retry.Delays),
	}
	graphql := githubapi.NewGraphQLClient(cfg.GitHub.GraphQLEndpoint, httpClient, tracker, cfg.GitHub.RequestTimeout)

	base := github.NewClient(httpClient)
	if cfg.GitHub.APIBaseURL != "" && cfg.GitHub.APIBaseURL != "https://api.github.com" {
		base, err = base.WithEnterpriseURLs(cfg.GitHub.APIBaseURL, cfg.GitHub.APIBaseURL)
		if err != nil {
			_ = facts.Close()
			statsDB.Close()
			return nil, fmt.Errorf("configure github base url: %w", err)
		}
	}
	rest := githubapi.NewRESTClient(base, tracker)

	failures := failure.NewStats()
	collector := collect.NewCollector(graphql, rest, facts, tracker, failures, logger, collect.Config{
		RateLimitThreshold: cfg.RateLimit.MinRemainingThreshold,
		MaxPages:           cfg.Collect.MaxPages,
		DiscoveryWindow:    cfg.Collect.DiscoveryWindow,
	})

	runtime := newRuntime(cfg, collector, facts, statsDB, tracker, failures, logger)
	runtime.closers = append(runtime.closers, facts.Close, func() error {
		statsDB.Close()
		return nil
	})
	return runtime, nil
}

func newRuntime(cfg *config.Config, collector harvester, facts factReader, statsDB statsStore, tracker *ratelimit.Tracker, failures *failure.Stats, logger *zap.Logger) *Runtime {
	if tracker == nil {
		tracker = ratelimit.NewTracker()
	}
	if failures == nil {
		failures = failure.NewStats()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	queue := scheduler.NewQueue()
	runtime := &Runtime{
		cfg:       cfg,
		logger:    logger,
		collector: collector,
		facts:     facts,
		statsDB:   statsDB,
		tracker:   tracker,
		failures:  failures,
		queue:     queue,
		platform:  stats.NewPlatformAggregator(cfg.Platform.RecomputeThreshold),
		metrics:   NewMetrics(queue.Len),
		now:       time.Now,
	}
	runtime.pool = scheduler.NewPool(queue, runtime.handleJob, failures, logger, scheduler.PoolConfig{
		Workers: cfg.Collect.Workers,
		RetryPolicy: scheduler.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Delays:      cfg.Retry.Delays,
		},
	})
	return runtime
}

// Handler returns the HTTP surface: the read API, Prometheus metrics and
// health probes.
func (r *Runtime) Handler() http.Handler {
	return NewHTTPHandler(r.statsDB, r.metrics.Handler(), r.logger)
}

// Run starts the workers, the periodic harvest trigger and the HTTP server,
// and blocks until the context is cancelled or the server fails.
func (r *Runtime) Run(ctx context.Context) error {
	r.bootstrap(ctx)
	go r.pool.Run(ctx)
	go r.harvestLoop(ctx)

	server := &http.Server{
		Addr:              r.cfg.Server.ListenAddr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()
	r.logger.Info("harvester started",
		zap.String("listen_addr", r.cfg.Server.ListenAddr),
		zap.Int("subjects", len(r.cfg.Subjects)),
		zap.Int("workers", r.cfg.Collect.Workers),
	)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			r.logger.Warn("http server shutdown", zap.Error(err))
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases the backing stores.
func (r *Runtime) Close() error {
	var errs []error
	for _, closer := range r.closers {
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// bootstrap restores persisted rate limit state and seeds the queue with one
// job per configured subject. Subjects with no known rate limit state start
// immediately at high priority.
func (r *Runtime) bootstrap(ctx context.Context) {
	states := make([]scheduler.SubjectState, 0, len(r.cfg.Subjects))
	for _, subject := range r.cfg.Subjects {
		var resetAt time.Time
		state, ok, err := r.facts.RateLimitState(ctx, subject.ID)
		if err != nil {
			r.logger.Warn("failed to restore rate limit state", zap.String("subject", subject.Login), zap.Error(err))
		} else if ok {
			resetAt = state.ResetAt
			r.tracker.Restore(subject.Token, state.ResetAt)
		}
		states = append(states, scheduler.SubjectState{
			Subject: collect.Subject{
				ID:         subject.ID,
				Login:      subject.Login,
				Credential: subject.Token,
			},
			ResetAt: resetAt,
		})
	}
	scheduler.Bootstrap(r.queue, states, r.now())
}

func (r *Runtime) harvestLoop(ctx context.Context) {
	interval := r.cfg.Collect.HarvestInterval
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := r.now()
			for _, subject := range r.cfg.Subjects {
				r.queue.Enqueue(scheduler.NewJob(scheduler.JobSubjectHarvest, collect.Subject{
					ID:         subject.ID,
					Login:      subject.Login,
					Credential: subject.Token,
				}, scheduler.PriorityLow, now))
			}
			r.logger.Debug("scheduled periodic harvest", zap.Int("subjects", len(r.cfg.Subjects)))
		}
	}
}

func (r *Runtime) handleJob(ctx context.Context, job scheduler.Job) error {
	started := r.now()
	summary, err := r.collector.CollectSubject(ctx, job.Subject)
	r.metrics.ObserveFacts(summary.Repositories, summary.Commits, summary.PullRequests, summary.Issues, len(summary.FailedRepos))
	r.metrics.ObserveRateLimit(job.Subject.ID, r.tracker.Remaining(job.Subject.Credential))
	r.persistRateLimitState(ctx, job.Subject)
	if err != nil {
		r.metrics.ObserveHarvest(r.now().Sub(started), true)
		return fmt.Errorf("collect subject %s: %w", job.Subject.Login, err)
	}

	if err := r.refreshStatistics(ctx, job.Subject); err != nil {
		r.metrics.ObserveHarvest(r.now().Sub(started), true)
		return fmt.Errorf("refresh statistics for %s: %w", job.Subject.Login, err)
	}

	r.metrics.ObserveHarvest(r.now().Sub(started), false)
	r.logger.Info("subject harvest completed",
		zap.String("subject", job.Subject.Login),
		zap.Int("repositories", summary.Repositories),
		zap.Int("commits", summary.Commits),
		zap.Int("pull_requests", summary.PullRequests),
		zap.Int("issues", summary.Issues),
		zap.Int("api_calls", summary.APICalls),
		zap.Strings("failed_repositories", summary.FailedRepos),
		zap.Duration("duration", r.now().Sub(started)),
	)
	return nil
}

// persistRateLimitState saves the tracker's view of the subject's quota so a
// restart can schedule around a reset that is still in the future.
func (r *Runtime) persistRateLimitState(ctx context.Context, subject collect.Subject) {
	state := store.RateLimitState{
		SubjectID: subject.ID,
		Remaining: r.tracker.Remaining(subject.Credential),
		ResetAt:   r.tracker.ResetAt(subject.Credential),
		UpdatedAt: r.now(),
	}
	if err := r.facts.SaveRateLimitState(ctx, state); err != nil {
		r.logger.Warn("failed to persist rate limit state", zap.String("subject", subject.Login), zap.Error(err))
	}
}

// refreshStatistics recomputes the derived aggregates from the raw facts and
// persists them. The computation is pure, so re-running it after a partially
// failed crawl only ever moves the snapshots forward.
func (r *Runtime) refreshStatistics(ctx context.Context, subject collect.Subject) error {
	repositories, err := r.facts.RepositoriesBySubject(ctx, subject.ID)
	if err != nil {
		return fmt.Errorf("load repositories: %w", err)
	}
	commits, err := r.facts.CommitsBySubject(ctx, subject.ID)
	if err != nil {
		return fmt.Errorf("load commits: %w", err)
	}
	pullRequests, err := r.facts.PullRequestsBySubject(ctx, subject.ID)
	if err != nil {
		return fmt.Errorf("load pull requests: %w", err)
	}
	issues, err := r.facts.IssuesBySubject(ctx, subject.ID)
	if err != nil {
		return fmt.Errorf("load issues: %w", err)
	}

	now := r.now()
	periodStart := now.Add(-r.cfg.Collect.DiscoveryWindow)
	user, repoStats := stats.Aggregate(stats.Input{
		SubjectID:    subject.ID,
		Login:        subject.Login,
		Repositories: repositories,
		Commits:      commits,
		PullRequests: pullRequests,
		Issues:       issues,
	}, periodStart, now, now)
	score := stats.ComputeScore(subject.ID, subject.Login, repoStats, pullRequests, now)

	if err := r.statsDB.SaveUserStatistics(ctx, user); err != nil {
		return fmt.Errorf("save user statistics: %w", err)
	}
	if err := r.statsDB.ReplaceRepositoryStatistics(ctx, subject.ID, repoStats); err != nil {
		return fmt.Errorf("save repository statistics: %w", err)
	}
	if err := r.statsDB.SaveScore(ctx, score); err != nil {
		return fmt.Errorf("save score: %w", err)
	}
	return r.recomputePlatform(ctx, now)
}

func (r *Runtime) recomputePlatform(ctx context.Context, now time.Time) error {
	previous, err := r.statsDB.PlatformStatistics(ctx)
	if err != nil {
		return fmt.Errorf("load platform statistics: %w", err)
	}
	users, err := r.statsDB.AllUserStatistics(ctx)
	if err != nil {
		return fmt.Errorf("load user statistics: %w", err)
	}
	next, changed := r.platform.Recompute(previous, users, now)
	if !changed {
		return nil
	}
	if err := r.statsDB.SavePlatformStatistics(ctx, next); err != nil {
		return fmt.Errorf("save platform statistics: %w", err)
	}
	r.logger.Info("platform statistics recomputed", zap.Int("users", next.TotalUserCount))
	return nil
}
