package advancedcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/always-cache/advanced-cache/cache"
	cachekey "github.com/always-cache/advanced-cache/pkg/cache-key"
	"github.com/always-cache/advanced-cache/pkg/metrics"
	"github.com/always-cache/advanced-cache/pkg/notify"
	"github.com/always-cache/advanced-cache/pkg/protocol"
	"github.com/always-cache/advanced-cache/pkg/routine"
	"github.com/always-cache/advanced-cache/pkg/rules"
	"github.com/always-cache/advanced-cache/pkg/storename"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultRetention     = 7 * 24 * time.Hour
	DefaultSweepSchedule = "@every 1h"
	DefaultApp           = "app"
	warmCategory         = "warm"
)

var (
	ErrNotInitialized = errors.New("cache manager not initialized")
	ErrShutdown       = errors.New("cache manager shut down")
)

type Config struct {
	// Storage for cache entries. An in-memory provider is used if nil.
	Provider cache.Provider
	// Network retrieval for Handle, ServeHTTP and cache warming.
	// Middleware uses the wrapped handler instead.
	Fetcher Fetcher
	// Ordered rule table, first match wins.
	Rules rules.Rules
	// App name and version make up the store names: {app}-{category}-v{version}.
	App     string
	Version *semver.Version
	// Entries older than this are evicted by the sweeper regardless of rule max age.
	Retention time.Duration
	// Cron schedule for the sweeper.
	SweepSchedule  string
	DisableSweeper bool
	// Interval for broadcasting metrics to subscribers, zero disables.
	MetricsSyncInterval time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Clock, time.Now if nil.
	Now func() time.Time
	// Optional registerer the metrics are mirrored to.
	Registerer prometheus.Registerer
}

// Result is the outcome of handling a request.
type Result struct {
	Response *http.Response
	// Matched rule, nil for passthrough.
	Rule *rules.Rule
	// Store the rule points to, empty for passthrough and network-only.
	Store  string
	Status CacheStatus
}

type state int

const (
	stateNew state = iota
	stateRunning
	stateShutdown
)

type CacheManager struct {
	provider cache.Provider
	fetcher  Fetcher
	rules    rules.Rules
	// store names by rule index
	ruleStores []string
	app        string
	version    *semver.Version
	retention  time.Duration
	schedule   string
	sweep      bool
	syncEvery  time.Duration
	log        zerolog.Logger
	now        func() time.Time

	metrics *metrics.Collector
	hub     *notify.Hub
	tracker *routine.Tracker
	flight  singleflight.Group
	cron    *cron.Cron

	// ctx bounds all retrievals not owned by a single caller
	ctx    context.Context
	cancel context.CancelFunc

	commands chan commandRequest
	stop     chan struct{}
	loopDone chan struct{}

	mutex sync.Mutex
	state state
	// network for commands when no fetcher is configured, set by Middleware
	handlerFetcher Fetcher
}

// New creates the cache manager. Call Init before handling requests.
func New(config Config) (*CacheManager, error) {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = *config.Logger
	}
	if err := config.Rules.Validate(); err != nil {
		return nil, err
	}
	m := &CacheManager{
		provider:  config.Provider,
		fetcher:   config.Fetcher,
		rules:     config.Rules,
		app:       config.App,
		version:   config.Version,
		retention: config.Retention,
		schedule:  config.SweepSchedule,
		sweep:     !config.DisableSweeper,
		syncEvery: config.MetricsSyncInterval,
		now:       config.Now,
		commands:  make(chan commandRequest),
		stop:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	if m.provider == nil {
		m.provider = cache.NewMemProvider()
	}
	if m.app == "" {
		m.app = DefaultApp
	}
	if strings.Contains(m.app, "-") {
		return nil, fmt.Errorf("app name %q must not contain dashes", m.app)
	}
	if m.version == nil {
		m.version = semver.MustParse("1.0.0")
	}
	if err := storename.CheckVersion(m.version); err != nil {
		return nil, err
	}
	if m.retention == 0 {
		m.retention = DefaultRetention
	}
	if m.schedule == "" {
		m.schedule = DefaultSweepSchedule
	}
	if m.now == nil {
		m.now = time.Now
	}

	// create a child logger and add defaults
	m.log = logger.With().
		Str("app", m.app).
		Str("version", m.version.String()).
		Logger()

	collector, err := metrics.NewCollector(config.Registerer)
	if err != nil {
		return nil, fmt.Errorf("could not register metrics: %w", err)
	}
	m.metrics = collector
	m.hub = notify.NewHub(m.log)
	m.tracker = routine.NewTracker(m.log)
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.ruleStores = make([]string, len(m.rules))
	for i, rule := range m.rules {
		if rule.Strategy.Caches() {
			m.ruleStores[i] = storename.Expand(rule.Cache, m.app, m.version)
		}
	}

	m.cron = cron.New(
		cron.WithLogger(cronLogger{m.log}),
		cron.WithChain(cron.Recover(cronLogger{m.log})),
	)
	return m, nil
}

// Init starts the command loop and the scheduled jobs.
func (m *CacheManager) Init() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	switch m.state {
	case stateRunning:
		return nil
	case stateShutdown:
		return ErrShutdown
	}
	if m.sweep {
		if _, err := m.cron.AddJob(m.schedule, namedJob{ctx: m.ctx, name: "sweep", log: m.log, run: m.sweepJob}); err != nil {
			return fmt.Errorf("invalid sweep schedule %q: %w", m.schedule, err)
		}
	}
	if m.syncEvery > 0 {
		m.cron.Schedule(cron.Every(m.syncEvery), namedJob{ctx: m.ctx, name: "metrics-sync", log: m.log, run: m.syncMetrics})
	}
	for i, rule := range m.rules {
		event := m.log.Debug().
			Int("rule", i).
			Str("prefix", rule.Prefix).
			Str("strategy", string(rule.Strategy)).
			Str("store", m.ruleStores[i]).
			Str("maxAge", rule.MaxAgeString())
		if rule.Pattern.Regexp != nil {
			event = event.Str("pattern", rule.Pattern.String())
		}
		event.Msg("Rule")
	}
	go m.commandLoop()
	m.cron.Start()
	m.state = stateRunning
	m.log.Info().
		Int("rules", len(m.rules)).
		Str("sweep", m.schedule).
		Dur("retention", m.retention).
		Msg("Advanced cache initialized")
	return nil
}

// Shutdown stops the scheduled jobs and the command loop and waits for outstanding
// background revalidations until ctx is done, after which they are cancelled.
// The provider is closed last.
func (m *CacheManager) Shutdown(ctx context.Context) error {
	m.mutex.Lock()
	if m.state == stateShutdown {
		m.mutex.Unlock()
		return nil
	}
	running := m.state == stateRunning
	m.state = stateShutdown
	m.mutex.Unlock()

	if running {
		<-m.cron.Stop().Done()
		close(m.stop)
		<-m.loopDone
	}
	m.tracker.Close()
	err := m.tracker.Wait(ctx)
	if err != nil {
		m.log.Warn().Int("pending", m.tracker.Pending()).Msg("Cancelling outstanding revalidations")
	}
	m.cancel()
	m.hub.Close()
	if cerr := m.provider.Close(); cerr != nil && err == nil {
		err = cerr
	}
	m.log.Info().Msg("Advanced cache shut down")
	return err
}

func (m *CacheManager) running() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state == stateRunning
}

// Metrics returns the current metrics snapshot.
func (m *CacheManager) Metrics() metrics.Snapshot {
	return m.metrics.Snapshot()
}

// Subscribe registers a notification subscriber.
func (m *CacheManager) Subscribe() *notify.Subscriber {
	return m.hub.Subscribe()
}

func (m *CacheManager) Unsubscribe(sub *notify.Subscriber) {
	m.hub.Unsubscribe(sub)
}

// PendingRevalidations returns the number of background revalidations still running.
func (m *CacheManager) PendingRevalidations() int {
	return m.tracker.Pending()
}

// Handle serves the request through the strategy of its matching rule.
// Requests matching no rule, and requests that are not cacheable, are passed straight to the fetcher.
func (m *CacheManager) Handle(ctx context.Context, r *http.Request) (*Result, error) {
	if !m.running() {
		return nil, ErrNotInitialized
	}
	if m.fetcher == nil {
		return nil, errNoFetcher
	}
	return m.handle(ctx, r, m.fetcher)
}

func (m *CacheManager) handle(ctx context.Context, r *http.Request, fetcher Fetcher) (*Result, error) {
	url := cachekey.URL(r)
	log := m.log.With().Str("url", url).Logger()

	key, err := cachekey.Key(r)
	if err != nil {
		log.Trace().Err(err).Msg("Passing through")
		return m.passthrough(ctx, r, fetcher, CacheStatusFwdMethod)
	}
	i := m.rules.Index(url)
	if i < 0 {
		log.Trace().Msg("No rule, passing through")
		return m.passthrough(ctx, r, fetcher, CacheStatusFwdBypass)
	}
	rule := &m.rules[i]
	ex := execution{
		m:       m,
		ctx:     ctx,
		r:       r,
		url:     url,
		key:     key,
		rule:    rule,
		fetcher: fetcher,
		log:     log.With().Str("strategy", string(rule.Strategy)).Logger(),
	}
	if rule.Strategy.Caches() {
		store, err := m.provider.Open(m.ruleStores[i])
		if err != nil {
			m.metrics.Record(metrics.CacheMisses)
			return nil, err
		}
		ex.store = store
		ex.log = ex.log.With().Str("store", store.Name()).Logger()
	}
	return ex.run()
}

func (m *CacheManager) passthrough(ctx context.Context, r *http.Request, fetcher Fetcher, reason CacheStatusFwdReason) (*Result, error) {
	res, err := fetcher.Fetch(ctx, r)
	if err != nil {
		return nil, networkErr(cachekey.URL(r), err)
	}
	result := &Result{Response: res}
	result.Status.Forward(reason)
	return result, nil
}

// ServeHTTP implements the http.Handler interface.
func (m *CacheManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer m.recover(w, r)
	result, err := m.Handle(r.Context(), r)
	m.respond(w, r, result, err)
}

// Middleware serves requests through the cache, using next as the network.
// Requests bypassing the cache are sent to next directly.
// Without a configured fetcher, the first wrapped handler also serves cache warming.
func (m *CacheManager) Middleware(next http.Handler) http.Handler {
	fetcher := HandlerFetcher{Handler: next}
	m.mutex.Lock()
	if m.handlerFetcher == nil {
		m.handlerFetcher = fetcher
	}
	m.mutex.Unlock()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.running() || !cachekey.Cacheable(r) || m.rules.Index(cachekey.URL(r)) < 0 {
			next.ServeHTTP(w, r)
			return
		}
		defer m.recover(w, r)
		result, err := m.handle(r.Context(), r, fetcher)
		m.respond(w, r, result, err)
	})
}

// networkFetcher returns the fetcher used outside of request handling, or nil.
func (m *CacheManager) networkFetcher() Fetcher {
	if m.fetcher != nil {
		return m.fetcher
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.handlerFetcher
}

func (m *CacheManager) respond(w http.ResponseWriter, r *http.Request, result *Result, err error) {
	if err != nil {
		switch {
		case IsNetworkFailure(err):
			m.log.Error().Err(err).Msg("Error connecting to origin")
			http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		case errors.Is(err, ErrNotInitialized), errors.Is(err, ErrShutdown):
			http.Error(w, "Cache not available", http.StatusServiceUnavailable)
		default:
			m.log.Error().Err(err).Msg("Error handling request")
			http.Error(w, "Cache error", http.StatusInternalServerError)
		}
		return
	}
	if err := send(w, result.Response, result.Status); err != nil {
		m.log.Error().Err(err).Msg("Could not write response body to client")
	}
}

// recover recovers from panics in the request path.
func (m *CacheManager) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		m.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Str("url", r.URL.String()).Msg("Panic in cache handler")
		http.Error(w, "Cache error", http.StatusInternalServerError)
	}
}

func send(w http.ResponseWriter, r *http.Response, status CacheStatus) error {
	if r.Body != nil {
		defer r.Body.Close()
	}
	copyHeader(w.Header(), r.Header)
	w.Header().Add("Cache-Status", status.String())
	w.WriteHeader(r.StatusCode)
	if r.Body == nil {
		return nil
	}
	_, err := io.Copy(w, r.Body)
	return err
}

// broadcast sends the notification to all subscribers.
func (m *CacheManager) broadcast(n protocol.Notification) {
	m.hub.Broadcast(n)
}
