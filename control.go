package advancedcache

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/always-cache/advanced-cache/cache"
	cachekey "github.com/always-cache/advanced-cache/pkg/cache-key"
	"github.com/always-cache/advanced-cache/pkg/protocol"
	"github.com/always-cache/advanced-cache/pkg/routine"
	"github.com/always-cache/advanced-cache/pkg/storename"
	"golang.org/x/sync/errgroup"
)

// warmConcurrency is the number of urls fetched in parallel when warming.
const warmConcurrency = 4

type commandRequest struct {
	cmd   protocol.Command
	reply chan commandReply
}

type commandReply struct {
	n   protocol.Notification
	err error
}

// Send executes a control command and returns its reply.
// Commands are executed one at a time, in the order they are received.
// Invalid commands are rejected without being queued.
func (m *CacheManager) Send(ctx context.Context, cmd protocol.Command) (protocol.Notification, error) {
	if cmd == nil {
		return nil, protocol.ErrInvalidCommand
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if !m.running() {
		return nil, ErrNotInitialized
	}
	req := commandRequest{cmd: cmd, reply: make(chan commandReply, 1)}
	select {
	case m.commands <- req:
	case <-m.stop:
		return nil, ErrShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case rep := <-req.reply:
		return rep.n, rep.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *CacheManager) commandLoop() {
	defer close(m.loopDone)
	for {
		select {
		case req := <-m.commands:
			n, err := m.execute(req.cmd)
			req.reply <- commandReply{n: n, err: err}
		case <-m.stop:
			return
		}
	}
}

func (m *CacheManager) execute(cmd protocol.Command) (n protocol.Notification, err error) {
	log := m.log.With().Str("command", cmd.CommandType()).Logger()
	log.Debug().Msg("Executing command")
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Panic executing command")
			err = routine.ErrPanic(r)
		}
	}()
	switch c := cmd.(type) {
	case protocol.GetMetrics:
		return m.metricsSync(), nil
	case protocol.ClearCache:
		return m.clear(c.CacheName)
	case protocol.WarmCache:
		return m.warm(c.URLs)
	case protocol.InvalidatePattern:
		return m.invalidate(c.Pattern)
	}
	return nil, protocol.ErrInvalidCommand
}

func (m *CacheManager) metricsSync() protocol.MetricsSync {
	return protocol.MetricsSync{
		Metrics:   m.metrics.Snapshot(),
		Timestamp: m.now().UnixMilli(),
	}
}

func (m *CacheManager) syncMetrics(ctx context.Context) error {
	m.broadcast(m.metricsSync())
	return nil
}

// managed reports whether the store is one this manager looks after:
// any store named by the app, or any store a rule points to.
func (m *CacheManager) managed(name string) bool {
	return storename.Belongs(name, m.app) || m.ruleStore(name)
}

func (m *CacheManager) managedStores() ([]string, error) {
	names, err := m.provider.Stores()
	if err != nil {
		return nil, err
	}
	managed := names[:0]
	for _, name := range names {
		if m.managed(name) {
			managed = append(managed, name)
		}
	}
	return managed, nil
}

// clear deletes the named store, or all managed stores if name is empty.
func (m *CacheManager) clear(name string) (protocol.Notification, error) {
	names := []string{name}
	if name == "" {
		var err error
		if names, err = m.managedStores(); err != nil {
			return nil, err
		}
	}
	for _, store := range names {
		deleted, err := m.provider.DeleteStore(store)
		if err != nil {
			return nil, err
		}
		m.log.Info().Str("store", store).Bool("existed", deleted).Msg("Cleared store")
	}
	n := protocol.CacheCleared{CacheName: name}
	m.broadcast(n)
	return n, nil
}

// warmStore returns the store a warmed url is written to:
// the store of its rule if the rule caches, otherwise the dedicated warm store.
func (m *CacheManager) warmStore(url string) string {
	if i := m.rules.Index(url); i >= 0 && m.ruleStores[i] != "" {
		return m.ruleStores[i]
	}
	return storename.New(m.app, warmCategory, m.version).String()
}

// warm fetches and stores every url. Failing urls are logged and skipped.
func (m *CacheManager) warm(urls []string) (protocol.Notification, error) {
	fetcher := m.networkFetcher()
	if fetcher == nil {
		return nil, errNoFetcher
	}
	var (
		mutex  sync.Mutex
		stored int
	)
	g, ctx := errgroup.WithContext(m.ctx)
	g.SetLimit(warmConcurrency)
	for _, url := range urls {
		url := url
		g.Go(func() error {
			ok, err := m.warmURL(ctx, url, fetcher)
			if err != nil {
				m.log.Warn().Err(err).Str("url", url).Msg("Could not warm url")
				return nil
			}
			if ok {
				mutex.Lock()
				stored++
				mutex.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	n := protocol.CacheWarmed{URLs: urls, Count: len(urls), Stored: stored}
	m.log.Info().Int("count", n.Count).Int("stored", n.Stored).Msg("Cache warmed")
	m.broadcast(n)
	return n, nil
}

func (m *CacheManager) warmURL(ctx context.Context, url string, fetcher Fetcher) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	store, err := m.provider.Open(m.warmStore(url))
	if err != nil {
		return false, err
	}
	_, stored, err := m.retrieve(ctx, req, store, cachekey.ForURL(cachekey.URL(req)), fetcher)
	return stored, err
}

// invalidate deletes every entry in the managed stores whose url contains the pattern.
func (m *CacheManager) invalidate(pattern string) (protocol.Notification, error) {
	names, err := m.managedStores()
	if err != nil {
		return nil, err
	}
	count := 0
	for _, name := range names {
		store, err := m.provider.Open(name)
		if err != nil {
			return nil, err
		}
		matches, err := matchingKeys(store, pattern)
		if err != nil {
			return nil, err
		}
		for _, key := range matches {
			deleted, err := store.Delete(key)
			if err != nil {
				return nil, err
			}
			if !deleted {
				continue
			}
			count++
			m.broadcast(protocol.PatternInvalidated{
				Pattern: pattern,
				URL:     cachekey.URLFromKey(key),
				Cache:   name,
				Count:   1,
			})
		}
	}
	n := protocol.PatternInvalidated{Pattern: pattern, Count: count}
	m.log.Info().Str("pattern", pattern).Int("count", count).Msg("Invalidated pattern")
	m.broadcast(n)
	return n, nil
}

func matchingKeys(store cache.Store, pattern string) ([]string, error) {
	var matches []string
	err := store.Keys(func(key string) bool {
		if strings.Contains(cachekey.URLFromKey(key), pattern) {
			matches = append(matches, key)
		}
		return true
	})
	return matches, err
}
