package advancedcache

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/always-cache/advanced-cache/pkg/freshness"
	"github.com/always-cache/advanced-cache/pkg/storename"
	"github.com/rs/zerolog"
)

// SweepReport summarizes a sweep.
type SweepReport struct {
	Stores   int
	Scanned  int
	Evicted  int
	Orphaned []string
}

// Sweep evicts entries older than the retention horizon from every managed store
// and removes the stores left behind by other versions of the app.
// Entries whose age cannot be determined are evicted too.
// A failing store does not stop the sweep, the first error is returned.
func (m *CacheManager) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	names, err := m.provider.Stores()
	if err != nil {
		return report, err
	}
	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}
	now := m.now()
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			keep(err)
			break
		}
		if storename.Orphaned(name, m.app, m.version) && !m.ruleStore(name) {
			if _, err := m.provider.DeleteStore(name); err != nil {
				m.log.Error().Err(err).Str("store", name).Msg("Could not reclaim orphaned store")
				keep(err)
				continue
			}
			m.log.Info().Str("store", name).Msg("Reclaimed orphaned store")
			report.Orphaned = append(report.Orphaned, name)
			continue
		}
		if !m.managed(name) {
			continue
		}
		report.Stores++
		scanned, evicted, err := m.sweepStore(ctx, name, now)
		report.Scanned += scanned
		report.Evicted += evicted
		if err != nil {
			m.log.Error().Err(err).Str("store", name).Msg("Could not sweep store")
			keep(err)
		}
	}
	return report, firstErr
}

// ruleStore reports whether a rule names the store, possibly pinned to another version.
func (m *CacheManager) ruleStore(name string) bool {
	for _, store := range m.ruleStores {
		if store == name {
			return true
		}
	}
	return false
}

func (m *CacheManager) sweepStore(ctx context.Context, name string, now time.Time) (scanned, evicted int, err error) {
	store, err := m.provider.Open(name)
	if err != nil {
		return 0, 0, err
	}
	var (
		expired []string
		getErr  error
	)
	err = store.Keys(func(key string) bool {
		if ctx.Err() != nil {
			return false
		}
		scanned++
		entry, found, gerr := store.Get(key)
		if gerr != nil {
			getErr = gerr
			return false
		}
		if !found {
			return true
		}
		if age, ok := freshness.Age(entry, now); !ok || age > m.retention {
			expired = append(expired, key)
		}
		return true
	})
	if err == nil {
		err = getErr
	}
	if err != nil {
		return scanned, 0, err
	}
	for _, key := range expired {
		deleted, derr := store.Delete(key)
		if derr != nil {
			return scanned, evicted, derr
		}
		if deleted {
			evicted++
		}
	}
	return scanned, evicted, ctx.Err()
}

func (m *CacheManager) sweepJob(ctx context.Context) error {
	report, err := m.Sweep(ctx)
	m.log.Info().
		Int("stores", report.Stores).
		Int("scanned", report.Scanned).
		Int("evicted", report.Evicted).
		Strs("orphaned", report.Orphaned).
		Msg("Sweep done")
	return err
}

// namedJob runs a scheduled function with panic recovery and logging.
type namedJob struct {
	ctx  context.Context
	name string
	log  zerolog.Logger
	run  func(ctx context.Context) error
}

func (j namedJob) Run() {
	start := time.Now()
	log := j.log.With().Str("job", j.name).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("job panicked")
		}
	}()
	log.Trace().Msg("job started")
	if err := j.run(j.ctx); err != nil {
		log.Error().Err(err).Dur("duration", time.Since(start)).Msg("job failed")
		return
	}
	log.Debug().Dur("duration", time.Since(start)).Msg("job completed")
}

// cronLogger adapts zerolog to the cron logger interface.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Trace().Fields(fields(keysAndValues)).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(fields(keysAndValues)).Msg("cron: " + msg)
}

func fields(keysAndValues []interface{}) map[string]interface{} {
	f := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}
