package advancedcache

import (
	"context"
	"net/http"

	"github.com/always-cache/advanced-cache/cache"
	"github.com/always-cache/advanced-cache/pkg/freshness"
	"github.com/always-cache/advanced-cache/pkg/metrics"
	"github.com/always-cache/advanced-cache/pkg/protocol"
	serializer "github.com/always-cache/advanced-cache/pkg/response-serializer"
	"github.com/always-cache/advanced-cache/pkg/rules"
	"github.com/rs/zerolog"
)

// execution is a single request going through a strategy.
// Every execution records exactly one outcome: a hit, a miss or a network request.
type execution struct {
	m       *CacheManager
	ctx     context.Context
	r       *http.Request
	url     string
	key     string
	rule    *rules.Rule
	store   cache.Store
	fetcher Fetcher
	log     zerolog.Logger
}

func (ex execution) run() (*Result, error) {
	switch ex.rule.Strategy {
	case rules.CacheFirst:
		return ex.cacheFirst()
	case rules.NetworkFirst:
		return ex.networkFirst()
	case rules.StaleWhileRevalidate:
		return ex.staleWhileRevalidate()
	default:
		return ex.networkOnly()
	}
}

func (ex execution) cacheFirst() (*Result, error) {
	entry, found, err := ex.store.Get(ex.key)
	if err != nil {
		return ex.miss(err)
	}
	if found && !freshness.IsStale(entry, ex.rule.MaxAge, ex.m.now()) {
		return ex.hit(entry, ""), nil
	}
	res, stored, err := ex.m.retrieve(ex.ctx, ex.r, ex.store, ex.key, ex.fetcher)
	if err != nil {
		if found && IsNetworkFailure(err) {
			ex.log.Warn().Err(err).Msg("Network failed, serving stale entry")
			return ex.fallback(entry), nil
		}
		return ex.failed(err)
	}
	reason := CacheStatusFwdUriMiss
	if found {
		reason = CacheStatusFwdStale
	}
	return ex.network(res, stored, reason), nil
}

func (ex execution) networkFirst() (*Result, error) {
	res, stored, err := ex.m.retrieve(ex.ctx, ex.r, ex.store, ex.key, ex.fetcher)
	if err == nil {
		return ex.network(res, stored, CacheStatusFwdRequest), nil
	}
	if !IsNetworkFailure(err) {
		return ex.failed(err)
	}
	entry, found, gerr := ex.store.Get(ex.key)
	if gerr != nil {
		ex.log.Error().Err(gerr).Msg("Could not read fallback entry")
		return ex.miss(err)
	}
	if !found {
		return ex.miss(err)
	}
	ex.log.Warn().Err(err).Msg("Network failed, serving cached entry")
	return ex.fallback(entry), nil
}

func (ex execution) staleWhileRevalidate() (*Result, error) {
	entry, found, err := ex.store.Get(ex.key)
	if err != nil {
		return ex.miss(err)
	}
	rv, err := ex.m.revalidate(ex.r, ex.store, ex.key, ex.fetcher)
	if found {
		if err != nil {
			ex.log.Warn().Err(err).Msg("Could not start revalidation")
		}
		detail := ""
		if freshness.IsStale(entry, ex.rule.MaxAge, ex.m.now()) {
			detail = "stale-while-revalidate"
		}
		return ex.hit(entry, detail), nil
	}
	// first population, the response is the result of the revalidation
	if err != nil {
		return ex.miss(err)
	}
	res, stored, err := rv.wait(ex.ctx)
	if err != nil {
		if cache.IsStoreFailure(err) {
			return ex.failed(err)
		}
		return ex.miss(err)
	}
	return ex.network(res, stored, CacheStatusFwdUriMiss), nil
}

func (ex execution) networkOnly() (*Result, error) {
	res, err := ex.fetcher.Fetch(ex.ctx, ex.r)
	ex.m.metrics.Record(metrics.NetworkRequests)
	if err != nil {
		return nil, networkErr(ex.url, err)
	}
	result := &Result{Response: res, Rule: ex.rule}
	result.Status.Forward(CacheStatusFwdBypass)
	ex.log.Debug().Int("status", res.StatusCode).Msg("Network only")
	return result, nil
}

func (ex execution) hit(entry cache.Entry, detail string) *Result {
	ex.m.metrics.Record(metrics.CacheHits)
	ex.m.broadcast(protocol.CacheHit{URL: ex.url, Cache: ex.store.Name()})
	result := ex.result(ex.stored(entry))
	result.Status.Hit()
	result.Status.Detail = detail
	ex.log.Debug().Str("detail", detail).Msg("Cache hit")
	return result
}

func (ex execution) fallback(entry cache.Entry) *Result {
	ex.m.metrics.Record(metrics.CacheHits)
	ex.m.broadcast(protocol.CacheFallback{URL: ex.url, Cache: ex.store.Name()})
	result := ex.result(ex.stored(entry))
	result.Status.Hit()
	result.Status.Detail = "fallback"
	ex.log.Debug().Msg("Cache fallback")
	return result
}

func (ex execution) stored(entry cache.Entry) *http.Response {
	res := serializer.Response(entry, ex.r)
	freshness.SetAge(res.Header, entry, ex.m.now())
	return res
}

func (ex execution) network(res *http.Response, stored bool, reason CacheStatusFwdReason) *Result {
	ex.m.metrics.Record(metrics.NetworkRequests)
	result := ex.result(res)
	result.Status.Forward(reason)
	result.Status.Stored = stored
	ex.log.Debug().Int("status", res.StatusCode).Bool("stored", stored).Msg("Network response")
	return result
}

// miss is the outcome of an execution without any usable response.
func (ex execution) miss(err error) (*Result, error) {
	ex.m.metrics.Record(metrics.CacheMisses)
	ex.log.Debug().Err(err).Msg("Cache miss")
	return nil, err
}

// failed is the outcome of a retrieval that reached the network but could not be completed.
func (ex execution) failed(err error) (*Result, error) {
	if IsNetworkFailure(err) {
		return ex.miss(err)
	}
	ex.m.metrics.Record(metrics.NetworkRequests)
	ex.log.Error().Err(err).Msg("Could not store response")
	return nil, err
}

func (ex execution) result(res *http.Response) *Result {
	return &Result{
		Response: res,
		Rule:     ex.rule,
		Store:    ex.store.Name(),
	}
}
