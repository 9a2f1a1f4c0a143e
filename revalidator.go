package advancedcache

import (
	"context"
	"net/http"

	"github.com/always-cache/advanced-cache/cache"
	cachekey "github.com/always-cache/advanced-cache/pkg/cache-key"
	"github.com/always-cache/advanced-cache/pkg/protocol"
	serializer "github.com/always-cache/advanced-cache/pkg/response-serializer"
	"github.com/always-cache/advanced-cache/pkg/routine"
)

// fetched is a buffered retrieval shared by all callers waiting on the same key.
type fetched struct {
	res    *http.Response
	body   []byte
	stored bool
}

// retrieve fetches the request and stores successful responses.
// Concurrent retrievals of the same key in the same store are collapsed into one.
// The shared retrieval runs under the manager context, so one caller giving up does not cancel it for the others.
func (m *CacheManager) retrieve(ctx context.Context, r *http.Request, store cache.Store, key string, fetcher Fetcher) (*http.Response, bool, error) {
	ch := m.flight.DoChan(store.Name()+"\x00"+key, func() (any, error) {
		return m.fetchAndStore(r, store, key, fetcher)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		f := res.Val.(*fetched)
		if res.Shared {
			m.log.Trace().Str("key", key).Msg("Shared in-flight retrieval")
		}
		return serializer.Clone(f.res, f.body), f.stored, nil
	case <-ctx.Done():
		return nil, false, networkErr(cachekey.URL(r), ctx.Err())
	}
}

func (m *CacheManager) fetchAndStore(r *http.Request, store cache.Store, key string, fetcher Fetcher) (*fetched, error) {
	url := cachekey.URL(r)
	res, err := fetcher.Fetch(m.ctx, r.WithContext(m.ctx))
	if err != nil {
		return nil, networkErr(url, err)
	}
	body, err := serializer.ReadBody(res)
	if err != nil {
		return nil, networkErr(url, err)
	}
	f := &fetched{res: res, body: body}
	// only successes are stored
	if !serializer.Successful(res.StatusCode) {
		m.log.Debug().Str("url", url).Int("status", res.StatusCode).Msg("Not storing response")
		return f, nil
	}
	entry, err := serializer.Entry(res, m.now())
	if err != nil {
		return nil, networkErr(url, err)
	}
	m.log.Trace().Str("store", store.Name()).Str("key", key).Msg("Writing to cache")
	if err := store.Put(key, entry); err != nil {
		return nil, err
	}
	f.stored = true
	return f, nil
}

// revalidation is a background retrieval tracked until it completes.
type revalidation struct {
	task   *routine.Task
	url    string
	res    *http.Response
	stored bool
}

// wait blocks until the revalidation completes and returns its response.
// Only one caller may consume the response.
func (rv *revalidation) wait(ctx context.Context) (*http.Response, bool, error) {
	select {
	case <-rv.task.Done():
		if err := rv.task.Err(); err != nil {
			return nil, false, err
		}
		return rv.res, rv.stored, nil
	case <-ctx.Done():
		return nil, false, networkErr(rv.url, ctx.Err())
	}
}

// revalidate launches a background retrieval that stores the response and announces the update.
// Failures are logged and otherwise only visible through the returned handle.
func (m *CacheManager) revalidate(r *http.Request, store cache.Store, key string, fetcher Fetcher) (*revalidation, error) {
	rv := &revalidation{url: cachekey.URL(r)}
	req := r.Clone(m.ctx)
	task, err := m.tracker.Go(m.ctx, "revalidate "+rv.url, func(ctx context.Context) error {
		res, stored, err := m.retrieve(ctx, req, store, key, fetcher)
		if err != nil {
			m.log.Warn().Err(err).Str("url", rv.url).Msg("Background revalidation failed")
			return err
		}
		rv.res, rv.stored = res, stored
		if stored {
			m.broadcast(protocol.CacheUpdated{URL: rv.url, Cache: store.Name()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	rv.task = task
	return rv, nil
}
