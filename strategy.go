package offlinecache

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/always-cache/offline-cache/cache"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	hopheader "github.com/always-cache/offline-cache/pkg/hop-header"
	category "github.com/always-cache/offline-cache/pkg/request-category"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
)

// offlineResponse is sent when neither network nor stores can answer a page or data request.
func offlineResponse() serializer.Snapshot {
	return serializer.Synthetic(http.StatusServiceUnavailable, "Offline")
}

// gatewayTimeoutResponse is sent for assets that are neither stored nor reachable.
// Assets never get the offline document, a page in place of an image or script breaks rendering.
func gatewayTimeoutResponse() serializer.Snapshot {
	return serializer.Synthetic(http.StatusGatewayTimeout, "")
}

// handle dispatches the request to the strategy of its category.
func (o *OfflineCache) handle(w http.ResponseWriter, r *http.Request) {
	c := category.Classify(r)
	log := o.log.With().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("category", c.String()).
		Logger()
	log.Trace().Interface("headers", r.Header).Msg("Incoming request")

	switch c {
	case category.Navigation:
		o.handleNavigation(w, r, log)
	case category.Asset:
		o.handleAsset(w, r, log)
	default:
		o.handleOther(w, r, log)
	}
}

// handleNavigation is network-first; the offline document is the fallback.
// Whatever the network returns, error statuses included, is passed on and never stored.
func (o *OfflineCache) handleNavigation(w http.ResponseWriter, r *http.Request, log zerolog.Logger) {
	res, err := o.fetch(r)
	if err == nil {
		o.sendNetwork(w, res, forwarded(cachestatus.FwdBypass), log)
		return
	}
	if abandoned(r, log) {
		return
	}
	log.Warn().Err(err).Msg("Network unavailable, serving offline document")

	key, err := o.keyer.PathKey(o.offlineDocument)
	if err == nil {
		if snapshot, ok := o.lookup(r.Context(), o.shellStore, key, log); ok {
			o.sendSnapshot(w, snapshot, hit(), log)
			return
		}
	}
	o.sendSnapshot(w, offlineResponse(), offline(), log)
}

// handleAsset is cache-first on the assets store, populating it on a miss.
// Only successful same-origin GET responses are stored.
func (o *OfflineCache) handleAsset(w http.ResponseWriter, r *http.Request, log zerolog.Logger) {
	ctx := r.Context()
	key := o.keyer.RequestKey(r)
	log = log.With().Str("key", key).Logger()

	store, err := o.assetsStore(ctx)
	if err != nil {
		log.Error().Err(err).Str("store", o.assetStore).Msg("Could not open store")
	}
	if store != nil && r.Method == http.MethodGet {
		if snapshot, ok := o.get(ctx, store, key, log); ok {
			o.sendSnapshot(w, snapshot, hit(), log)
			return
		}
	}

	res, err := o.fetch(r)
	if err != nil {
		if abandoned(r, log) {
			return
		}
		log.Warn().Err(err).Msg("Network unavailable for asset")
		o.sendSnapshot(w, gatewayTimeoutResponse(), offline(), log)
		return
	}

	if store == nil || !o.mayStore(r, res) {
		o.sendNetwork(w, res, forwarded(cachestatus.FwdUriMiss), log)
		return
	}

	snapshot, err := serializer.FromResponse(res)
	if err != nil {
		if abandoned(r, log) {
			return
		}
		log.Warn().Err(err).Msg("Network failed while reading asset")
		o.sendSnapshot(w, gatewayTimeoutResponse(), offline(), log)
		return
	}
	cs := forwarded(cachestatus.FwdUriMiss)
	err = o.put(ctx, store, key, snapshot, log)
	if errors.Is(err, cache.ErrStoreNotFound) {
		// deleted behind our back, the next asset request opens it again
		o.forgetAssetsStore()
	}
	cs.Stored = err == nil
	o.sendSnapshot(w, snapshot, cs, log)
}

// assetsStore returns the handle of the assets store, opening it on first use.
func (o *OfflineCache) assetsStore(ctx context.Context) (cache.Store, error) {
	o.assetsMutex.RLock()
	store := o.assets
	o.assetsMutex.RUnlock()
	if store != nil {
		return store, nil
	}

	o.assetsMutex.Lock()
	defer o.assetsMutex.Unlock()
	if o.assets == nil {
		store, err := o.stores.Open(ctx, o.assetStore)
		if err != nil {
			return nil, err
		}
		o.assets = store
	}
	return o.assets, nil
}

func (o *OfflineCache) forgetAssetsStore() {
	o.assetsMutex.Lock()
	o.assets = nil
	o.assetsMutex.Unlock()
}

// handleOther is network-first; any store holding the request is the fallback.
func (o *OfflineCache) handleOther(w http.ResponseWriter, r *http.Request, log zerolog.Logger) {
	res, err := o.fetch(r)
	if err == nil {
		o.sendNetwork(w, res, forwarded(cachestatus.FwdBypass), log)
		return
	}
	if abandoned(r, log) {
		return
	}
	log.Warn().Err(err).Msg("Network unavailable, looking for stored response")

	if r.Method == http.MethodGet {
		key := o.keyer.RequestKey(r)
		if bytes, ok, err := o.stores.Match(r.Context(), key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Could not match stores")
		} else if ok {
			if snapshot, err := serializer.Decode(bytes); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("Could not decode stored response")
			} else {
				o.sendSnapshot(w, snapshot, hit(), log)
				return
			}
		}
	}
	o.sendSnapshot(w, offlineResponse(), offline(), log)
}

// mayStore checks that a network response to an asset request can be written to the assets store.
func (o *OfflineCache) mayStore(r *http.Request, res *http.Response) bool {
	return isSuccess(res.StatusCode) &&
		r.Method == http.MethodGet &&
		o.keyer.SameOrigin(o.keyer.Target(r))
}

// lookup opens the named store and gets the key from it.
// Store failures count as a miss.
func (o *OfflineCache) lookup(ctx context.Context, name, key string, log zerolog.Logger) (serializer.Snapshot, bool) {
	store, err := o.stores.Open(ctx, name)
	if err != nil {
		log.Error().Err(err).Str("store", name).Msg("Could not open store")
		return serializer.Snapshot{}, false
	}
	return o.get(ctx, store, key, log)
}

func (o *OfflineCache) get(ctx context.Context, store cache.Store, key string, log zerolog.Logger) (serializer.Snapshot, bool) {
	bytes, ok, err := store.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("store", store.Name()).Str("key", key).Msg("Could not read from store")
		return serializer.Snapshot{}, false
	}
	if !ok {
		log.Trace().Str("store", store.Name()).Str("key", key).Msg("Cache miss")
		return serializer.Snapshot{}, false
	}
	snapshot, err := serializer.Decode(bytes)
	if err != nil {
		log.Warn().Err(err).Str("store", store.Name()).Str("key", key).Msg("Could not decode stored response")
		return serializer.Snapshot{}, false
	}
	return snapshot, true
}

// put writes the snapshot to the store. A failed write is logged,
// the response is sent regardless.
func (o *OfflineCache) put(ctx context.Context, store cache.Store, key string, snapshot serializer.Snapshot, log zerolog.Logger) error {
	bytes, err := serializer.Encode(snapshot)
	if err == nil {
		err = store.Put(ctx, key, bytes)
	}
	if err != nil {
		log.Warn().Err(err).Str("store", store.Name()).Msg("Could not write to store")
		return err
	}
	log.Trace().Str("store", store.Name()).Msg("Cache write")
	return nil
}

// fetch the resource the request is aimed at from the network.
// Redirects are not followed.
func (o *OfflineCache) fetch(r *http.Request) (*http.Response, error) {
	req, err := o.outgoing(r)
	if err != nil {
		return nil, err
	}
	return o.httpClient.Do(req)
}

// outgoing creates the network request for the incoming request.
func (o *OfflineCache) outgoing(r *http.Request) (*http.Request, error) {
	target := o.keyer.Target(r)
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = r.ContentLength
	copyHeader(req.Header, hopheader.Strip(r.Header))
	if o.originHost != "" && o.keyer.SameOrigin(target) {
		req.Host = o.originHost
	}
	return req, nil
}

// abandoned reports whether the requester went away, in which case nothing is sent.
func abandoned(r *http.Request, log zerolog.Logger) bool {
	if err := r.Context().Err(); err != nil {
		log.Debug().Err(err).Msg("Request abandoned")
		return true
	}
	return false
}

func (o *OfflineCache) sendNetwork(w http.ResponseWriter, res *http.Response, status cachestatus.CacheStatus, log zerolog.Logger) {
	defer res.Body.Close()
	copyHeader(w.Header(), hopheader.Strip(res.Header))
	if o.cacheStatusHeader {
		w.Header().Add("Cache-Status", status.String())
	}
	w.WriteHeader(res.StatusCode)
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		log.Warn().Err(err).Msg("Could not write response body to client")
	}
	logResponse(log, res.StatusCode, status, bytesWritten)
}

func (o *OfflineCache) sendSnapshot(w http.ResponseWriter, snapshot serializer.Snapshot, status cachestatus.CacheStatus, log zerolog.Logger) {
	if o.cacheStatusHeader {
		w.Header().Add("Cache-Status", status.String())
	}
	bytesWritten, err := snapshot.WriteTo(w)
	if err != nil {
		log.Warn().Err(err).Msg("Could not write response body to client")
	}
	logResponse(log, snapshot.StatusCode, status, bytesWritten)
}

func logResponse(log zerolog.Logger, statusCode int, status cachestatus.CacheStatus, bytesWritten int64) {
	isHit := 0
	if status.Status == cachestatus.StatusHit {
		isHit = 1
	}
	log.Debug().
		Int("status", statusCode).
		Str("cache", string(status.Status)).
		Str("fwd", string(status.FwdReason)).
		Str("detail", status.Detail).
		Bool("stored", status.Stored).
		Int("hit", isHit).
		Int64("bytes", bytesWritten).
		Msg("Sending response to client")
}

func hit() cachestatus.CacheStatus {
	var cs cachestatus.CacheStatus
	cs.Hit()
	return cs
}

func forwarded(reason cachestatus.FwdReason) cachestatus.CacheStatus {
	var cs cachestatus.CacheStatus
	cs.Forward(reason)
	return cs
}

func offline() cachestatus.CacheStatus {
	cs := cachestatus.CacheStatus{Detail: "offline"}
	cs.Forward(cachestatus.FwdMiss)
	return cs
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a workaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
