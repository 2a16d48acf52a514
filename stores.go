package offlinecache

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/always-cache/offline-cache/cache"
)

type storeListing struct {
	Name    string   `json:"name"`
	Current bool     `json:"current"`
	Keys    []string `json:"keys"`
}

// ServeStores lists the existing stores and their keys as JSON.
func (o *OfflineCache) ServeStores(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	names, err := o.stores.Names(ctx)
	if err != nil {
		o.log.Error().Err(err).Msg("Could not list stores")
		http.Error(w, "Could not list stores", http.StatusInternalServerError)
		return
	}
	listings := make([]storeListing, 0, len(names))
	for _, name := range names {
		store, err := o.stores.Lookup(ctx, name)
		if errors.Is(err, cache.ErrStoreNotFound) {
			// deleted since listing the names
			continue
		}
		if err != nil {
			o.log.Error().Err(err).Str("store", name).Msg("Could not open store")
			http.Error(w, "Could not open store", http.StatusInternalServerError)
			return
		}
		keys, err := store.Keys(ctx)
		if err != nil {
			o.log.Error().Err(err).Str("store", name).Msg("Could not list keys")
			http.Error(w, "Could not list keys", http.StatusInternalServerError)
			return
		}
		listings = append(listings, storeListing{
			Name:    name,
			Current: name == o.shellStore || name == o.assetStore,
			Keys:    keys,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(listings); err != nil {
		o.log.Error().Err(err).Msg("Could not write store listing")
	}
}
