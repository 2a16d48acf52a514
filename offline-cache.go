package offlinecache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	hopheader "github.com/always-cache/offline-cache/pkg/hop-header"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultShellStore is the current store for the bootstrap documents.
	// Bump the version to drop the old store on the next activation.
	DefaultShellStore = "version-2"
	// DefaultAssetStore is the current store for static assets.
	DefaultAssetStore = "assets-v1"
	// DefaultOfflineDocument is served to navigations when the network is unavailable.
	DefaultOfflineDocument = "/offline.html"
)

// DefaultBootstrap is the set of documents stored in the shell store on install.
var DefaultBootstrap = []string{"/", "/index.html", DefaultOfflineDocument}

var (
	ErrNotInstalled = errors.New("interceptor not installed")
)

type Config struct {
	// Storage for the logical stores.
	Stores cache.StoreManager
	// URL of the origin server, i.e. the governed scope.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Name of the shell store, DefaultShellStore if empty.
	ShellStore string
	// Name of the assets store, DefaultAssetStore if empty.
	AssetStore string
	// Paths stored on install, DefaultBootstrap if nil.
	// They must include OfflineDocument for offline navigations to get it.
	Bootstrap []string
	// Path of the offline document, DefaultOfflineDocument if empty.
	OfflineDocument string
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Transport for network requests, http.DefaultTransport if nil.
	Transport http.RoundTripper
	// Add a Cache-Status header to responses.
	// Off by default, since network responses are otherwise passed on unmodified.
	CacheStatusHeader bool
}

type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	// Install failed, the interceptor never serves.
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type OfflineCache struct {
	stores            cache.StoreManager
	keyer             cachekey.CacheKeyer
	originHost        string
	shellStore        string
	assetStore        string
	bootstrap         []string
	offlineDocument   string
	cacheStatusHeader bool
	log               zerolog.Logger
	httpClient        http.Client
	// follows redirects, install stores the final response
	bootstrapClient http.Client
	state           atomic.Int32

	assetsMutex *sync.RWMutex
	assets      cache.Store
}

// CreateCache creates the interceptor.
// It does not serve from the stores until Start (or Install and Activate) has completed.
func CreateCache(config Config) *OfflineCache {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	o := &OfflineCache{
		stores:            config.Stores,
		keyer:             cachekey.NewCacheKeyer(config.OriginURL),
		originHost:        config.OriginHost,
		shellStore:        config.ShellStore,
		assetStore:        config.AssetStore,
		bootstrap:         config.Bootstrap,
		offlineDocument:   config.OfflineDocument,
		cacheStatusHeader: config.CacheStatusHeader,
		log:               logger,
		httpClient: http.Client{
			Transport: config.Transport,
			// do not follow redirects, the requester does that
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		assetsMutex: &sync.RWMutex{},
	}
	if o.stores == nil {
		o.stores = cache.NewMemoryManager()
	}
	if o.shellStore == "" {
		o.shellStore = DefaultShellStore
	}
	if o.assetStore == "" {
		o.assetStore = DefaultAssetStore
	}
	if o.bootstrap == nil {
		o.bootstrap = DefaultBootstrap
	}
	if o.offlineDocument == "" {
		o.offlineDocument = DefaultOfflineDocument
	}

	// use provided hostname for origin if configured
	if o.originHost != "" && o.httpClient.Transport == nil {
		o.httpClient.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: o.originHost,
			},
		}
	}
	o.bootstrapClient.Transport = o.httpClient.Transport

	return o
}

// State returns the current lifecycle state.
func (o *OfflineCache) State() State {
	return State(o.state.Load())
}

func (o *OfflineCache) setState(s State) {
	o.state.Store(int32(s))
	o.log.Debug().Str("state", s.String()).Msg("Lifecycle state changed")
}

// Start installs and then immediately activates the interceptor,
// without waiting for anything else to let go of the old stores.
func (o *OfflineCache) Start(ctx context.Context) (ActivationReport, error) {
	if err := o.Install(ctx); err != nil {
		return ActivationReport{}, err
	}
	return o.Activate(ctx)
}

// Install pre-populates the shell store with the bootstrap documents.
// All documents are fetched before any is written: if one of them cannot be
// fetched, or the response is not a success, nothing is stored and the
// interceptor becomes redundant.
func (o *OfflineCache) Install(ctx context.Context) error {
	o.setState(StateInstalling)
	if err := o.install(ctx); err != nil {
		o.setState(StateRedundant)
		o.log.Error().Err(err).Msg("Install failed")
		return err
	}
	o.setState(StateInstalled)
	return nil
}

func (o *OfflineCache) install(ctx context.Context) error {
	shell, err := o.stores.Open(ctx, o.shellStore)
	if err != nil {
		return fmt.Errorf("open %s: %w", o.shellStore, err)
	}
	o.log.Info().Str("store", o.shellStore).Msg("Opened cache")

	keys := make([]string, len(o.bootstrap))
	entries := make([][]byte, len(o.bootstrap))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range o.bootstrap {
		g.Go(func() error {
			key, bytes, err := o.fetchBootstrap(gctx, path)
			if err != nil {
				return fmt.Errorf("bootstrap %s: %w", path, err)
			}
			keys[i], entries[i] = key, bytes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, key := range keys {
		if err := shell.Put(ctx, key, entries[i]); err != nil {
			// no partially installed shell store may survive
			if _, derr := o.stores.Delete(ctx, o.shellStore); derr != nil {
				o.log.Warn().Err(derr).Str("store", o.shellStore).Msg("Could not delete partially installed store")
			}
			return fmt.Errorf("store %s: %w", key, err)
		}
		o.log.Trace().Str("key", key).Msg("Cache write")
	}
	return nil
}

func (o *OfflineCache) fetchBootstrap(ctx context.Context, path string) (string, []byte, error) {
	key, err := o.keyer.PathKey(path)
	if err != nil {
		return "", nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", nil, err
	}
	out, err := o.outgoing(req)
	if err != nil {
		return "", nil, err
	}
	res, err := o.bootstrapClient.Do(out)
	if err != nil {
		return "", nil, err
	}
	if !isSuccess(res.StatusCode) {
		res.Body.Close()
		return "", nil, fmt.Errorf("unexpected status %s", res.Status)
	}
	snapshot, err := serializer.FromResponse(res)
	if err != nil {
		return "", nil, err
	}
	bytes, err := serializer.Encode(snapshot)
	return key, bytes, err
}

// Deletion is the outcome of deleting one stale store.
type Deletion struct {
	Name    string
	Deleted bool
	Err     error
}

type ActivationReport struct {
	// Current stores that were left in place.
	Kept []string
	// One entry per stale store.
	Deletions []Deletion
}

// Failed returns the deletions that did not succeed.
func (r ActivationReport) Failed() []Deletion {
	failed := make([]Deletion, 0)
	for _, d := range r.Deletions {
		if d.Err != nil {
			failed = append(failed, d)
		}
	}
	return failed
}

// Activate deletes every store other than the current shell and assets stores,
// then takes control: from now on every request goes through the strategies.
// A failed deletion is logged and reported but never fails the activation.
func (o *OfflineCache) Activate(ctx context.Context) (ActivationReport, error) {
	var report ActivationReport
	previous := o.State()
	switch previous {
	case StateInstalled, StateActivated:
	default:
		return report, ErrNotInstalled
	}
	o.setState(StateActivating)

	names, err := o.stores.Names(ctx)
	if err != nil {
		o.setState(previous)
		return report, fmt.Errorf("list stores: %w", err)
	}

	allow := map[string]bool{o.shellStore: true, o.assetStore: true}
	stale := make([]string, 0, len(names))
	for _, name := range names {
		if allow[name] {
			report.Kept = append(report.Kept, name)
		} else {
			stale = append(stale, name)
		}
	}

	report.Deletions = make([]Deletion, len(stale))
	var g errgroup.Group
	for i, name := range stale {
		g.Go(func() error {
			deleted, err := o.stores.Delete(ctx, name)
			report.Deletions[i] = Deletion{Name: name, Deleted: deleted, Err: err}
			if err != nil {
				o.log.Warn().Err(err).Str("store", name).Msg("Could not delete stale store")
			} else {
				o.log.Info().Str("store", name).Msg("Deleted stale store")
			}
			// individual failures do not fail the activation
			return nil
		})
	}
	g.Wait()

	o.setState(StateActivated)
	o.log.Info().
		Strs("kept", report.Kept).
		Int("deleted", len(report.Deletions)-len(report.Failed())).
		Msg("Activated and controlling all requests")
	return report, nil
}

// ServeHTTP implements the http.Handler interface.
func (o *OfflineCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer o.recover(w, r)
	if o.State() != StateActivated {
		// not controlling yet, behave as if there was no interceptor
		o.escapeHatch(w, r)
		return
	}
	o.handle(w, r)
}

// recover recovers from panics and sends the request to the escape hatch.
func (o *OfflineCache) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		o.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in interceptor")
		o.escapeHatch(w, r)
	}
}

// escapeHatch just proxies the request to the network.
func (o *OfflineCache) escapeHatch(w http.ResponseWriter, r *http.Request) {
	res, err := o.fetch(r)
	if err != nil {
		o.log.Error().Err(err).Msg("Error connecting to origin")
		http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()
	copyHeader(w.Header(), hopheader.Strip(res.Header))
	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil {
		o.log.Error().Err(err).Msg("Error writing to client")
	}
}

func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode <= 299
}
