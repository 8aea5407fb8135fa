package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Cache stores raw manifest documents keyed by game/version identity.
type Cache interface {
	CachedManifest(identity string) (body []byte, ok bool, err error)
	StoreManifest(identity string, body []byte) error
}

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	// Identity is the game/version key used for the cache.
	Identity string
	// Attempts bounds fetch attempts. Zero means 3.
	Attempts int
	// Cache is optional. It is written after every successful fetch and read
	// only when the manifest is unavailable.
	Cache Cache
}

// Loader fetches, validates, and caches a manifest. Load may be called any
// number of times; each call produces a fresh Set.
type Loader struct {
	fetcher  Fetcher
	identity string
	attempts int
	cache    Cache
	logger   *slog.Logger

	newBackOff func() backoff.BackOff
}

// NewLoader creates a loader for the given fetcher.
func NewLoader(fetcher Fetcher, opts LoaderOptions, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	return &Loader{
		fetcher:    fetcher,
		identity:   opts.Identity,
		attempts:   opts.Attempts,
		cache:      opts.Cache,
		logger:     logger,
		newBackOff: defaultBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Load fetches and validates the manifest. It fails with ErrUnavailable when
// no attempt succeeded and no cached copy exists, and with ErrMalformed when
// the document cannot be trusted. A malformed fresh document never falls back
// to the cache.
func (l *Loader) Load(ctx context.Context) (*Set, error) {
	var set *Set
	attempt := 0
	op := func() error {
		attempt++
		data, err := l.fetcher.Fetch(ctx)
		if err != nil {
			if isPermanent(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		parsed, err := Parse(data, l.fetcher.Base())
		if err != nil {
			return backoff.Permanent(err)
		}
		set = parsed
		l.storeCache(data)
		return nil
	}
	notify := func(err error, wait time.Duration) {
		l.logger.Warn("manifest fetch failed, retrying",
			"source", l.fetcher.String(), "attempt", attempt, "delay", wait, "error", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(l.newBackOff(), uint64(l.attempts-1)), ctx)
	err := backoff.RetryNotify(op, policy, notify)
	if err == nil {
		l.logger.Info("manifest loaded",
			"source", l.fetcher.String(), "game", set.Game, "version", set.Version, "entries", set.Len())
		return set, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if errors.Is(err, ErrMalformed) {
		return nil, err
	}
	if cached, cerr := l.fromCache(); cerr == nil && cached != nil {
		l.logger.Warn("manifest unavailable, using cached copy",
			"identity", l.identity, "error", err)
		return cached, nil
	} else if cerr != nil {
		l.logger.Warn("cached manifest unusable", "identity", l.identity, "error", cerr)
	}
	if !errors.Is(err, ErrUnavailable) {
		err = fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil, err
}

func (l *Loader) storeCache(data []byte) {
	if l.cache == nil || l.identity == "" {
		return
	}
	if err := l.cache.StoreManifest(l.identity, data); err != nil {
		l.logger.Warn("failed to cache manifest", "identity", l.identity, "error", err)
	}
}

func (l *Loader) fromCache() (*Set, error) {
	if l.cache == nil || l.identity == "" {
		return nil, nil
	}
	body, ok, err := l.cache.CachedManifest(l.identity)
	if err != nil || !ok {
		return nil, err
	}
	set, err := Parse(body, l.fetcher.Base())
	if err != nil {
		return nil, fmt.Errorf("cached manifest: %w", err)
	}
	return set, nil
}
