package dropdown

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/clinicdesk/internal/platform/metrics"
	"github.com/ehr/clinicdesk/internal/platform/upstream"
)

// ErrUnavailable means upstream failed and nothing was cached to fall back on.
var ErrUnavailable = errors.New("dropdown options unavailable")

const (
	// categoriesKey caches the category list next to the option sets.
	categoriesKey = "__categories__"
	// fetchTimeout bounds a shared refresh, which outlives the request that
	// started it.
	fetchTimeout = 30 * time.Second
)

// OptionsAPI is the dropdown API surface the service reads.
type OptionsAPI interface {
	SearchProfessions(ctx context.Context, category, search string, limit int) ([]upstream.Profession, error)
	ProfessionCategories(ctx context.Context) ([]string, error)
}

// Service serves option sets from the cache while they are fresh and
// refreshes them from upstream otherwise. Concurrent refreshes of a category
// share one upstream call. When a refresh fails the last cached set is
// returned marked stale.
type Service struct {
	api    OptionsAPI
	cache  Cache
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time
	group  singleflight.Group

	warmed  atomic.Bool
	warming atomic.Bool
}

func NewService(api OptionsAPI, cache Cache, ttl time.Duration, logger zerolog.Logger) *Service {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{
		api:    api,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With().Str("component", "dropdown").Logger(),
		now:    time.Now,
	}
}

// Options returns the option set of a category.
func (s *Service) Options(ctx context.Context, category string) (*OptionSet, error) {
	category = NormalizeCategory(category)
	if category == "" {
		return nil, fmt.Errorf("category is required")
	}
	return s.get(ctx, category, func(ctx context.Context) ([]string, error) {
		found, err := s.api.SearchProfessions(ctx, category, "", 0)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(found))
		seen := make(map[string]bool, len(found))
		for _, p := range found {
			n := strings.TrimSpace(p.Name)
			if n == "" || seen[n] {
				continue
			}
			seen[n] = true
			names = append(names, n)
		}
		return names, nil
	})
}

// Categories returns the category list, cached like an option set.
func (s *Service) Categories(ctx context.Context) (*OptionSet, error) {
	return s.get(ctx, categoriesKey, s.api.ProfessionCategories)
}

// Invalidate drops a cached category so the next read refreshes it.
func (s *Service) Invalidate(ctx context.Context, category string) error {
	return s.cache.Delete(ctx, NormalizeCategory(category))
}

// Warm loads the given categories, logging failures.
func (s *Service) Warm(ctx context.Context, categories ...string) int {
	loaded := 0
	for _, c := range categories {
		if _, err := s.Options(ctx, c); err != nil {
			s.logger.Warn().Err(err).Str("category", c).Msg("failed to warm dropdown category")
			continue
		}
		loaded++
	}
	return loaded
}

// WarmPreloaded warms the Preloaded categories until one pass has loaded all
// of them. Overlapping calls return 0 at once.
func (s *Service) WarmPreloaded(ctx context.Context) int {
	if s.warmed.Load() || !s.warming.CompareAndSwap(false, true) {
		return 0
	}
	defer s.warming.Store(false)
	n := s.Warm(ctx, Preloaded...)
	if n == len(Preloaded) {
		s.warmed.Store(true)
	}
	return n
}

func (s *Service) get(ctx context.Context, key string, fetch func(context.Context) ([]string, error)) (*OptionSet, error) {
	cached, err := s.cache.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrCacheMiss) {
		s.logger.Warn().Err(err).Str("category", key).Msg("dropdown cache read failed")
		cached = nil
	}
	if cached != nil && cached.Fresh(s.now(), s.ttl) {
		metrics.DropdownCache("hit")
		return cached, nil
	}

	// The refresh keeps the caller's values (the upstream token) but not its
	// cancellation: other callers may be waiting on the same result.
	ch := s.group.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		options, err := fetch(fctx)
		if err != nil {
			return nil, err
		}
		set := &OptionSet{Category: key, Options: options, FetchedAt: s.now()}
		if err := s.cache.Set(fctx, key, set); err != nil {
			s.logger.Warn().Err(err).Str("category", key).Msg("dropdown cache write failed")
		}
		return set, nil
	})
	var v interface{}
	select {
	case res := <-ch:
		v, err = res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err != nil {
		if cached != nil {
			metrics.DropdownCache("stale")
			s.logger.Warn().Err(err).Str("category", key).Msg("serving stale dropdown options")
			stale := *cached
			stale.Stale = true
			return &stale, nil
		}
		metrics.DropdownCache("error")
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, key, err)
	}

	metrics.DropdownCache("miss")
	set := *v.(*OptionSet)
	set.Options = append([]string(nil), set.Options...)
	return &set, nil
}
