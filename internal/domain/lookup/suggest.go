package lookup

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ehr/clinicdesk/internal/platform/metrics"
	"github.com/ehr/clinicdesk/internal/platform/upstream"
)

// ProfessionSearcher is the dropdown API search used as the suggestion
// source.
type ProfessionSearcher interface {
	SearchProfessions(ctx context.Context, category, search string, limit int) ([]upstream.Profession, error)
}

// Suggestions is the outcome of one suggestion request for a field.
type Suggestions struct {
	Field      string   `json:"field"`
	Query      string   `json:"query"`
	Options    []string `json:"options"`
	Superseded bool     `json:"superseded"`
}

// Suggester serves debounced, best-effort suggestion lookups. Fields are
// identified by an opaque key chosen by the caller; the last applied result
// per field is kept for snapping strict values.
type Suggester struct {
	source    ProfessionSearcher
	debouncer *Debouncer
	limit     int
	logger    zerolog.Logger

	mu   sync.RWMutex
	last map[string][]string
}

func NewSuggester(source ProfessionSearcher, debouncer *Debouncer, limit int, logger zerolog.Logger) *Suggester {
	if limit <= 0 {
		limit = 5
	}
	return &Suggester{
		source:    source,
		debouncer: debouncer,
		limit:     limit,
		logger:    logger.With().Str("component", "suggester").Logger(),
		last:      make(map[string][]string),
	}
}

// Suggest returns up to the configured limit of options in category matching
// query. A blank query returns no options without a network call. Upstream
// failures produce an empty result and are never returned to the caller; the
// only error is the caller's own context ending.
func (s *Suggester) Suggest(ctx context.Context, field, category, query string) (Suggestions, error) {
	out := Suggestions{Field: field, Query: query, Options: []string{}}

	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		s.debouncer.Cancel(field)
		s.store(field, nil)
		metrics.Lookup("suggestion", "skipped")
		return out, nil
	}

	var options []string
	err := s.debouncer.Run(ctx, field, func(ctx context.Context) error {
		found, err := s.source.SearchProfessions(ctx, category, trimmed, s.limit)
		if err != nil {
			return err
		}
		options = uniqueNames(found, s.limit)
		return nil
	})

	switch {
	case errors.Is(err, ErrSuperseded):
		metrics.Lookup("suggestion", "superseded")
		out.Superseded = true
		return out, nil
	case err != nil && ctx.Err() != nil:
		return out, ctx.Err()
	case err != nil:
		metrics.Lookup("suggestion", "error")
		s.logger.Warn().Err(err).Str("field", field).Str("category", category).Msg("suggestion lookup failed")
		s.store(field, nil)
		return out, nil
	}

	metrics.Lookup("suggestion", "ok")
	s.store(field, options)
	out.Options = options
	return out, nil
}

// Snap resolves a typed value for a field. Non-strict fields keep the value
// verbatim. Strict fields return the canonical spelling of a case-insensitive
// exact match from the last fetched options, or "" when nothing matches.
func (s *Suggester) Snap(field, value string, strict bool) string {
	if !strict {
		return value
	}
	s.mu.RLock()
	options := s.last[field]
	s.mu.RUnlock()
	return SnapTo(options, value)
}

// Forget drops the remembered options of every field whose key starts with
// prefix.
func (s *Suggester) Forget(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.last {
		if strings.HasPrefix(k, prefix) {
			delete(s.last, k)
		}
	}
}

func (s *Suggester) store(field string, options []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(options) == 0 {
		delete(s.last, field)
		return
	}
	s.last[field] = options
}

// SnapTo returns the option equal to value ignoring case and surrounding
// space, or "".
func SnapTo(options []string, value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return ""
	}
	for _, o := range options {
		if strings.EqualFold(strings.TrimSpace(o), v) {
			return o
		}
	}
	return ""
}

func uniqueNames(found []upstream.Profession, limit int) []string {
	seen := make(map[string]bool, len(found))
	out := make([]string, 0, limit)
	for _, p := range found {
		name := strings.TrimSpace(p.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
		if len(out) == limit {
			break
		}
	}
	return out
}
