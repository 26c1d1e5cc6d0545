// Package clinicvisit serves the clinic visit list and detail reads used by
// the visit search page.
package clinicvisit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/clinicdesk/internal/domain/derived"
	"github.com/ehr/clinicdesk/internal/platform/upstream"
	"github.com/ehr/clinicdesk/pkg/pagination"
)

var ErrInvalidFilter = errors.New("invalid clinic visit filter")

// Source is the part of the CRUD API the search reads.
type Source interface {
	SearchClinicVisits(ctx context.Context, s upstream.ClinicSearch) (*upstream.ClinicPage, error)
	GetClinicVisit(ctx context.Context, id string) (*upstream.ClinicVisit, error)
}

// Filter narrows a visit search. Empty fields are ignored.
type Filter struct {
	EmpNo       string
	Date        string
	VisitStatus string
}

type Service struct {
	src Source
}

func NewService(src Source) *Service {
	return &Service{src: src}
}

// Search returns one page of visits. The page and limit echoed by the CRUD
// API win over the requested ones.
func (s *Service) Search(ctx context.Context, f Filter, p pagination.Params) (*pagination.Response, error) {
	f.EmpNo = strings.ToUpper(strings.TrimSpace(f.EmpNo))
	f.Date = strings.TrimSpace(f.Date)
	f.VisitStatus = strings.TrimSpace(f.VisitStatus)
	if f.Date != "" {
		if _, ok := derived.ParseDate(f.Date); !ok {
			return nil, fmt.Errorf("%w: date %q", ErrInvalidFilter, f.Date)
		}
	}

	page, err := s.src.SearchClinicVisits(ctx, upstream.ClinicSearch{
		Page:        p.Page,
		Limit:       p.Limit,
		EmpNo:       f.EmpNo,
		Date:        f.Date,
		VisitStatus: f.VisitStatus,
	})
	if err != nil {
		return nil, fmt.Errorf("search clinic visits: %w", err)
	}
	if page.Page > 0 {
		p.Page = page.Page
	}
	if page.Limit > 0 {
		p.Limit = page.Limit
	}
	visits := page.Visits
	if visits == nil {
		visits = []upstream.ClinicVisit{}
	}
	return pagination.NewResponse(visits, page.Total, p), nil
}

func (s *Service) Get(ctx context.Context, id string) (*upstream.ClinicVisit, error) {
	v, err := s.src.GetClinicVisit(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get clinic visit %s: %w", id, err)
	}
	return v, nil
}
