// Package survey validates feedback surveys, scores them and forwards them to
// the CRUD API.
package survey

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/clinicdesk/internal/domain/derived"
	"github.com/ehr/clinicdesk/internal/platform/upstream"
)

var ErrInvalidSurvey = errors.New("invalid survey")

// Submitter forwards a scored survey.
type Submitter interface {
	SubmitSurvey(ctx context.Context, s upstream.SurveyResponse) (*upstream.SurveyResponse, error)
}

type Service struct {
	api    Submitter
	logger zerolog.Logger
}

func NewService(api Submitter, logger zerolog.Logger) *Service {
	return &Service{api: api, logger: logger.With().Str("component", "survey").Logger()}
}

// Submit scores req and stores it upstream. The happiness score is always
// computed here; a score sent by the client is ignored.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*upstream.SurveyResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	score, ok := derived.HappinessScore(req.answers())
	if !ok {
		return nil, fmt.Errorf("%w: incomplete answers", ErrInvalidSurvey)
	}
	saved, err := s.api.SubmitSurvey(ctx, req.record(score))
	if err != nil {
		return nil, fmt.Errorf("submit survey: %w", err)
	}
	s.logger.Info().Str("survey_id", saved.ID).Float64("happiness_score", score).Msg("survey submitted")
	return saved, nil
}
