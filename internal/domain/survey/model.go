package survey

import (
	"fmt"
	"strings"

	"github.com/ehr/clinicdesk/internal/domain/derived"
	"github.com/ehr/clinicdesk/internal/platform/upstream"
)

// Answer ranges.
const (
	QuestionMin = 1
	QuestionMax = 5
	OverallMin  = 1
	OverallMax  = 10
)

// SubmitRequest is one filled-in feedback survey.
type SubmitRequest struct {
	EmpNo         string   `json:"empNo"`
	Q1            *float64 `json:"q1"`
	Q2            *float64 `json:"q2"`
	Q3            *float64 `json:"q3"`
	Q4            *float64 `json:"q4"`
	Q5            *float64 `json:"q5"`
	Q6            *float64 `json:"q6"`
	OverallRating *float64 `json:"overallRating"`
	Comments      string   `json:"comments"`
}

func (r SubmitRequest) questions() [6]*float64 {
	return [6]*float64{r.Q1, r.Q2, r.Q3, r.Q4, r.Q5, r.Q6}
}

// Validate requires every answer and checks its range.
func (r SubmitRequest) Validate() error {
	var problems []string
	for i, q := range r.questions() {
		name := fmt.Sprintf("q%d", i+1)
		switch {
		case q == nil:
			problems = append(problems, name+" is required")
		case *q < QuestionMin || *q > QuestionMax:
			problems = append(problems, fmt.Sprintf("%s must be between %d and %d", name, QuestionMin, QuestionMax))
		}
	}
	switch {
	case r.OverallRating == nil:
		problems = append(problems, "overallRating is required")
	case *r.OverallRating < OverallMin || *r.OverallRating > OverallMax:
		problems = append(problems, fmt.Sprintf("overallRating must be between %d and %d", OverallMin, OverallMax))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSurvey, strings.Join(problems, "; "))
	}
	return nil
}

func (r SubmitRequest) answers() derived.SurveyAnswers {
	return derived.SurveyAnswers{Q: r.questions(), OverallRating: r.OverallRating}
}

func (r SubmitRequest) record(score float64) upstream.SurveyResponse {
	return upstream.SurveyResponse{
		EmpNo:          strings.ToUpper(strings.TrimSpace(r.EmpNo)),
		Q1:             *r.Q1,
		Q2:             *r.Q2,
		Q3:             *r.Q3,
		Q4:             *r.Q4,
		Q5:             *r.Q5,
		Q6:             *r.Q6,
		OverallRating:  *r.OverallRating,
		HappinessScore: score,
		Comments:       strings.TrimSpace(r.Comments),
	}
}
