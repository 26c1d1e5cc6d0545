// Package derived holds the pure calculations behind the computed form
// fields: days hospitalized and the survey happiness score.
package derived

import (
	"math"
	"strconv"
	"strings"
	"time"
)

const dayMillis = 24 * 60 * 60 * 1000

// dateLayouts are tried in order. Values without a zone are read as UTC.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// ParseDate parses an ISO date or date-time as sent by the forms.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// DaysHospitalized returns ceil((discharge - admission) / 1 day). The second
// result is false when either date is missing or invalid, or when discharge
// precedes admission.
func DaysHospitalized(admission, discharge string) (int, bool) {
	a, ok := ParseDate(admission)
	if !ok {
		return 0, false
	}
	d, ok := ParseDate(discharge)
	if !ok {
		return 0, false
	}
	if d.Before(a) {
		return 0, false
	}
	ms := d.Sub(a).Milliseconds()
	return int(math.Ceil(float64(ms) / dayMillis)), true
}

// SurveyAnswers are the seven survey inputs. Nil means unanswered.
type SurveyAnswers struct {
	Q             [6]*float64
	OverallRating *float64
}

// Complete reports whether all seven answers are present.
func (s SurveyAnswers) Complete() bool {
	for _, q := range s.Q {
		if q == nil {
			return false
		}
	}
	return s.OverallRating != nil
}

// HappinessScore is the mean of q1..q6 and overallRating/2, rounded to one
// decimal. The second result is false unless every answer is present.
func HappinessScore(s SurveyAnswers) (float64, bool) {
	if !s.Complete() {
		return 0, false
	}
	sum := *s.OverallRating / 2
	for _, q := range s.Q {
		sum += *q
	}
	mean := sum / 7
	return math.Floor(mean*10+0.5) / 10, true
}

// ParseAnswer converts a form value to a survey answer. Blank or non-numeric
// input is unanswered.
func ParseAnswer(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// ParseAnswers builds SurveyAnswers from the six question values followed by
// the overall rating. Any other count yields an incomplete set.
func ParseAnswers(values ...string) SurveyAnswers {
	var s SurveyAnswers
	if len(values) != 7 {
		return s
	}
	for i := 0; i < 6; i++ {
		s.Q[i] = ParseAnswer(values[i])
	}
	s.OverallRating = ParseAnswer(values[6])
	return s
}

// FormatScore renders a score the way the forms display it, always with one
// decimal ("4.0").
func FormatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', 1, 64)
}
