package derived

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Answer is a survey answer as sent by a form: a number, a numeric string,
// blank or null.
type Answer struct {
	Value *float64
}

func (a *Answer) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("null")) {
		a.Value = nil
		return nil
	}
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		a.Value = ParseAnswer(s)
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return err
	}
	a.Value = &f
	return nil
}

type DaysRequest struct {
	DateOfAdmission string `json:"dateOfAdmission"`
	DateOfDischarge string `json:"dateOfDischarge"`
}

// DaysResponse carries null when the dates do not yield a value.
type DaysResponse struct {
	DaysHospitalized *int `json:"daysHospitalized"`
}

type HappinessRequest struct {
	Q1            Answer `json:"q1"`
	Q2            Answer `json:"q2"`
	Q3            Answer `json:"q3"`
	Q4            Answer `json:"q4"`
	Q5            Answer `json:"q5"`
	Q6            Answer `json:"q6"`
	OverallRating Answer `json:"overallRating"`
}

func (r HappinessRequest) answers() SurveyAnswers {
	return SurveyAnswers{
		Q:             [6]*float64{r.Q1.Value, r.Q2.Value, r.Q3.Value, r.Q4.Value, r.Q5.Value, r.Q6.Value},
		OverallRating: r.OverallRating.Value,
	}
}

// HappinessResponse carries null and an empty display until every answer is
// present.
type HappinessResponse struct {
	HappinessScore *float64 `json:"happinessScore"`
	Display        string   `json:"display"`
}

type Handler struct{}

func NewHandler() *Handler {
	return &Handler{}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/derived/days-hospitalized", h.Days)
	api.POST("/derived/happiness-score", h.Happiness)
}

func (h *Handler) Days(c echo.Context) error {
	var req DaysRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var out DaysResponse
	if days, ok := DaysHospitalized(req.DateOfAdmission, req.DateOfDischarge); ok {
		out.DaysHospitalized = &days
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Happiness(c echo.Context) error {
	var req HappinessRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var out HappinessResponse
	if score, ok := HappinessScore(req.answers()); ok {
		out.HappinessScore = &score
		out.Display = FormatScore(score)
	}
	return c.JSON(http.StatusOK, out)
}
