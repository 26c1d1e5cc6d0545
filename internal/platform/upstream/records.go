package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// ClinicVisit is one patient encounter at the clinic. HospitalID and
// IsolationID link the optional sub-records created from the visit.
type ClinicVisit struct {
	ID                  string `json:"_id,omitempty"`
	EmpNo               string `json:"empNo"`
	EmployeeName        string `json:"employeeName"`
	EmiratesID          string `json:"emiratesId"`
	InsuranceID         string `json:"insuranceId"`
	MobileNumber        string `json:"mobileNumber"`
	TRLocation          string `json:"trLocation"`
	Date                string `json:"date"`
	Time                string `json:"time,omitempty"`
	VisitStatus         string `json:"visitStatus"`
	NatureOfCase        string `json:"natureOfCase"`
	CaseCategory        string `json:"caseCategory"`
	Complaint           string `json:"complaint,omitempty"`
	Diagnosis           string `json:"diagnosis,omitempty"`
	Profession          string `json:"profession,omitempty"`
	SickLeaveStatus     string `json:"sickLeaveStatus,omitempty"`
	SickLeaveDays       int    `json:"sickLeaveDays,omitempty"`
	IPAdmissionRequired bool   `json:"ipAdmissionRequired"`
	ReferralType        string `json:"referralType,omitempty"`
	ReferredTo          string `json:"referredTo,omitempty"`
	Remarks             string `json:"remarks,omitempty"`
	HospitalID          string `json:"hospitalId,omitempty"`
	IsolationID         string `json:"isolationId,omitempty"`
}

// HospitalRecord is an in-patient admission linked to a clinic visit.
type HospitalRecord struct {
	ID               string `json:"_id,omitempty"`
	ClinicVisitID    string `json:"clinicVisitId,omitempty"`
	PatientID        string `json:"patientId,omitempty"`
	EmpNo            string `json:"empNo"`
	EmployeeName     string `json:"employeeName"`
	EmiratesID       string `json:"emiratesId"`
	InsuranceID      string `json:"insuranceId"`
	MobileNumber     string `json:"mobileNumber"`
	TRLocation       string `json:"trLocation"`
	HospitalName     string `json:"hospitalName"`
	DateOfAdmission  string `json:"dateOfAdmission"`
	DateOfDischarge  string `json:"dateOfDischarge,omitempty"`
	DaysHospitalized *int   `json:"daysHospitalized,omitempty"`
	Diagnosis        string `json:"diagnosis,omitempty"`
	Status           string `json:"status,omitempty"`
	Remarks          string `json:"remarks,omitempty"`
}

// IsolationRecord is an isolation episode for a communicable case.
type IsolationRecord struct {
	ID              string `json:"_id,omitempty"`
	ClinicVisitID   string `json:"clinicVisitId,omitempty"`
	PatientID       string `json:"patientId,omitempty"`
	EmpNo           string `json:"empNo"`
	EmployeeName    string `json:"employeeName"`
	EmiratesID      string `json:"emiratesId"`
	InsuranceID     string `json:"insuranceId"`
	MobileNumber    string `json:"mobileNumber"`
	TRLocation      string `json:"trLocation"`
	IsolatedIn      string `json:"isolatedIn"`
	IsolationReason string `json:"isolationReason,omitempty"`
	DateFrom        string `json:"dateFrom"`
	DateTo          string `json:"dateTo,omitempty"`
	CurrentStatus   string `json:"currentStatus,omitempty"`
	Remarks         string `json:"remarks,omitempty"`
}

// SurveyResponse is one submitted feedback survey.
type SurveyResponse struct {
	ID             string  `json:"_id,omitempty"`
	EmpNo          string  `json:"empNo,omitempty"`
	Q1             float64 `json:"q1"`
	Q2             float64 `json:"q2"`
	Q3             float64 `json:"q3"`
	Q4             float64 `json:"q4"`
	Q5             float64 `json:"q5"`
	Q6             float64 `json:"q6"`
	OverallRating  float64 `json:"overallRating"`
	HappinessScore float64 `json:"happinessScore"`
	Comments       string  `json:"comments,omitempty"`
}

// ClinicSearch filters GET /clinic/search. Zero values are omitted.
type ClinicSearch struct {
	Page        int
	Limit       int
	EmpNo       string
	Date        string
	VisitStatus string
}

// ClinicPage is one page of clinic visits.
type ClinicPage struct {
	Visits []ClinicVisit `json:"data"`
	Total  int           `json:"total"`
	Page   int           `json:"page"`
	Limit  int           `json:"limit"`
}

func (s ClinicSearch) values() url.Values {
	q := url.Values{}
	if s.Page > 0 {
		q.Set("page", strconv.Itoa(s.Page))
	}
	if s.Limit > 0 {
		q.Set("limit", strconv.Itoa(s.Limit))
	}
	if s.EmpNo != "" {
		q.Set("empNo", s.EmpNo)
	}
	if s.Date != "" {
		q.Set("date", s.Date)
	}
	if s.VisitStatus != "" {
		q.Set("visitStatus", s.VisitStatus)
	}
	return q
}

// record sends a request whose response is an enveloped single record and
// requires the decoded record to carry an id.
func (a *API) record(ctx context.Context, label, method, target string, body interface{}, out interface{}, id func() string) error {
	raw, err := a.crud.do(ctx, label, method, target, body)
	if err != nil {
		return err
	}
	if _, err := decodeEnvelope(label, raw, out); err != nil {
		return err
	}
	if id() == "" {
		return fmt.Errorf("%s: %w: record has no _id", label, ErrUnexpectedShape)
	}
	return nil
}

func (a *API) CreateClinicVisit(ctx context.Context, v ClinicVisit) (*ClinicVisit, error) {
	var out ClinicVisit
	err := a.record(ctx, "POST /clinic", http.MethodPost, a.crud.endpoint(nil, "clinic"), v, &out, func() string { return out.ID })
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) GetClinicVisit(ctx context.Context, id string) (*ClinicVisit, error) {
	var out ClinicVisit
	err := a.record(ctx, "GET /clinic/:id", http.MethodGet, a.crud.endpoint(nil, "clinic", id), nil, &out, func() string { return out.ID })
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) UpdateClinicVisit(ctx context.Context, id string, v ClinicVisit) (*ClinicVisit, error) {
	var out ClinicVisit
	err := a.record(ctx, "PUT /clinic/:id", http.MethodPut, a.crud.endpoint(nil, "clinic", id), v, &out, func() string { return out.ID })
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SearchClinicVisits returns one page of visits matching the filter.
func (a *API) SearchClinicVisits(ctx context.Context, s ClinicSearch) (*ClinicPage, error) {
	const label = "GET /clinic/search"
	raw, err := a.crud.do(ctx, label, http.MethodGet, a.crud.endpoint(s.values(), "clinic", "search"), nil)
	if err != nil {
		return nil, err
	}
	var visits []ClinicVisit
	env, err := decodeEnvelope(label, raw, &visits)
	if err != nil {
		return nil, err
	}
	page := &ClinicPage{Visits: visits, Total: len(visits), Page: s.Page, Limit: s.Limit}
	if env.Total != nil {
		page.Total = *env.Total
	}
	if env.Page != nil {
		page.Page = *env.Page
	}
	if env.Limit != nil {
		page.Limit = *env.Limit
	}
	return page, nil
}

func (a *API) CreateHospitalRecord(ctx context.Context, r HospitalRecord) (*HospitalRecord, error) {
	var out HospitalRecord
	err := a.record(ctx, "POST /hospital", http.MethodPost, a.crud.endpoint(nil, "hospital"), r, &out, func() string { return out.ID })
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) GetHospitalRecord(ctx context.Context, id string) (*HospitalRecord, error) {
	var out HospitalRecord
	err := a.record(ctx, "GET /hospital/:id", http.MethodGet, a.crud.endpoint(nil, "hospital", id), nil, &out, func() string { return out.ID })
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) UpdateHospitalRecord(ctx context.Context, id string, r HospitalRecord) (*HospitalRecord, error) {
	var out HospitalRecord
	err := a.record(ctx, "PUT /hospital/:id", http.MethodPut, a.crud.endpoint(nil, "hospital", id), r, &out, func() string { return out.ID })
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) CreateIsolationRecord(ctx context.Context, r IsolationRecord) (*IsolationRecord, error) {
	var out IsolationRecord
	err := a.record(ctx, "POST /isolation", http.MethodPost, a.crud.endpoint(nil, "isolation"), r, &out, func() string { return out.ID })
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) GetIsolationRecord(ctx context.Context, id string) (*IsolationRecord, error) {
	var out IsolationRecord
	err := a.record(ctx, "GET /isolation/:id", http.MethodGet, a.crud.endpoint(nil, "isolation", id), nil, &out, func() string { return out.ID })
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) SubmitSurvey(ctx context.Context, s SurveyResponse) (*SurveyResponse, error) {
	var out SurveyResponse
	err := a.record(ctx, "POST /surveys", http.MethodPost, a.crud.endpoint(nil, "surveys"), s, &out, func() string { return out.ID })
	if err != nil {
		return nil, err
	}
	return &out, nil
}
