package upstream

import (
	"context"
	"fmt"
	"net/http"
)

// Patient is the patient master document kept by the CRUD API.
type Patient struct {
	ID           string `json:"_id,omitempty"`
	EmpID        string `json:"empId,omitempty"`
	PatientName  string `json:"PatientName"`
	EmiratesID   string `json:"emiratesId"`
	InsuranceID  string `json:"insuranceId"`
	MobileNumber string `json:"mobileNumber"`
	TRLocation   string `json:"trLocation"`
}

// PatientInput is the body of POST /patients and PUT /patients/:id.
type PatientInput struct {
	EmpID        string `json:"empId"`
	PatientName  string `json:"PatientName"`
	EmiratesID   string `json:"emiratesId"`
	InsuranceID  string `json:"insuranceId"`
	MobileNumber string `json:"mobileNumber"`
	TRLocation   string `json:"trLocation"`
}

// PatientByEmpNo fetches the patient registered under an employee number.
// A missing patient is reported as ErrNotFound.
func (a *API) PatientByEmpNo(ctx context.Context, empNo string) (*Patient, error) {
	const label = "GET /patients/emp"
	raw, err := a.crud.do(ctx, label, http.MethodGet, a.crud.endpoint(nil, "patients", "emp", empNo), nil)
	if err != nil {
		return nil, err
	}
	var p Patient
	if err := decodeDocument(label, raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePatient creates a patient master record. The returned document must
// carry the new identifier.
func (a *API) CreatePatient(ctx context.Context, in PatientInput) (*Patient, error) {
	const label = "POST /patients"
	raw, err := a.crud.do(ctx, label, http.MethodPost, a.crud.endpoint(nil, "patients"), in)
	if err != nil {
		return nil, err
	}
	var p Patient
	if err := decodeDocument(label, raw, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%s: %w: created patient has no _id", label, ErrUnexpectedShape)
	}
	return &p, nil
}

// UpdatePatient replaces the tracked fields of an existing patient record.
func (a *API) UpdatePatient(ctx context.Context, id string, in PatientInput) (*Patient, error) {
	const label = "PUT /patients/:id"
	if id == "" {
		return nil, fmt.Errorf("%s: patient id is required", label)
	}
	raw, err := a.crud.do(ctx, label, http.MethodPut, a.crud.endpoint(nil, "patients", id), in)
	if err != nil {
		return nil, err
	}
	var p Patient
	if err := decodeDocument(label, raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
