// Package patientsync keeps the patient master record in the CRUD API in step
// with the employee fields of a hospital or isolation form.
package patientsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ehr/clinicdesk/internal/platform/metrics"
	"github.com/ehr/clinicdesk/internal/platform/upstream"
)

var (
	// ErrCreateFailed wraps a failed patient create. Callers abort the
	// submission that triggered it.
	ErrCreateFailed = errors.New("patientsync: create patient failed")
	// ErrUpdateFailed wraps a failed patient update. Callers log it and go on.
	ErrUpdateFailed = errors.New("patientsync: update patient failed")
)

// Outcome says what EnsureSynced did.
type Outcome string

const (
	Created   Outcome = "created"
	Updated   Outcome = "updated"
	Unchanged Outcome = "unchanged"
	Skipped   Outcome = "skipped"
	Failed    Outcome = "failed"
)

// Fields are the tracked employee fields mirrored into the patient record.
type Fields struct {
	EmpNo        string `json:"empNo"`
	EmployeeName string `json:"employeeName"`
	EmiratesID   string `json:"emiratesId"`
	InsuranceID  string `json:"insuranceId"`
	MobileNumber string `json:"mobileNumber"`
	TRLocation   string `json:"trLocation"`
}

func (f Fields) normalized() Fields {
	return Fields{
		EmpNo:        strings.ToUpper(strings.TrimSpace(f.EmpNo)),
		EmployeeName: strings.TrimSpace(f.EmployeeName),
		EmiratesID:   strings.TrimSpace(f.EmiratesID),
		InsuranceID:  strings.TrimSpace(f.InsuranceID),
		MobileNumber: strings.TrimSpace(f.MobileNumber),
		TRLocation:   strings.TrimSpace(f.TRLocation),
	}
}

// Changed lists the JSON names of the fields that differ from other.
func (f Fields) Changed(other Fields) []string {
	var out []string
	if f.EmpNo != other.EmpNo {
		out = append(out, "empNo")
	}
	if f.EmployeeName != other.EmployeeName {
		out = append(out, "employeeName")
	}
	if f.EmiratesID != other.EmiratesID {
		out = append(out, "emiratesId")
	}
	if f.InsuranceID != other.InsuranceID {
		out = append(out, "insuranceId")
	}
	if f.MobileNumber != other.MobileNumber {
		out = append(out, "mobileNumber")
	}
	if f.TRLocation != other.TRLocation {
		out = append(out, "trLocation")
	}
	return out
}

func (f Fields) input() upstream.PatientInput {
	return upstream.PatientInput{
		EmpID:        f.EmpNo,
		PatientName:  f.EmployeeName,
		EmiratesID:   f.EmiratesID,
		InsuranceID:  f.InsuranceID,
		MobileNumber: f.MobileNumber,
		TRLocation:   f.TRLocation,
	}
}

// PatientWriter is the part of the CRUD API the reconciler writes through.
type PatientWriter interface {
	CreatePatient(ctx context.Context, in upstream.PatientInput) (*upstream.Patient, error)
	UpdatePatient(ctx context.Context, id string, in upstream.PatientInput) (*upstream.Patient, error)
}

// known is what the reconciler remembers about one employee's record: its id
// and the fields last accepted by the server.
type known struct {
	id       string
	snapshot Fields
}

// Result reports one EnsureSynced call.
type Result struct {
	Outcome   Outcome  `json:"outcome"`
	PatientID string   `json:"patientId,omitempty"`
	Changed   []string `json:"changed,omitempty"`
}

// Reconciler creates a patient record at most once per employee number and
// afterwards only updates it when tracked fields change. One Reconciler
// belongs to one form session. The lock is held across the upstream call, so
// a submit and a concurrent unload flush cannot both create.
type Reconciler struct {
	api PatientWriter

	mu      sync.Mutex
	records map[string]known
}

func NewReconciler(api PatientWriter) *Reconciler {
	return &Reconciler{api: api, records: make(map[string]known)}
}

// EnsureSynced brings the patient record for f.EmpNo in line with f.
func (r *Reconciler) EnsureSynced(ctx context.Context, f Fields) (Result, error) {
	f = f.normalized()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[f.EmpNo]
	if !ok || rec.id == "" {
		if f.EmpNo == "" || f.EmployeeName == "" {
			metrics.PatientSync(string(Skipped))
			return Result{Outcome: Skipped}, nil
		}
		created, err := r.api.CreatePatient(ctx, f.input())
		if err != nil {
			metrics.PatientSync(string(Failed))
			return Result{Outcome: Failed}, fmt.Errorf("%w: %w", ErrCreateFailed, err)
		}
		r.records[f.EmpNo] = known{id: created.ID, snapshot: f}
		metrics.PatientSync(string(Created))
		return Result{Outcome: Created, PatientID: created.ID}, nil
	}

	changed := f.Changed(rec.snapshot)
	if len(changed) == 0 {
		metrics.PatientSync(string(Unchanged))
		return Result{Outcome: Unchanged, PatientID: rec.id}, nil
	}

	if _, err := r.api.UpdatePatient(ctx, rec.id, f.input()); err != nil {
		metrics.PatientSync(string(Failed))
		return Result{Outcome: Failed, PatientID: rec.id, Changed: changed}, fmt.Errorf("%w: %w", ErrUpdateFailed, err)
	}
	r.records[f.EmpNo] = known{id: rec.id, snapshot: f}
	metrics.PatientSync(string(Updated))
	return Result{Outcome: Updated, PatientID: rec.id, Changed: changed}, nil
}

// Adopt records an existing upstream patient, found by the employee lookup,
// so that the next sync updates it instead of creating a duplicate. A record
// already known for the number is left alone.
func (r *Reconciler) Adopt(id string, f Fields) {
	if id == "" {
		return
	}
	f = f.normalized()
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[f.EmpNo]; ok && rec.id != "" {
		return
	}
	r.records[f.EmpNo] = known{id: id, snapshot: f}
}

// PatientID returns the known record id for empNo, or "".
func (r *Reconciler) PatientID(empNo string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[strings.ToUpper(strings.TrimSpace(empNo))].id
}

// Reset forgets every known record. Used when the form is reset.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]known)
}
