package lookup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ehr/clinicdesk/internal/platform/metrics"
	"github.com/ehr/clinicdesk/internal/platform/upstream"
)

// EmpNoLength is the fixed length of an employee number.
const EmpNoLength = 6

// EmployeeErrorMessage is shown on the form when the lookup fails.
const EmployeeErrorMessage = "Unable to load employee details."

// employeeFetchTimeout bounds a shared lookup once it is detached from the
// caller that started it.
const employeeFetchTimeout = 15 * time.Second

// EmployeeStatus is the state of the employee lookup on one form.
type EmployeeStatus string

const (
	EmployeeIdle    EmployeeStatus = "idle"
	EmployeeLoading EmployeeStatus = "loading"
	EmployeeLoaded  EmployeeStatus = "loaded"
	EmployeeFailed  EmployeeStatus = "failed"
)

// EmployeeResult is the employee data fetched for a number. PatientID is set
// when the CRUD API already holds a patient record for the employee.
type EmployeeResult struct {
	EmpNo        string `json:"empNo"`
	EmployeeName string `json:"employeeName"`
	EmiratesID   string `json:"emiratesId"`
	InsuranceID  string `json:"insuranceId"`
	MobileNumber string `json:"mobileNumber"`
	TRLocation   string `json:"trLocation"`
	PatientID    string `json:"patientId,omitempty"`
}

// NormalizeEmpNo trims and upper-cases an employee number.
func NormalizeEmpNo(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// EmployeeTracker decides when a form's employee-number field should trigger a
// lookup and holds the outcome. It is not safe for concurrent use; the owning
// form serialises access.
type EmployeeTracker struct {
	lastFetched string
	status      EmployeeStatus
	result      *EmployeeResult
	message     string
}

// EmployeeView is the externally visible tracker state.
type EmployeeView struct {
	Status  EmployeeStatus  `json:"status"`
	EmpNo   string          `json:"empNo,omitempty"`
	Result  *EmployeeResult `json:"result,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Observe is called with every new value of the employee-number field. It
// returns the normalized number and true when a lookup should start. The
// number is recorded as fetched before the lookup runs, so repeated edits
// that settle on the same value do not fire again.
func (t *EmployeeTracker) Observe(raw string) (string, bool) {
	empNo := NormalizeEmpNo(raw)
	if len(empNo) != EmpNoLength || empNo == t.lastFetched {
		return "", false
	}
	t.lastFetched = empNo
	t.status = EmployeeLoading
	t.result = nil
	t.message = ""
	return empNo, true
}

// Complete records the outcome of a lookup for empNo. It returns false and
// changes nothing when a lookup for a different number has started since.
func (t *EmployeeTracker) Complete(empNo string, res *EmployeeResult, err error) bool {
	if empNo != t.lastFetched {
		return false
	}
	if err != nil || res == nil {
		t.status = EmployeeFailed
		t.result = nil
		t.message = EmployeeErrorMessage
		return true
	}
	t.status = EmployeeLoaded
	t.result = res
	t.message = ""
	return true
}

// Seed marks empNo as already known, e.g. when the form is loaded from a
// saved record, so that it does not trigger a lookup.
func (t *EmployeeTracker) Seed(empNo string) {
	*t = EmployeeTracker{lastFetched: NormalizeEmpNo(empNo)}
}

// Reset forgets the last fetched number and its result.
func (t *EmployeeTracker) Reset() {
	*t = EmployeeTracker{}
}

func (t *EmployeeTracker) View() EmployeeView {
	status := t.status
	if status == "" {
		status = EmployeeIdle
	}
	return EmployeeView{Status: status, EmpNo: t.lastFetched, Result: t.result, Message: t.message}
}

// PatientLookup fetches the patient record stored for an employee number.
type PatientLookup interface {
	PatientByEmpNo(ctx context.Context, empNo string) (*upstream.Patient, error)
}

// Employees performs employee-by-number lookups. Concurrent lookups of the
// same number with the same credentials share one upstream call.
type Employees struct {
	source PatientLookup
	group  singleflight.Group
}

func NewEmployees(source PatientLookup) *Employees {
	return &Employees{source: source}
}

// Fetch looks up empNo. The bearer token carried by ctx is forwarded; a
// caller giving up does not fail the others sharing its lookup.
func (e *Employees) Fetch(ctx context.Context, empNo string) (*EmployeeResult, error) {
	empNo = NormalizeEmpNo(empNo)
	ch := e.group.DoChan(flightKey(upstream.TokenFromContext(ctx), empNo), func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), employeeFetchTimeout)
		defer cancel()
		p, err := e.source.PatientByEmpNo(fctx, empNo)
		if err != nil {
			return nil, err
		}
		return &EmployeeResult{
			EmpNo:        empNo,
			EmployeeName: p.PatientName,
			EmiratesID:   p.EmiratesID,
			InsuranceID:  p.InsuranceID,
			MobileNumber: p.MobileNumber,
			TRLocation:   p.TRLocation,
			PatientID:    p.ID,
		}, nil
	})
	var (
		v   interface{}
		err error
	)
	select {
	case res := <-ch:
		v, err = res.Val, res.Err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		metrics.Lookup("employee", "error")
		return nil, err
	}
	metrics.Lookup("employee", "ok")
	res := *v.(*EmployeeResult)
	return &res, nil
}

func flightKey(token, empNo string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8]) + ":" + empNo
}
