package forms

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehr/clinicdesk/internal/domain/derived"
	"github.com/ehr/clinicdesk/internal/domain/lookup"
	"github.com/ehr/clinicdesk/internal/domain/patientsync"
	"github.com/ehr/clinicdesk/internal/domain/tabs"
	"github.com/ehr/clinicdesk/internal/platform/upstream"
)

// Workspace is one open visit page: the three forms, their employee
// lookups, the tab gates and the patient reconciler. Every field below mu is
// guarded by it; upstream calls made on behalf of the workspace hold it too,
// so edits, saves and lookup completions apply in order.
type Workspace struct {
	ID        string
	SessionID string
	CreatedAt time.Time

	touched atomic.Int64 // unix nanos of the last access

	mu         sync.Mutex
	generation uint64
	clinic     ClinicForm
	hospital   HospitalForm
	isolation  IsolationForm
	employee   map[tabs.Tab]*lookup.EmployeeTracker
	tabs       *tabs.Orchestrator
	patients   *patientsync.Reconciler
	lastSync   *patientsync.Result

	// upstreamToken is the bearer token of the latest request, kept for the
	// shutdown flush that runs outside any request.
	upstreamToken string
}

func newWorkspace(id, sessionID string, now time.Time, patients *patientsync.Reconciler) *Workspace {
	w := &Workspace{
		ID:        id,
		SessionID: sessionID,
		CreatedAt: now,
		patients:  patients,
	}
	w.touch(now)
	w.clear()
	return w
}

// clear empties the forms. The caller holds mu.
func (w *Workspace) clear() {
	w.generation++
	w.clinic = ClinicForm{}
	w.hospital = HospitalForm{}
	w.isolation = IsolationForm{}
	w.employee = map[tabs.Tab]*lookup.EmployeeTracker{
		tabs.Clinic:    {},
		tabs.Hospital:  {},
		tabs.Isolation: {},
	}
	w.tabs = tabs.New(tabs.Clinic, tabs.Gates{}, false, false)
	w.patients.Reset()
	w.lastSync = nil
}

// rememberToken keeps the upstream token carried by ctx. The caller holds mu
// or owns w exclusively.
func (w *Workspace) rememberToken(ctx context.Context) {
	if t := upstream.TokenFromContext(ctx); t != "" {
		w.upstreamToken = t
	}
}

func (w *Workspace) token() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.upstreamToken
}

func (w *Workspace) employeeOf(t tabs.Tab) *Employee {
	switch t {
	case tabs.Hospital:
		return &w.hospital.Employee
	case tabs.Isolation:
		return &w.isolation.Employee
	}
	return &w.clinic.Employee
}

// recomputeDerived refreshes the computed hospital fields and reports
// whether the stored value changed.
func (w *Workspace) recomputeDerived() bool {
	days, ok := derived.DaysHospitalized(w.hospital.DateOfAdmission, w.hospital.DateOfDischarge)
	cur := w.hospital.DaysHospitalized
	switch {
	case !ok && cur == nil:
		return false
	case !ok:
		w.hospital.DaysHospitalized = nil
		return true
	case cur != nil && *cur == days:
		return false
	}
	w.hospital.DaysHospitalized = &days
	return true
}

// prefill copies the clinic employee and visit link into an untouched
// sub-form when it is first opened.
func (w *Workspace) prefill(t tabs.Tab) {
	switch t {
	case tabs.Hospital:
		if w.hospital.ID == "" && w.hospital.Employee.empty() {
			w.hospital.Employee = w.clinic.Employee
			w.employee[tabs.Hospital].Seed(w.clinic.EmpNo)
		}
		if w.hospital.ClinicVisitID == "" {
			w.hospital.ClinicVisitID = w.clinic.ID
		}
	case tabs.Isolation:
		if w.isolation.ID == "" && w.isolation.Employee.empty() {
			w.isolation.Employee = w.clinic.Employee
			w.employee[tabs.Isolation].Seed(w.clinic.EmpNo)
		}
		if w.isolation.ClinicVisitID == "" {
			w.isolation.ClinicVisitID = w.clinic.ID
		}
	}
}

// view snapshots the workspace. The caller holds mu.
func (w *Workspace) view() *View {
	employee := make(map[tabs.Tab]lookup.EmployeeView, len(w.employee))
	for t, tr := range w.employee {
		employee[t] = tr.View()
	}
	v := &View{
		ID:        w.ID,
		Clinic:    w.clinic,
		Hospital:  w.hospital,
		Isolation: w.isolation,
		Tabs:      w.tabs.State(),
		Employee:  employee,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.lastTouched(),
	}
	if w.hospital.DaysHospitalized != nil {
		d := *w.hospital.DaysHospitalized
		v.Hospital.DaysHospitalized = &d
	}
	if w.lastSync != nil {
		r := *w.lastSync
		v.Patient = &r
	}
	return v
}

// View returns a snapshot of the workspace.
func (w *Workspace) View() *View {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.view()
}

func (w *Workspace) touch(now time.Time) {
	w.touched.Store(now.UnixNano())
}

func (w *Workspace) lastTouched() time.Time {
	return time.Unix(0, w.touched.Load()).UTC()
}
