package forms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/clinicdesk/internal/domain/lookup"
	"github.com/ehr/clinicdesk/internal/domain/patientsync"
	"github.com/ehr/clinicdesk/internal/domain/tabs"
	"github.com/ehr/clinicdesk/internal/platform/upstream"
	"github.com/ehr/clinicdesk/internal/platform/websocket"
)

// -- Mock CRUD API --

type mockCRUD struct {
	mu        sync.Mutex
	seq       int
	patients  map[string]upstream.PatientInput
	visits    map[string]upstream.ClinicVisit
	hospitals map[string]upstream.HospitalRecord
	isolation map[string]upstream.IsolationRecord
	calls     map[string]int
	tokens    []string

	createPatientErr error
	updatePatientErr error
}

func newMockCRUD() *mockCRUD {
	return &mockCRUD{
		patients:  make(map[string]upstream.PatientInput),
		visits:    make(map[string]upstream.ClinicVisit),
		hospitals: make(map[string]upstream.HospitalRecord),
		isolation: make(map[string]upstream.IsolationRecord),
		calls:     make(map[string]int),
	}
}

func (m *mockCRUD) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *mockCRUD) count(call string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[call]
}

func (m *mockCRUD) CreatePatient(_ context.Context, in upstream.PatientInput) (*upstream.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["CreatePatient"]++
	if m.createPatientErr != nil {
		return nil, m.createPatientErr
	}
	id := m.nextID("p")
	m.patients[id] = in
	return &upstream.Patient{ID: id, EmpID: in.EmpID, PatientName: in.PatientName}, nil
}

func (m *mockCRUD) UpdatePatient(ctx context.Context, id string, in upstream.PatientInput) (*upstream.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["UpdatePatient"]++
	m.tokens = append(m.tokens, upstream.TokenFromContext(ctx))
	if m.updatePatientErr != nil {
		return nil, m.updatePatientErr
	}
	m.patients[id] = in
	return &upstream.Patient{ID: id, EmpID: in.EmpID, PatientName: in.PatientName}, nil
}

func (m *mockCRUD) GetClinicVisit(_ context.Context, id string) (*upstream.ClinicVisit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.visits[id]
	if !ok {
		return nil, &upstream.Error{Endpoint: "GET /clinic", StatusCode: 404}
	}
	return &v, nil
}

func (m *mockCRUD) CreateClinicVisit(_ context.Context, v upstream.ClinicVisit) (*upstream.ClinicVisit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["CreateClinicVisit"]++
	v.ID = m.nextID("c")
	m.visits[v.ID] = v
	return &v, nil
}

func (m *mockCRUD) UpdateClinicVisit(_ context.Context, id string, v upstream.ClinicVisit) (*upstream.ClinicVisit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["UpdateClinicVisit"]++
	v.ID = id
	m.visits[id] = v
	return &v, nil
}

func (m *mockCRUD) GetHospitalRecord(_ context.Context, id string) (*upstream.HospitalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.hospitals[id]
	if !ok {
		return nil, &upstream.Error{Endpoint: "GET /hospital", StatusCode: 404}
	}
	return &r, nil
}

func (m *mockCRUD) CreateHospitalRecord(_ context.Context, r upstream.HospitalRecord) (*upstream.HospitalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["CreateHospitalRecord"]++
	r.ID = m.nextID("h")
	m.hospitals[r.ID] = r
	return &r, nil
}

func (m *mockCRUD) UpdateHospitalRecord(_ context.Context, id string, r upstream.HospitalRecord) (*upstream.HospitalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["UpdateHospitalRecord"]++
	r.ID = id
	m.hospitals[id] = r
	return &r, nil
}

func (m *mockCRUD) GetIsolationRecord(_ context.Context, id string) (*upstream.IsolationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.isolation[id]
	if !ok {
		return nil, &upstream.Error{Endpoint: "GET /isolation", StatusCode: 404}
	}
	return &r, nil
}

func (m *mockCRUD) CreateIsolationRecord(_ context.Context, r upstream.IsolationRecord) (*upstream.IsolationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["CreateIsolationRecord"]++
	r.ID = m.nextID("i")
	m.isolation[r.ID] = r
	return &r, nil
}

// -- Mock employee source --

type mockEmployees struct {
	mu      sync.Mutex
	results map[string]*lookup.EmployeeResult
	calls   int
	gate    chan struct{}
}

func (m *mockEmployees) Fetch(ctx context.Context, empNo string) (*lookup.EmployeeResult, error) {
	m.mu.Lock()
	m.calls++
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.results[empNo]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, &upstream.Error{Endpoint: "GET /patients/emp", StatusCode: 404}
}

func (m *mockEmployees) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// -- Mock publisher --

type mockPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
	closed []string
}

func (m *mockPublisher) Publish(_ context.Context, ev websocket.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *mockPublisher) CloseTopic(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, topic)
}

func (m *mockPublisher) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.Type)
	}
	return out
}

func (m *mockPublisher) has(typ string) bool {
	for _, t := range m.types() {
		if t == typ {
			return true
		}
	}
	return false
}

type fixture struct {
	svc       *Service
	crud      *mockCRUD
	employees *mockEmployees
	events    *mockPublisher
	store     *Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		crud:      newMockCRUD(),
		employees: &mockEmployees{results: make(map[string]*lookup.EmployeeResult)},
		events:    &mockPublisher{},
		store:     NewStore(),
	}
	f.svc = NewService(f.crud, f.employees, f.store, f.events, Options{
		LookupTimeout: time.Second,
		FlushTimeout:  time.Second,
		IdleTTL:       time.Hour,
	}, zerolog.Nop())
	return f
}

// wait blocks until background lookups and flushes are done.
func (f *fixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.svc.Wait(ctx); err != nil {
		t.Fatalf("background work did not finish: %v", err)
	}
}

func str(s string) *string { return &s }
func boolean(b bool) *bool { return &b }

func employeePatch(empNo, name string) EmployeePatch {
	return EmployeePatch{
		EmpNo:        str(empNo),
		EmployeeName: str(name),
		EmiratesID:   str("784-1990-1234567-1"),
		MobileNumber: str("0501234567"),
	}
}

// openHospital creates a workspace whose clinic form requires admission.
func openHospital(t *testing.T, f *fixture, sid string) *View {
	t.Helper()
	ctx := context.Background()
	v, err := f.svc.Create(ctx, sid, CreateRequest{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = f.svc.PatchClinic(ctx, sid, v.ID, ClinicPatch{
		EmployeePatch:       employeePatch("A00001", "Sara Khan"),
		Date:                str("2024-03-01"),
		IPAdmissionRequired: boolean(true),
	})
	if err != nil {
		t.Fatalf("PatchClinic: %v", err)
	}
	f.wait(t)
	return v
}

func TestService_Create_Blank(t *testing.T) {
	f := newFixture(t)
	v, err := f.svc.Create(context.Background(), "s1", CreateRequest{Tab: "hospital"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if v.ID == "" {
		t.Fatal("expected workspace id")
	}
	if v.Tabs.Active != tabs.Clinic {
		t.Errorf("expected clinic tab for a blank workspace, got %s", v.Tabs.Active)
	}
	if v.Tabs.Enabled[tabs.Hospital] || v.Tabs.Enabled[tabs.Isolation] {
		t.Errorf("expected sub-tabs disabled, got %v", v.Tabs.Enabled)
	}
	if f.store.Count() != 1 {
		t.Errorf("expected 1 stored workspace, got %d", f.store.Count())
	}
}

func TestService_Create_UnknownTab(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), "s1", CreateRequest{Tab: "pharmacy"})
	if !errors.Is(err, tabs.ErrUnknownTab) {
		t.Fatalf("expected ErrUnknownTab, got %v", err)
	}
}

func TestService_Create_LoadsVisit(t *testing.T) {
	f := newFixture(t)
	days := 3
	f.crud.visits["c-1"] = upstream.ClinicVisit{
		ID: "c-1", EmpNo: "B00002", EmployeeName: "Omar Ali", Date: "2024-02-01",
		IPAdmissionRequired: true, HospitalID: "h-1",
	}
	f.crud.hospitals["h-1"] = upstream.HospitalRecord{
		ID: "h-1", ClinicVisitID: "c-1", PatientID: "p-7", EmpNo: "B00002", EmployeeName: "Omar Ali",
		HospitalName: "City Hospital", DateOfAdmission: "2024-02-01", DateOfDischarge: "2024-02-04",
		DaysHospitalized: &days,
	}

	v, err := f.svc.Create(context.Background(), "s1", CreateRequest{ClinicVisitID: "c-1", Tab: "hospital"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if v.Tabs.Active != tabs.Hospital {
		t.Errorf("expected hospital tab, got %s", v.Tabs.Active)
	}
	if !v.Tabs.HospitalExists {
		t.Error("expected hospital record to be marked as existing")
	}
	if v.Hospital.ID != "h-1" || v.Hospital.HospitalName != "City Hospital" {
		t.Errorf("hospital form not loaded: %+v", v.Hospital)
	}
	if v.Hospital.DaysHospitalized == nil || *v.Hospital.DaysHospitalized != 3 {
		t.Errorf("expected 3 days, got %v", v.Hospital.DaysHospitalized)
	}
	if v.Employee[tabs.Clinic].EmpNo != "B00002" {
		t.Errorf("expected clinic tracker seeded, got %+v", v.Employee[tabs.Clinic])
	}

	// The seeded number does not fire a lookup when patched to the same value.
	if _, err := f.svc.PatchClinic(context.Background(), "s1", v.ID, ClinicPatch{EmployeePatch: EmployeePatch{EmpNo: str("b00002")}}); err != nil {
		t.Fatalf("PatchClinic: %v", err)
	}
	f.wait(t)
	if n := f.employees.count(); n != 0 {
		t.Errorf("expected no lookup for a seeded number, got %d", n)
	}

	// The adopted patient is updated rather than duplicated.
	if _, _, err := f.svc.Save(context.Background(), "s1", v.ID, "hospital"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if n := f.crud.count("CreatePatient"); n != 0 {
		t.Errorf("expected no patient create, got %d", n)
	}
	if n := f.crud.count("UpdateHospitalRecord"); n != 1 {
		t.Errorf("expected 1 hospital update, got %d", n)
	}
}

func TestService_Create_MissingVisit(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), "s1", CreateRequest{ClinicVisitID: "nope"})
	if !errors.Is(err, upstream.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if f.store.Count() != 0 {
		t.Error("failed create must not store a workspace")
	}
}

func TestService_PatchHospital_Disabled(t *testing.T) {
	f := newFixture(t)
	v, _ := f.svc.Create(context.Background(), "s1", CreateRequest{})
	_, err := f.svc.PatchHospital(context.Background(), "s1", v.ID, HospitalPatch{HospitalName: str("X")})
	if !errors.Is(err, tabs.ErrTabDisabled) {
		t.Fatalf("expected ErrTabDisabled, got %v", err)
	}
}

func TestService_TabGates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := openHospital(t, f, "s1")

	if !f.events.has(EventTabsChanged) {
		t.Error("expected tabs.changed after enabling admission")
	}
	view, err := f.svc.SelectTab(ctx, "s1", v.ID, "Hospital")
	if err != nil {
		t.Fatalf("SelectTab: %v", err)
	}
	if view.Tabs.Active != tabs.Hospital {
		t.Errorf("expected hospital active, got %s", view.Tabs.Active)
	}
	if view.Hospital.EmpNo != "A00001" || view.Hospital.EmployeeName != "Sara Khan" {
		t.Errorf("expected hospital employee prefilled from clinic, got %+v", view.Hospital.Employee)
	}

	if _, err := f.svc.SelectTab(ctx, "s1", v.ID, "isolation"); !errors.Is(err, tabs.ErrTabDisabled) {
		t.Errorf("expected isolation disabled, got %v", err)
	}

	view, err = f.svc.PatchClinic(ctx, "s1", v.ID, ClinicPatch{IPAdmissionRequired: boolean(false)})
	if err != nil {
		t.Fatalf("PatchClinic: %v", err)
	}
	if view.Tabs.Active != tabs.Clinic {
		t.Errorf("expected fallback to clinic, got %s", view.Tabs.Active)
	}

	view, err = f.svc.PatchClinic(ctx, "s1", v.ID, ClinicPatch{CaseCategory: str(tabs.CommunicableCategory)})
	if err != nil {
		t.Fatalf("PatchClinic: %v", err)
	}
	if !view.Tabs.Enabled[tabs.Isolation] {
		t.Error("expected isolation enabled for communicable case")
	}
}

func TestService_HospitalSave_CreatesPatientOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := openHospital(t, f, "s1")

	view, err := f.svc.PatchHospital(ctx, "s1", v.ID, HospitalPatch{
		HospitalName:    str("City Hospital"),
		DateOfAdmission: str("2024-03-01"),
		DateOfDischarge: str("2024-03-05T06:00:00"),
	})
	if err != nil {
		t.Fatalf("PatchHospital: %v", err)
	}
	if view.Hospital.DaysHospitalized == nil || *view.Hospital.DaysHospitalized != 5 {
		t.Errorf("expected 5 days hospitalized, got %v", view.Hospital.DaysHospitalized)
	}

	res, view, err := f.svc.Save(ctx, "s1", v.ID, "hospital")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if res.Patient == nil || res.Patient.Outcome != patientsync.Created {
		t.Fatalf("expected patient created, got %+v", res.Patient)
	}
	if view.Hospital.PatientID != res.Patient.PatientID {
		t.Errorf("expected hospital linked to %s, got %s", res.Patient.PatientID, view.Hospital.PatientID)
	}
	if !view.Tabs.HospitalExists {
		t.Error("expected hospital marked as existing")
	}

	if _, _, err := f.svc.Save(ctx, "s1", v.ID, "hospital"); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if n := f.crud.count("CreatePatient"); n != 1 {
		t.Errorf("expected 1 patient create, got %d", n)
	}
	if n := f.crud.count("UpdatePatient"); n != 0 {
		t.Errorf("expected no patient update for unchanged fields, got %d", n)
	}
	if n := f.crud.count("CreateHospitalRecord"); n != 1 {
		t.Errorf("expected 1 hospital create, got %d", n)
	}
	if n := f.crud.count("UpdateHospitalRecord"); n != 1 {
		t.Errorf("expected 1 hospital update, got %d", n)
	}
	if !f.events.has(EventPatientSynced) || !f.events.has(EventFormSaved) {
		t.Errorf("expected patient.synced and form.saved events, got %v", f.events.types())
	}
}

func TestService_HospitalSave_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := openHospital(t, f, "s1")

	if _, _, err := f.svc.Save(ctx, "s1", v.ID, "hospital"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for missing hospital name, got %v", err)
	}
	_, err := f.svc.PatchHospital(ctx, "s1", v.ID, HospitalPatch{
		HospitalName:    str("City Hospital"),
		DateOfAdmission: str("2024-03-05"),
		DateOfDischarge: str("2024-03-01"),
	})
	if err != nil {
		t.Fatalf("PatchHospital: %v", err)
	}
	if _, _, err := f.svc.Save(ctx, "s1", v.ID, "hospital"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for discharge before admission, got %v", err)
	}
	if n := f.crud.count("CreatePatient"); n != 0 {
		t.Errorf("invalid form must not reach the patient API, got %d creates", n)
	}
}

func TestService_HospitalSave_CreateFailureAborts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := openHospital(t, f, "s1")
	f.crud.createPatientErr = &upstream.Error{Endpoint: "POST /patients", StatusCode: 500}

	_, err := f.svc.PatchHospital(ctx, "s1", v.ID, HospitalPatch{
		HospitalName:    str("City Hospital"),
		DateOfAdmission: str("2024-03-01"),
	})
	if err != nil {
		t.Fatalf("PatchHospital: %v", err)
	}
	_, _, err = f.svc.Save(ctx, "s1", v.ID, "hospital")
	if !errors.Is(err, patientsync.ErrCreateFailed) {
		t.Fatalf("expected ErrCreateFailed, got %v", err)
	}
	if n := f.crud.count("CreateHospitalRecord"); n != 0 {
		t.Errorf("expected no hospital record after failed patient create, got %d", n)
	}
}

func TestService_HospitalSave_UpdateFailureContinues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := openHospital(t, f, "s1")
	_, err := f.svc.PatchHospital(ctx, "s1", v.ID, HospitalPatch{
		HospitalName:    str("City Hospital"),
		DateOfAdmission: str("2024-03-01"),
	})
	if err != nil {
		t.Fatalf("PatchHospital: %v", err)
	}
	if _, _, err := f.svc.Save(ctx, "s1", v.ID, "hospital"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	f.crud.updatePatientErr = &upstream.Error{Endpoint: "PUT /patients", StatusCode: 503}
	_, err = f.svc.PatchHospital(ctx, "s1", v.ID, HospitalPatch{EmployeePatch: EmployeePatch{MobileNumber: str("0559999999")}})
	if err != nil {
		t.Fatalf("PatchHospital: %v", err)
	}
	res, _, err := f.svc.Save(ctx, "s1", v.ID, "hospital")
	if err != nil {
		t.Fatalf("expected save to succeed despite patient update failure, got %v", err)
	}
	if res.Patient == nil || res.Patient.Outcome != patientsync.Failed {
		t.Errorf("expected failed patient outcome, got %+v", res.Patient)
	}
	if n := f.crud.count("UpdatePatient"); n != 1 {
		t.Errorf("expected 1 patient update attempt, got %d", n)
	}
	if n := f.crud.count("UpdateHospitalRecord"); n != 1 {
		t.Errorf("expected hospital record updated, got %d", n)
	}
}

func TestService_EmployeeLookup_FillsForm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.employees.results["E12345"] = &lookup.EmployeeResult{
		EmpNo: "E12345", EmployeeName: "Lina Haddad", EmiratesID: "784-1", MobileNumber: "050", PatientID: "p-9",
	}
	v, _ := f.svc.Create(ctx, "s1", CreateRequest{})

	// Partial numbers do not fire.
	if _, err := f.svc.PatchClinic(ctx, "s1", v.ID, ClinicPatch{EmployeePatch: EmployeePatch{EmpNo: str("e123")}}); err != nil {
		t.Fatalf("PatchClinic: %v", err)
	}
	if _, err := f.svc.PatchClinic(ctx, "s1", v.ID, ClinicPatch{EmployeePatch: EmployeePatch{EmpNo: str("e12345")}}); err != nil {
		t.Fatalf("PatchClinic: %v", err)
	}
	f.wait(t)
	if _, err := f.svc.PatchClinic(ctx, "s1", v.ID, ClinicPatch{Complaint: str("fever")}); err != nil {
		t.Fatalf("PatchClinic: %v", err)
	}
	f.wait(t)

	if n := f.employees.count(); n != 1 {
		t.Errorf("expected exactly 1 lookup, got %d", n)
	}
	view, err := f.svc.Get(ctx, "s1", v.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if view.Clinic.EmployeeName != "Lina Haddad" || view.Clinic.EmpNo != "E12345" {
		t.Errorf("expected employee filled, got %+v", view.Clinic.Employee)
	}
	if view.Employee[tabs.Clinic].Status != lookup.EmployeeLoaded {
		t.Errorf("expected loaded status, got %s", view.Employee[tabs.Clinic].Status)
	}
	if !f.events.has(EventEmployeeLoaded) {
		t.Error("expected employee.loaded event")
	}

	// The looked-up patient is adopted, so a hospital save does not create one.
	if _, err := f.svc.PatchClinic(ctx, "s1", v.ID, ClinicPatch{IPAdmissionRequired: boolean(true)}); err != nil {
		t.Fatalf("PatchClinic: %v", err)
	}
	if _, err := f.svc.PatchHospital(ctx, "s1", v.ID, HospitalPatch{
		HospitalName: str("City Hospital"), DateOfAdmission: str("2024-03-01"),
	}); err != nil {
		t.Fatalf("PatchHospital: %v", err)
	}
	res, _, err := f.svc.Save(ctx, "s1", v.ID, "hospital")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if res.Patient.PatientID != "p-9" {
		t.Errorf("expected adopted patient p-9, got %+v", res.Patient)
	}
	if n := f.crud.count("CreatePatient"); n != 0 {
		t.Errorf("expected no patient create, got %d", n)
	}
}

func TestService_EmployeeLookup_Failure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, _ := f.svc.Create(ctx, "s1", CreateRequest{})
	if _, err := f.svc.PatchClinic(ctx, "s1", v.ID, ClinicPatch{EmployeePatch: EmployeePatch{EmpNo: str("Z99999")}}); err != nil {
		t.Fatalf("PatchClinic: %v", err)
	}
	f.wait(t)

	view, _ := f.svc.Get(ctx, "s1", v.ID)
	tr := view.Employee[tabs.Clinic]
	if tr.Status != lookup.EmployeeFailed || tr.Message != lookup.EmployeeErrorMessage {
		t.Errorf("expected failed lookup with message, got %+v", tr)
	}
	if !f.events.has(EventEmployeeFailed) {
		t.Error("expected employee.failed event")
	}

	// The failed number is not retried until it changes.
	if _, err := f.svc.PatchClinic(ctx, "s1", v.ID, ClinicPatch{EmployeePatch: EmployeePatch{EmpNo: str("Z99999")}}); err != nil {
		t.Fatalf("PatchClinic: %v", err)
	}
	f.wait(t)
	if n := f.employees.count(); n != 1 {
		t.Errorf("expected 1 lookup, got %d", n)
	}
}

func TestService_EmployeeLookup_StaleAfterReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.employees.gate = make(chan struct{})
	f.employees.results["E12345"] = &lookup.EmployeeResult{EmpNo: "E12345", EmployeeName: "Lina Haddad"}

	v, _ := f.svc.Create(ctx, "s1", CreateRequest{})
	if _, err := f.svc.PatchClinic(ctx, "s1", v.ID, ClinicPatch{EmployeePatch: EmployeePatch{EmpNo: str("E12345")}}); err != nil {
		t.Fatalf("PatchClinic: %v", err)
	}
	if _, err := f.svc.Reset(ctx, "s1", v.ID); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	close(f.employees.gate)
	f.wait(t)

	view, _ := f.svc.Get(ctx, "s1", v.ID)
	if view.Clinic.EmployeeName != "" || view.Clinic.EmpNo != "" {
		t.Errorf("stale lookup must not fill a reset form, got %+v", view.Clinic.Employee)
	}
	if view.Employee[tabs.Clinic].Status != lookup.EmployeeIdle {
		t.Errorf("expected idle tracker, got %s", view.Employee[tabs.Clinic].Status)
	}
}

func TestService_Isolation_CreateOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, _ := f.svc.Create(ctx, "s1", CreateRequest{})
	if _, err := f.svc.PatchClinic(ctx, "s1", v.ID, ClinicPatch{
		EmployeePatch: employeePatch("C00003", "Ravi Nair"),
		Date:          str("2024-03-01"),
		CaseCategory:  str(tabs.CommunicableCategory),
	}); err != nil {
		t.Fatalf("PatchClinic: %v", err)
	}
	if _, err := f.svc.PatchIsolation(ctx, "s1", v.ID, IsolationPatch{
		IsolatedIn: str("Camp A"), DateFrom: str("2024-03-01"),
	}); err != nil {
		t.Fatalf("PatchIsolation: %v", err)
	}
	res, view, err := f.svc.Save(ctx, "s1", v.ID, "isolation")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if res.RecordID == "" || view.Isolation.ID != res.RecordID {
		t.Errorf("expected isolation record id, got %+v", res)
	}

	if _, err := f.svc.PatchIsolation(ctx, "s1", v.ID, IsolationPatch{Remarks: str("x")}); !errors.Is(err, ErrAlreadySaved) {
		t.Errorf("expected ErrAlreadySaved on patch, got %v", err)
	}
	if _, _, err := f.svc.Save(ctx, "s1", v.ID, "isolation"); !errors.Is(err, ErrAlreadySaved) {
		t.Errorf("expected ErrAlreadySaved on save, got %v", err)
	}
	if n := f.crud.count("CreateIsolationRecord"); n != 1 {
		t.Errorf("expected 1 isolation create, got %d", n)
	}
}

func TestService_SaveAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, _ := f.svc.Create(ctx, "s1", CreateRequest{})
	if _, err := f.svc.PatchClinic(ctx, "s1", v.ID, ClinicPatch{
		EmployeePatch:       employeePatch("D00004", "Mona Said"),
		Date:                str("2024-03-01"),
		IPAdmissionRequired: boolean(true),
		CaseCategory:        str(tabs.CommunicableCategory),
	}); err != nil {
		t.Fatalf("PatchClinic: %v", err)
	}
	f.wait(t)
	if _, err := f.svc.PatchIsolation(ctx, "s1", v.ID, IsolationPatch{
		IsolatedIn: str("Camp A"), DateFrom: str("2024-03-01"),
	}); err != nil {
		t.Fatalf("PatchIsolation: %v", err)
	}

	out, err := f.svc.SaveAll(ctx, "s1", v.ID)
	if err != nil {
		t.Fatalf("SaveAll: %v", err)
	}
	if len(out.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(out.Results))
	}
	clinic, hospital, isolation := out.Results[0], out.Results[1], out.Results[2]
	if clinic.Tab != tabs.Clinic || clinic.RecordID == "" || clinic.Error != "" {
		t.Errorf("unexpected clinic result: %+v", clinic)
	}
	if hospital.Tab != tabs.Hospital || hospital.Error == "" {
		t.Errorf("expected hospital validation error, got %+v", hospital)
	}
	if isolation.Tab != tabs.Isolation || isolation.RecordID == "" {
		t.Errorf("unexpected isolation result: %+v", isolation)
	}
	if out.View.Isolation.ClinicVisitID != clinic.RecordID {
		t.Errorf("expected isolation linked to visit %s, got %s", clinic.RecordID, out.View.Isolation.ClinicVisitID)
	}

	out, err = f.svc.SaveAll(ctx, "s1", v.ID)
	if err != nil {
		t.Fatalf("second SaveAll: %v", err)
	}
	if !out.Results[2].Skipped {
		t.Errorf("expected saved isolation to be skipped, got %+v", out.Results[2])
	}
	if n := f.crud.count("UpdateClinicVisit"); n != 1 {
		t.Errorf("expected clinic visit updated on second save, got %d", n)
	}
}

func TestService_Flush(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := openHospital(t, f, "s1")
	if _, err := f.svc.SelectTab(ctx, "s1", v.ID, "hospital"); err != nil {
		t.Fatalf("SelectTab: %v", err)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	if err := f.svc.Flush(reqCtx, "s1", v.ID); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	cancel()
	f.wait(t)

	if n := f.crud.count("CreatePatient"); n != 1 {
		t.Fatalf("expected flush to create the patient, got %d creates", n)
	}
	view, _ := f.svc.Get(ctx, "s1", v.ID)
	if view.Patient == nil || view.Patient.Outcome != patientsync.Created {
		t.Errorf("expected last sync in view, got %+v", view.Patient)
	}

	if _, err := f.svc.PatchHospital(ctx, "s1", v.ID, HospitalPatch{
		HospitalName: str("City Hospital"), DateOfAdmission: str("2024-03-01"),
	}); err != nil {
		t.Fatalf("PatchHospital: %v", err)
	}
	if _, _, err := f.svc.Save(ctx, "s1", v.ID, "hospital"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if n := f.crud.count("CreatePatient"); n != 1 {
		t.Errorf("expected no second patient create after flush, got %d", n)
	}
}

func TestService_Close_SyncsPendingEdits(t *testing.T) {
	f := newFixture(t)
	ctx := upstream.WithToken(context.Background(), "up-1")
	v := openHospital(t, f, "s1")

	if _, err := f.svc.PatchHospital(ctx, "s1", v.ID, HospitalPatch{
		HospitalName: str("City Hospital"), DateOfAdmission: str("2024-03-01"),
	}); err != nil {
		t.Fatalf("PatchHospital: %v", err)
	}
	if _, _, err := f.svc.Save(ctx, "s1", v.ID, "hospital"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := f.svc.PatchHospital(ctx, "s1", v.ID, HospitalPatch{
		EmployeePatch: EmployeePatch{MobileNumber: str("0559876543")},
	}); err != nil {
		t.Fatalf("PatchHospital: %v", err)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.svc.Close(closeCtx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if n := f.crud.count("UpdatePatient"); n != 1 {
		t.Fatalf("expected the pending edit synced on close, got %d updates", n)
	}
	f.crud.mu.Lock()
	defer f.crud.mu.Unlock()
	for id, p := range f.crud.patients {
		if p.MobileNumber != "0559876543" {
			t.Errorf("expected patient %s to carry the new mobile number, got %q", id, p.MobileNumber)
		}
	}
	if f.crud.tokens[0] != "up-1" {
		t.Errorf("expected the workspace token on the close sync, got %q", f.crud.tokens[0])
	}
}

func TestService_Close_NothingPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := openHospital(t, f, "s1")
	if _, err := f.svc.PatchHospital(ctx, "s1", v.ID, HospitalPatch{
		HospitalName: str("City Hospital"), DateOfAdmission: str("2024-03-01"),
	}); err != nil {
		t.Fatalf("PatchHospital: %v", err)
	}
	if _, _, err := f.svc.Save(ctx, "s1", v.ID, "hospital"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := f.svc.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := f.crud.count("CreatePatient") + f.crud.count("UpdatePatient"); n != 1 {
		t.Errorf("expected only the save's patient create, got %d patient calls", n)
	}
}

func TestService_Ownership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, _ := f.svc.Create(ctx, "s1", CreateRequest{})

	if _, err := f.svc.Get(ctx, "s2", v.ID); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Errorf("expected ErrWorkspaceNotFound for another session, got %v", err)
	}
	if err := f.svc.Delete(ctx, "s2", v.ID); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Errorf("expected ErrWorkspaceNotFound on foreign delete, got %v", err)
	}
	if err := f.svc.Delete(ctx, "s1", v.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := f.svc.Get(ctx, "s1", v.ID); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Errorf("expected deleted workspace gone, got %v", err)
	}
	if len(f.events.closed) != 1 || f.events.closed[0] != websocket.WorkspaceTopic(v.ID) {
		t.Errorf("expected workspace topic closed, got %v", f.events.closed)
	}
}

func TestService_EndSessionAndSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }

	a, _ := f.svc.Create(ctx, "s1", CreateRequest{})
	f.svc.Create(ctx, "s1", CreateRequest{})
	c, _ := f.svc.Create(ctx, "s2", CreateRequest{})

	f.svc.EndSession("s1")
	if f.store.Count() != 1 {
		t.Fatalf("expected 1 workspace after ending s1, got %d", f.store.Count())
	}
	if _, err := f.svc.Get(ctx, "s1", a.ID); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Errorf("expected s1 workspace gone, got %v", err)
	}

	now = now.Add(30 * time.Minute)
	if n := f.svc.Sweep(); n != 0 {
		t.Errorf("expected nothing swept before the TTL, got %d", n)
	}
	now = now.Add(2 * time.Hour)
	if n := f.svc.Sweep(); n != 1 {
		t.Errorf("expected 1 swept, got %d", n)
	}
	if _, err := f.svc.Get(ctx, "s2", c.ID); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Errorf("expected idle workspace swept, got %v", err)
	}
	if len(f.events.closed) != 3 {
		t.Errorf("expected 3 topics closed, got %v", f.events.closed)
	}
}

func TestService_RunSweeper_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.svc.RunSweeper(ctx, 10*time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestStore_AuthorizeTopic(t *testing.T) {
	f := newFixture(t)
	v, _ := f.svc.Create(context.Background(), "s1", CreateRequest{})

	tests := []struct {
		name    string
		session string
		topic   string
		want    bool
	}{
		{"own workspace", "s1", websocket.WorkspaceTopic(v.ID), true},
		{"other session", "s2", websocket.WorkspaceTopic(v.ID), false},
		{"unknown workspace", "s1", websocket.WorkspaceTopic("nope"), false},
		{"not a workspace topic", "s1", "admin", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.store.AuthorizeTopic(tt.session, tt.topic); got != tt.want {
				t.Errorf("AuthorizeTopic(%q, %q) = %v, want %v", tt.session, tt.topic, got, tt.want)
			}
		})
	}
}
