package forms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinicdesk/internal/domain/derived"
	"github.com/ehr/clinicdesk/internal/domain/lookup"
	"github.com/ehr/clinicdesk/internal/domain/patientsync"
	"github.com/ehr/clinicdesk/internal/domain/tabs"
	"github.com/ehr/clinicdesk/internal/platform/upstream"
	"github.com/ehr/clinicdesk/internal/platform/websocket"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrAlreadySaved = errors.New("record already saved")
)

// Event types pushed on a workspace topic.
const (
	EventEmployeeLoaded = "employee.loaded"
	EventEmployeeFailed = "employee.failed"
	EventTabsChanged    = "tabs.changed"
	EventFormSaved      = "form.saved"
	EventPatientSynced  = "patient.synced"
)

// CRUD is the part of the CRUD API the forms read and write.
type CRUD interface {
	patientsync.PatientWriter
	GetClinicVisit(ctx context.Context, id string) (*upstream.ClinicVisit, error)
	CreateClinicVisit(ctx context.Context, v upstream.ClinicVisit) (*upstream.ClinicVisit, error)
	UpdateClinicVisit(ctx context.Context, id string, v upstream.ClinicVisit) (*upstream.ClinicVisit, error)
	GetHospitalRecord(ctx context.Context, id string) (*upstream.HospitalRecord, error)
	CreateHospitalRecord(ctx context.Context, r upstream.HospitalRecord) (*upstream.HospitalRecord, error)
	UpdateHospitalRecord(ctx context.Context, id string, r upstream.HospitalRecord) (*upstream.HospitalRecord, error)
	GetIsolationRecord(ctx context.Context, id string) (*upstream.IsolationRecord, error)
	CreateIsolationRecord(ctx context.Context, r upstream.IsolationRecord) (*upstream.IsolationRecord, error)
}

// EmployeeFetcher looks up an employee by number.
type EmployeeFetcher interface {
	Fetch(ctx context.Context, empNo string) (*lookup.EmployeeResult, error)
}

// Publisher delivers workspace events. *websocket.Hub implements it.
type Publisher interface {
	Publish(ctx context.Context, event websocket.Event) error
	CloseTopic(topic string)
}

type Options struct {
	// LookupTimeout bounds a background employee lookup.
	LookupTimeout time.Duration
	// FlushTimeout bounds the patient sync started by an unload flush.
	FlushTimeout time.Duration
	// IdleTTL is how long an untouched workspace is kept.
	IdleTTL time.Duration
}

// Service owns the workspaces of all sessions.
type Service struct {
	api       CRUD
	employees EmployeeFetcher
	store     *Store
	events    Publisher
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time
	wg        sync.WaitGroup
}

func NewService(api CRUD, employees EmployeeFetcher, store *Store, events Publisher, opts Options, logger zerolog.Logger) *Service {
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 15 * time.Second
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 15 * time.Second
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 2 * time.Hour
	}
	return &Service{
		api:       api,
		employees: employees,
		store:     store,
		events:    events,
		opts:      opts,
		logger:    logger.With().Str("component", "forms").Logger(),
		now:       time.Now,
	}
}

// Create opens a workspace for sessionID. With a clinic visit id the visit
// and its linked hospital and isolation records are loaded.
func (s *Service) Create(ctx context.Context, sessionID string, req CreateRequest) (*View, error) {
	var requested tabs.Tab
	if strings.TrimSpace(req.Tab) != "" {
		t, err := tabs.Parse(req.Tab)
		if err != nil {
			return nil, err
		}
		requested = t
	}

	w := newWorkspace(uuid.New().String(), sessionID, s.now(), patientsync.NewReconciler(s.api))
	w.rememberToken(ctx)
	if id := strings.TrimSpace(req.ClinicVisitID); id != "" {
		if err := s.load(ctx, w, id); err != nil {
			return nil, err
		}
	}
	w.tabs = tabs.New(requested, w.clinic.gates(), w.hospital.ID != "", w.isolation.ID != "")
	w.prefill(w.tabs.Active())

	s.store.Put(w)
	return w.View(), nil
}

func (s *Service) load(ctx context.Context, w *Workspace, visitID string) error {
	visit, err := s.api.GetClinicVisit(ctx, visitID)
	if err != nil {
		return fmt.Errorf("load clinic visit %s: %w", visitID, err)
	}
	w.clinic = clinicFromRecord(visit)
	w.employee[tabs.Clinic].Seed(visit.EmpNo)

	if visit.HospitalID != "" {
		rec, err := s.api.GetHospitalRecord(ctx, visit.HospitalID)
		if err != nil {
			return fmt.Errorf("load hospital record %s: %w", visit.HospitalID, err)
		}
		w.hospital = hospitalFromRecord(rec)
		w.employee[tabs.Hospital].Seed(rec.EmpNo)
		w.patients.Adopt(rec.PatientID, w.hospital.fields())
		w.recomputeDerived()
	}
	if visit.IsolationID != "" {
		rec, err := s.api.GetIsolationRecord(ctx, visit.IsolationID)
		if err != nil {
			return fmt.Errorf("load isolation record %s: %w", visit.IsolationID, err)
		}
		w.isolation = isolationFromRecord(rec)
		w.employee[tabs.Isolation].Seed(rec.EmpNo)
		w.patients.Adopt(rec.PatientID, w.isolation.fields())
	}
	return nil
}

func (s *Service) Get(ctx context.Context, sessionID, id string) (*View, error) {
	w, err := s.store.Get(sessionID, id)
	if err != nil {
		return nil, err
	}
	w.touch(s.now())
	return w.View(), nil
}

func (s *Service) Delete(ctx context.Context, sessionID, id string) error {
	w, err := s.store.Get(sessionID, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(sessionID, id); err != nil {
		return err
	}
	w.mu.Lock()
	w.generation++
	w.mu.Unlock()
	s.closeTopics(id)
	return nil
}

// Reset empties every form and returns to the clinic tab.
func (s *Service) Reset(ctx context.Context, sessionID, id string) (*View, error) {
	return s.mutate(ctx, sessionID, id, func(w *Workspace) ([]websocket.Event, error) {
		w.clear()
		return []websocket.Event{s.event(w, EventTabsChanged, w.tabs.State())}, nil
	})
}

func (s *Service) PatchClinic(ctx context.Context, sessionID, id string, p ClinicPatch) (*View, error) {
	return s.mutate(ctx, sessionID, id, func(w *Workspace) ([]websocket.Event, error) {
		p.apply(&w.clinic)
		var out []websocket.Event
		if w.tabs.Update(w.clinic.gates()) {
			out = append(out, s.event(w, EventTabsChanged, w.tabs.State()))
		}
		s.observeEmployee(ctx, w, tabs.Clinic)
		return out, nil
	})
}

func (s *Service) PatchHospital(ctx context.Context, sessionID, id string, p HospitalPatch) (*View, error) {
	return s.mutate(ctx, sessionID, id, func(w *Workspace) ([]websocket.Event, error) {
		if !w.tabs.Enabled(tabs.Hospital) {
			return nil, fmt.Errorf("%w: %s", tabs.ErrTabDisabled, tabs.Hospital)
		}
		w.prefill(tabs.Hospital)
		p.apply(&w.hospital)
		w.recomputeDerived()
		s.observeEmployee(ctx, w, tabs.Hospital)
		return nil, nil
	})
}

func (s *Service) PatchIsolation(ctx context.Context, sessionID, id string, p IsolationPatch) (*View, error) {
	return s.mutate(ctx, sessionID, id, func(w *Workspace) ([]websocket.Event, error) {
		if !w.tabs.Enabled(tabs.Isolation) {
			return nil, fmt.Errorf("%w: %s", tabs.ErrTabDisabled, tabs.Isolation)
		}
		if w.isolation.ID != "" {
			return nil, fmt.Errorf("%w: isolation %s", ErrAlreadySaved, w.isolation.ID)
		}
		w.prefill(tabs.Isolation)
		p.apply(&w.isolation)
		s.observeEmployee(ctx, w, tabs.Isolation)
		return nil, nil
	})
}

func (s *Service) SelectTab(ctx context.Context, sessionID, id string, tab string) (*View, error) {
	t, err := tabs.Parse(tab)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, sessionID, id, func(w *Workspace) ([]websocket.Event, error) {
		if err := w.tabs.Select(t); err != nil {
			return nil, err
		}
		w.prefill(t)
		return []websocket.Event{s.event(w, EventTabsChanged, w.tabs.State())}, nil
	})
}

// Save persists one tab. Hospital and isolation saves first bring the
// patient record in line; a failed patient create aborts the save, a failed
// update does not.
func (s *Service) Save(ctx context.Context, sessionID, id string, tab string) (*SaveResult, *View, error) {
	t, err := tabs.Parse(tab)
	if err != nil {
		return nil, nil, err
	}
	var res SaveResult
	view, err := s.mutate(ctx, sessionID, id, func(w *Workspace) ([]websocket.Event, error) {
		r, evs, err := s.saveLocked(ctx, w, t)
		res = r
		return evs, err
	})
	if err != nil {
		return nil, nil, err
	}
	return &res, view, nil
}

// SaveAll saves the clinic form and then every enabled sub-form. Each tab
// succeeds or fails on its own.
func (s *Service) SaveAll(ctx context.Context, sessionID, id string) (*SaveAllResult, error) {
	var results []SaveResult
	view, err := s.mutate(ctx, sessionID, id, func(w *Workspace) ([]websocket.Event, error) {
		var all []websocket.Event
		for _, t := range w.tabs.Savable() {
			if t == tabs.Isolation && w.isolation.ID != "" {
				results = append(results, SaveResult{Tab: t, RecordID: w.isolation.ID, Skipped: true})
				continue
			}
			res, evs, err := s.saveLocked(ctx, w, t)
			if err != nil {
				res = SaveResult{Tab: t, Error: err.Error()}
				s.logger.Warn().Err(err).Str("workspace_id", w.ID).Str("tab", string(t)).Msg("save-all tab failed")
			}
			results = append(results, res)
			all = append(all, evs...)
		}
		return all, nil
	})
	if err != nil {
		return nil, err
	}
	return &SaveAllResult{Results: results, View: view}, nil
}

func (s *Service) saveLocked(ctx context.Context, w *Workspace, t tabs.Tab) (SaveResult, []websocket.Event, error) {
	if !w.tabs.Enabled(t) {
		return SaveResult{}, nil, fmt.Errorf("%w: %s", tabs.ErrTabDisabled, t)
	}
	switch t {
	case tabs.Hospital:
		return s.saveHospital(ctx, w)
	case tabs.Isolation:
		return s.saveIsolation(ctx, w)
	}
	return s.saveClinic(ctx, w)
}

func (s *Service) saveClinic(ctx context.Context, w *Workspace) (SaveResult, []websocket.Event, error) {
	f := w.clinic
	if err := validate(
		check{"empNo", f.EmpNo},
		check{"employeeName", f.EmployeeName},
		check{"date", f.Date},
	); err != nil {
		return SaveResult{}, nil, err
	}

	var saved *upstream.ClinicVisit
	var err error
	if f.ID == "" {
		saved, err = s.api.CreateClinicVisit(ctx, f.record())
	} else {
		saved, err = s.api.UpdateClinicVisit(ctx, f.ID, f.record())
	}
	if err != nil {
		return SaveResult{}, nil, fmt.Errorf("save clinic visit: %w", err)
	}

	w.clinic.ID = saved.ID
	if w.hospital.ClinicVisitID == "" {
		w.hospital.ClinicVisitID = saved.ID
	}
	if w.isolation.ClinicVisitID == "" {
		w.isolation.ClinicVisitID = saved.ID
	}
	res := SaveResult{Tab: tabs.Clinic, RecordID: saved.ID}
	return res, []websocket.Event{s.event(w, EventFormSaved, res)}, nil
}

func (s *Service) saveHospital(ctx context.Context, w *Workspace) (SaveResult, []websocket.Event, error) {
	w.prefill(tabs.Hospital)
	f := w.hospital
	if err := validate(
		check{"empNo", f.EmpNo},
		check{"employeeName", f.EmployeeName},
		check{"hospitalName", f.HospitalName},
		check{"dateOfAdmission", f.DateOfAdmission},
	); err != nil {
		return SaveResult{}, nil, err
	}
	if _, ok := derived.ParseDate(f.DateOfAdmission); !ok {
		return SaveResult{}, nil, fmt.Errorf("%w: dateOfAdmission is not a date", ErrValidation)
	}
	if f.DateOfDischarge != "" {
		if _, ok := derived.DaysHospitalized(f.DateOfAdmission, f.DateOfDischarge); !ok {
			return SaveResult{}, nil, fmt.Errorf("%w: dateOfDischarge must be a date on or after dateOfAdmission", ErrValidation)
		}
	}
	w.recomputeDerived()

	patient, evs, err := s.syncPatient(ctx, w, w.hospital.Employee)
	if err != nil {
		return SaveResult{Tab: tabs.Hospital, Patient: patient}, evs, err
	}
	if patient.PatientID != "" {
		w.hospital.PatientID = patient.PatientID
	}

	var saved *upstream.HospitalRecord
	if w.hospital.ID == "" {
		saved, err = s.api.CreateHospitalRecord(ctx, w.hospital.record())
	} else {
		saved, err = s.api.UpdateHospitalRecord(ctx, w.hospital.ID, w.hospital.record())
	}
	if err != nil {
		return SaveResult{Tab: tabs.Hospital, Patient: patient}, evs, fmt.Errorf("save hospital record: %w", err)
	}
	w.hospital.ID = saved.ID
	if w.tabs.MarkExists(tabs.Hospital) {
		evs = append(evs, s.event(w, EventTabsChanged, w.tabs.State()))
	}
	res := SaveResult{Tab: tabs.Hospital, RecordID: saved.ID, Patient: patient}
	return res, append(evs, s.event(w, EventFormSaved, res)), nil
}

func (s *Service) saveIsolation(ctx context.Context, w *Workspace) (SaveResult, []websocket.Event, error) {
	if w.isolation.ID != "" {
		return SaveResult{}, nil, fmt.Errorf("%w: isolation %s", ErrAlreadySaved, w.isolation.ID)
	}
	w.prefill(tabs.Isolation)
	f := w.isolation
	if err := validate(
		check{"empNo", f.EmpNo},
		check{"employeeName", f.EmployeeName},
		check{"isolatedIn", f.IsolatedIn},
		check{"dateFrom", f.DateFrom},
	); err != nil {
		return SaveResult{}, nil, err
	}

	patient, evs, err := s.syncPatient(ctx, w, w.isolation.Employee)
	if err != nil {
		return SaveResult{Tab: tabs.Isolation, Patient: patient}, evs, err
	}
	if patient.PatientID != "" {
		w.isolation.PatientID = patient.PatientID
	}

	saved, err := s.api.CreateIsolationRecord(ctx, w.isolation.record())
	if err != nil {
		return SaveResult{Tab: tabs.Isolation, Patient: patient}, evs, fmt.Errorf("save isolation record: %w", err)
	}
	w.isolation.ID = saved.ID
	if w.tabs.MarkExists(tabs.Isolation) {
		evs = append(evs, s.event(w, EventTabsChanged, w.tabs.State()))
	}
	res := SaveResult{Tab: tabs.Isolation, RecordID: saved.ID, Patient: patient}
	return res, append(evs, s.event(w, EventFormSaved, res)), nil
}

// syncPatient runs the reconciler for emp. Only a failed create is
// returned as an error.
func (s *Service) syncPatient(ctx context.Context, w *Workspace, emp Employee) (*patientsync.Result, []websocket.Event, error) {
	res, err := w.patients.EnsureSynced(ctx, emp.fields())
	w.lastSync = &res
	switch {
	case errors.Is(err, patientsync.ErrCreateFailed):
		return &res, nil, err
	case err != nil:
		s.logger.Warn().Err(err).
			Str("workspace_id", w.ID).
			Str("patient_id", res.PatientID).
			Strs("changed", res.Changed).
			Msg("patient update failed, continuing")
	}
	if res.Outcome == patientsync.Created || res.Outcome == patientsync.Updated {
		return &res, []websocket.Event{s.event(w, EventPatientSynced, res)}, nil
	}
	return &res, nil, nil
}

// Flush starts a background patient sync for the sub-forms of a workspace
// whose page is being unloaded. It returns once the sync is scheduled.
func (s *Service) Flush(ctx context.Context, sessionID, id string) error {
	w, err := s.store.Get(sessionID, id)
	if err != nil {
		return err
	}
	w.touch(s.now())

	base := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(base, s.opts.FlushTimeout)
		defer cancel()
		s.flush(ctx, w)
	}()
	return nil
}

func (s *Service) flush(ctx context.Context, w *Workspace) {
	w.mu.Lock()
	var evs []websocket.Event
	for _, t := range []tabs.Tab{tabs.Hospital, tabs.Isolation} {
		emp := *w.employeeOf(t)
		if !w.tabs.Enabled(t) || emp.empty() {
			continue
		}
		_, out, err := s.syncPatient(ctx, w, emp)
		if err != nil {
			s.logger.Warn().Err(err).Str("workspace_id", w.ID).Str("tab", string(t)).Msg("patient flush failed")
		}
		evs = append(evs, out...)
	}
	w.mu.Unlock()
	s.emit(evs...)
}

// observeEmployee starts a background lookup when the employee number of
// tab has settled on a new 6-character value. The caller holds w.mu.
func (s *Service) observeEmployee(ctx context.Context, w *Workspace, tab tabs.Tab) {
	empNo, fire := w.employee[tab].Observe(w.employeeOf(tab).EmpNo)
	if !fire {
		return
	}
	gen := w.generation
	base := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(base, s.opts.LookupTimeout)
		defer cancel()
		res, err := s.employees.Fetch(ctx, empNo)
		s.completeEmployee(w, tab, gen, empNo, res, err)
	}()
}

func (s *Service) completeEmployee(w *Workspace, tab tabs.Tab, gen uint64, empNo string, res *lookup.EmployeeResult, err error) {
	w.mu.Lock()
	if w.generation != gen {
		w.mu.Unlock()
		return
	}
	tr := w.employee[tab]
	if !tr.Complete(empNo, res, err) {
		w.mu.Unlock()
		return
	}

	var ev websocket.Event
	if err != nil || res == nil {
		s.logger.Warn().Err(err).Str("workspace_id", w.ID).Str("emp_no", empNo).Msg("employee lookup failed")
		ev = s.event(w, EventEmployeeFailed, tr.View())
	} else {
		emp := w.employeeOf(tab)
		if lookup.NormalizeEmpNo(emp.EmpNo) == empNo {
			*emp = employeeFromResult(res)
		}
		w.patients.Adopt(res.PatientID, employeeFromResult(res).fields())
		ev = s.event(w, EventEmployeeLoaded, tr.View())
	}
	w.mu.Unlock()
	s.emit(ev)
}

// EndSession drops the workspaces of a session that logged out or expired.
func (s *Service) EndSession(sessionID string) {
	ids := s.store.RemoveSession(sessionID)
	s.closeTopics(ids...)
	if len(ids) > 0 {
		s.logger.Info().Str("session_id", sessionID).Int("count", len(ids)).Msg("workspaces closed with session")
	}
}

// Sweep drops workspaces idle for longer than the configured TTL.
func (s *Service) Sweep() int {
	ids := s.store.SweepIdle(s.now(), s.opts.IdleTTL)
	s.closeTopics(ids...)
	return len(ids)
}

// RunSweeper sweeps idle workspaces every interval until ctx ends.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Info().Int("count", n).Msg("idle workspaces swept")
			}
		}
	}
}

// Close syncs the patient record of every open workspace with the upstream
// token of its last request, then waits for background work to finish.
func (s *Service) Close(ctx context.Context) error {
	open := s.store.All()
	for _, w := range open {
		if ctx.Err() != nil {
			break
		}
		s.flush(upstream.WithToken(ctx, w.token()), w)
	}
	if len(open) > 0 {
		s.logger.Info().Int("count", len(open)).Msg("open workspaces flushed")
	}
	return s.Wait(ctx)
}

// Wait blocks until background lookups and flushes are done or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mutate runs fn under the workspace lock and publishes the events it
// returns once the lock is released.
func (s *Service) mutate(ctx context.Context, sessionID, id string, fn func(w *Workspace) ([]websocket.Event, error)) (*View, error) {
	w, err := s.store.Get(sessionID, id)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.touch(s.now())
	w.rememberToken(ctx)
	evs, err := fn(w)
	view := w.view()
	w.mu.Unlock()

	s.emit(evs...)
	if err != nil {
		return nil, err
	}
	return view, nil
}

func (s *Service) event(w *Workspace, typ string, data interface{}) websocket.Event {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Error().Err(err).Str("type", typ).Msg("failed to marshal event data")
	}
	return websocket.Event{
		Type:        typ,
		Topic:       websocket.WorkspaceTopic(w.ID),
		WorkspaceID: w.ID,
		Timestamp:   s.now().UTC(),
		Data:        raw,
	}
}

func (s *Service) emit(evs ...websocket.Event) {
	if s.events == nil {
		return
	}
	for _, ev := range evs {
		if err := s.events.Publish(context.Background(), ev); err != nil {
			s.logger.Warn().Err(err).Str("type", ev.Type).Msg("failed to publish workspace event")
		}
	}
}

func (s *Service) closeTopics(ids ...string) {
	if s.events == nil {
		return
	}
	for _, id := range ids {
		s.events.CloseTopic(websocket.WorkspaceTopic(id))
	}
}

type check struct {
	name  string
	value string
}

func validate(checks ...check) error {
	var missing []string
	for _, c := range checks {
		if strings.TrimSpace(c.value) == "" {
			missing = append(missing, c.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required", ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}
