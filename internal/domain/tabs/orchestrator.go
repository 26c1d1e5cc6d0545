// Package tabs gates the Clinic, Hospital and Isolation tabs of a visit page
// on the flags produced by the clinic form.
package tabs

import (
	"errors"
	"fmt"
	"strings"
)

// Tab identifies one of the three forms of a visit page.
type Tab string

const (
	Clinic    Tab = "clinic"
	Hospital  Tab = "hospital"
	Isolation Tab = "isolation"
)

// All lists the tabs in save order.
var All = []Tab{Clinic, Hospital, Isolation}

// CommunicableCategory is the case category that unlocks the isolation tab.
const CommunicableCategory = "COMMUNICABLE /INFECTIOUS DISEASE"

var (
	ErrTabDisabled = errors.New("tabs: tab is disabled")
	ErrUnknownTab  = errors.New("tabs: unknown tab")
)

// Parse accepts a tab name in any case.
func Parse(s string) (Tab, error) {
	t := Tab(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case Clinic, Hospital, Isolation:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTab, s)
}

// Gates are the clinic form outputs the tab predicates read.
type Gates struct {
	IPAdmissionRequired bool   `json:"ipAdmissionRequired"`
	CaseCategory        string `json:"caseCategory"`
}

// State is a snapshot of the orchestrator.
type State struct {
	Active          Tab          `json:"active"`
	Enabled         map[Tab]bool `json:"enabled"`
	HospitalExists  bool         `json:"hospitalExists"`
	IsolationExists bool         `json:"isolationExists"`
}

// Orchestrator is the tab state machine of one visit page. It is not safe for
// concurrent use; the owning workspace serialises access.
type Orchestrator struct {
	active          Tab
	gates           Gates
	hospitalExists  bool
	isolationExists bool
}

// New starts on the clinic tab, or on requested when that tab is enabled by
// the given gates and existing records.
func New(requested Tab, gates Gates, hospitalExists, isolationExists bool) *Orchestrator {
	o := &Orchestrator{
		active:          Clinic,
		gates:           gates,
		hospitalExists:  hospitalExists,
		isolationExists: isolationExists,
	}
	if requested != "" && o.Enabled(requested) {
		o.active = requested
	}
	return o
}

// Enabled evaluates the gate of t. Clinic is always enabled.
func (o *Orchestrator) Enabled(t Tab) bool {
	switch t {
	case Clinic:
		return true
	case Hospital:
		return o.gates.IPAdmissionRequired || o.hospitalExists
	case Isolation:
		return isCommunicable(o.gates.CaseCategory) || o.isolationExists
	}
	return false
}

func isCommunicable(category string) bool {
	return strings.TrimSpace(category) == CommunicableCategory
}

// Active returns the selected tab.
func (o *Orchestrator) Active() Tab {
	return o.active
}

// Select makes t the active tab.
func (o *Orchestrator) Select(t Tab) error {
	if _, err := Parse(string(t)); err != nil {
		return err
	}
	if !o.Enabled(t) {
		return fmt.Errorf("%w: %s", ErrTabDisabled, t)
	}
	o.active = t
	return nil
}

// Update re-evaluates the gates from new clinic form output. It reports
// whether the set of enabled tabs or the active tab changed. An active tab
// that is no longer enabled falls back to Clinic.
func (o *Orchestrator) Update(g Gates) bool {
	before := o.State()
	o.gates = g
	o.settle()
	return !sameState(before, o.State())
}

// MarkExists records that the sub-record behind t has been saved. A tab with
// a saved record stays enabled whatever the gates say.
func (o *Orchestrator) MarkExists(t Tab) bool {
	before := o.State()
	switch t {
	case Hospital:
		o.hospitalExists = true
	case Isolation:
		o.isolationExists = true
	}
	return !sameState(before, o.State())
}

// Reset clears the gates and existing records and returns to Clinic.
func (o *Orchestrator) Reset() {
	*o = Orchestrator{active: Clinic}
}

// Savable lists the tabs a save-all should persist, clinic first.
func (o *Orchestrator) Savable() []Tab {
	out := make([]Tab, 0, len(All))
	for _, t := range All {
		if o.Enabled(t) {
			out = append(out, t)
		}
	}
	return out
}

func (o *Orchestrator) State() State {
	enabled := make(map[Tab]bool, len(All))
	for _, t := range All {
		enabled[t] = o.Enabled(t)
	}
	return State{
		Active:          o.active,
		Enabled:         enabled,
		HospitalExists:  o.hospitalExists,
		IsolationExists: o.isolationExists,
	}
}

func (o *Orchestrator) settle() {
	if !o.Enabled(o.active) {
		o.active = Clinic
	}
}

func sameState(a, b State) bool {
	if a.Active != b.Active {
		return false
	}
	for _, t := range All {
		if a.Enabled[t] != b.Enabled[t] {
			return false
		}
	}
	return true
}
