package forms

import (
	"strings"
	"time"

	"github.com/ehr/clinicdesk/internal/domain/lookup"
	"github.com/ehr/clinicdesk/internal/domain/patientsync"
	"github.com/ehr/clinicdesk/internal/domain/tabs"
	"github.com/ehr/clinicdesk/internal/platform/upstream"
)

// Employee holds the employee fields every form carries.
type Employee struct {
	EmpNo        string `json:"empNo"`
	EmployeeName string `json:"employeeName"`
	EmiratesID   string `json:"emiratesId"`
	InsuranceID  string `json:"insuranceId"`
	MobileNumber string `json:"mobileNumber"`
	TRLocation   string `json:"trLocation"`
}

func (e Employee) fields() patientsync.Fields {
	return patientsync.Fields{
		EmpNo:        e.EmpNo,
		EmployeeName: e.EmployeeName,
		EmiratesID:   e.EmiratesID,
		InsuranceID:  e.InsuranceID,
		MobileNumber: e.MobileNumber,
		TRLocation:   e.TRLocation,
	}
}

func (e Employee) empty() bool {
	return strings.TrimSpace(e.EmpNo) == "" && strings.TrimSpace(e.EmployeeName) == ""
}

func employeeFromResult(r *lookup.EmployeeResult) Employee {
	return Employee{
		EmpNo:        r.EmpNo,
		EmployeeName: r.EmployeeName,
		EmiratesID:   r.EmiratesID,
		InsuranceID:  r.InsuranceID,
		MobileNumber: r.MobileNumber,
		TRLocation:   r.TRLocation,
	}
}

// ClinicForm is the clinic visit form. ID is the saved visit id.
type ClinicForm struct {
	ID string `json:"id,omitempty"`
	Employee
	Date                string `json:"date"`
	Time                string `json:"time"`
	VisitStatus         string `json:"visitStatus"`
	NatureOfCase        string `json:"natureOfCase"`
	CaseCategory        string `json:"caseCategory"`
	Complaint           string `json:"complaint"`
	Diagnosis           string `json:"diagnosis"`
	Profession          string `json:"profession"`
	SickLeaveStatus     string `json:"sickLeaveStatus"`
	SickLeaveDays       int    `json:"sickLeaveDays"`
	IPAdmissionRequired bool   `json:"ipAdmissionRequired"`
	ReferralType        string `json:"referralType"`
	ReferredTo          string `json:"referredTo"`
	Remarks             string `json:"remarks"`
}

func (f ClinicForm) gates() tabs.Gates {
	return tabs.Gates{IPAdmissionRequired: f.IPAdmissionRequired, CaseCategory: f.CaseCategory}
}

func (f ClinicForm) record() upstream.ClinicVisit {
	return upstream.ClinicVisit{
		EmpNo:               f.EmpNo,
		EmployeeName:        f.EmployeeName,
		EmiratesID:          f.EmiratesID,
		InsuranceID:         f.InsuranceID,
		MobileNumber:        f.MobileNumber,
		TRLocation:          f.TRLocation,
		Date:                f.Date,
		Time:                f.Time,
		VisitStatus:         f.VisitStatus,
		NatureOfCase:        f.NatureOfCase,
		CaseCategory:        f.CaseCategory,
		Complaint:           f.Complaint,
		Diagnosis:           f.Diagnosis,
		Profession:          f.Profession,
		SickLeaveStatus:     f.SickLeaveStatus,
		SickLeaveDays:       f.SickLeaveDays,
		IPAdmissionRequired: f.IPAdmissionRequired,
		ReferralType:        f.ReferralType,
		ReferredTo:          f.ReferredTo,
		Remarks:             f.Remarks,
	}
}

func clinicFromRecord(v *upstream.ClinicVisit) ClinicForm {
	return ClinicForm{
		ID: v.ID,
		Employee: Employee{
			EmpNo:        v.EmpNo,
			EmployeeName: v.EmployeeName,
			EmiratesID:   v.EmiratesID,
			InsuranceID:  v.InsuranceID,
			MobileNumber: v.MobileNumber,
			TRLocation:   v.TRLocation,
		},
		Date:                v.Date,
		Time:                v.Time,
		VisitStatus:         v.VisitStatus,
		NatureOfCase:        v.NatureOfCase,
		CaseCategory:        v.CaseCategory,
		Complaint:           v.Complaint,
		Diagnosis:           v.Diagnosis,
		Profession:          v.Profession,
		SickLeaveStatus:     v.SickLeaveStatus,
		SickLeaveDays:       v.SickLeaveDays,
		IPAdmissionRequired: v.IPAdmissionRequired,
		ReferralType:        v.ReferralType,
		ReferredTo:          v.ReferredTo,
		Remarks:             v.Remarks,
	}
}

// HospitalForm is the hospital admission form. DaysHospitalized is derived
// from the admission and discharge dates.
type HospitalForm struct {
	ID            string `json:"id,omitempty"`
	ClinicVisitID string `json:"clinicVisitId,omitempty"`
	PatientID     string `json:"patientId,omitempty"`
	Employee
	HospitalName     string `json:"hospitalName"`
	DateOfAdmission  string `json:"dateOfAdmission"`
	DateOfDischarge  string `json:"dateOfDischarge"`
	DaysHospitalized *int   `json:"daysHospitalized"`
	Diagnosis        string `json:"diagnosis"`
	Status           string `json:"status"`
	Remarks          string `json:"remarks"`
}

func (f HospitalForm) record() upstream.HospitalRecord {
	return upstream.HospitalRecord{
		ClinicVisitID:    f.ClinicVisitID,
		PatientID:        f.PatientID,
		EmpNo:            f.EmpNo,
		EmployeeName:     f.EmployeeName,
		EmiratesID:       f.EmiratesID,
		InsuranceID:      f.InsuranceID,
		MobileNumber:     f.MobileNumber,
		TRLocation:       f.TRLocation,
		HospitalName:     f.HospitalName,
		DateOfAdmission:  f.DateOfAdmission,
		DateOfDischarge:  f.DateOfDischarge,
		DaysHospitalized: f.DaysHospitalized,
		Diagnosis:        f.Diagnosis,
		Status:           f.Status,
		Remarks:          f.Remarks,
	}
}

func hospitalFromRecord(r *upstream.HospitalRecord) HospitalForm {
	return HospitalForm{
		ID:            r.ID,
		ClinicVisitID: r.ClinicVisitID,
		PatientID:     r.PatientID,
		Employee: Employee{
			EmpNo:        r.EmpNo,
			EmployeeName: r.EmployeeName,
			EmiratesID:   r.EmiratesID,
			InsuranceID:  r.InsuranceID,
			MobileNumber: r.MobileNumber,
			TRLocation:   r.TRLocation,
		},
		HospitalName:     r.HospitalName,
		DateOfAdmission:  r.DateOfAdmission,
		DateOfDischarge:  r.DateOfDischarge,
		DaysHospitalized: r.DaysHospitalized,
		Diagnosis:        r.Diagnosis,
		Status:           r.Status,
		Remarks:          r.Remarks,
	}
}

// IsolationForm is the isolation episode form. Isolation records are
// create-only.
type IsolationForm struct {
	ID            string `json:"id,omitempty"`
	ClinicVisitID string `json:"clinicVisitId,omitempty"`
	PatientID     string `json:"patientId,omitempty"`
	Employee
	IsolatedIn      string `json:"isolatedIn"`
	IsolationReason string `json:"isolationReason"`
	DateFrom        string `json:"dateFrom"`
	DateTo          string `json:"dateTo"`
	CurrentStatus   string `json:"currentStatus"`
	Remarks         string `json:"remarks"`
}

func (f IsolationForm) record() upstream.IsolationRecord {
	return upstream.IsolationRecord{
		ClinicVisitID:   f.ClinicVisitID,
		PatientID:       f.PatientID,
		EmpNo:           f.EmpNo,
		EmployeeName:    f.EmployeeName,
		EmiratesID:      f.EmiratesID,
		InsuranceID:     f.InsuranceID,
		MobileNumber:    f.MobileNumber,
		TRLocation:      f.TRLocation,
		IsolatedIn:      f.IsolatedIn,
		IsolationReason: f.IsolationReason,
		DateFrom:        f.DateFrom,
		DateTo:          f.DateTo,
		CurrentStatus:   f.CurrentStatus,
		Remarks:         f.Remarks,
	}
}

func isolationFromRecord(r *upstream.IsolationRecord) IsolationForm {
	return IsolationForm{
		ID:            r.ID,
		ClinicVisitID: r.ClinicVisitID,
		PatientID:     r.PatientID,
		Employee: Employee{
			EmpNo:        r.EmpNo,
			EmployeeName: r.EmployeeName,
			EmiratesID:   r.EmiratesID,
			InsuranceID:  r.InsuranceID,
			MobileNumber: r.MobileNumber,
			TRLocation:   r.TRLocation,
		},
		IsolatedIn:      r.IsolatedIn,
		IsolationReason: r.IsolationReason,
		DateFrom:        r.DateFrom,
		DateTo:          r.DateTo,
		CurrentStatus:   r.CurrentStatus,
		Remarks:         r.Remarks,
	}
}

// EmployeePatch updates employee fields. Nil fields are left unchanged.
type EmployeePatch struct {
	EmpNo        *string `json:"empNo"`
	EmployeeName *string `json:"employeeName"`
	EmiratesID   *string `json:"emiratesId"`
	InsuranceID  *string `json:"insuranceId"`
	MobileNumber *string `json:"mobileNumber"`
	TRLocation   *string `json:"trLocation"`
}

func (p EmployeePatch) apply(e *Employee) {
	set(&e.EmpNo, p.EmpNo)
	set(&e.EmployeeName, p.EmployeeName)
	set(&e.EmiratesID, p.EmiratesID)
	set(&e.InsuranceID, p.InsuranceID)
	set(&e.MobileNumber, p.MobileNumber)
	set(&e.TRLocation, p.TRLocation)
}

type ClinicPatch struct {
	EmployeePatch
	Date                *string `json:"date"`
	Time                *string `json:"time"`
	VisitStatus         *string `json:"visitStatus"`
	NatureOfCase        *string `json:"natureOfCase"`
	CaseCategory        *string `json:"caseCategory"`
	Complaint           *string `json:"complaint"`
	Diagnosis           *string `json:"diagnosis"`
	Profession          *string `json:"profession"`
	SickLeaveStatus     *string `json:"sickLeaveStatus"`
	SickLeaveDays       *int    `json:"sickLeaveDays"`
	IPAdmissionRequired *bool   `json:"ipAdmissionRequired"`
	ReferralType        *string `json:"referralType"`
	ReferredTo          *string `json:"referredTo"`
	Remarks             *string `json:"remarks"`
}

func (p ClinicPatch) apply(f *ClinicForm) {
	p.EmployeePatch.apply(&f.Employee)
	set(&f.Date, p.Date)
	set(&f.Time, p.Time)
	set(&f.VisitStatus, p.VisitStatus)
	set(&f.NatureOfCase, p.NatureOfCase)
	set(&f.CaseCategory, p.CaseCategory)
	set(&f.Complaint, p.Complaint)
	set(&f.Diagnosis, p.Diagnosis)
	set(&f.Profession, p.Profession)
	set(&f.SickLeaveStatus, p.SickLeaveStatus)
	set(&f.ReferralType, p.ReferralType)
	set(&f.ReferredTo, p.ReferredTo)
	set(&f.Remarks, p.Remarks)
	if p.SickLeaveDays != nil {
		f.SickLeaveDays = *p.SickLeaveDays
	}
	if p.IPAdmissionRequired != nil {
		f.IPAdmissionRequired = *p.IPAdmissionRequired
	}
}

type HospitalPatch struct {
	EmployeePatch
	HospitalName    *string `json:"hospitalName"`
	DateOfAdmission *string `json:"dateOfAdmission"`
	DateOfDischarge *string `json:"dateOfDischarge"`
	Diagnosis       *string `json:"diagnosis"`
	Status          *string `json:"status"`
	Remarks         *string `json:"remarks"`
}

func (p HospitalPatch) apply(f *HospitalForm) {
	p.EmployeePatch.apply(&f.Employee)
	set(&f.HospitalName, p.HospitalName)
	set(&f.DateOfAdmission, p.DateOfAdmission)
	set(&f.DateOfDischarge, p.DateOfDischarge)
	set(&f.Diagnosis, p.Diagnosis)
	set(&f.Status, p.Status)
	set(&f.Remarks, p.Remarks)
}

type IsolationPatch struct {
	EmployeePatch
	IsolatedIn      *string `json:"isolatedIn"`
	IsolationReason *string `json:"isolationReason"`
	DateFrom        *string `json:"dateFrom"`
	DateTo          *string `json:"dateTo"`
	CurrentStatus   *string `json:"currentStatus"`
	Remarks         *string `json:"remarks"`
}

func (p IsolationPatch) apply(f *IsolationForm) {
	p.EmployeePatch.apply(&f.Employee)
	set(&f.IsolatedIn, p.IsolatedIn)
	set(&f.IsolationReason, p.IsolationReason)
	set(&f.DateFrom, p.DateFrom)
	set(&f.DateTo, p.DateTo)
	set(&f.CurrentStatus, p.CurrentStatus)
	set(&f.Remarks, p.Remarks)
}

func set(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// CreateRequest opens a workspace, optionally on a saved clinic visit.
type CreateRequest struct {
	ClinicVisitID string `json:"clinicVisitId"`
	Tab           string `json:"tab"`
}

// View is the JSON shape of a workspace.
type View struct {
	ID        string                           `json:"id"`
	Clinic    ClinicForm                       `json:"clinic"`
	Hospital  HospitalForm                     `json:"hospital"`
	Isolation IsolationForm                    `json:"isolation"`
	Tabs      tabs.State                       `json:"tabs"`
	Employee  map[tabs.Tab]lookup.EmployeeView `json:"employee"`
	Patient   *patientsync.Result              `json:"patient,omitempty"`
	CreatedAt time.Time                        `json:"createdAt"`
	UpdatedAt time.Time                        `json:"updatedAt"`
}

// SaveResult reports one tab save.
type SaveResult struct {
	Tab      tabs.Tab            `json:"tab"`
	RecordID string              `json:"recordId,omitempty"`
	Patient  *patientsync.Result `json:"patient,omitempty"`
	Skipped  bool                `json:"skipped,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// SaveAllResult reports a save of every enabled tab.
type SaveAllResult struct {
	Results []SaveResult `json:"results"`
	View    *View        `json:"workspace"`
}

// SelectTabRequest is the body of PUT /workspaces/:id/tab.
type SelectTabRequest struct {
	Tab string `json:"tab"`
}
