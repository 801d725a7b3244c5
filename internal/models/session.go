package models

import "time"

// Session groups one chat thread. PatientID is set when the thread was
// started inside a patient record; it changes how the session is keyed in
// the remote mirror.
type Session struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	PatientID  *string   `json:"patient_oid,omitempty"`
	DoctorID   string    `json:"doctor_oid"`
	BusinessID string    `json:"business_oid"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// InPatient reports whether the session is linked to a patient record.
func (s *Session) InPatient() bool {
	return s != nil && s.PatientID != nil && *s.PatientID != ""
}
