package billing

import (
	"strings"
	"time"

	"github.com/warp/clinic-ledger/generic"
)

// UpsertAppointment records an appointment coming from the scheduling side.
// A new appointment gets an id, a creation time and the pending status.
func (b *Book) UpsertAppointment(a Appointment, now time.Time) (Appointment, error) {
	switch {
	case strings.TrimSpace(a.PatientName) == "" && a.PatientID == "":
		return Appointment{}, &generic.ValidationError{Field: "patient", Message: "required"}
	case strings.TrimSpace(a.Professional) == "":
		return Appointment{}, &generic.ValidationError{Field: "professional", Message: "required"}
	case a.Date.IsZero():
		return Appointment{}, &generic.ValidationError{Field: "date", Message: "required"}
	}
	if a.Status == "" {
		a.Status = AppointmentPending
	}
	a.Date = a.Date.UTC()

	for i := range b.Appointments {
		if a.ID != "" && b.Appointments[i].ID == a.ID {
			a.CreatedAt = b.Appointments[i].CreatedAt
			if a.InvoiceID == "" {
				a.InvoiceID = b.Appointments[i].InvoiceID
			}
			b.Appointments[i] = a
			return a, nil
		}
	}
	if a.ID == "" {
		a.ID = generic.NewID("APT")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now.UTC()
	}
	b.Appointments = append(b.Appointments, a)
	return a, nil
}
