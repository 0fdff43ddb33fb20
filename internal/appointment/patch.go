package appointment

import "sort"

var patchFields = map[string]func(a *Appointment) *string{
	"full_name":        func(a *Appointment) *string { return &a.FullName },
	"phone":            func(a *Appointment) *string { return &a.Phone },
	"email":            func(a *Appointment) *string { return &a.Email },
	"national_id":      func(a *Appointment) *string { return &a.NationalID },
	"gender":           func(a *Appointment) *string { return &a.Gender },
	"dob":              func(a *Appointment) *string { return &a.DOB },
	"address":          func(a *Appointment) *string { return &a.Address },
	"id_proof":         func(a *Appointment) *string { return &a.IDProof },
	"reason":           func(a *Appointment) *string { return &a.Reason },
	"service":          func(a *Appointment) *string { return &a.Service },
	"center":           func(a *Appointment) *string { return &a.Center },
	"appointment_date": func(a *Appointment) *string { return &a.AppointmentDate },
	"appointment_slot": func(a *Appointment) *string { return &a.AppointmentSlot },
	"track":            func(a *Appointment) *string { return &a.Track },
}

var slotFields = map[string]bool{
	"center":           true,
	"appointment_date": true,
	"appointment_slot": true,
	"track":            true,
}

// IsPatchable reports whether UpdateFields may change the named field.
func IsPatchable(field string) bool {
	_, ok := patchFields[field]
	return ok
}

// Fields returns the patch keys in a stable order.
func (p Patch) Fields() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p Patch) touchesSlot() bool {
	for k := range p {
		if slotFields[k] {
			return true
		}
	}
	return false
}

// ApplyTo writes the patch into a and reports whether any value changed.
// Unknown fields are ignored; callers validate first.
func (p Patch) ApplyTo(a *Appointment) bool {
	changed := false
	for field, value := range p {
		ref, ok := patchFields[field]
		if !ok {
			continue
		}
		if ptr := ref(a); *ptr != value {
			*ptr = value
			changed = true
		}
	}
	return changed
}
