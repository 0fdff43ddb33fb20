package appointment

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusDone      Status = "done"
	StatusCancelled Status = "cancelled"
)

// ParseStatus is case-insensitive and accepts "completed" for done.
func ParseStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending":
		return StatusPending, true
	case "confirmed":
		return StatusConfirmed, true
	case "done", "completed":
		return StatusDone, true
	case "cancelled", "canceled":
		return StatusCancelled, true
	}
	return "", false
}

// Occupies reports whether a record in this status holds its slot key.
func (s Status) Occupies() bool {
	return s != StatusCancelled
}

// occupyingStatuses are the statuses that make a slot key taken.
var occupyingStatuses = []Status{StatusPending, StatusConfirmed, StatusDone}

type SlotKey struct {
	Center string `json:"center"`
	Date   string `json:"date"`
	Label  string `json:"label"`
	Track  string `json:"track"`
}

func (k SlotKey) String() string {
	return k.Center + "|" + k.Date + "|" + k.Label + "|" + k.Track
}

type Applicant struct {
	FullName   string `json:"full_name" validate:"required,notblank,max=200"`
	Phone      string `json:"phone" validate:"required,notblank,max=32"`
	Email      string `json:"email,omitempty" validate:"omitempty,email"`
	NationalID string `json:"national_id" validate:"required,notblank,max=64"`
	Gender     string `json:"gender,omitempty"`
	DOB        string `json:"dob,omitempty"`
	Address    string `json:"address,omitempty"`
	IDProof    string `json:"id_proof,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Service    string `json:"service,omitempty"`
}

type Appointment struct {
	ID uuid.UUID `json:"id"`
	Applicant

	Center          string `json:"center,omitempty"`
	AppointmentDate string `json:"appointment_date,omitempty"`
	AppointmentSlot string `json:"appointment_slot,omitempty"`
	Track           string `json:"track,omitempty"`

	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SlotKey returns the key the record holds, if it has been given a slot.
func (a *Appointment) SlotKey() (SlotKey, bool) {
	if a.AppointmentSlot == "" {
		return SlotKey{}, false
	}
	return SlotKey{
		Center: a.Center,
		Date:   a.AppointmentDate,
		Label:  a.AppointmentSlot,
		Track:  a.Track,
	}, true
}

// Occupying is true when the record currently blocks its slot key.
func (a *Appointment) Occupying() bool {
	_, ok := a.SlotKey()
	return ok && a.Status.Occupies()
}

type Filter struct {
	Center   string
	Date     string
	Statuses []Status
}

type EventLog struct {
	ID            int64           `json:"id,omitempty"`
	EventType     string          `json:"event_type"`
	AppointmentID *uuid.UUID      `json:"appointment_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type SlotState string

const (
	SlotOpen  SlotState = "open"
	SlotTaken SlotState = "taken"
)

type SlotView struct {
	Label        string     `json:"label"`
	Track        string     `json:"track"`
	Status       SlotState  `json:"status"`
	OccupantID   *uuid.UUID `json:"occupant_id,omitempty"`
	OccupantName string     `json:"occupant_name,omitempty"`
}

// Snapshot is the availability grid of one center and date in catalog order.
type Snapshot struct {
	Center string     `json:"center"`
	Date   string     `json:"date"`
	Slots  []SlotView `json:"slots"`
}

type Candidate struct {
	Label string `json:"label"`
	Track string `json:"track"`
}

type ReserveRequest struct {
	Center        string      `json:"center"`
	Date          string      `json:"date"`
	Candidates    []Candidate `json:"candidates"`
	Applicant     *Applicant  `json:"applicant,omitempty"`
	PlaceholderID *uuid.UUID  `json:"placeholder_id,omitempty"`
}

type Outcome string

const (
	OutcomeReserved Outcome = "reserved"
	OutcomeConflict Outcome = "conflict"
)

type ReservationResult struct {
	Label         string     `json:"label"`
	Track         string     `json:"track"`
	Outcome       Outcome    `json:"outcome"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
}

// Role is what the caller is allowed to do; CenterScope empty means every center.
type Role string

const (
	RoleCitizen Role = "user"
	RoleAdmin   Role = "admin"
)

type Scope struct {
	Subject     string
	Role        Role
	CenterScope string
}

func (s Scope) IsAdmin() bool { return s.Role == RoleAdmin }

// Allows reports whether the scope may act on center.
func (s Scope) Allows(center string) bool {
	if !s.IsAdmin() || s.CenterScope == "" {
		return true
	}
	return strings.EqualFold(s.CenterScope, center)
}
