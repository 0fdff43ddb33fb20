package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Patch is a whitelisted set of column -> value changes for UpdateFields.
type Patch map[string]string

// Repository contains all storage interactions needed by the service.
// Every implementation enforces: at most one non-cancelled record per slot key.
type Repository interface {
	Create(ctx context.Context, a *Appointment) error
	FindByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// FindByFilter returns newest first, ties broken by id.
	FindByFilter(ctx context.Context, f Filter) ([]Appointment, error)

	// UpdateStatus returns ErrConflict when reactivating a record onto an occupied key.
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) (*Appointment, error)
	// UpdateFields applies a validated patch and reports whether anything changed.
	UpdateFields(ctx context.Context, id uuid.UUID, patch Patch) (bool, error)

	// InsertReservations writes all records in one batch. inserted[i] is false when
	// records[i] lost its slot key to an existing record.
	InsertReservations(ctx context.Context, records []Appointment) (inserted []bool, err error)
	// AssignSlot moves a placeholder onto key; ErrConflict when key is taken.
	AssignSlot(ctx context.Context, id uuid.UUID, key SlotKey) (*Appointment, error)

	// FindStalePlaceholders lists pending records without a slot created before cutoff.
	FindStalePlaceholders(ctx context.Context, cutoff time.Time) ([]Appointment, error)

	InsertEvent(ctx context.Context, ev EventLog) error
	Ping(ctx context.Context) error
}
