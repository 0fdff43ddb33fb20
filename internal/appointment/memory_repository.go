package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps records in process. It enforces the same slot key
// uniqueness as the database stores and backs dev mode and tests.
type MemoryRepository struct {
	mu       sync.Mutex
	records  map[uuid.UUID]*Appointment
	occupied map[SlotKey]uuid.UUID
	events   []EventLog
	now      func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records:  make(map[uuid.UUID]*Appointment),
		occupied: make(map[SlotKey]uuid.UUID),
		now:      time.Now,
	}
}

func (r *MemoryRepository) Create(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = r.now()
	}
	a.UpdatedAt = a.CreatedAt

	if a.Occupying() {
		key, _ := a.SlotKey()
		if _, taken := r.occupied[key]; taken {
			return ErrConflict
		}
		r.occupied[key] = a.ID
	}

	cp := *a
	r.records[a.ID] = &cp
	return nil
}

func (r *MemoryRepository) FindByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryRepository) FindByFilter(_ context.Context, f Filter) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Appointment, 0)
	for _, a := range r.records {
		if f.Center != "" && a.Center != f.Center {
			continue
		}
		if f.Date != "" && a.AppointmentDate != f.Date {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, a.Status) {
			continue
		}
		out = append(out, *a)
	}
	sortNewestFirst(out)
	return out, nil
}

func (r *MemoryRepository) UpdateStatus(_ context.Context, id uuid.UUID, status Status) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}

	next := *a
	next.Status = status
	if err := r.replaceLocked(a, &next); err != nil {
		return nil, err
	}
	cp := *r.records[id]
	return &cp, nil
}

func (r *MemoryRepository) UpdateFields(_ context.Context, id uuid.UUID, patch Patch) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.records[id]
	if !ok {
		return false, ErrNotFound
	}

	next := *a
	if !patch.ApplyTo(&next) {
		return false, nil
	}
	if err := r.replaceLocked(a, &next); err != nil {
		return false, err
	}
	return true, nil
}

func (r *MemoryRepository) InsertReservations(_ context.Context, records []Appointment) ([]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inserted := make([]bool, len(records))
	now := r.now()
	for i := range records {
		rec := records[i]
		if rec.ID == uuid.Nil {
			rec.ID = uuid.New()
		}
		if rec.Occupying() {
			key, _ := rec.SlotKey()
			if _, taken := r.occupied[key]; taken {
				continue
			}
			r.occupied[key] = rec.ID
		}
		rec.CreatedAt = now
		rec.UpdatedAt = now
		r.records[rec.ID] = &rec
		inserted[i] = true
	}
	return inserted, nil
}

func (r *MemoryRepository) AssignSlot(_ context.Context, id uuid.UUID, key SlotKey) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}

	next := *a
	next.Center = key.Center
	next.AppointmentDate = key.Date
	next.AppointmentSlot = key.Label
	next.Track = key.Track
	if err := r.replaceLocked(a, &next); err != nil {
		return nil, err
	}
	cp := *r.records[id]
	return &cp, nil
}

func (r *MemoryRepository) FindStalePlaceholders(_ context.Context, cutoff time.Time) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Appointment
	for _, a := range r.records {
		if a.Status == StatusPending && a.AppointmentSlot == "" && a.CreatedAt.Before(cutoff) {
			out = append(out, *a)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev.ID = int64(len(r.events) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.now()
	}
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the event log.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventLog(nil), r.events...)
}

func (r *MemoryRepository) Ping(context.Context) error { return nil }

// replaceLocked swaps cur for next, keeping the occupied index consistent.
func (r *MemoryRepository) replaceLocked(cur, next *Appointment) error {
	oldKey, oldHeld := cur.SlotKey()
	oldHeld = oldHeld && cur.Status.Occupies()

	newKey, newHeld := next.SlotKey()
	newHeld = newHeld && next.Status.Occupies()

	if newHeld && (!oldHeld || newKey != oldKey) {
		if owner, taken := r.occupied[newKey]; taken && owner != cur.ID {
			return ErrConflict
		}
	}

	if oldHeld {
		delete(r.occupied, oldKey)
	}
	if newHeld {
		r.occupied[newKey] = cur.ID
	}

	next.UpdatedAt = r.now()
	r.records[cur.ID] = next
	return nil
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortNewestFirst(list []Appointment) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID.String() < list[j].ID.String()
	})
}
