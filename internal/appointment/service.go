package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/hackgods/center-slot-booking/internal/config"
	redisclient "github.com/hackgods/center-slot-booking/internal/redis"
	"github.com/hackgods/center-slot-booking/internal/slots"
)

const (
	EventAppointmentCreated       = "APPOINTMENT_CREATED"
	EventAppointmentBooked        = "APPOINTMENT_BOOKED"
	EventAppointmentStatusChanged = "APPOINTMENT_STATUS_CHANGED"
	EventAppointmentUpdated       = "APPOINTMENT_UPDATED"
	EventAppointmentExpired       = "APPOINTMENT_EXPIRED"
)

// OfflineApplicantName labels admin bookings made without applicant details.
const OfflineApplicantName = "Offline Booking"

// Publisher fans booking events out to other processes.
type Publisher interface {
	Publish(ctx context.Context, ev EventLog) error
}

type Service struct {
	repo      Repository
	locker    redisclient.Locker
	catalog   *slots.Catalog
	publisher Publisher
	logger    *log.Logger

	centers        map[string]bool
	placeholderTTL time.Duration
	now            func() time.Time
}

func NewService(repo Repository, locker redisclient.Locker, catalog *slots.Catalog, cfg config.Config, logger *log.Logger) *Service {
	if locker == nil {
		locker = redisclient.NoopLocker{}
	}
	if logger == nil {
		logger = log.Default()
	}

	var centers map[string]bool
	if len(cfg.Centers) > 0 {
		centers = make(map[string]bool, len(cfg.Centers))
		for _, c := range cfg.Centers {
			centers[c] = true
		}
	}

	ttl := cfg.PlaceholderTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &Service{
		repo:           repo,
		locker:         locker,
		catalog:        catalog,
		logger:         logger,
		centers:        centers,
		placeholderTTL: ttl,
		now:            time.Now,
	}
}

// WithPublisher attaches a broker publisher for booking events.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

func (s *Service) Catalog() *slots.Catalog {
	return s.catalog
}

func (s *Service) validateCenter(center string) error {
	if center == "" {
		return fmt.Errorf("%w: center is required", ErrValidation)
	}
	if s.centers != nil && !s.centers[center] {
		return fmt.Errorf("%w: unknown center %q", ErrValidation, center)
	}
	return nil
}

// Availability resolves the open/taken grid for a center and date.
// An incomplete selection yields an empty snapshot.
func (s *Service) Availability(ctx context.Context, scope Scope, center, date string) (*Snapshot, error) {
	center = strings.TrimSpace(center)
	date = strings.TrimSpace(date)

	snap := &Snapshot{Center: center, Date: date, Slots: []SlotView{}}
	if center == "" || date == "" {
		return snap, nil
	}
	if err := ValidateDate(date); err != nil {
		return nil, err
	}
	if err := s.validateCenter(center); err != nil {
		return nil, err
	}
	if !scope.Allows(center) {
		return nil, fmt.Errorf("%w: center %q", ErrForbidden, center)
	}

	records, err := s.repo.FindByFilter(ctx, Filter{Center: center, Date: date, Statuses: occupyingStatuses})
	if err != nil {
		return nil, fmt.Errorf("%w: load appointments for %s %s: %w", ErrRetrieval, center, date, err)
	}

	occupants := make(map[slots.Key]*Appointment, len(records))
	for i := range records {
		rec := &records[i]
		k := slots.Key{Label: rec.AppointmentSlot, Track: rec.Track}
		if !s.catalog.Contains(k) {
			continue
		}
		occupants[k] = rec
	}

	for _, k := range s.catalog.Keys() {
		view := SlotView{Label: k.Label, Track: k.Track, Status: SlotOpen}
		if rec, taken := occupants[k]; taken {
			view.Status = SlotTaken
			if scope.IsAdmin() {
				id := rec.ID
				view.OccupantID = &id
				view.OccupantName = rec.FullName
			}
		}
		snap.Slots = append(snap.Slots, view)
	}

	return snap, nil
}

type reserveMode int

const (
	modeInsertPending reserveMode = iota
	modeInsertConfirmed
	modeAssignPlaceholder
)

// Reserve books every open candidate for one center and date. Taken keys are
// reported as conflicts; only a store failure fails the whole request.
func (s *Service) Reserve(ctx context.Context, scope Scope, req ReserveRequest) ([]ReservationResult, error) {
	center := strings.TrimSpace(req.Center)
	date := strings.TrimSpace(req.Date)

	if err := s.validateCenter(center); err != nil {
		return nil, err
	}
	if date == "" {
		return nil, fmt.Errorf("%w: date is required", ErrValidation)
	}
	if err := ValidateDate(date); err != nil {
		return nil, err
	}

	candidates, err := s.normalizeCandidates(req.Candidates)
	if err != nil {
		return nil, err
	}

	if !scope.Allows(center) {
		return nil, fmt.Errorf("%w: center %q", ErrForbidden, center)
	}

	mode := modeInsertPending
	var placeholder *Appointment
	applicant := Applicant{}

	switch {
	case req.PlaceholderID != nil:
		mode = modeAssignPlaceholder
		if len(candidates) != 1 {
			return nil, fmt.Errorf("%w: a saved form takes exactly one slot, got %d", ErrValidation, len(candidates))
		}
		placeholder, err = s.repo.FindByID(ctx, *req.PlaceholderID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("placeholder %s: %w", *req.PlaceholderID, ErrNotFound)
			}
			return nil, fmt.Errorf("%w: load placeholder: %w", ErrRetrieval, err)
		}
		if placeholder.Status != StatusPending {
			return nil, fmt.Errorf("%w: placeholder %s is %s", ErrValidation, placeholder.ID, placeholder.Status)
		}
	case scope.IsAdmin():
		mode = modeInsertConfirmed
		if req.Applicant != nil {
			applicant = *req.Applicant
			if err := validateEmail(applicant.Email); err != nil {
				return nil, err
			}
		}
		if strings.TrimSpace(applicant.FullName) == "" {
			applicant.FullName = OfflineApplicantName
		}
	default:
		if req.Applicant == nil {
			return nil, fmt.Errorf("%w: applicant details are required", ErrValidation)
		}
		applicant = *req.Applicant
		if err := ValidateApplicant(applicant); err != nil {
			return nil, err
		}
	}

	var results []ReservationResult
	run := func(lockCtx context.Context) error {
		var err error
		results, err = s.commit(lockCtx, center, date, candidates, mode, applicant, placeholder)
		return err
	}

	err = s.locker.WithLock(ctx, redisclient.SlotLockKey(center, date), run)
	switch {
	case err == nil:
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		return nil, fmt.Errorf("%w: %s %s", ErrBookingInProgress, center, date)
	case errors.Is(err, redisclient.ErrLockUnavailable):
		s.logger.Warn("slot lock unavailable, relying on store uniqueness", "center", center, "date", date, "err", err)
		if err := run(ctx); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	for _, res := range results {
		if res.Outcome != OutcomeReserved {
			continue
		}
		s.logEvent(ctx, *res.AppointmentID, EventAppointmentBooked, map[string]any{
			"center": center,
			"date":   date,
			"label":  res.Label,
			"track":  res.Track,
			"admin":  mode == modeInsertConfirmed,
		})
	}

	return results, nil
}

// normalizeCandidates rejects keys outside the catalog and drops duplicates, keeping first order.
func (s *Service) normalizeCandidates(in []Candidate) ([]Candidate, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: at least one slot must be selected", ErrValidation)
	}

	seen := make(map[Candidate]bool, len(in))
	out := make([]Candidate, 0, len(in))
	for _, c := range in {
		c.Label = strings.TrimSpace(c.Label)
		c.Track = strings.TrimSpace(c.Track)
		if !s.catalog.HasLabel(c.Label) {
			return nil, fmt.Errorf("%w: unknown slot %q", ErrValidation, c.Label)
		}
		if !s.catalog.HasTrack(c.Track) {
			return nil, fmt.Errorf("%w: unknown track %q", ErrValidation, c.Track)
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out, nil
}

// commit rechecks availability and writes the open subset. It runs under the
// center/date lock when one is held.
func (s *Service) commit(ctx context.Context, center, date string, candidates []Candidate, mode reserveMode, applicant Applicant, placeholder *Appointment) ([]ReservationResult, error) {
	existing, err := s.repo.FindByFilter(ctx, Filter{Center: center, Date: date, Statuses: occupyingStatuses})
	if err != nil {
		return nil, fmt.Errorf("%w: recheck availability: %w", ErrRetrieval, err)
	}

	taken := make(map[Candidate]bool, len(existing))
	for _, rec := range existing {
		if placeholder != nil && rec.ID == placeholder.ID {
			continue
		}
		taken[Candidate{Label: rec.AppointmentSlot, Track: rec.Track}] = true
	}

	results := make([]ReservationResult, len(candidates))
	var open []int
	for i, c := range candidates {
		results[i] = ReservationResult{Label: c.Label, Track: c.Track, Outcome: OutcomeConflict}
		if !taken[c] {
			open = append(open, i)
		}
	}
	if len(open) == 0 {
		return results, nil
	}

	if mode == modeAssignPlaceholder {
		c := candidates[open[0]]
		updated, err := s.repo.AssignSlot(ctx, placeholder.ID, SlotKey{Center: center, Date: date, Label: c.Label, Track: c.Track})
		switch {
		case err == nil:
			id := updated.ID
			results[open[0]].Outcome = OutcomeReserved
			results[open[0]].AppointmentID = &id
		case errors.Is(err, ErrConflict):
		case errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("placeholder %s: %w", placeholder.ID, ErrNotFound)
		case errors.Is(err, ErrConcurrentUpdate):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: assign slot: %w", ErrStorage, err)
		}
		return results, nil
	}

	status := StatusPending
	if mode == modeInsertConfirmed {
		status = StatusConfirmed
	}

	records := make([]Appointment, len(open))
	for j, i := range open {
		records[j] = Appointment{
			ID:              uuid.New(),
			Applicant:       applicant,
			Center:          center,
			AppointmentDate: date,
			AppointmentSlot: candidates[i].Label,
			Track:           candidates[i].Track,
			Status:          status,
		}
	}

	inserted, err := s.repo.InsertReservations(ctx, records)
	if err != nil {
		return nil, fmt.Errorf("%w: insert reservations: %w", ErrStorage, err)
	}

	for j, i := range open {
		if j < len(inserted) && inserted[j] {
			id := records[j].ID
			results[i].Outcome = OutcomeReserved
			results[i].AppointmentID = &id
		}
	}
	return results, nil
}

// CreatePlaceholder saves an applicant form as a pending record without a slot.
func (s *Service) CreatePlaceholder(ctx context.Context, applicant Applicant) (*Appointment, error) {
	if err := ValidateApplicant(applicant); err != nil {
		return nil, err
	}

	a := &Appointment{
		ID:        uuid.New(),
		Applicant: applicant,
		Status:    StatusPending,
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("%w: create placeholder: %w", ErrStorage, err)
	}

	s.logEvent(ctx, a.ID, EventAppointmentCreated, map[string]any{})
	return a, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: get appointment: %w", ErrRetrieval, err)
	}
	return a, nil
}

type ListFilter struct {
	Center string
	Date   string
	Status string
}

// List returns appointments for admins, newest first. A center-scoped admin only
// ever sees its own center.
func (s *Service) List(ctx context.Context, scope Scope, lf ListFilter) ([]Appointment, error) {
	if !scope.IsAdmin() {
		return nil, fmt.Errorf("%w: admin role required", ErrForbidden)
	}

	f := Filter{Center: strings.TrimSpace(lf.Center), Date: strings.TrimSpace(lf.Date)}
	if scope.CenterScope != "" {
		if f.Center == "" {
			f.Center = scope.CenterScope
		} else if !scope.Allows(f.Center) {
			return nil, fmt.Errorf("%w: center %q", ErrForbidden, f.Center)
		}
	}
	if f.Date != "" {
		if err := ValidateDate(f.Date); err != nil {
			return nil, err
		}
	}
	if lf.Status != "" {
		st, ok := ParseStatus(lf.Status)
		if !ok {
			return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, lf.Status)
		}
		f.Statuses = []Status{st}
	}

	list, err := s.repo.FindByFilter(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%w: list appointments: %w", ErrRetrieval, err)
	}
	return list, nil
}

// loadForAdmin fetches a record and checks the caller may manage it.
func (s *Service) loadForAdmin(ctx context.Context, scope Scope, id uuid.UUID) (*Appointment, error) {
	if !scope.IsAdmin() {
		return nil, fmt.Errorf("%w: admin role required", ErrForbidden)
	}
	a, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: load appointment: %w", ErrRetrieval, err)
	}
	if a.Center != "" && !scope.Allows(a.Center) {
		return nil, fmt.Errorf("%w: appointment belongs to %q", ErrForbidden, a.Center)
	}
	return a, nil
}

// UpdateStatus sets any recognized status. Reactivating a cancelled record whose
// key was rebooked in the meantime is a conflict.
func (s *Service) UpdateStatus(ctx context.Context, scope Scope, id uuid.UUID, raw string) (*Appointment, error) {
	status, ok := ParseStatus(raw)
	if !ok {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
	}

	cur, err := s.loadForAdmin(ctx, scope, id)
	if err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdateStatus(ctx, id, status)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrConcurrentUpdate) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: update status: %w", ErrStorage, err)
	}

	if cur.Status != updated.Status {
		s.logEvent(ctx, id, EventAppointmentStatusChanged, map[string]any{
			"from": cur.Status,
			"to":   updated.Status,
		})
	}
	return updated, nil
}

// UpdateFields applies a partial edit. Status is not editable here and the
// record id can never be rewritten.
func (s *Service) UpdateFields(ctx context.Context, scope Scope, id uuid.UUID, patch Patch) (bool, error) {
	if len(patch) == 0 {
		return false, fmt.Errorf("%w: nothing to update", ErrValidation)
	}
	for _, field := range patch.Fields() {
		switch {
		case field == "id" || field == "_id":
			return false, fmt.Errorf("%w: %s cannot be updated", ErrValidation, field)
		case field == "status":
			return false, fmt.Errorf("%w: status is changed through the status operation", ErrValidation)
		case !IsPatchable(field):
			return false, fmt.Errorf("%w: unknown field %q", ErrValidation, field)
		}
	}

	cur, err := s.loadForAdmin(ctx, scope, id)
	if err != nil {
		return false, err
	}

	merged := *cur
	patch.ApplyTo(&merged)

	if err := validateApplicantPatch(patch); err != nil {
		return false, err
	}
	if patch.touchesSlot() {
		if err := s.validatePlacement(&merged); err != nil {
			return false, err
		}
		if merged.Center != "" && !scope.Allows(merged.Center) {
			return false, fmt.Errorf("%w: center %q", ErrForbidden, merged.Center)
		}
	}

	modified, err := s.repo.UpdateFields(ctx, id, patch)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrValidation) || errors.Is(err, ErrConcurrentUpdate) {
			return false, err
		}
		return false, fmt.Errorf("%w: update fields: %w", ErrStorage, err)
	}

	if modified {
		s.logEvent(ctx, id, EventAppointmentUpdated, map[string]any{"fields": patch.Fields()})
	}
	return modified, nil
}

// validatePlacement checks the slot fields of a record that holds, or is about
// to hold, a slot key.
func (s *Service) validatePlacement(a *Appointment) error {
	if a.AppointmentSlot == "" {
		return nil
	}
	if err := s.validateCenter(a.Center); err != nil {
		return err
	}
	if err := ValidateDate(a.AppointmentDate); err != nil {
		return err
	}
	if !s.catalog.HasLabel(a.AppointmentSlot) {
		return fmt.Errorf("%w: unknown slot %q", ErrValidation, a.AppointmentSlot)
	}
	if !s.catalog.HasTrack(a.Track) {
		return fmt.Errorf("%w: unknown track %q", ErrValidation, a.Track)
	}
	return nil
}

// ExpireStalePlaceholders cancels saved forms that never received a slot.
// Intended to be called by the worker periodically.
func (s *Service) ExpireStalePlaceholders(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.placeholderTTL)
	stale, err := s.repo.FindStalePlaceholders(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: find stale placeholders: %w", ErrRetrieval, err)
	}

	expired := 0
	for _, a := range stale {
		if _, err := s.repo.UpdateStatus(ctx, a.ID, StatusCancelled); err != nil {
			s.logger.Error("failed to expire placeholder", "id", a.ID, "err", err)
			continue
		}
		expired++
		s.logEvent(ctx, a.ID, EventAppointmentExpired, map[string]any{
			"reason":     "worker",
			"created_at": a.CreatedAt,
		})
	}

	return expired, nil
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to marshal event payload", "event", eventType, "err", err)
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.logger.Error("failed to insert event log", "event", eventType, "id", appointmentID, "err", err)
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, ev); err != nil {
			s.logger.Warn("failed to publish event", "event", eventType, "id", appointmentID, "err", err)
		}
	}
}
