// Package session drives one user's slot grid: it keeps the last availability
// snapshot, the selected candidates and optimistic bookings, and talks to the
// booking backend asynchronously.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/center-slot-booking/internal/appointment"
)

// Backend is the server side of a session.
type Backend interface {
	Availability(ctx context.Context, center, date string) (*appointment.Snapshot, error)
	Reserve(ctx context.Context, req appointment.ReserveRequest) ([]appointment.ReservationResult, error)
}

var (
	ErrWrongState       = errors.New("operation not allowed in the current state")
	ErrNoSelection      = errors.New("select at least one slot")
	ErrMissingApplicant = errors.New("applicant details are required")
	ErrMissingForm      = errors.New("no saved form to book against")
)

type State int

const (
	Idle State = iota
	Browsing
	Confirming
	Submitting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Browsing:
		return "browsing"
	case Confirming:
		return "confirming"
	case Submitting:
		return "submitting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Mode int

const (
	// ModeCitizen books a single slot against a saved form.
	ModeCitizen Mode = iota
	// ModeAdmin books any number of slots as confirmed offline bookings.
	ModeAdmin
	// ModeGeneric books slots for the supplied applicant.
	ModeGeneric
)

type CellStatus string

const (
	CellOpen     CellStatus = "open"
	CellTaken    CellStatus = "taken"
	CellSelected CellStatus = "selected"
	CellPending  CellStatus = "pending"
	CellUnknown  CellStatus = "unknown"
)

type Cell struct {
	Label        string
	Track        string
	Status       CellStatus
	OccupantName string
}

// Entry is one row of the visible bookings list.
type Entry struct {
	Label         string
	Track         string
	AppointmentID *uuid.UUID
	Name          string
	Pending       bool

	batch  uint64
	center string
	date   string
	// settleGen is the first refresh generation expected to show this booking
	// as taken; zero while the reserve call is still in flight.
	settleGen uint64
}

type Options struct {
	Mode          Mode
	Debounce      time.Duration
	Applicant     *appointment.Applicant
	PlaceholderID *uuid.UUID
	Notifier      Notifier
}

// Outcome is delivered once a submit finishes.
type Outcome struct {
	Results []appointment.ReservationResult
	Err     error
}

type Session struct {
	backend Backend
	opts    Options

	mu         sync.Mutex
	state      State
	center     string
	date       string
	snapshot   *appointment.Snapshot
	stale      bool
	candidates []appointment.Candidate
	optimistic []Entry

	gen       uint64
	batches   uint64
	cancel    context.CancelFunc
	timer     *time.Timer
	timerDone chan struct{}
}

func New(backend Backend, opts Options) *Session {
	if opts.Notifier == nil {
		opts.Notifier = NotifierFunc(func(Notification) {})
	}
	return &Session{backend: backend, opts: opts}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the last applied snapshot, or nil before the first load.
func (s *Session) Snapshot() *appointment.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return nil
	}
	cp := *s.snapshot
	cp.Slots = append([]appointment.SlotView(nil), s.snapshot.Slots...)
	return &cp
}

// Stale is true after a failed refresh until the next successful one.
func (s *Session) Stale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

func (s *Session) SetApplicant(a *appointment.Applicant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Applicant = a
}

func (s *Session) SetPlaceholder(id *uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.PlaceholderID = id
}

// SetCenter clears the selection and reloads. The returned channel closes
// when the triggered fetch has been applied or discarded.
func (s *Session) SetCenter(center string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.center != center {
		s.center = center
		s.resetSelectionLocked()
	}
	return s.refreshLocked()
}

func (s *Session) SetDate(date string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.date != date {
		s.date = date
		s.resetSelectionLocked()
	}
	return s.refreshLocked()
}

func (s *Session) resetSelectionLocked() {
	s.candidates = nil
	s.snapshot = nil
	s.stale = false
	s.dropOptimisticLocked(func(e Entry) bool { return e.settleGen != 0 })
	if s.state == Confirming {
		s.state = Browsing
	}
}

// Refresh reloads availability. The last request wins; a superseded
// result is dropped.
func (s *Session) Refresh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked()
}

func (s *Session) refreshLocked() <-chan struct{} {
	s.gen++
	gen := s.gen

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.timer != nil {
		if s.timer.Stop() {
			close(s.timerDone)
		}
		s.timer = nil
		s.timerDone = nil
	}

	done := make(chan struct{})
	if s.center == "" || s.date == "" {
		s.snapshot = &appointment.Snapshot{Center: s.center, Date: s.date, Slots: []appointment.SlotView{}}
		s.stale = false
		if s.state != Submitting {
			s.state = Idle
		}
		close(done)
		return done
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	center, date := s.center, s.date

	run := func() {
		defer close(done)
		defer cancel()
		s.fetch(ctx, gen, center, date)
	}

	if s.opts.Debounce > 0 {
		s.timer = time.AfterFunc(s.opts.Debounce, run)
		s.timerDone = done
	} else {
		go run()
	}
	return done
}

func (s *Session) fetch(ctx context.Context, gen uint64, center, date string) {
	snap, err := s.backend.Availability(ctx, center, date)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.cancel = nil
	s.timer = nil
	s.timerDone = nil

	var note *Notification
	if err != nil {
		s.stale = true
		note = &Notification{Level: LevelError, Message: fmt.Sprintf("could not load availability: %v", err)}
	} else {
		s.snapshot = snap
		s.stale = false
		s.dropOptimisticLocked(func(e Entry) bool {
			return e.settleGen != 0 && e.settleGen <= gen && e.center == center && e.date == date
		})
		if removed := s.pruneCandidatesLocked(); removed > 0 && s.state == Confirming {
			s.state = Browsing
			note = &Notification{Level: LevelWarning, Message: fmt.Sprintf("%d selected slots were taken meanwhile, review the selection", removed)}
		}
	}
	if s.state == Idle {
		s.state = Browsing
	}
	s.mu.Unlock()

	if note != nil {
		s.opts.Notifier.Notify(*note)
	}
}

// pruneCandidatesLocked drops selections that are no longer open and returns
// how many were dropped.
func (s *Session) pruneCandidatesLocked() int {
	if len(s.candidates) == 0 {
		return 0
	}
	open := s.openKeysLocked()
	kept := s.candidates[:0]
	for _, c := range s.candidates {
		if open[c] {
			kept = append(kept, c)
		}
	}
	removed := len(s.candidates) - len(kept)
	s.candidates = kept
	return removed
}

func (s *Session) dropOptimisticLocked(drop func(Entry) bool) {
	kept := s.optimistic[:0]
	for _, e := range s.optimistic {
		if !drop(e) {
			kept = append(kept, e)
		}
	}
	s.optimistic = kept
}

// pendingKeysLocked returns keys of the current grid with a booking that the
// server has not reflected yet.
func (s *Session) pendingKeysLocked() map[appointment.Candidate]bool {
	pending := make(map[appointment.Candidate]bool, len(s.optimistic))
	for _, e := range s.optimistic {
		if e.center == s.center && e.date == s.date {
			pending[appointment.Candidate{Label: e.Label, Track: e.Track}] = true
		}
	}
	return pending
}

func (s *Session) openKeysLocked() map[appointment.Candidate]bool {
	open := make(map[appointment.Candidate]bool)
	if s.snapshot == nil || s.stale {
		return open
	}
	pending := s.pendingKeysLocked()
	for _, v := range s.snapshot.Slots {
		if v.Status == appointment.SlotOpen && !pending[appointment.Candidate{Label: v.Label, Track: v.Track}] {
			open[appointment.Candidate{Label: v.Label, Track: v.Track}] = true
		}
	}
	return open
}

// Toggle selects or deselects an open key. It reports whether the selection changed.
func (s *Session) Toggle(label, track string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Browsing {
		return false
	}
	key := appointment.Candidate{Label: label, Track: track}
	if !s.openKeysLocked()[key] {
		return false
	}

	for i, c := range s.candidates {
		if c == key {
			s.candidates = append(s.candidates[:i], s.candidates[i+1:]...)
			return true
		}
	}

	if s.opts.Mode == ModeCitizen {
		s.candidates = []appointment.Candidate{key}
		return true
	}
	s.candidates = append(s.candidates, key)
	return true
}

// Confirm moves a non-empty selection to the confirmation step.
func (s *Session) Confirm() error {
	s.mu.Lock()
	err := s.confirmLocked()
	s.mu.Unlock()

	if err != nil && !errors.Is(err, ErrWrongState) {
		s.opts.Notifier.Notify(Notification{Level: LevelWarning, Message: err.Error()})
	}
	return err
}

func (s *Session) confirmLocked() error {
	if s.state != Browsing {
		return ErrWrongState
	}
	if len(s.candidates) == 0 {
		return ErrNoSelection
	}
	switch s.opts.Mode {
	case ModeCitizen:
		if s.opts.PlaceholderID == nil {
			return ErrMissingForm
		}
	case ModeGeneric:
		if s.opts.Applicant == nil {
			return ErrMissingApplicant
		}
	}
	s.state = Confirming
	return nil
}

func (s *Session) CancelConfirm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Confirming {
		s.state = Browsing
	}
}

// Submit commits the confirmed selection. Optimistic pending entries are shown
// until the backend answers; the commit itself cannot be cancelled.
func (s *Session) Submit() (<-chan Outcome, error) {
	s.mu.Lock()
	if s.state != Confirming {
		s.mu.Unlock()
		return nil, ErrWrongState
	}
	if len(s.candidates) == 0 {
		s.state = Browsing
		s.mu.Unlock()
		return nil, ErrNoSelection
	}

	s.state = Submitting
	s.batches++
	batch := s.batches
	center, date := s.center, s.date
	submitted := append([]appointment.Candidate(nil), s.candidates...)
	for _, c := range submitted {
		s.optimistic = append(s.optimistic, Entry{
			Label:   c.Label,
			Track:   c.Track,
			Name:    s.applicantNameLocked(),
			Pending: true,
			batch:   batch,
			center:  center,
			date:    date,
		})
	}
	s.candidates = nil

	req := appointment.ReserveRequest{
		Center:     center,
		Date:       date,
		Candidates: submitted,
	}
	switch s.opts.Mode {
	case ModeCitizen:
		req.PlaceholderID = s.opts.PlaceholderID
	default:
		req.Applicant = s.opts.Applicant
	}
	s.mu.Unlock()

	out := make(chan Outcome, 1)
	go func() {
		defer close(out)

		results, err := s.backend.Reserve(context.Background(), req)
		notes, refreshed := s.finishSubmit(batch, center, date, submitted, results, err)
		for _, n := range notes {
			s.opts.Notifier.Notify(n)
		}
		if refreshed != nil {
			<-refreshed
		}
		out <- Outcome{Results: results, Err: err}
	}()
	return out, nil
}

// finishSubmit settles a batch. Reserved keys stay pending until a refresh
// started after the reserve returned has been applied.
func (s *Session) finishSubmit(batch uint64, center, date string, submitted []appointment.Candidate, results []appointment.ReservationResult, err error) ([]Notification, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.center == "" || s.date == "" {
		s.state = Idle
	} else {
		s.state = Browsing
	}
	sameGrid := s.center == center && s.date == date

	if err != nil {
		s.dropOptimisticLocked(func(e Entry) bool { return e.batch == batch })
		if sameGrid {
			s.candidates = submitted
		}
		return []Notification{{Level: LevelError, Message: fmt.Sprintf("booking failed: %v", err)}}, nil
	}

	reservedKeys := make(map[appointment.Candidate]bool, len(results))
	var notes []Notification
	for _, r := range results {
		if r.Outcome == appointment.OutcomeReserved {
			reservedKeys[appointment.Candidate{Label: r.Label, Track: r.Track}] = true
			continue
		}
		notes = append(notes, Notification{
			Level:   LevelWarning,
			Message: fmt.Sprintf("%s on %s was taken by someone else", r.Label, r.Track),
		})
	}
	if len(reservedKeys) > 0 {
		notes = append([]Notification{{Level: LevelSuccess, Message: fmt.Sprintf("booked %d of %d slots", len(reservedKeys), len(results))}}, notes...)
	}

	if !sameGrid {
		s.dropOptimisticLocked(func(e Entry) bool { return e.batch == batch })
		return notes, nil
	}

	settle := s.gen + 1
	s.dropOptimisticLocked(func(e Entry) bool {
		return e.batch == batch && !reservedKeys[appointment.Candidate{Label: e.Label, Track: e.Track}]
	})
	for i := range s.optimistic {
		if s.optimistic[i].batch == batch {
			s.optimistic[i].settleGen = settle
		}
	}
	return notes, s.refreshLocked()
}

func (s *Session) applicantNameLocked() string {
	if s.opts.Mode == ModeAdmin && s.opts.Applicant == nil {
		return appointment.OfflineApplicantName
	}
	if s.opts.Applicant != nil {
		return s.opts.Applicant.FullName
	}
	return ""
}

// Candidates returns the current selection in toggle order.
func (s *Session) Candidates() []appointment.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]appointment.Candidate(nil), s.candidates...)
}

// Cells renders the grid. A stale snapshot never reports a key as open.
func (s *Session) Cells() []Cell {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snapshot == nil {
		return []Cell{}
	}

	selected := make(map[appointment.Candidate]bool, len(s.candidates))
	for _, c := range s.candidates {
		selected[c] = true
	}
	pending := s.pendingKeysLocked()

	cells := make([]Cell, 0, len(s.snapshot.Slots))
	for _, v := range s.snapshot.Slots {
		key := appointment.Candidate{Label: v.Label, Track: v.Track}
		cell := Cell{Label: v.Label, Track: v.Track, OccupantName: v.OccupantName}
		switch {
		case s.stale:
			cell.Status = CellUnknown
		case pending[key]:
			cell.Status = CellPending
		case v.Status == appointment.SlotTaken:
			cell.Status = CellTaken
		case selected[key]:
			cell.Status = CellSelected
		default:
			cell.Status = CellOpen
		}
		cells = append(cells, cell)
	}
	return cells
}

// Entries lists booked keys from the snapshot followed by optimistic ones for
// the current center and date.
func (s *Session) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []Entry
	if s.snapshot != nil {
		for _, v := range s.snapshot.Slots {
			if v.Status != appointment.SlotTaken {
				continue
			}
			entries = append(entries, Entry{Label: v.Label, Track: v.Track, AppointmentID: v.OccupantID, Name: v.OccupantName})
		}
	}
	for _, e := range s.optimistic {
		if e.center == s.center && e.date == s.date {
			entries = append(entries, e)
		}
	}
	return entries
}
