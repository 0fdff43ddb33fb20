package appointment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/center-slot-booking/internal/config"
	"github.com/hackgods/center-slot-booking/internal/logger"
	redisclient "github.com/hackgods/center-slot-booking/internal/redis"
	"github.com/hackgods/center-slot-booking/internal/slots"
)

const (
	delhi = "Delhi"
	day   = "2025-12-15"
	nine  = "09:00 - 09:30"
	half  = "09:30 - 10:00"
	t1    = "Track 1"
	t2    = "Track 2"
)

var (
	citizen = Scope{Subject: "u-1", Role: RoleCitizen}
	admin   = Scope{Subject: "a-1", Role: RoleAdmin}
)

func testCatalog(t *testing.T) *slots.Catalog {
	t.Helper()
	c, err := slots.NewCatalog(9, 10, 30, 2)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return c
}

func newTestService(t *testing.T) (*Service, *MemoryRepository) {
	t.Helper()
	repo := NewMemoryRepository()
	svc := NewService(repo, redisclient.NoopLocker{}, testCatalog(t), config.Config{}, logger.Discard())
	return svc, repo
}

func applicant(name string) *Applicant {
	return &Applicant{FullName: name, Phone: "9999999999", NationalID: "ID-" + name}
}

func seedConfirmed(t *testing.T, repo Repository, center, date, label, track string) *Appointment {
	t.Helper()
	a := &Appointment{
		Applicant:       *applicant("Existing"),
		Center:          center,
		AppointmentDate: date,
		AppointmentSlot: label,
		Track:           track,
		Status:          StatusConfirmed,
	}
	if err := repo.Create(context.Background(), a); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return a
}

func statusOf(snap *Snapshot, label, track string) SlotState {
	for _, v := range snap.Slots {
		if v.Label == label && v.Track == track {
			return v.Status
		}
	}
	return ""
}

func outcomes(results []ReservationResult) []Outcome {
	out := make([]Outcome, len(results))
	for i, r := range results {
		out[i] = r.Outcome
	}
	return out
}

func equalOutcomes(a, b []Outcome) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestAvailability(t *testing.T) {
	ctx := context.Background()

	t.Run("incomplete selection is empty", func(t *testing.T) {
		svc, _ := newTestService(t)
		for _, tc := range [][2]string{{"", day}, {delhi, ""}, {"", ""}} {
			snap, err := svc.Availability(ctx, citizen, tc[0], tc[1])
			if err != nil {
				t.Fatalf("Availability(%q, %q) error: %v", tc[0], tc[1], err)
			}
			if len(snap.Slots) != 0 {
				t.Errorf("Availability(%q, %q) returned %d slots", tc[0], tc[1], len(snap.Slots))
			}
		}
	})

	t.Run("malformed date", func(t *testing.T) {
		svc, _ := newTestService(t)
		if _, err := svc.Availability(ctx, citizen, delhi, "15-12-2025"); !errors.Is(err, ErrValidation) {
			t.Errorf("err = %v, want ErrValidation", err)
		}
	})

	t.Run("marks occupied keys and hides occupants from citizens", func(t *testing.T) {
		svc, repo := newTestService(t)
		seeded := seedConfirmed(t, repo, delhi, day, nine, t1)

		snap, err := svc.Availability(ctx, citizen, delhi, day)
		if err != nil {
			t.Fatalf("Availability error: %v", err)
		}
		if len(snap.Slots) != 4 {
			t.Fatalf("got %d slots, want 4", len(snap.Slots))
		}
		if snap.Slots[0].Status != SlotTaken || snap.Slots[0].OccupantID != nil {
			t.Errorf("first slot = %+v, want taken without occupant", snap.Slots[0])
		}
		for _, v := range snap.Slots[1:] {
			if v.Status != SlotOpen {
				t.Errorf("slot %s/%s = %s, want open", v.Label, v.Track, v.Status)
			}
		}

		adminSnap, err := svc.Availability(ctx, admin, delhi, day)
		if err != nil {
			t.Fatalf("admin Availability error: %v", err)
		}
		if got := adminSnap.Slots[0].OccupantID; got == nil || *got != seeded.ID {
			t.Errorf("admin occupant = %v, want %s", got, seeded.ID)
		}
	})

	t.Run("repeated reads are identical", func(t *testing.T) {
		svc, repo := newTestService(t)
		seedConfirmed(t, repo, delhi, day, half, t2)

		first, err := svc.Availability(ctx, citizen, delhi, day)
		if err != nil {
			t.Fatal(err)
		}
		second, err := svc.Availability(ctx, citizen, delhi, day)
		if err != nil {
			t.Fatal(err)
		}
		for i := range first.Slots {
			if first.Slots[i] != second.Slots[i] {
				t.Errorf("slot %d differs: %+v vs %+v", i, first.Slots[i], second.Slots[i])
			}
		}
	})

	t.Run("scoped admin cannot read another center", func(t *testing.T) {
		svc, _ := newTestService(t)
		scoped := Scope{Role: RoleAdmin, CenterScope: "Mumbai"}
		if _, err := svc.Availability(ctx, scoped, delhi, day); !errors.Is(err, ErrForbidden) {
			t.Errorf("err = %v, want ErrForbidden", err)
		}
	})

	t.Run("store failure is a retrieval error", func(t *testing.T) {
		repo := &failingRepo{MemoryRepository: NewMemoryRepository(), failFind: true}
		svc := NewService(repo, nil, testCatalog(t), config.Config{}, logger.Discard())
		if _, err := svc.Availability(ctx, citizen, delhi, day); !errors.Is(err, ErrRetrieval) {
			t.Errorf("err = %v, want ErrRetrieval", err)
		}
	})
}

func TestReserveDelhiScenario(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	seedConfirmed(t, repo, delhi, day, nine, t1)

	results, err := svc.Reserve(ctx, admin, ReserveRequest{
		Center: delhi,
		Date:   day,
		Candidates: []Candidate{
			{Label: nine, Track: t1},
			{Label: nine, Track: t2},
			{Label: half, Track: t1},
		},
	})
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}

	want := []Outcome{OutcomeConflict, OutcomeReserved, OutcomeReserved}
	if got := outcomes(results); !equalOutcomes(got, want) {
		t.Fatalf("outcomes = %v, want %v", got, want)
	}
	if results[0].AppointmentID != nil {
		t.Error("conflict result carries an appointment id")
	}

	created, err := repo.FindByID(ctx, *results[1].AppointmentID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if created.Status != StatusConfirmed || created.FullName != OfflineApplicantName {
		t.Errorf("offline record = %s %q, want confirmed %q", created.Status, created.FullName, OfflineApplicantName)
	}

	snap, err := svc.Availability(ctx, admin, delhi, day)
	if err != nil {
		t.Fatal(err)
	}
	if statusOf(snap, half, t2) != SlotOpen {
		t.Error("09:30 Track 2 should stay open")
	}
	for _, k := range []Candidate{{nine, t1}, {nine, t2}, {half, t1}} {
		if statusOf(snap, k.Label, k.Track) != SlotTaken {
			t.Errorf("%s %s should be taken", k.Label, k.Track)
		}
	}

	booked := 0
	for _, ev := range repo.Events() {
		if ev.EventType == EventAppointmentBooked {
			booked++
		}
	}
	if booked != 2 {
		t.Errorf("booked events = %d, want 2", booked)
	}
}

func TestReserveCitizen(t *testing.T) {
	ctx := context.Background()

	t.Run("partial success creates pending records", func(t *testing.T) {
		svc, repo := newTestService(t)
		seedConfirmed(t, repo, delhi, day, half, t2)

		results, err := svc.Reserve(ctx, citizen, ReserveRequest{
			Center:     delhi,
			Date:       day,
			Candidates: []Candidate{{nine, t1}, {half, t2}},
			Applicant:  applicant("Asha"),
		})
		if err != nil {
			t.Fatalf("Reserve error: %v", err)
		}
		if got := outcomes(results); !equalOutcomes(got, []Outcome{OutcomeReserved, OutcomeConflict}) {
			t.Fatalf("outcomes = %v", got)
		}
		rec, err := repo.FindByID(ctx, *results[0].AppointmentID)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status != StatusPending || rec.FullName != "Asha" {
			t.Errorf("record = %s %q, want pending Asha", rec.Status, rec.FullName)
		}
	})

	t.Run("duplicates collapse in first order", func(t *testing.T) {
		svc, _ := newTestService(t)
		results, err := svc.Reserve(ctx, citizen, ReserveRequest{
			Center:     delhi,
			Date:       day,
			Candidates: []Candidate{{half, t1}, {nine, t1}, {half, t1}},
			Applicant:  applicant("Ravi"),
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(results) != 2 || results[0].Label != half || results[1].Label != nine {
			t.Errorf("results = %+v", results)
		}
	})

	t.Run("all taken reports conflicts without error", func(t *testing.T) {
		svc, repo := newTestService(t)
		seedConfirmed(t, repo, delhi, day, nine, t1)
		results, err := svc.Reserve(ctx, citizen, ReserveRequest{
			Center: delhi, Date: day, Candidates: []Candidate{{nine, t1}}, Applicant: applicant("Mira"),
		})
		if err != nil {
			t.Fatal(err)
		}
		if results[0].Outcome != OutcomeConflict {
			t.Errorf("outcome = %s, want conflict", results[0].Outcome)
		}
	})
}

func TestReserveValidation(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		req  ReserveRequest
	}{
		{name: "empty candidates", req: ReserveRequest{Center: delhi, Date: day, Applicant: applicant("A")}},
		{name: "missing center", req: ReserveRequest{Date: day, Candidates: []Candidate{{nine, t1}}, Applicant: applicant("A")}},
		{name: "bad date", req: ReserveRequest{Center: delhi, Date: "2025/12/15", Candidates: []Candidate{{nine, t1}}, Applicant: applicant("A")}},
		{name: "unknown label", req: ReserveRequest{Center: delhi, Date: day, Candidates: []Candidate{{"10:00 - 10:30", t1}}, Applicant: applicant("A")}},
		{name: "unknown track", req: ReserveRequest{Center: delhi, Date: day, Candidates: []Candidate{{nine, "Track 3"}}, Applicant: applicant("A")}},
		{name: "missing applicant", req: ReserveRequest{Center: delhi, Date: day, Candidates: []Candidate{{nine, t1}}}},
		{name: "applicant without phone", req: ReserveRequest{Center: delhi, Date: day, Candidates: []Candidate{{nine, t1}}, Applicant: &Applicant{FullName: "A", NationalID: "X"}}},
		{name: "blank name", req: ReserveRequest{Center: delhi, Date: day, Candidates: []Candidate{{nine, t1}}, Applicant: &Applicant{FullName: "   ", Phone: "1", NationalID: "X"}}},
		{name: "blank national id", req: ReserveRequest{Center: delhi, Date: day, Candidates: []Candidate{{nine, t1}}, Applicant: &Applicant{FullName: "A", Phone: "1", NationalID: "\t "}}},
		{name: "bad email", req: ReserveRequest{Center: delhi, Date: day, Candidates: []Candidate{{nine, t1}}, Applicant: &Applicant{FullName: "A", Phone: "1", NationalID: "X", Email: "nope"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo := newTestService(t)
			_, err := svc.Reserve(ctx, citizen, tt.req)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
			all, _ := repo.FindByFilter(ctx, Filter{})
			if len(all) != 0 {
				t.Errorf("validation failure wrote %d records", len(all))
			}
		})
	}

	t.Run("center outside allow-list", func(t *testing.T) {
		repo := NewMemoryRepository()
		svc := NewService(repo, nil, testCatalog(t), config.Config{Centers: []string{"Mumbai"}}, logger.Discard())
		_, err := svc.Reserve(ctx, admin, ReserveRequest{Center: delhi, Date: day, Candidates: []Candidate{{nine, t1}}})
		if !errors.Is(err, ErrValidation) {
			t.Errorf("err = %v, want ErrValidation", err)
		}
	})
}

func TestReserveScope(t *testing.T) {
	svc, _ := newTestService(t)
	scoped := Scope{Role: RoleAdmin, CenterScope: "Mumbai"}

	_, err := svc.Reserve(context.Background(), scoped, ReserveRequest{
		Center: delhi, Date: day, Candidates: []Candidate{{nine, t1}},
	})
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
}

func TestReserveStorageFailure(t *testing.T) {
	ctx := context.Background()
	repo := &failingRepo{MemoryRepository: NewMemoryRepository(), failInsert: true}
	svc := NewService(repo, nil, testCatalog(t), config.Config{}, logger.Discard())

	_, err := svc.Reserve(ctx, admin, ReserveRequest{
		Center: delhi, Date: day, Candidates: []Candidate{{nine, t1}, {nine, t2}},
	})
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("err = %v, want ErrStorage", err)
	}

	snap, err := svc.Availability(ctx, admin, delhi, day)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range snap.Slots {
		if v.Status != SlotOpen {
			t.Errorf("slot %s/%s = %s after failed reserve", v.Label, v.Track, v.Status)
		}
	}
}

func TestReserveLock(t *testing.T) {
	ctx := context.Background()
	req := ReserveRequest{Center: delhi, Date: day, Candidates: []Candidate{{nine, t1}}}

	t.Run("held elsewhere", func(t *testing.T) {
		repo := NewMemoryRepository()
		svc := NewService(repo, stubLocker{err: redisclient.ErrLockNotAcquired}, testCatalog(t), config.Config{}, logger.Discard())
		if _, err := svc.Reserve(ctx, admin, req); !errors.Is(err, ErrBookingInProgress) {
			t.Errorf("err = %v, want ErrBookingInProgress", err)
		}
	})

	t.Run("backend down falls back to store uniqueness", func(t *testing.T) {
		repo := NewMemoryRepository()
		svc := NewService(repo, stubLocker{err: redisclient.ErrLockUnavailable}, testCatalog(t), config.Config{}, logger.Discard())
		results, err := svc.Reserve(ctx, admin, req)
		if err != nil {
			t.Fatalf("Reserve error: %v", err)
		}
		if results[0].Outcome != OutcomeReserved {
			t.Errorf("outcome = %s, want reserved", results[0].Outcome)
		}
	})
}

func TestReserveConcurrentUniqueness(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)

	const workers = 25
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reserved int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, err := svc.Reserve(ctx, citizen, ReserveRequest{
				Center: delhi, Date: day, Candidates: []Candidate{{nine, t1}, {half, t2}}, Applicant: applicant("Racer"),
			})
			if err != nil {
				t.Errorf("Reserve error: %v", err)
				return
			}
			mu.Lock()
			for _, r := range results {
				if r.Outcome == OutcomeReserved {
					reserved++
				}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if reserved != 2 {
		t.Errorf("reserved = %d across workers, want 2", reserved)
	}

	live, _ := repo.FindByFilter(ctx, Filter{Center: delhi, Date: day, Statuses: occupyingStatuses})
	if len(live) != 2 {
		t.Errorf("live records = %d, want 2", len(live))
	}
}

func TestReservePlaceholder(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns the saved form", func(t *testing.T) {
		svc, repo := newTestService(t)
		ph, err := svc.CreatePlaceholder(ctx, *applicant("Neha"))
		if err != nil {
			t.Fatalf("CreatePlaceholder: %v", err)
		}

		results, err := svc.Reserve(ctx, citizen, ReserveRequest{
			Center: delhi, Date: day, Candidates: []Candidate{{half, t1}}, PlaceholderID: &ph.ID,
		})
		if err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		if results[0].Outcome != OutcomeReserved || *results[0].AppointmentID != ph.ID {
			t.Fatalf("result = %+v, want reserved on placeholder", results[0])
		}

		rec, _ := repo.FindByID(ctx, ph.ID)
		if rec.AppointmentSlot != half || rec.Track != t1 || rec.Center != delhi {
			t.Errorf("placeholder not updated: %+v", rec)
		}
	})

	t.Run("taken key is a conflict", func(t *testing.T) {
		svc, repo := newTestService(t)
		seedConfirmed(t, repo, delhi, day, half, t1)
		ph, _ := svc.CreatePlaceholder(ctx, *applicant("Neha"))

		results, err := svc.Reserve(ctx, citizen, ReserveRequest{
			Center: delhi, Date: day, Candidates: []Candidate{{half, t1}}, PlaceholderID: &ph.ID,
		})
		if err != nil {
			t.Fatal(err)
		}
		if results[0].Outcome != OutcomeConflict {
			t.Errorf("outcome = %s, want conflict", results[0].Outcome)
		}
	})

	t.Run("more than one candidate", func(t *testing.T) {
		svc, _ := newTestService(t)
		ph, _ := svc.CreatePlaceholder(ctx, *applicant("Neha"))
		_, err := svc.Reserve(ctx, citizen, ReserveRequest{
			Center: delhi, Date: day, Candidates: []Candidate{{nine, t1}, {half, t1}}, PlaceholderID: &ph.ID,
		})
		if !errors.Is(err, ErrValidation) {
			t.Errorf("err = %v, want ErrValidation", err)
		}
	})

	t.Run("missing placeholder", func(t *testing.T) {
		svc, _ := newTestService(t)
		id := uuid.New()
		_, err := svc.Reserve(ctx, citizen, ReserveRequest{
			Center: delhi, Date: day, Candidates: []Candidate{{nine, t1}}, PlaceholderID: &id,
		})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("cancelled placeholder", func(t *testing.T) {
		svc, _ := newTestService(t)
		ph, _ := svc.CreatePlaceholder(ctx, *applicant("Neha"))
		if _, err := svc.UpdateStatus(ctx, admin, ph.ID, "cancelled"); err != nil {
			t.Fatal(err)
		}
		_, err := svc.Reserve(ctx, citizen, ReserveRequest{
			Center: delhi, Date: day, Candidates: []Candidate{{nine, t1}}, PlaceholderID: &ph.ID,
		})
		if !errors.Is(err, ErrValidation) {
			t.Errorf("err = %v, want ErrValidation", err)
		}
	})

	t.Run("settled placeholder cannot be moved", func(t *testing.T) {
		for _, status := range []string{"confirmed", "done"} {
			svc, repo := newTestService(t)
			ph, _ := svc.CreatePlaceholder(ctx, *applicant("Neha"))
			if _, err := svc.Reserve(ctx, citizen, ReserveRequest{
				Center: delhi, Date: day, Candidates: []Candidate{{nine, t1}}, PlaceholderID: &ph.ID,
			}); err != nil {
				t.Fatal(err)
			}
			if _, err := svc.UpdateStatus(ctx, admin, ph.ID, status); err != nil {
				t.Fatal(err)
			}

			_, err := svc.Reserve(ctx, citizen, ReserveRequest{
				Center: delhi, Date: day, Candidates: []Candidate{{half, t2}}, PlaceholderID: &ph.ID,
			})
			if !errors.Is(err, ErrValidation) {
				t.Errorf("%s: err = %v, want ErrValidation", status, err)
			}
			rec, _ := repo.FindByID(ctx, ph.ID)
			if rec.AppointmentSlot != nine || rec.Track != t1 {
				t.Errorf("%s: record moved to %s/%s", status, rec.AppointmentSlot, rec.Track)
			}
		}
	})
}

func TestUpdateStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("cancelling frees the key", func(t *testing.T) {
		svc, repo := newTestService(t)
		a := seedConfirmed(t, repo, delhi, day, nine, t1)

		if _, err := svc.UpdateStatus(ctx, admin, a.ID, "cancelled"); err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}
		snap, _ := svc.Availability(ctx, citizen, delhi, day)
		if statusOf(snap, nine, t1) != SlotOpen {
			t.Error("cancelled key still taken")
		}

		results, err := svc.Reserve(ctx, admin, ReserveRequest{Center: delhi, Date: day, Candidates: []Candidate{{nine, t1}}})
		if err != nil || results[0].Outcome != OutcomeReserved {
			t.Errorf("rebooking freed key: %v %+v", err, results)
		}

		if _, err := svc.UpdateStatus(ctx, admin, a.ID, "confirmed"); !errors.Is(err, ErrConflict) {
			t.Errorf("reactivation err = %v, want ErrConflict", err)
		}
	})

	t.Run("completed is an alias of done", func(t *testing.T) {
		svc, repo := newTestService(t)
		a := seedConfirmed(t, repo, delhi, day, nine, t1)
		updated, err := svc.UpdateStatus(ctx, admin, a.ID, "Completed")
		if err != nil {
			t.Fatal(err)
		}
		if updated.Status != StatusDone {
			t.Errorf("status = %s, want done", updated.Status)
		}
	})

	t.Run("unknown status leaves record unchanged", func(t *testing.T) {
		svc, repo := newTestService(t)
		a := seedConfirmed(t, repo, delhi, day, nine, t1)
		if _, err := svc.UpdateStatus(ctx, admin, a.ID, "archived"); !errors.Is(err, ErrValidation) {
			t.Fatalf("err = %v, want ErrValidation", err)
		}
		rec, _ := repo.FindByID(ctx, a.ID)
		if rec.Status != StatusConfirmed {
			t.Errorf("status = %s, want confirmed", rec.Status)
		}
	})

	t.Run("missing record", func(t *testing.T) {
		svc, _ := newTestService(t)
		if _, err := svc.UpdateStatus(ctx, admin, uuid.New(), "done"); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("citizen is forbidden", func(t *testing.T) {
		svc, repo := newTestService(t)
		a := seedConfirmed(t, repo, delhi, day, nine, t1)
		if _, err := svc.UpdateStatus(ctx, citizen, a.ID, "done"); !errors.Is(err, ErrForbidden) {
			t.Errorf("err = %v, want ErrForbidden", err)
		}
	})
}

func TestUpdateFields(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects id keys", func(t *testing.T) {
		svc, repo := newTestService(t)
		a := seedConfirmed(t, repo, delhi, day, nine, t1)
		for _, key := range []string{"id", "_id"} {
			_, err := svc.UpdateFields(ctx, admin, a.ID, Patch{key: uuid.NewString()})
			if !errors.Is(err, ErrValidation) {
				t.Errorf("%s: err = %v, want ErrValidation", key, err)
			}
		}
	})

	t.Run("rejects unknown and status keys", func(t *testing.T) {
		svc, repo := newTestService(t)
		a := seedConfirmed(t, repo, delhi, day, nine, t1)
		for _, key := range []string{"nickname", "status"} {
			if _, err := svc.UpdateFields(ctx, admin, a.ID, Patch{key: "x"}); !errors.Is(err, ErrValidation) {
				t.Errorf("%s: err = %v, want ErrValidation", key, err)
			}
		}
	})

	t.Run("missing record", func(t *testing.T) {
		svc, _ := newTestService(t)
		if _, err := svc.UpdateFields(ctx, admin, uuid.New(), Patch{"phone": "1"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("reports modification", func(t *testing.T) {
		svc, repo := newTestService(t)
		a := seedConfirmed(t, repo, delhi, day, nine, t1)

		modified, err := svc.UpdateFields(ctx, admin, a.ID, Patch{"phone": "12345"})
		if err != nil || !modified {
			t.Fatalf("first update = %v, %v; want true, nil", modified, err)
		}
		modified, err = svc.UpdateFields(ctx, admin, a.ID, Patch{"phone": "12345"})
		if err != nil || modified {
			t.Errorf("same value update = %v, %v; want false, nil", modified, err)
		}
	})

	t.Run("moving onto an occupied key conflicts", func(t *testing.T) {
		svc, repo := newTestService(t)
		a := seedConfirmed(t, repo, delhi, day, nine, t1)
		seedConfirmed(t, repo, delhi, day, half, t1)

		if _, err := svc.UpdateFields(ctx, admin, a.ID, Patch{"appointment_slot": half}); !errors.Is(err, ErrConflict) {
			t.Errorf("err = %v, want ErrConflict", err)
		}
		if _, err := svc.UpdateFields(ctx, admin, a.ID, Patch{"track": t2}); err != nil {
			t.Errorf("move to free track: %v", err)
		}
		snap, _ := svc.Availability(ctx, citizen, delhi, day)
		if statusOf(snap, nine, t1) != SlotOpen || statusOf(snap, nine, t2) != SlotTaken {
			t.Errorf("grid after move = %+v", snap.Slots)
		}
	})

	t.Run("required applicant fields cannot be blanked", func(t *testing.T) {
		svc, repo := newTestService(t)
		a := seedConfirmed(t, repo, delhi, day, nine, t1)
		for _, patch := range []Patch{
			{"full_name": ""},
			{"phone": "  "},
			{"national_id": ""},
			{"full_name": "Asha", "email": "not-an-email"},
		} {
			if _, err := svc.UpdateFields(ctx, admin, a.ID, patch); !errors.Is(err, ErrValidation) {
				t.Errorf("%v: err = %v, want ErrValidation", patch, err)
			}
		}
		rec, _ := repo.FindByID(ctx, a.ID)
		if rec.FullName != "Existing" || rec.Phone == "" || rec.NationalID == "" {
			t.Errorf("record changed: %+v", rec.Applicant)
		}
	})

	t.Run("offline booking without phone stays editable", func(t *testing.T) {
		svc, repo := newTestService(t)
		results, err := svc.Reserve(ctx, admin, ReserveRequest{Center: delhi, Date: day, Candidates: []Candidate{{nine, t1}}})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := svc.UpdateFields(ctx, admin, *results[0].AppointmentID, Patch{"reason": "walk-in"}); err != nil {
			t.Errorf("UpdateFields: %v", err)
		}
		rec, _ := repo.FindByID(ctx, *results[0].AppointmentID)
		if rec.Reason != "walk-in" {
			t.Errorf("reason = %q", rec.Reason)
		}
	})

	t.Run("slot outside the catalog", func(t *testing.T) {
		svc, repo := newTestService(t)
		a := seedConfirmed(t, repo, delhi, day, nine, t1)
		if _, err := svc.UpdateFields(ctx, admin, a.ID, Patch{"appointment_slot": "23:00 - 23:30"}); !errors.Is(err, ErrValidation) {
			t.Errorf("err = %v, want ErrValidation", err)
		}
	})
}

func TestList(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)

	clock := time.Date(2025, 12, 1, 8, 0, 0, 0, time.UTC)
	repo.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	older := seedConfirmed(t, repo, delhi, day, nine, t1)
	newer := seedConfirmed(t, repo, delhi, day, nine, t2)
	seedConfirmed(t, repo, "Mumbai", day, nine, t1)

	list, err := svc.List(ctx, Scope{Role: RoleAdmin, CenterScope: delhi}, ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != newer.ID || list[1].ID != older.ID {
		t.Errorf("List = %v, want newer then older Delhi records", list)
	}

	all, err := svc.List(ctx, admin, ListFilter{Status: "CONFIRMED"})
	if err != nil || len(all) != 3 {
		t.Errorf("super admin List = %d, %v; want 3", len(all), err)
	}

	if _, err := svc.List(ctx, Scope{Role: RoleAdmin, CenterScope: delhi}, ListFilter{Center: "Mumbai"}); !errors.Is(err, ErrForbidden) {
		t.Errorf("cross-center List err = %v, want ErrForbidden", err)
	}
	if _, err := svc.List(ctx, citizen, ListFilter{}); !errors.Is(err, ErrForbidden) {
		t.Errorf("citizen List err = %v, want ErrForbidden", err)
	}
}

func TestExpireStalePlaceholders(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)

	stale, _ := svc.CreatePlaceholder(ctx, *applicant("Old"))
	booked, _ := svc.CreatePlaceholder(ctx, *applicant("Booked"))
	if _, err := svc.Reserve(ctx, citizen, ReserveRequest{
		Center: delhi, Date: day, Candidates: []Candidate{{nine, t1}}, PlaceholderID: &booked.ID,
	}); err != nil {
		t.Fatal(err)
	}

	svc.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	n, err := svc.ExpireStalePlaceholders(ctx)
	if err != nil {
		t.Fatalf("ExpireStalePlaceholders: %v", err)
	}
	if n != 1 {
		t.Errorf("expired = %d, want 1", n)
	}

	rec, _ := repo.FindByID(ctx, stale.ID)
	if rec.Status != StatusCancelled {
		t.Errorf("stale placeholder status = %s, want cancelled", rec.Status)
	}
	rec, _ = repo.FindByID(ctx, booked.ID)
	if rec.Status != StatusPending {
		t.Errorf("booked placeholder status = %s, want pending", rec.Status)
	}
}

func TestPublisherReceivesEvents(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	pub := &recordingPublisher{}
	svc.WithPublisher(pub)

	if _, err := svc.Reserve(ctx, admin, ReserveRequest{Center: delhi, Date: day, Candidates: []Candidate{{nine, t1}}}); err != nil {
		t.Fatal(err)
	}
	if len(pub.events) != 1 || pub.events[0].EventType != EventAppointmentBooked {
		t.Errorf("published = %+v", pub.events)
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in   string
		want Status
		ok   bool
	}{
		{"Pending", StatusPending, true},
		{"CONFIRMED", StatusConfirmed, true},
		{"completed", StatusDone, true},
		{"done", StatusDone, true},
		{"canceled", StatusCancelled, true},
		{"archived", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseStatus(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseStatus(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

type failingRepo struct {
	*MemoryRepository
	failFind   bool
	failInsert bool
}

func (f *failingRepo) FindByFilter(ctx context.Context, flt Filter) ([]Appointment, error) {
	if f.failFind {
		return nil, errors.New("connection reset")
	}
	return f.MemoryRepository.FindByFilter(ctx, flt)
}

func (f *failingRepo) InsertReservations(ctx context.Context, records []Appointment) ([]bool, error) {
	if f.failInsert {
		return nil, errors.New("disk full")
	}
	return f.MemoryRepository.InsertReservations(ctx, records)
}

type stubLocker struct{ err error }

func (s stubLocker) WithLock(context.Context, string, func(context.Context) error) error {
	return s.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []EventLog
}

func (p *recordingPublisher) Publish(_ context.Context, ev EventLog) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

// racingRepo loses every read-modify-write to another writer.
type racingRepo struct {
	*MemoryRepository
}

func (racingRepo) UpdateStatus(context.Context, uuid.UUID, Status) (*Appointment, error) {
	return nil, fmt.Errorf("%w: lost race", ErrConcurrentUpdate)
}

func (racingRepo) UpdateFields(context.Context, uuid.UUID, Patch) (bool, error) {
	return false, fmt.Errorf("%w: lost race", ErrConcurrentUpdate)
}

func (racingRepo) AssignSlot(context.Context, uuid.UUID, SlotKey) (*Appointment, error) {
	return nil, fmt.Errorf("%w: lost race", ErrConcurrentUpdate)
}

func TestConcurrentUpdateIsNotASlotConflict(t *testing.T) {
	ctx := context.Background()
	repo := racingRepo{NewMemoryRepository()}
	svc := NewService(repo, redisclient.NoopLocker{}, testCatalog(t), config.Config{}, logger.Discard())
	a := seedConfirmed(t, repo.MemoryRepository, delhi, day, nine, t1)
	ph, err := svc.CreatePlaceholder(ctx, *applicant("Neha"))
	if err != nil {
		t.Fatal(err)
	}

	check := func(t *testing.T, err error) {
		t.Helper()
		if !errors.Is(err, ErrConcurrentUpdate) {
			t.Errorf("err = %v, want ErrConcurrentUpdate", err)
		}
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrStorage) {
			t.Errorf("err = %v also reads as a conflict or storage failure", err)
		}
	}

	t.Run("status", func(t *testing.T) {
		_, err := svc.UpdateStatus(ctx, admin, a.ID, "done")
		check(t, err)
	})
	t.Run("fields", func(t *testing.T) {
		_, err := svc.UpdateFields(ctx, admin, a.ID, Patch{"phone": "123"})
		check(t, err)
	})
	t.Run("placeholder assignment", func(t *testing.T) {
		_, err := svc.Reserve(ctx, citizen, ReserveRequest{
			Center: delhi, Date: day, Candidates: []Candidate{{half, t1}}, PlaceholderID: &ph.ID,
		})
		check(t, err)
	})
}
