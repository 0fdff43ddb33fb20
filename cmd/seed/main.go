package main

import (
	"context"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/charmbracelet/log"

	"github.com/hackgods/center-slot-booking/internal/appointment"
	"github.com/hackgods/center-slot-booking/internal/bootstrap"
	"github.com/hackgods/center-slot-booking/internal/config"
)

var defaultCenters = []string{"Delhi", "Mumbai", "Chennai", "Kolkata", "Bengaluru"}

var services = []string{"Passport", "Aadhaar Update", "PAN Card", "Driving Licence", "Voter ID"}

var reasons = []string{"New application", "Renewal", "Correction of details", "Lost document", "Address change"}

var seeder = appointment.Scope{Subject: "seed", Role: appointment.RoleAdmin}

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config load error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := bootstrap.Logger(cfg, "seed")
	if err != nil {
		os.Stderr.WriteString("logger setup error: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	store, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store setup failed", "err", err)
	}
	defer store.Close()

	catalog, err := bootstrap.Catalog(cfg)
	if err != nil {
		logger.Fatal("slot catalog", "err", err)
	}
	svc := appointment.NewService(store.Repo, nil, catalog, cfg, logger)

	centers := cfg.Centers
	if len(centers) == 0 {
		centers = defaultCenters
	}
	days := getInt("SEED_DAYS", 7)
	perDay := getInt("SEED_BOOKINGS_PER_DAY", 10)
	forms := getInt("SEED_PLACEHOLDERS", 50)

	gofakeit.Seed(time.Now().UnixNano())

	if err := seedBookings(ctx, svc, logger, centers, days, perDay); err != nil {
		logger.Fatal("seed bookings", "err", err)
	}
	if err := seedPlaceholders(ctx, svc, logger, forms); err != nil {
		logger.Fatal("seed placeholders", "err", err)
	}

	logger.Info("seed complete")
}

func fakeApplicant() appointment.Applicant {
	return appointment.Applicant{
		FullName:   gofakeit.Name(),
		Phone:      gofakeit.Numerify("9#########"),
		NationalID: gofakeit.Numerify("####-####-####"),
		Email:      gofakeit.Email(),
		DOB:        gofakeit.DateRange(time.Now().AddDate(-80, 0, 0), time.Now().AddDate(-18, 0, 0)).Format(appointment.DateLayout),
		Address:    gofakeit.Address().Address,
		Reason:     gofakeit.RandomString(reasons),
		Service:    gofakeit.RandomString(services),
	}
}

// seedBookings books random keys as confirmed offline bookings.
func seedBookings(ctx context.Context, svc *appointment.Service, logger *log.Logger, centers []string, days, perDay int) error {
	keys := svc.Catalog().Keys()
	start := time.Now().AddDate(0, 0, 1)

	for _, center := range centers {
		booked := 0
		for d := 0; d < days; d++ {
			date := start.AddDate(0, 0, d).Format(appointment.DateLayout)

			candidates := make([]appointment.Candidate, 0, perDay)
			for _, i := range rand.Perm(len(keys)) {
				if len(candidates) == perDay {
					break
				}
				candidates = append(candidates, appointment.Candidate{Label: keys[i].Label, Track: keys[i].Track})
			}

			for _, c := range candidates {
				a := fakeApplicant()
				results, err := svc.Reserve(ctx, seeder, appointment.ReserveRequest{
					Center:     center,
					Date:       date,
					Candidates: []appointment.Candidate{c},
					Applicant:  &a,
				})
				if err != nil {
					return err
				}
				if results[0].Outcome == appointment.OutcomeReserved {
					booked++
				}
			}
		}
		logger.Info("bookings seeded", "center", center, "days", days, "booked", booked)
	}
	return nil
}

// seedPlaceholders leaves saved forms without a slot, for the expiry worker
// and the citizen flow.
func seedPlaceholders(ctx context.Context, svc *appointment.Service, logger *log.Logger, count int) error {
	for i := 0; i < count; i++ {
		if _, err := svc.CreatePlaceholder(ctx, fakeApplicant()); err != nil {
			return err
		}
	}
	logger.Info("placeholders seeded", "count", count)
	return nil
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
