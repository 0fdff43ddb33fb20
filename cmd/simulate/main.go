package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/charmbracelet/log"

	"github.com/hackgods/center-slot-booking/internal/appointment"
	"github.com/hackgods/center-slot-booking/internal/auth"
	"github.com/hackgods/center-slot-booking/internal/bootstrap"
	"github.com/hackgods/center-slot-booking/internal/client"
	"github.com/hackgods/center-slot-booking/internal/config"
)

type SimConfig struct {
	APIBaseURL string
	Duration   time.Duration
	Workers    int
	Center     string
	Date       string
	AdminRatio float64
	BatchSize  int
	AdminToken string
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Busy      int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

type result int

const (
	resultSuccess result = iota
	resultConflict
	resultBusy
	resultError
)

func (om *OperationMetrics) Record(latency time.Duration, r result) {
	atomic.AddInt64(&om.Total, 1)
	switch r {
	case resultSuccess:
		atomic.AddInt64(&om.Success, 1)
	case resultConflict:
		atomic.AddInt64(&om.Conflict, 1)
	case resultBusy:
		atomic.AddInt64(&om.Busy, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Placeholder  OperationMetrics
	CitizenBook  OperationMetrics
	AdminBook    OperationMetrics
	Availability OperationMetrics
}

type Simulator struct {
	config  SimConfig
	keys    []appointment.Candidate
	anon    *client.Client
	admin   *client.Client
	logger  *log.Logger
	metrics Metrics
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config load error: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger, err := bootstrap.Logger(baseCfg, "simulate")
	if err != nil {
		os.Stderr.WriteString("logger setup error: " + err.Error() + "\n")
		os.Exit(1)
	}

	cfg, err := loadConfig(baseCfg)
	if err != nil {
		logger.Fatal("invalid config", "err", err)
	}
	logger.Info("simulator starting", "duration", cfg.Duration, "workers", cfg.Workers, "center", cfg.Center, "date", cfg.Date)

	httpClient := &http.Client{Timeout: 10 * time.Second}
	sim := &Simulator{
		config: cfg,
		anon:   client.New(cfg.APIBaseURL, client.WithHTTPClient(httpClient)),
		admin:  client.New(cfg.APIBaseURL, client.WithHTTPClient(httpClient), client.WithToken(cfg.AdminToken)),
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	labels, tracks, err := sim.anon.Catalog(ctx)
	cancel()
	if err != nil {
		logger.Fatal("load catalog", "err", err)
	}
	for _, l := range labels {
		for _, t := range tracks {
			sim.keys = append(sim.keys, appointment.Candidate{Label: l, Track: t})
		}
	}

	sim.Run()
	sim.PrintReport()

	if err := sim.Verify(); err != nil {
		logger.Fatal("verification failed", "err", err)
	}
	logger.Info("verification passed, every slot key has at most one live booking")
}

func loadConfig(base config.Config) (SimConfig, error) {
	cfg := SimConfig{
		APIBaseURL: getEnv("SIM_API_BASE_URL", "http://localhost:"+base.HTTPPort),
		Duration:   getDuration("SIM_DURATION", 30*time.Second),
		Workers:    getInt("SIM_WORKERS", 10),
		Center:     getEnv("SIM_CENTER", "Delhi"),
		Date:       getEnv("SIM_DATE", time.Now().AddDate(0, 0, 1).Format(appointment.DateLayout)),
		AdminRatio: getFloat("SIM_ADMIN_RATIO", 0.3),
		BatchSize:  getInt("SIM_BATCH_SIZE", 3),
	}

	if cfg.Workers <= 0 {
		return cfg, fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return cfg, fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}

	tok, err := auth.SignToken(base.JWTSecret, auth.Principal{Subject: "simulate", Role: auth.RoleAdmin}, cfg.Duration+time.Hour)
	if err != nil {
		return cfg, fmt.Errorf("sign admin token: %w", err)
	}
	cfg.AdminToken = tok
	return cfg, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.logger.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		switch r := rng.Float64(); {
		case r < s.config.AdminRatio:
			s.doAdminBatch(ctx, rng)
		case r < s.config.AdminRatio+0.2:
			s.doAvailability(ctx)
		default:
			s.doCitizenBooking(ctx, rng)
		}
	}
}

func (s *Simulator) randomKeys(rng *rand.Rand, n int) []appointment.Candidate {
	if n > len(s.keys) {
		n = len(s.keys)
	}
	out := make([]appointment.Candidate, 0, n)
	for _, i := range rng.Perm(len(s.keys))[:n] {
		out = append(out, s.keys[i])
	}
	return out
}

func (s *Simulator) doCitizenBooking(ctx context.Context, rng *rand.Rand) {
	start := time.Now()
	id, err := s.anon.CreatePlaceholder(ctx, appointment.Applicant{
		FullName:   gofakeit.Name(),
		Phone:      gofakeit.Numerify("9#########"),
		NationalID: gofakeit.Numerify("####-####-####"),
		Email:      gofakeit.Email(),
	})
	s.metrics.Placeholder.Record(time.Since(start), classify(err, nil))
	if err != nil {
		return
	}

	start = time.Now()
	results, err := s.anon.Reserve(ctx, appointment.ReserveRequest{
		Center:        s.config.Center,
		Date:          s.config.Date,
		Candidates:    s.randomKeys(rng, 1),
		PlaceholderID: &id,
	})
	s.metrics.CitizenBook.Record(time.Since(start), classify(err, results))
}

func (s *Simulator) doAdminBatch(ctx context.Context, rng *rand.Rand) {
	start := time.Now()
	results, err := s.admin.Reserve(ctx, appointment.ReserveRequest{
		Center:     s.config.Center,
		Date:       s.config.Date,
		Candidates: s.randomKeys(rng, s.config.BatchSize),
	})
	s.metrics.AdminBook.Record(time.Since(start), classify(err, results))
}

func (s *Simulator) doAvailability(ctx context.Context) {
	start := time.Now()
	_, err := s.anon.Availability(ctx, s.config.Center, s.config.Date)
	s.metrics.Availability.Record(time.Since(start), classify(err, nil))
}

// classify counts a reserve as successful when at least one key was booked.
func classify(err error, results []appointment.ReservationResult) result {
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Code == "booking_in_progress" {
			return resultBusy
		}
		return resultError
	}
	if results == nil {
		return resultSuccess
	}
	for _, r := range results {
		if r.Outcome == appointment.OutcomeReserved {
			return resultSuccess
		}
	}
	return resultConflict
}

// Verify lists every booking for the simulated center and date and fails if
// a slot key is held by more than one live record.
func (s *Simulator) Verify() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	list, err := s.admin.List(ctx, s.config.Center, s.config.Date, "")
	if err != nil {
		return fmt.Errorf("list appointments: %w", err)
	}

	holders := make(map[appointment.Candidate][]string)
	for _, a := range list {
		if !a.Occupying() {
			continue
		}
		k := appointment.Candidate{Label: a.AppointmentSlot, Track: a.Track}
		holders[k] = append(holders[k], a.ID.String())
	}

	var dupes []string
	for k, ids := range holders {
		if len(ids) > 1 {
			dupes = append(dupes, fmt.Sprintf("%s/%s: %s", k.Label, k.Track, strings.Join(ids, ",")))
		}
	}
	if len(dupes) > 0 {
		sort.Strings(dupes)
		return fmt.Errorf("%d slot keys double booked: %s", len(dupes), strings.Join(dupes, "; "))
	}

	s.logger.Info("booked keys", "held", len(holders), "capacity", len(s.keys))
	return nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Center/date: %s %s\n", s.config.Center, s.config.Date)
	fmt.Println()

	printOperationReport("Saved forms", &s.metrics.Placeholder)
	printOperationReport("Citizen bookings", &s.metrics.CitizenBook)
	printOperationReport("Admin batches", &s.metrics.AdminBook)
	printOperationReport("Availability", &s.metrics.Availability)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	pct := func(n int64) float64 { return float64(n) / float64(total) * 100 }
	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	busy := atomic.LoadInt64(&om.Busy)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, pct(success))
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, pct(conflict))
	}
	if busy > 0 {
		fmt.Printf("  Lock busy: %d (%.1f%%)\n", busy, pct(busy))
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, pct(failed))
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
