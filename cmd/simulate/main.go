// Command simulate drives concurrent hold and confirm traffic against a
// running api-server and then checks the database for double bookings.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/hackgods/slot-booking-engine/internal/db"
	"github.com/hackgods/slot-booking-engine/internal/tenancy"
	"github.com/hackgods/slot-booking-engine/pkg/logging"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	HotTargets   int // professionals all workers compete for
	ConfirmRatio float64
	ReadRatio    float64
	Days         int
	PostgresDSN  string
}

// target is a professional plus a procedure they can perform without a resource.
type target struct {
	AccountID      uuid.UUID
	ProfessionalID uuid.UUID
	ProcedureID    uuid.UUID
}

type slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type DataPool struct {
	Targets []target

	mu    sync.RWMutex
	slots map[uuid.UUID][]slot // by professional
	holds []heldSlot
	appts []heldSlot
}

type heldSlot struct {
	AccountID uuid.UUID
	ID        uuid.UUID
}

func (dp *DataPool) setSlots(prof uuid.UUID, s []slot) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.slots[prof] = s
}

func (dp *DataPool) randomSlot(prof uuid.UUID, rng *rand.Rand) (slot, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	s := dp.slots[prof]
	if len(s) == 0 {
		return slot{}, false
	}
	return s[rng.Intn(len(s))], true
}

func (dp *DataPool) addHold(h heldSlot) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.holds = append(dp.holds, h)
}

// takeHold removes a random hold so it is confirmed at most once by the simulator.
func (dp *DataPool) takeHold(rng *rand.Rand) (heldSlot, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.holds) == 0 {
		return heldSlot{}, false
	}
	i := rng.Intn(len(dp.holds))
	h := dp.holds[i]
	dp.holds[i] = dp.holds[len(dp.holds)-1]
	dp.holds = dp.holds[:len(dp.holds)-1]
	return h, true
}

func (dp *DataPool) addAppointment(a heldSlot) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appts = append(dp.appts, a)
}

func (dp *DataPool) randomAppointment(rng *rand.Rand) (heldSlot, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appts) == 0 {
		return heldSlot{}, false
	}
	return dp.appts[rng.Intn(len(dp.appts))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int, err error) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case err == nil && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case err == nil && status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, p99, max time.Duration) {
	om.mu.Lock()
	latencies := append([]time.Duration(nil), om.Latencies...)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	pct := func(p int) time.Duration {
		idx := len(latencies) * p / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}
	return sum / time.Duration(len(latencies)), pct(50), pct(95), pct(99), latencies[len(latencies)-1]
}

type Metrics struct {
	Availability OperationMetrics
	Hold         OperationMetrics
	Confirm      OperationMetrics
	ReadByID     OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	logger  *logging.Logger
	metrics Metrics
}

func main() {
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL")).With("service", "simulate")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}
	logger.Info("simulator starting",
		"duration", cfg.Duration, "workers", cfg.Workers, "hot_targets", cfg.HotTargets,
		"confirm_ratio", cfg.ConfirmRatio, "read_ratio", cfg.ReadRatio)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, 4)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		logger.Error("load data pool", "error", err)
		os.Exit(1)
	}
	logger.Info("targets loaded", "count", len(dataPool.Targets))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}

	sim.Run()
	sim.PrintReport()

	overlaps, err := countOverlaps(context.Background(), pgPool)
	if err != nil {
		logger.Error("overlap check failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Overlapping blocking appointments: %d\n", overlaps)
	if overlaps > 0 {
		os.Exit(2)
	}
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 20),
		HotTargets:   getInt("SIM_HOT_TARGETS", 3),
		ConfirmRatio: getFloat("SIM_CONFIRM_RATIO", 0.3),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.2),
		Days:         getInt("SIM_DAYS", 3),
		PostgresDSN:  os.Getenv("POSTGRES_DSN"),
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.ConfirmRatio+cfg.ReadRatio > 1 {
		return fmt.Errorf("SIM_CONFIRM_RATIO + SIM_READ_RATIO must be <= 1")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	rows, err := pool.Query(ctx, `
		SELECT p.account_id, p.id, pr.id
		FROM professionals p
		JOIN procedures pr ON pr.account_id = p.account_id AND NOT pr.requires_resource
		WHERE p.active
		ORDER BY p.created_at, pr.duration_minutes
		LIMIT $1
	`, cfg.HotTargets)
	if err != nil {
		return nil, fmt.Errorf("load targets: %w", err)
	}
	defer rows.Close()

	dataPool := &DataPool{slots: make(map[uuid.UUID][]slot)}
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.AccountID, &t.ProfessionalID, &t.ProcedureID); err != nil {
			return nil, err
		}
		dataPool.Targets = append(dataPool.Targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(dataPool.Targets) == 0 {
		return nil, fmt.Errorf("no targets loaded, run the seed command first")
	}
	return dataPool, nil
}

// countOverlaps looks for two blocking appointments of the same professional
// whose intervals intersect.
func countOverlaps(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var n int
	err := pool.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments a
		JOIN appointments b
		  ON a.professional_id = b.professional_id
		 AND a.id < b.id
		 AND a.start_at < b.end_at
		 AND b.start_at < a.end_at
		WHERE a.status IN ('scheduled', 'confirmed', 'rescheduled')
		  AND b.status IN ('scheduled', 'confirmed', 'rescheduled')
	`).Scan(&n)
	return n, err
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for _, t := range s.pool.Targets {
		s.refreshSlots(ctx, t, rng)
	}

	s.logger.Info("starting simulation", "duration", s.config.Duration, "workers", s.config.Workers)

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
		t := s.pool.Targets[rng.Intn(len(s.pool.Targets))]
		r := rng.Float64()
		switch {
		case r < s.config.ReadRatio:
			if rng.Intn(2) == 0 {
				s.refreshSlots(ctx, t, rng)
			} else {
				s.doReadByID(ctx, rng)
			}
		case r < s.config.ReadRatio+s.config.ConfirmRatio:
			s.doConfirm(ctx, rng)
		default:
			s.doHold(ctx, t, rng)
		}
	}
}

func (s *Simulator) refreshSlots(ctx context.Context, t target, rng *rand.Rand) {
	from := time.Now().UTC().AddDate(0, 0, 1)
	to := from.AddDate(0, 0, s.config.Days)
	u := fmt.Sprintf("%s/availability?professional_id=%s&procedure_id=%s&from=%s&to=%s",
		s.config.APIBaseURL, t.ProfessionalID, t.ProcedureID,
		from.Format(time.DateOnly), to.Format(time.DateOnly))

	var out struct {
		Slots []slot `json:"slots"`
	}
	start := time.Now()
	status, err := s.do(ctx, t.AccountID, http.MethodGet, u, nil, &out)
	s.metrics.Availability.Record(time.Since(start), status, err)
	if err == nil && status == http.StatusOK && len(out.Slots) > 0 {
		s.pool.setSlots(t.ProfessionalID, out.Slots)
	}
}

func (s *Simulator) doHold(ctx context.Context, t target, rng *rand.Rand) {
	sl, ok := s.pool.randomSlot(t.ProfessionalID, rng)
	if !ok {
		return
	}

	body := map[string]any{
		"professional_id": t.ProfessionalID,
		"procedure_id":    t.ProcedureID,
		"start":           sl.Start,
		"idempotency_key": uuid.NewString(),
	}
	var out struct {
		ID uuid.UUID `json:"id"`
	}
	start := time.Now()
	status, err := s.do(ctx, t.AccountID, http.MethodPost, s.config.APIBaseURL+"/holds", body, &out)
	s.metrics.Hold.Record(time.Since(start), status, err)

	if err == nil && status == http.StatusCreated && out.ID != uuid.Nil {
		s.pool.addHold(heldSlot{AccountID: t.AccountID, ID: out.ID})
	}
}

func (s *Simulator) doConfirm(ctx context.Context, rng *rand.Rand) {
	h, ok := s.pool.takeHold(rng)
	if !ok {
		return
	}

	var out struct {
		ID uuid.UUID `json:"id"`
	}
	start := time.Now()
	status, err := s.do(ctx, h.AccountID, http.MethodPost,
		fmt.Sprintf("%s/holds/%s/confirm", s.config.APIBaseURL, h.ID), map[string]any{}, &out)
	s.metrics.Confirm.Record(time.Since(start), status, err)

	if err == nil && status == http.StatusCreated && out.ID != uuid.Nil {
		s.pool.addAppointment(heldSlot{AccountID: h.AccountID, ID: out.ID})
	}
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	a, ok := s.pool.randomAppointment(rng)
	if !ok {
		return
	}
	start := time.Now()
	status, err := s.do(ctx, a.AccountID, http.MethodGet,
		fmt.Sprintf("%s/appointments/%s", s.config.APIBaseURL, a.ID), nil, nil)
	s.metrics.ReadByID.Record(time.Since(start), status, err)
}

func (s *Simulator) do(ctx context.Context, account uuid.UUID, method, url string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set(tenancy.HeaderAccountID, account.String())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
		return resp.StatusCode, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (s *Simulator) PrintReport() {
	line := strings.Repeat("=", 80)
	fmt.Println("\n" + line)
	fmt.Println("SIMULATION REPORT")
	fmt.Println(line)
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Hot targets: %d\n", len(s.pool.Targets))
	fmt.Println()

	printOperationReport("Availability", &s.metrics.Availability)
	printOperationReport("Hold", &s.metrics.Hold)
	printOperationReport("Confirm", &s.metrics.Confirm)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}
	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, p50, p95, p99, max := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, pct(success, total))
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, pct(conflict, total))
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, pct(failed, total))
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s p99=%s max=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond), p95.Round(time.Millisecond),
		p99.Round(time.Millisecond), max.Round(time.Millisecond))
	fmt.Println()
}

func pct(n, total int64) float64 {
	return float64(n) / float64(total) * 100
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
