package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
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
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-scheduling/internal/api"
	"github.com/hackgods/telehealth-scheduling/internal/logging"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	Providers    int
	Patients     int
	FailRatio    float64 // share of checkouts answered with a failed payment
	AbandonRatio float64 // share of holds the patient walks away from
}

type DataPool struct {
	Patients  []uuid.UUID
	Providers []uuid.UUID

	mu    sync.RWMutex
	slots []uuid.UUID
}

func (dp *DataPool) RandomSlot(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.slots) == 0 {
		return uuid.Nil, false
	}
	return dp.slots[rng.Intn(len(dp.slots))], true
}

func (dp *DataPool) SetSlots(ids []uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.slots = ids
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
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
	Reserve   OperationMetrics
	Checkout  OperationMetrics
	Payment   OperationMetrics
	ListSlots OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     *zap.Logger
	events  atomic.Int64
}

func main() {
	logger, err := logging.New(getEnv("LOG_LEVEL", "info"), getEnv("APP_ENV", "dev"))
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	logger.Info("simulator starting",
		zap.String("api", cfg.APIBaseURL),
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Int("providers", cfg.Providers),
		zap.Int("patients", cfg.Patients),
	)

	sim := &Simulator{
		config: cfg,
		pool:   &DataPool{},
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logger,
	}

	setupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sim.Setup(setupCtx); err != nil {
		logger.Fatal("setup failed", zap.Error(err))
	}

	sim.Run()
	sim.PrintReport()

	violations, err := sim.Verify(context.Background())
	if err != nil {
		logger.Fatal("verification failed", zap.Error(err))
	}
	if violations > 0 {
		logger.Error("double bookings detected", zap.Int("slots", violations))
		os.Exit(1)
	}
	logger.Info("no slot has more than one live appointment")
}

func loadConfig() SimConfig {
	return SimConfig{
		APIBaseURL:   strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:8080"), "/"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 20),
		Providers:    getInt("SIM_PROVIDERS", 3),
		Patients:     getInt("SIM_PATIENTS", 200),
		FailRatio:    getFloat("SIM_FAIL_RATIO", 0.2),
		AbandonRatio: getFloat("SIM_ABANDON_RATIO", 0.1),
	}
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.Providers <= 0 || cfg.Patients <= 0 {
		return fmt.Errorf("SIM_PROVIDERS and SIM_PATIENTS must be > 0")
	}
	if cfg.FailRatio < 0 || cfg.AbandonRatio < 0 || cfg.FailRatio+cfg.AbandonRatio > 1 {
		return fmt.Errorf("SIM_FAIL_RATIO and SIM_ABANDON_RATIO must be non-negative and sum to at most 1")
	}
	return nil
}

// Setup creates providers with a full working week and collects their open slots.
func (s *Simulator) Setup(ctx context.Context) error {
	for i := 0; i < s.config.Patients; i++ {
		s.pool.Patients = append(s.pool.Patients, uuid.New())
	}

	days := make(map[string]any, 7)
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		days[strconv.Itoa(int(wd))] = map[string]any{
			"enabled": true,
			"ranges":  []map[string]int{{"start": 8 * 60, "end": 18 * 60}},
		}
	}

	for i := 0; i < s.config.Providers; i++ {
		provider := uuid.New()
		template := map[string]any{
			"days":                  days,
			"slot_duration_minutes": 30,
			"break_minutes":         0,
			"consultation_fee":      "50",
			"currency":              "USD",
			"timezone":              "UTC",
		}
		status, err := s.call(ctx, http.MethodPut, "/providers/"+provider.String()+"/template", "provider", provider, template, nil)
		if err != nil {
			return fmt.Errorf("put template: %w", err)
		}
		if status != http.StatusOK {
			return fmt.Errorf("put template: unexpected status %d", status)
		}
		s.pool.Providers = append(s.pool.Providers, provider)
	}

	return s.refreshSlots(ctx, rand.New(rand.NewSource(time.Now().UnixNano())))
}

func (s *Simulator) refreshSlots(ctx context.Context, rng *rand.Rand) error {
	var ids []uuid.UUID
	for _, provider := range s.pool.Providers {
		var open []api.SlotResponse
		patient := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

		start := time.Now()
		status, err := s.call(ctx, http.MethodGet, "/providers/"+provider.String()+"/slots", "patient", patient, nil, &open)
		s.metrics.ListSlots.Record(time.Since(start), err == nil && status == http.StatusOK, false)
		if err != nil {
			return err
		}
		for _, slot := range open {
			ids = append(ids, slot.ID)
		}
	}
	s.pool.SetSlots(ids)
	return nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info("starting simulation", zap.Duration("duration", s.config.Duration), zap.Int("workers", s.config.Workers))

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			// one in ten iterations refreshes the shared slot list
			if rng.Intn(10) == 0 {
				_ = s.refreshSlots(ctx, rng)
				continue
			}
			s.book(ctx, rng)
		}
	}
}

// book walks one patient through reserve, checkout and a payment outcome.
func (s *Simulator) book(ctx context.Context, rng *rand.Rand) {
	slotID, ok := s.pool.RandomSlot(rng)
	if !ok {
		return
	}
	patient := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	var res api.ReservationResponse
	start := time.Now()
	status, err := s.call(ctx, http.MethodPost, "/reservations", "patient", patient, api.SelectSlotRequest{SlotID: slotID.String()}, &res)
	s.metrics.Reserve.Record(time.Since(start), err == nil && status == http.StatusCreated, status == http.StatusConflict)
	if err != nil || status != http.StatusCreated {
		return
	}

	roll := rng.Float64()
	if roll < s.config.AbandonRatio {
		_, _ = s.call(ctx, http.MethodPost, "/reservations/"+res.ID.String()+"/abandon", "patient", patient, nil, nil)
		return
	}

	start = time.Now()
	status, err = s.call(ctx, http.MethodPost, "/reservations/"+res.ID.String()+"/checkout", "patient", patient, nil, &res)
	s.metrics.Checkout.Record(time.Since(start), err == nil && status == http.StatusOK, status == http.StatusConflict)
	if err != nil || status != http.StatusOK {
		return
	}

	outcome := "paid"
	if roll < s.config.AbandonRatio+s.config.FailRatio {
		outcome = "failed"
	}
	callback := api.PaymentCallbackRequest{
		EventID:       fmt.Sprintf("sim-%d", s.events.Add(1)),
		ReservationID: res.ID.String(),
		Reference:     res.Reference,
		Status:        outcome,
	}
	start = time.Now()
	status, err = s.call(ctx, http.MethodPost, "/payments/callback", "", uuid.Nil, callback, nil)
	expected := http.StatusOK
	if outcome == "failed" {
		expected = http.StatusPaymentRequired
	}
	s.metrics.Payment.Record(time.Since(start), err == nil && status == expected, status == http.StatusConflict)
}

// Verify lists every appointment per provider as an admin and counts slots
// that ended up with more than one live appointment.
func (s *Simulator) Verify(ctx context.Context) (int, error) {
	admin := uuid.New()
	const pageSize = 100
	violations := 0

	for _, provider := range s.pool.Providers {
		live := make(map[uuid.UUID]int)
		for offset := 0; ; offset += pageSize {
			var page []api.AppointmentResponse
			path := fmt.Sprintf("/appointments?provider_id=%s&limit=%d&offset=%d", provider, pageSize, offset)
			status, err := s.call(ctx, http.MethodGet, path, "admin", admin, nil, &page)
			if err != nil {
				return 0, err
			}
			if status != http.StatusOK {
				return 0, fmt.Errorf("list appointments: unexpected status %d", status)
			}
			for _, a := range page {
				if a.Status != "cancelled" {
					live[a.SlotID]++
				}
			}
			if len(page) < pageSize {
				break
			}
		}
		for slot, n := range live {
			if n > 1 {
				violations++
				s.log.Error("slot booked more than once", zap.String("slot_id", slot.String()), zap.Int("appointments", n))
			}
		}
		s.log.Info("provider verified", zap.String("provider_id", provider.String()), zap.Int("booked_slots", len(live)))
	}
	return violations, nil
}

func (s *Simulator) call(ctx context.Context, method, path, role string, user uuid.UUID, body, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("X-User-Role", role)
		req.Header.Set("X-User-ID", user.String())
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

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
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Reserve", &s.metrics.Reserve)
	printOperationReport("Checkout", &s.metrics.Checkout)
	printOperationReport("Payment callback", &s.metrics.Payment)
	printOperationReport("List slots", &s.metrics.ListSlots)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
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
