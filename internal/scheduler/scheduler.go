// Package scheduler is the job scheduler (C4): a bounded worker pool that
// claims ready groups, drives them through the ordered stage sequence,
// enforces the MS-path exclusive lock, retries transient failures with
// jittered exponential backoff, and reaps stuck in_progress claims. The
// worker-pool shape (N goroutines, ticker-driven claim loop, panic
// recovery, heartbeat-free single-claim-per-tick) follows the teacher's
// internal/jobs/worker.Worker; the backoff/jitter math follows the
// teacher's internal/jobs/orchestrator computeBackoff.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"

	"github.com/dsa110/contimg-ingestd/internal/corelog"
	"github.com/dsa110/contimg-ingestd/internal/domain"
	"github.com/dsa110/contimg-ingestd/internal/eventhub"
	"github.com/dsa110/contimg-ingestd/internal/mslock"
	"github.com/dsa110/contimg-ingestd/internal/obsmetrics"
	"github.com/dsa110/contimg-ingestd/internal/queuestore"
	"github.com/dsa110/contimg-ingestd/internal/stagecontract"
)

// Metrics exposed via the control plane's /metrics endpoint.
type Metrics struct {
	GroupsClaimed   *obsmetrics.Counter
	GroupsCompleted *obsmetrics.Counter
	GroupsFailed    *obsmetrics.Counter
	StageDuration   *obsmetrics.HistogramVec
	WorkersBusy     *obsmetrics.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		GroupsClaimed:   obsmetrics.NewCounter("ingestd_groups_claimed_total", "groups claimed by the scheduler"),
		GroupsCompleted: obsmetrics.NewCounter("ingestd_groups_completed_total", "groups that reached state completed"),
		GroupsFailed:    obsmetrics.NewCounter("ingestd_groups_failed_total", "groups that reached state failed"),
		StageDuration:   obsmetrics.NewHistogramVec("ingestd_stage_duration_seconds", "stage invocation wall time", []string{"stage"}, nil),
		WorkersBusy:     obsmetrics.NewGauge("ingestd_workers_busy", "worker goroutines currently processing a group"),
	}
}

// WritePrometheus renders every scheduler counter/gauge/histogram in
// Prometheus text-exposition format, for the control plane's /metrics route.
func (m *Metrics) WritePrometheus(w io.Writer) error {
	for _, wr := range []interface{ WritePrometheus(io.Writer) error }{
		m.GroupsClaimed, m.GroupsCompleted, m.GroupsFailed, m.StageDuration, m.WorkersBusy,
	} {
		if err := wr.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

// Config mirrors the relevant slice of spec §6.4.
type Config struct {
	NWorkers           int
	MaxGroupRetries    int
	MaxBackoff         time.Duration
	BaseBackoff        time.Duration
	MSLockTimeout      time.Duration
	StaleLockAge       time.Duration
	ClaimReaperAge     time.Duration
	StageTimeout       func(stage domain.ProcessingStage) time.Duration
	MSPathForGroup     func(groupID string) string
}

// Scheduler is the Job Scheduler component (§4.4).
type Scheduler struct {
	log     *corelog.Logger
	store   queuestore.Store
	hub     *eventhub.Hub
	runner  stagecontract.Runner
	locks   *mslock.Table
	metrics *Metrics
	cfg     Config

	sem     *semaphore.Weighted
	pauseMu sync.Mutex
	paused  chan struct{}
	wg      sync.WaitGroup

	startedAt time.Time

	breakers   map[domain.ProcessingStage]*gobreaker.CircuitBreaker[stagecontract.Result]
	breakersMu sync.Mutex

	manual chan string
}

func New(log *corelog.Logger, store queuestore.Store, hub *eventhub.Hub, runner stagecontract.Runner, cfg Config) *Scheduler {
	if log == nil {
		log = corelog.NewNop()
	}
	if cfg.NWorkers <= 0 {
		cfg.NWorkers = 1
	}
	if cfg.MSPathForGroup == nil {
		cfg.MSPathForGroup = func(groupID string) string { return filepath.Join("/var/lib/ingestd/ms", groupID+".ms") }
	}
	if cfg.StageTimeout == nil {
		cfg.StageTimeout = func(domain.ProcessingStage) time.Duration { return 5 * time.Minute }
	}
	return &Scheduler{
		log:      log.With("component", "scheduler"),
		store:    store,
		hub:      hub,
		runner:   runner,
		locks:    mslock.New(cfg.StaleLockAge),
		metrics:  NewMetrics(),
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.NWorkers)),
		breakers: make(map[domain.ProcessingStage]*gobreaker.CircuitBreaker[stagecontract.Result]),
		manual:   make(chan string, 256),
	}
}

func (s *Scheduler) Metrics() *Metrics { return s.metrics }

// Start launches the worker pool and the reaper loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.pauseMu.Lock()
	s.paused = make(chan struct{})
	close(s.paused) // closed channel = not paused
	s.pauseMu.Unlock()
	s.startedAt = time.Now()

	for i := 0; i < s.cfg.NWorkers; i++ {
		s.wg.Add(1)
		go s.workerLoop(ctx, i)
	}
	s.wg.Add(1)
	go s.reaperLoop(ctx)
}

// Stop waits up to grace for the workers and the reaper to return, and
// returns when they have or when grace elapses. It does not cancel
// in-flight stages itself: workers and the stage invocations they run end
// only when the ctx passed to Start is canceled, so callers cancel that
// ctx before calling Stop.
func (s *Scheduler) Stop(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		s.log.Warn("scheduler stop: grace period elapsed with workers still running")
	}
}

// Pause suspends picking new work; in-flight stages continue. It reports
// false if the scheduler was already paused.
func (s *Scheduler) Pause(reason string) bool {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if !s.runningLocked() {
		return false
	}
	s.paused = make(chan struct{})
	s.log.Info("scheduler paused", "reason", reason)
	return true
}

// Resume lifts a pause and reports false if the scheduler was already
// running.
func (s *Scheduler) Resume() bool {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if s.runningLocked() {
		return false
	}
	close(s.paused)
	s.log.Info("scheduler resumed")
	return true
}

// IsPaused reports whether the scheduler is currently refusing new claims.
func (s *Scheduler) IsPaused() bool {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	return !s.runningLocked()
}

func (s *Scheduler) runningLocked() bool {
	select {
	case <-s.paused:
		return true
	default:
		return false
	}
}

// WorkerStats reports how many of the configured worker slots are currently
// processing a group.
func (s *Scheduler) WorkerStats() (busy, idle int) {
	busy = int(s.metrics.WorkersBusy.Value())
	if busy < 0 {
		busy = 0
	}
	idle = s.cfg.NWorkers - busy
	if idle < 0 {
		idle = 0
	}
	return busy, idle
}

// Uptime reports how long the worker pool has been running.
func (s *Scheduler) Uptime() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// SubmitManual hands a group id to a worker, which sets the group's
// processing stage to queued. The group's state is not changed: the group
// is run only once it is pending and the normal claim path picks it up.
// The id is dropped with a warning when the manual queue is full.
func (s *Scheduler) SubmitManual(groupID string) {
	select {
	case s.manual <- groupID:
	default:
		s.log.Warn("manual submit queue full, dropping", "group_id", groupID)
	}
}

func (s *Scheduler) workerLoop(ctx context.Context, id int) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, id)
		case groupID := <-s.manual:
			if err := s.store.SetProcessingStage(ctx, groupID, domain.StageQueued); err != nil {
				s.log.Warn("manual submit failed", "group_id", groupID, "error", err)
			}
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, workerID int) {
	if s.IsPaused() {
		return
	}

	if !s.sem.TryAcquire(1) {
		return
	}
	defer s.sem.Release(1)

	g, err := s.store.ClaimOneReady(ctx, fmt.Sprintf("worker-%d", workerID))
	if err != nil {
		s.log.Warn("claim failed", "error", err)
		return
	}
	if g == nil {
		return
	}

	s.metrics.GroupsClaimed.Inc()
	s.metrics.WorkersBusy.Inc()
	defer s.metrics.WorkersBusy.Dec()

	s.runGroup(ctx, g)
}

// runGroup drives a single claimed group through the ordered stage
// sequence, handling MS locking, timeouts, and retry classification.
func (s *Scheduler) runGroup(ctx context.Context, g *domain.Group) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("stage worker panic", "group_id", g.GroupID, "panic", r)
			s.handleFailure(ctx, g.GroupID, fmt.Errorf("panic: %v", r), false)
		}
	}()

	// Resume at the group's last recorded stage (retry-after-failure case);
	// a freshly assembled group starts at the first stage in the sequence.
	stage := domain.StageConvert
	for _, s := range domain.StageOrder {
		if s == g.ProcessingStage {
			stage = s
			break
		}
	}

	for {
		if err := s.store.SetProcessingStage(ctx, g.GroupID, stage); err != nil {
			s.log.Warn("set processing stage failed", "group_id", g.GroupID, "error", err)
		}

		msPath := s.cfg.MSPathForGroup(g.GroupID)
		release, lockErr := s.locks.Acquire(ctx, msPath, s.cfg.MSLockTimeout)
		if lockErr != nil {
			s.handleFailure(ctx, g.GroupID, lockErr, true)
			return
		}

		s.publish(g.GroupID, eventhub.EventStageStarted, map[string]any{"stage": string(stage)})
		result, err := s.invokeStage(ctx, g.GroupID, stage)
		release()

		if err != nil {
			s.publish(g.GroupID, eventhub.EventStageFinished, map[string]any{"stage": string(stage), "ok": false, "error": err.Error()})
			s.handleFailure(ctx, g.GroupID, err, true)
			return
		}
		if !result.OK {
			fatal := result.Fatal
			cause := fmt.Errorf("%s", result.Error)
			s.publish(g.GroupID, eventhub.EventStageFinished, map[string]any{"stage": string(stage), "ok": false, "error": result.Error})
			s.handleFailure(ctx, g.GroupID, cause, !fatal)
			return
		}

		s.publish(g.GroupID, eventhub.EventStageFinished, map[string]any{"stage": string(stage), "ok": true})

		next, _ := domain.NextStage(stage)
		if next == domain.StageDone {
			if err := s.store.FinishSuccess(ctx, g.GroupID); err != nil {
				s.log.Error("finish success failed", "group_id", g.GroupID, "error", err)
				return
			}
			s.metrics.GroupsCompleted.Inc()
			s.publish(g.GroupID, eventhub.EventGroupStateChanged, map[string]any{"state": domain.GroupCompleted})
			return
		}
		stage = next
	}
}

func (s *Scheduler) invokeStage(ctx context.Context, groupID string, stage domain.ProcessingStage) (stagecontract.Result, error) {
	timeout := s.cfg.StageTimeout(stage)
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	br := s.breakerFor(stage)
	result, err := br.Execute(func() (stagecontract.Result, error) {
		return s.runner.Run(stageCtx, stagecontract.Input{GroupID: groupID, StageName: string(stage)})
	})
	s.metrics.StageDuration.Observe(time.Since(start).Seconds(), string(stage))

	if stageCtx.Err() != nil && err != nil {
		return stagecontract.Result{}, fmt.Errorf("stage %s timed out after %s: %w", stage, timeout, stageCtx.Err())
	}
	return result, err
}

// breakerFor lazily creates a per-stage circuit breaker; an open breaker
// fails fast and publishes a breaker event so operators see repeated
// stage failures without waiting out every retry window.
func (s *Scheduler) breakerFor(stage domain.ProcessingStage) *gobreaker.CircuitBreaker[stagecontract.Result] {
	s.breakersMu.Lock()
	defer s.breakersMu.Unlock()
	if b, ok := s.breakers[stage]; ok {
		return b
	}
	st := string(stage)
	settings := gobreaker.Settings{
		Name:        st,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			evt := eventhub.EventStageBreakerClosed
			if to == gobreaker.StateOpen {
				evt = eventhub.EventStageBreakerOpen
			}
			s.publish("", evt, map[string]any{"stage": name, "from": from.String(), "to": to.String()})
		},
	}
	b := gobreaker.NewCircuitBreaker[stagecontract.Result](settings)
	s.breakers[stage] = b
	return b
}

// handleFailure classifies a stage failure as transient or fatal and
// applies §4.4's retry/backoff policy.
func (s *Scheduler) handleFailure(ctx context.Context, groupID string, cause error, transient bool) {
	if !transient {
		if err := s.store.FinishFailure(ctx, groupID, cause, 0, 0); err != nil {
			s.log.Error("finish failure (fatal) failed", "group_id", groupID, "error", err)
		}
		s.metrics.GroupsFailed.Inc()
		s.publish(groupID, eventhub.EventGroupStateChanged, map[string]any{"state": domain.GroupFailed, "reason": cause.Error()})
		return
	}

	g, err := s.store.Get(ctx, groupID)
	if err != nil {
		s.log.Error("handleFailure: get group failed", "group_id", groupID, "error", err)
		return
	}

	willRetry := g.RetryCount+1 <= s.cfg.MaxGroupRetries
	delay := time.Duration(0)
	if willRetry {
		delay = computeBackoff(s.cfg.BaseBackoff, s.cfg.MaxBackoff, g.RetryCount+1)
	}

	if err := s.store.FinishFailure(ctx, groupID, cause, s.cfg.MaxGroupRetries, delay); err != nil {
		s.log.Error("finish failure failed", "group_id", groupID, "error", err)
		return
	}
	if !willRetry {
		s.metrics.GroupsFailed.Inc()
		s.publish(groupID, eventhub.EventGroupStateChanged, map[string]any{"state": domain.GroupFailed, "reason": cause.Error()})
		return
	}

	s.log.Warn("group retrying after transient failure", "group_id", groupID, "retry_count", g.RetryCount+1, "delay", delay, "error", cause)
	s.publish(groupID, eventhub.EventGroupStateChanged, map[string]any{"state": domain.GroupPending, "reason": cause.Error(), "retry_delay_s": delay.Seconds()})
}

// computeBackoff is delay = base * 2^(attempt-1) capped at max, with
// +/-20% jitter, matching the teacher's computeBackoff helper.
func computeBackoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 10 * time.Minute
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > max {
		d = max
	}
	jitter := float64(d) * 0.20
	low := float64(d) - jitter
	high := float64(d) + jitter
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rand.Float64()*(high-low))
}

// reaperLoop returns in_progress groups older than ClaimReaperAge back to
// pending (§4.4 restart reaper).
func (s *Scheduler) reaperLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.ClaimReaperAge / 4
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.ReapStuckClaims(ctx, s.cfg.ClaimReaperAge)
			if err != nil {
				s.log.Warn("reaper failed", "error", err)
				continue
			}
			if n > 0 {
				s.log.Info("reaped stuck claims", "count", n)
			}
		}
	}
}

func (s *Scheduler) publish(groupID string, t eventhub.EventType, data map[string]any) {
	if s.hub == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	if groupID != "" {
		data["group_id"] = groupID
	}
	s.hub.Publish(eventhub.Event{Channel: "groups", Type: t, Data: data})
}
