// Package orchestrator drives the harvest-transform-publish cycle across all
// configured accounts and schedules recurring cycles.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaypost/relay-bot/internal/capture"
	"github.com/relaypost/relay-bot/internal/config"
	"github.com/relaypost/relay-bot/internal/dedup"
	"github.com/relaypost/relay-bot/internal/models"
	"github.com/relaypost/relay-bot/internal/notifications"
	"github.com/relaypost/relay-bot/internal/session"
	"github.com/relaypost/relay-bot/internal/storage"
	"github.com/relaypost/relay-bot/internal/transform"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Back-to-back cycles never run faster than this, regardless of what the
// pacing configuration says.
const cycleIntervalFloor = 15 * time.Minute

// Per-cycle wall clock bound, so one wedged step cannot stall the process.
const cycleTimeout = 30 * time.Minute

const failedBatchBlob = "failed_batch.json"

type stopMode int

const (
	stopNone stopMode = iota
	stopGraceful
	stopImmediate
)

// Status is the control-plane view of the orchestrator.
type Status struct {
	IsRunning      bool `json:"is_running"`
	ProcessedCount int  `json:"processed_count"`
}

// Service composes the session manager, dedup store, transform gate and
// capture engine into the per-cycle pipeline. A single sequential worker
// runs cycles; control-plane calls are safe from any goroutine.
type Service struct {
	cfg      *config.Config
	session  session.ManagerInterface
	dedup    dedup.StoreInterface
	gate     transform.GateInterface
	capture  capture.EngineInterface
	storage  storage.StorageInterface
	notifier notifications.Notifier

	mu          sync.Mutex
	running     bool
	stop        stopMode
	stopCh      chan struct{}
	cycleActive bool
	processed   int
	cron        *cron.Cron
	lastReport  *models.CycleReport
	failedBatch *models.FailedBatch
}

// NewService wires the pipeline. A failed batch persisted by a previous
// process is reloaded so it remains retryable across restarts.
func NewService(cfg *config.Config, sess session.ManagerInterface, store dedup.StoreInterface,
	gate transform.GateInterface, engine capture.EngineInterface,
	blobs storage.StorageInterface, notifier notifications.Notifier) *Service {

	s := &Service{
		cfg:      cfg,
		session:  sess,
		dedup:    store,
		gate:     gate,
		capture:  engine,
		storage:  blobs,
		notifier: notifier,
	}
	s.loadFailedBatch()
	return s
}

// Start refuses when a run is active, when the session is not authenticated,
// or when a detection event left reauthentication pending. Otherwise it runs
// one cycle synchronously (so the caller sees an immediate failure) and then
// schedules recurring cycles.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("already running")
	}
	if !s.session.IsAuthenticated() {
		s.mu.Unlock()
		return session.ErrNotAuthenticated
	}
	if s.session.NeedsReauth() {
		s.mu.Unlock()
		return fmt.Errorf("reauthentication pending: log in again before starting")
	}
	s.running = true
	s.stop = stopNone
	s.stopCh = make(chan struct{})
	s.cycleActive = true
	s.mu.Unlock()

	logrus.Info("Orchestrator starting, running first cycle now")
	cycleErr := s.runCycle()

	s.mu.Lock()
	s.cycleActive = false
	if s.stop != stopNone {
		// Stopped while the first cycle was running; nothing to schedule.
		s.running = false
		s.stop = stopNone
		s.mu.Unlock()
		return cycleErr
	}

	interval := s.cycleInterval()
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), s.runScheduledCycle); err != nil {
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("failed to schedule cycles: %w", err)
	}
	s.cron.Start()
	s.mu.Unlock()

	logrus.Infof("Recurring cycles scheduled every %v", interval)
	return cycleErr
}

// cycleInterval keeps the schedule at or above the safety floor.
func (s *Service) cycleInterval() time.Duration {
	interval := time.Duration(s.cfg.MaxDelaySeconds) * time.Second
	if interval < cycleIntervalFloor {
		interval = cycleIntervalFloor
	}
	return interval
}

// Stop requests a stop. Immediate cancels the schedule at once and stops
// starting new per-item steps (in-flight work finishes); graceful lets the
// current cycle complete and cancels only the next scheduled cycle. A
// graceful stop issued between cycles transitions to stopped right away,
// since there is no cycle to wait for.
func (s *Service) Stop(immediate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return fmt.Errorf("not running")
	}

	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}

	switch {
	case immediate:
		s.stop = stopImmediate
		close(s.stopCh)
		s.running = false
		logrus.Info("Immediate stop requested: no further items will be started")
	case !s.cycleActive:
		s.running = false
		s.stop = stopNone
		logrus.Info("Graceful stop: no cycle in flight, stopped")
	default:
		s.stop = stopGraceful
		logrus.Info("Graceful stop requested: current cycle will finish, next cycle cancelled")
	}

	return nil
}

// Status reports the control-plane view.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{IsRunning: s.running, ProcessedCount: s.processed}
}

// LastReport returns the most recent cycle report, or nil before the first
// cycle completes.
func (s *Service) LastReport() *models.CycleReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReport
}

// ClearProcessedLinks wipes the dedup store on operator request.
func (s *Service) ClearProcessedLinks() error {
	return s.dedup.Clear()
}

func (s *Service) runScheduledCycle() {
	if s.session.NeedsReauth() {
		logrus.Warn("Skipping scheduled cycle: reauthentication pending")
		return
	}

	s.mu.Lock()
	if !s.running || s.stop != stopNone {
		s.mu.Unlock()
		return
	}
	s.cycleActive = true
	s.mu.Unlock()

	if err := s.runCycle(); err != nil {
		logrus.Errorf("Scheduled cycle failed: %v", err)
	}

	s.mu.Lock()
	s.cycleActive = false
	if s.stop == stopGraceful {
		s.running = false
		s.stop = stopNone
	}
	s.mu.Unlock()
}

// runCycle performs one full harvest-transform-publish pass. Per-account and
// per-item failures are contained here; only cycle-level failures propagate.
func (s *Service) runCycle() error {
	start := time.Now()
	report := &models.CycleReport{StartedAt: start}
	defer s.finishCycle(report, start)

	ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
	defer cancel()

	// An immediate stop cancels the cycle context, so pacing sleeps inside
	// the session manager wake up too, not just the orchestrator's own.
	s.mu.Lock()
	stopCh := s.stopCh
	s.mu.Unlock()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	survivors := s.harvest(ctx, report)
	report.Harvested = len(survivors)
	if len(survivors) == 0 {
		logrus.Info("Cycle complete: nothing new to process")
		return nil
	}

	if s.stopRequested() {
		return nil
	}

	candidates, err := s.gate.Process(ctx, survivors)
	if errors.Is(err, transform.ErrNothingRelevant) {
		logrus.Info("Cycle complete: transform gate found nothing relevant")
		return nil
	}
	if err != nil {
		report.Errors++
		return fmt.Errorf("transform failed, aborting publish phase: %w", err)
	}

	// Pair each rewrite with its source post by index. Mid-batch drops leave
	// gaps in the indices, never a shift.
	items := make([]models.PublishItem, 0, len(candidates))
	for _, c := range candidates {
		if c.SourceIndex < 0 || c.SourceIndex >= len(survivors) {
			continue
		}
		items = append(items, models.PublishItem{Post: survivors[c.SourceIndex], Text: c.Text})
	}

	s.publishItems(ctx, items, report, true)
	return nil
}

// harvest fetches each configured account in order, drops the pinned item
// and anything already published, and accumulates the survivors. A fixed
// pacing delay separates accounts.
func (s *Service) harvest(ctx context.Context, report *models.CycleReport) []models.Post {
	var survivors []models.Post

	for i, target := range s.cfg.Targets {
		if s.stopRequested() {
			logrus.Info("Stop requested, abandoning harvest")
			break
		}
		if i > 0 && !s.pause(time.Duration(s.cfg.AccountDelaySec)*time.Second) {
			break
		}

		posts, err := s.session.FetchItems(ctx, target.Handle, s.cfg.PostsPerAccount)
		if err != nil {
			logrus.Errorf("Fetch failed for @%s, skipping account: %v", target.Handle, err)
			report.Errors++
			continue
		}

		kept := 0
		for _, post := range posts {
			if post.ID == target.PinnedItemID {
				report.Skipped++
				continue
			}
			if s.dedup.Contains(post.CanonicalURL) {
				report.Skipped++
				continue
			}
			survivors = append(survivors, post)
			kept++
		}
		logrus.Infof("Harvested @%s: %d posts, %d new", target.Handle, len(posts), kept)
	}

	return survivors
}

// publishItems runs the publish phase: capture, dedup-record, publish,
// randomized pacing between items. Detection events and capture failures are
// per-item; a plain publish failure after the transform cost was incurred
// checkpoints the unpublished remainder as a failed batch.
func (s *Service) publishItems(ctx context.Context, items []models.PublishItem, report *models.CycleReport, allowCapture bool) {
	var failures []models.PublishItem
	var failReason string

	for i := range items {
		if s.stopRequested() {
			logrus.Infof("Stop requested, %d items not started", len(items)-i)
			break
		}

		item := items[i]
		if allowCapture && item.ArtifactPath == "" {
			item.ArtifactPath = s.capture.Capture(ctx, item.Post.CanonicalURL)
			if item.ArtifactPath == "" {
				logrus.Warnf("Skipping %s: no artifact could be captured", item.Post.CanonicalURL)
				report.Skipped++
				continue
			}
			items[i] = item
		}

		// Record before publishing: a crash between the two produces a
		// skipped item (recoverable via failed-batch retry) rather than a
		// duplicate post, and duplicates are the worse failure here. A record
		// failure defers the item to the failed batch so the transform cost
		// is not wasted.
		if err := s.dedup.Record(item.Post.CanonicalURL); err != nil {
			logrus.Errorf("Dedup record failed for %s, deferring item to failed batch: %v", item.Post.CanonicalURL, err)
			report.Errors++
			failures = append(failures, item)
			if failReason == "" {
				failReason = err.Error()
			}
			continue
		}

		if err := s.session.Publish(ctx, item.Text, item.ArtifactPath); err != nil {
			report.Errors++
			if errors.Is(err, session.ErrDetectionBlocked) {
				logrus.Errorf("Detection event publishing %s, continuing with remaining items: %v", item.Post.CanonicalURL, err)
				failures = append(failures, item)
				if failReason == "" {
					failReason = err.Error()
				}
				continue
			}

			logrus.Errorf("Publish failed for %s, checkpointing remainder: %v", item.Post.CanonicalURL, err)
			failures = append(failures, items[i:]...)
			failReason = err.Error()
			break
		}

		s.mu.Lock()
		s.processed++
		s.mu.Unlock()
		report.Published++

		if i < len(items)-1 {
			delay := randomDelay(
				time.Duration(s.cfg.MinDelaySeconds)*time.Second,
				time.Duration(s.cfg.MaxDelaySeconds)*time.Second,
			)
			if !s.pause(delay) {
				break
			}
		}
	}

	if len(failures) > 0 {
		s.captureFailedBatch(failures, failReason)
	}
}

// RetryFailedBatch replays exactly the stored items through the publish step
// only: no re-harvest, no re-transform, no re-capture.
func (s *Service) RetryFailedBatch() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("cannot retry while a run is active")
	}
	batch := s.failedBatch
	if batch == nil {
		s.mu.Unlock()
		return fmt.Errorf("no failed batch to retry")
	}
	s.stop = stopNone
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if !s.session.IsAuthenticated() {
		return session.ErrNotAuthenticated
	}

	logrus.Infof("Retrying failed batch %s (%d items)", batch.ID, len(batch.Items))

	ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
	defer cancel()

	report := &models.CycleReport{StartedAt: time.Now()}
	s.mu.Lock()
	s.failedBatch = nil
	s.mu.Unlock()

	s.publishItems(ctx, batch.Items, report, false)

	s.mu.Lock()
	stillFailed := s.failedBatch
	s.mu.Unlock()

	if stillFailed != nil {
		return fmt.Errorf("retry incomplete: %d of %d items still unpublished", len(stillFailed.Items), len(batch.Items))
	}

	if err := s.storage.Delete(failedBatchBlob); err != nil {
		logrus.Debugf("No persisted failed batch to remove: %v", err)
	}
	logrus.Infof("Failed batch %s fully republished (%d items)", batch.ID, report.Published)
	return nil
}

// FailedBatchInfo returns the captured failed batch, or nil.
func (s *Service) FailedBatchInfo() *models.FailedBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedBatch
}

func (s *Service) captureFailedBatch(items []models.PublishItem, reason string) {
	batch := &models.FailedBatch{
		ID:        uuid.NewString(),
		Items:     items,
		Reason:    reason,
		Timestamp: time.Now(),
	}

	s.mu.Lock()
	s.failedBatch = batch
	s.mu.Unlock()

	data, err := json.Marshal(batch)
	if err == nil {
		if err := s.storage.Store(failedBatchBlob, data); err != nil {
			logrus.Errorf("Failed to persist failed batch: %v", err)
		}
	}

	logrus.Warnf("Captured failed batch %s: %d unpublished items (%s)", batch.ID, len(items), reason)
	s.alert("failed_batch", "Publish batch failed",
		fmt.Sprintf("%d items were transformed but not published: %s", len(items), reason))
}

func (s *Service) loadFailedBatch() {
	data, err := s.storage.Retrieve(failedBatchBlob)
	if err != nil {
		return
	}

	var batch models.FailedBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		logrus.Errorf("Ignoring unreadable persisted failed batch: %v", err)
		return
	}

	s.failedBatch = &batch
	logrus.Infof("Reloaded failed batch %s (%d items) from storage", batch.ID, len(batch.Items))
}

// finishCycle archives the report and handles the reauth flag and graceful
// stop bookkeeping shared by first and scheduled cycles.
func (s *Service) finishCycle(report *models.CycleReport, start time.Time) {
	report.Duration = time.Since(start).String()
	report.ReauthPending = s.session.NeedsReauth()

	s.mu.Lock()
	s.lastReport = report
	s.mu.Unlock()

	if report.ReauthPending {
		s.alert("detection", "Reauthentication required",
			"A detection event occurred during the cycle; log in again before the next cycle")
	}

	if data, err := json.Marshal(report); err == nil {
		name := fmt.Sprintf("cycle-%s.json", start.Format("2006-01-02-15-04-05"))
		if err := s.storage.Store(name, data); err != nil {
			logrus.Errorf("Failed to archive cycle report: %v", err)
		}
	}

	logrus.Infof("Cycle finished in %v: %d published, %d skipped, %d errors",
		time.Since(start), report.Published, report.Skipped, report.Errors)
}

func (s *Service) alert(kind, title, message string) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.SendAlert(&models.Alert{
		ID:        uuid.NewString(),
		Type:      kind,
		Title:     title,
		Message:   message,
		CreatedAt: time.Now(),
	})
	if err != nil {
		logrus.Errorf("Failed to send operator alert: %v", err)
	}
}

func (s *Service) stopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop == stopImmediate
}

// pause sleeps for d, returning false when an immediate stop interrupted it.
func (s *Service) pause(d time.Duration) bool {
	s.mu.Lock()
	stopCh := s.stopCh
	s.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-stopCh:
		return false
	}
}

func randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
