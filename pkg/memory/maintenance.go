package memory

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

// MaintenanceConfig drives the background worker. Cron expressions are
// standard five-field crontab.
type MaintenanceConfig struct {
	PollInterval      time.Duration
	DecayCron         string
	ConsolidationCron string
	// SweepLimit bounds how many memories one decay pass touches per user.
	SweepLimit int
}

func (c MaintenanceConfig) withDefaults() MaintenanceConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.DecayCron == "" {
		c.DecayCron = "0 3 * * *"
	}
	if c.ConsolidationCron == "" {
		c.ConsolidationCron = "30 3 * * *"
	}
	if c.SweepLimit <= 0 {
		c.SweepLimit = 500
	}
	return c
}

// UserDirectory enumerates users for background sweeps.
type UserDirectory interface {
	ListUserIDs(ctx context.Context) ([]string, error)
}

// MaintenanceWorker runs scheduled decay and consolidation sweeps. Decay is
// otherwise lazy (applied at read time by the scorer); the sweep only
// persists lifecycle consequences, moving stale memories to aging.
type MaintenanceWorker struct {
	cfg    MaintenanceConfig
	svc    *Service
	users  UserDirectory
	gron   *gronx.Gronx
	logger *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewMaintenanceWorker(cfg MaintenanceConfig, svc *Service, users UserDirectory, logger *zap.Logger) *MaintenanceWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MaintenanceWorker{
		cfg:    cfg.withDefaults(),
		svc:    svc,
		users:  users,
		gron:   gronx.New(),
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start launches the polling loop.
func (w *MaintenanceWorker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop signals the loop and waits for the in-flight sweep to finish.
func (w *MaintenanceWorker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *MaintenanceWorker) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.tick(context.Background())
		}
	}
}

func (w *MaintenanceWorker) tick(ctx context.Context) {
	decayDue, err := w.gron.IsDue(w.cfg.DecayCron)
	if err != nil {
		w.logger.Warn("bad decay cron expression", zap.String("cron", w.cfg.DecayCron), zap.Error(err))
	}
	consolidationDue, err := w.gron.IsDue(w.cfg.ConsolidationCron)
	if err != nil {
		w.logger.Warn("bad consolidation cron expression", zap.String("cron", w.cfg.ConsolidationCron), zap.Error(err))
	}
	if !decayDue && !consolidationDue {
		return
	}

	userIDs, err := w.users.ListUserIDs(ctx)
	if err != nil {
		w.logger.Warn("maintenance user listing failed", zap.Error(err))
		return
	}
	for _, userID := range userIDs {
		if decayDue {
			w.decaySweep(ctx, userID)
		}
		if consolidationDue {
			w.consolidationSweep(ctx, userID)
		}
	}
}

// decaySweep demotes memories whose effective confidence decayed under the
// deactivation floor. Decayed values themselves are never written back;
// writing them would compound decay on the next sweep.
func (w *MaintenanceWorker) decaySweep(ctx context.Context, userID string) {
	memories, err := w.svc.store.ListActiveSemantic(ctx, userID, w.cfg.SweepLimit)
	if err != nil {
		w.logger.Warn("decay sweep listing failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	now := time.Now()
	demoted := 0
	for _, m := range memories {
		if m.Status != StatusActive {
			continue
		}
		if !w.svc.validator.ShouldDeactivate(m, now) {
			continue
		}
		if err := w.svc.store.TransitionStatus(ctx, m.ID, StatusAging, "", m.Version); err != nil {
			w.logger.Warn("decay demotion failed", zap.String("memory_id", m.ID), zap.Error(err))
			continue
		}
		demoted++
	}
	if demoted > 0 {
		w.logger.Info("decay sweep complete",
			zap.String("user_id", userID),
			zap.Int("checked", len(memories)),
			zap.Int("demoted", demoted),
		)
		_ = w.svc.store.AddMetric(ctx, "maintenance.demoted", float64(demoted), map[string]string{"user": userID})
	}
}

func (w *MaintenanceWorker) consolidationSweep(ctx context.Context, userID string) {
	scopes, err := w.svc.PendingScopes(ctx, userID)
	if err != nil {
		w.logger.Warn("pending scope listing failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	for _, scope := range scopes {
		summary, err := w.svc.Consolidate(ctx, userID, scope, true)
		if err != nil {
			w.logger.Warn("scheduled consolidation failed",
				zap.String("user_id", userID),
				zap.String("scope", string(scope.Type)),
				zap.Error(err),
			)
			continue
		}
		w.logger.Info("scheduled consolidation complete",
			zap.String("user_id", userID),
			zap.String("scope", string(scope.Type)),
			zap.String("summary_id", summary.ID),
			zap.Bool("fallback", summary.Fallback),
		)
	}
}
