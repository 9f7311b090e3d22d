package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// reconcileLockID serializes reconciler runs across instances.
const reconcileLockID = int64(720413551)

// Orphan is a history row recording a transition whose prescription update
// never committed. The approval transaction makes this impossible under
// normal operation; the reconciler surfaces it rather than hiding it if the
// two writes are ever split.
type Orphan struct {
	HistoryID      string
	PrescriptionID string
	VersionNumber  int
	CurrentVersion int
	EditedAt       time.Time
}

// ReconcilerConfig holds configuration for the reconciliation job.
type ReconcilerConfig struct {
	// Interval is how often to scan the ledger.
	Interval time.Duration
}

// DefaultReconcilerConfig returns sensible defaults.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{Interval: 5 * time.Minute}
}

// Reconciler scans for history rows whose prescription version never
// advanced past them. Findings are reported, not repaired: the operator
// resolves them out of band.
type Reconciler struct {
	pool   *pgxpool.Pool
	config ReconcilerConfig
	logger *zap.Logger
	report func(int)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconciler creates a reconciliation job. report, if non-nil, receives
// the orphan count after every scan (used to drive a gauge).
func NewReconciler(pool *pgxpool.Pool, cfg ReconcilerConfig, report func(int), logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		pool:   pool,
		config: cfg,
		logger: logger,
		report: report,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start begins periodic scanning.
func (r *Reconciler) Start() {
	go r.loop()
	r.logger.Info("reconciler started", zap.Duration("interval", r.config.Interval))
}

// Stop gracefully stops the reconciler.
func (r *Reconciler) Stop() {
	r.cancel()
	<-r.done
	r.logger.Info("reconciler stopped")
}

func (r *Reconciler) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	// Scan once at startup so a crash-induced inconsistency is visible
	// without waiting a full interval.
	r.runScan()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.runScan()
		}
	}
}

func (r *Reconciler) runScan() {
	var acquired bool
	if err := r.pool.QueryRow(r.ctx, "SELECT pg_try_advisory_lock($1)", reconcileLockID).Scan(&acquired); err != nil || !acquired {
		return
	}
	defer r.pool.Exec(r.ctx, "SELECT pg_advisory_unlock($1)", reconcileLockID)

	orphans, err := r.Scan(r.ctx)
	if err != nil {
		r.logger.Error("reconciliation scan failed", zap.Error(err))
		return
	}

	if r.report != nil {
		r.report(len(orphans))
	}
	for _, o := range orphans {
		r.logger.Warn("history row without matching prescription version",
			zap.String("history_id", o.HistoryID),
			zap.String("prescription_id", o.PrescriptionID),
			zap.Int("version_number", o.VersionNumber),
			zap.Int("current_version", o.CurrentVersion),
			zap.Time("edited_at", o.EditedAt))
	}
}

// Scan returns every history row whose version number is not strictly below
// its prescription's current version. A row with version number N implies
// the prescription reached version N+1.
func (r *Reconciler) Scan(ctx context.Context) ([]Orphan, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT h.id, h.prescription_id, h.version_number, p.version, h.edited_at
		FROM prescription_history h
		JOIN prescriptions p ON p.id = h.prescription_id
		WHERE h.version_number >= p.version
		ORDER BY h.edited_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}
	defer rows.Close()

	var orphans []Orphan
	for rows.Next() {
		var o Orphan
		if err := rows.Scan(&o.HistoryID, &o.PrescriptionID, &o.VersionNumber,
			&o.CurrentVersion, &o.EditedAt); err != nil {
			return nil, fmt.Errorf("scan orphan row: %w", err)
		}
		orphans = append(orphans, o)
	}
	return orphans, rows.Err()
}
