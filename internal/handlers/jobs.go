package handlers

import (
	"context"
	"database/sql"
	"time"

	"fitworks/api_escrow/internal/billing"
	"fitworks/api_escrow/pkg/config"
	"fitworks/api_escrow/pkg/logging"
)

// JobManager runs the scheduled reconciliation sweeps
type JobManager struct {
	db                 *sql.DB
	logger             logging.Logger
	stopCh             chan struct{}
	sweepLimit         int
	reconcileInterval  time.Duration
	promoSweepInterval time.Duration
}

// NewJobManager creates a new job manager
func NewJobManager(database *sql.DB, log logging.Logger) *JobManager {
	return &JobManager{
		db:                 database,
		logger:             log,
		stopCh:             make(chan struct{}),
		sweepLimit:         config.GetEnvInt("RECONCILIATION_SWEEP_LIMIT", 100),
		reconcileInterval:  config.GetEnvDuration("RECONCILIATION_INTERVAL", 6*time.Hour),
		promoSweepInterval: config.GetEnvDuration("PROMO_EXPIRY_INTERVAL", 12*time.Hour),
	}
}

// Start begins all background jobs
func (jm *JobManager) Start(ctx context.Context) {
	jm.logger.Info("Starting escrow job manager")

	// Start subscription reconciliation sweep
	go jm.runSubscriptionReconciliation(ctx)

	// Start promo code expiry sweep
	go jm.runPromoExpirySweep(ctx)
}

// Stop stops all background jobs
func (jm *JobManager) Stop() {
	jm.logger.Info("Stopping escrow job manager")
	close(jm.stopCh)
}

func (jm *JobManager) runSubscriptionReconciliation(ctx context.Context) {
	ticker := time.NewTicker(jm.reconcileInterval)
	defer ticker.Stop()

	jm.logger.Info("Starting subscription reconciliation job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.reconcileRecentlyExpired()
		}
	}
}

// reconcileRecentlyExpired re-syncs users whose effective expiration passed
// in the last week. Catches renewals whose webhook never arrived.
func (jm *JobManager) reconcileRecentlyExpired() {
	jm.logger.Info("Running subscription reconciliation sweep")

	rows, err := jm.db.Query(`
		SELECT user_id
		FROM bursar.subscription_records
		WHERE user_id <> ''
		  AND external_customer_id <> ''
		  AND (SELECT max(e) FROM unnest(expiration_history) AS e) BETWEEN NOW() - INTERVAL '7 days' AND NOW()
		ORDER BY updated_at
		LIMIT $1
	`, jm.sweepLimit)
	if err != nil {
		jm.logger.WithError(err).Error("Failed to list recently expired subscriptions")
		return
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			jm.logger.WithError(err).Error("Failed to scan expired subscription row")
			return
		}
		userIDs = append(userIDs, userID)
	}
	if err := rows.Err(); err != nil {
		jm.logger.WithError(err).Error("Failed to read expired subscriptions")
		return
	}

	mode := billing.ResolveMode("")
	synced := 0
	for _, userID := range userIDs {
		if _, err := syncSubscriptionState(mode, userID, ""); err != nil {
			jm.logger.WithError(err).WithField("user_id", userID).Warn("Reconciliation sync failed")
			continue
		}
		synced++
	}

	jm.logger.WithFields(logging.Fields{
		"candidates": len(userIDs),
		"synced":     synced,
	}).Info("Subscription reconciliation sweep completed")
}

func (jm *JobManager) runPromoExpirySweep(ctx context.Context) {
	ticker := time.NewTicker(jm.promoSweepInterval)
	defer ticker.Stop()

	jm.logger.Info("Starting promo code expiry job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.deactivateExpiredPromoCodes()
		}
	}
}

// deactivateExpiredPromoCodes flips is_active off for codes past their
// expiry. Validation already rejects expired codes; this keeps listings
// honest.
func (jm *JobManager) deactivateExpiredPromoCodes() {
	res, err := jm.db.Exec(`
		UPDATE bursar.promo_codes
		SET is_active = false
		WHERE is_active = true AND expires_at IS NOT NULL AND expires_at < NOW()
	`)
	if err != nil {
		jm.logger.WithError(err).Error("Failed to deactivate expired promo codes")
		return
	}

	deactivated, _ := res.RowsAffected()
	if deactivated > 0 {
		jm.logger.WithField("deactivated", deactivated).Info("Deactivated expired promo codes")
	}
}
