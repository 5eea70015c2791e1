package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v82"

	"fitworks/api_escrow/internal/billing"
	"fitworks/api_escrow/pkg/api/bursar"
	"fitworks/api_escrow/pkg/logging"
	"fitworks/api_escrow/pkg/models"
)

// listProviderSubscriptions is replaced in tests to avoid provider calls
var listProviderSubscriptions = func(mode billing.Mode, customerID string) ([]*stripe.Subscription, error) {
	client := billing.NewClient(mode, logger)
	return client.ListAllSubscriptions(context.Background(), customerID)
}

// SyncSubscription handles POST /billing/sync. It reconciles one user's
// mirrored subscription state against the billing provider: every
// subscription page is fetched, the latest period end wins, and the period
// end is unioned into the append-only expiration history.
func SyncSubscription(c *gin.Context) {
	var req bursar.SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, &ValidationError{Field: "body", Msg: err.Error()})
		return
	}
	if req.UserID == "" && req.ExternalCustomerID == "" {
		respondError(c, &ValidationError{Field: "userId", Msg: "userId or externalCustomerId is required"})
		return
	}

	mode := billing.ResolveMode(c.GetHeader("Referer"))
	resp, err := syncSubscriptionState(mode, req.UserID, req.ExternalCustomerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// syncSubscriptionState runs one reconciliation pass for a user. A user
// without an external customer id, or a customer without subscriptions, is a
// successful no-op rather than an error.
func syncSubscriptionState(mode billing.Mode, userID, customerID string) (*bursar.SyncResponse, error) {
	var username, email string

	switch {
	case userID != "":
		err := db.QueryRow(`
			SELECT COALESCE(external_customer_id, ''), COALESCE(username, ''), COALESCE(email, '')
			FROM app.users WHERE id = $1
		`, userID).Scan(&customerID, &username, &email)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Kind: "user", ID: userID}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load user: %w", err)
		}
		if customerID == "" {
			return &bursar.SyncResponse{
				Success: true,
				Message: "user has no external billing customer, nothing to sync",
			}, nil
		}
	default:
		// Resolve the user from the customer id, checking historical aliases
		err := db.QueryRow(`
			SELECT id, COALESCE(username, ''), COALESCE(email, '')
			FROM app.users
			WHERE external_customer_id = $1 OR $1 = ANY(external_aliases)
		`, customerID).Scan(&userID, &username, &email)
		if errors.Is(err, sql.ErrNoRows) {
			return &bursar.SyncResponse{
				Success: true,
				Message: "no user for external customer, nothing to sync",
			}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve user by customer: %w", err)
		}
	}

	subs, err := listProviderSubscriptions(mode, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return &bursar.SyncResponse{
			Success: true,
			Message: "customer has no subscriptions, nothing to sync",
		}, nil
	}

	// The subscription with the latest period end is authoritative for
	// status and plan
	var (
		latestEnd    int64
		latestStatus string
		latestPrice  string
	)
	for _, sub := range subs {
		end := billing.SubscriptionPeriodEnd(sub)
		if end >= latestEnd {
			latestEnd = end
			latestStatus = string(sub.Status)
			latestPrice = billing.SubscriptionPriceID(sub)
		}
	}

	if latestEnd == 0 {
		// No subscription carries a period end (e.g. items missing); writing
		// would union the zero time into the history
		logger.WithField("user_id", userID).Warn("No subscription period end available, skipping sync")
		return &bursar.SyncResponse{
			Success: true,
			Message: "no subscription period end available, nothing to sync",
		}, nil
	}

	subscriptionType, ok := mode.Prices.PlanForPrice(latestPrice)
	if !ok {
		logger.WithFields(logging.Fields{
			"price_id": latestPrice,
			"user_id":  userID,
			"mode":     mode.Name,
		}).Warn("Unknown price id, leaving subscription type unmapped")
	}

	expiration := time.Unix(latestEnd, 0).UTC()
	if err := upsertSubscriptionRecord(userID, customerID, subscriptionType, latestStatus, expiration, username, email); err != nil {
		return nil, err
	}

	logger.WithFields(logging.Fields{
		"user_id":           userID,
		"customer_id":       customerID,
		"subscription_type": subscriptionType,
		"status":            latestStatus,
		"expiration":        expiration,
	}).Info("Synchronized subscription state")

	return &bursar.SyncResponse{
		Success:          true,
		SubscriptionType: subscriptionType,
		Status:           latestStatus,
		ExpirationDate:   &expiration,
	}, nil
}

// upsertSubscriptionRecord merge-writes the mirrored record. The expiration
// history only ever grows: the new period end is unioned with whatever is
// already recorded, so a stale sync can never shrink a user's entitlement
// window.
func upsertSubscriptionRecord(userID, customerID, subscriptionType, status string, periodEnd time.Time, username, email string) error {
	recordID := uuid.NewSHA1(uuid.NameSpaceOID, []byte("subscription:"+userID)).String()
	_, err := db.Exec(`
		INSERT INTO bursar.subscription_records (
			id, user_id, external_customer_id, subscription_type, status,
			expiration_history, username, user_email, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			external_customer_id = EXCLUDED.external_customer_id,
			subscription_type = CASE WHEN EXCLUDED.subscription_type = '' THEN bursar.subscription_records.subscription_type ELSE EXCLUDED.subscription_type END,
			status = EXCLUDED.status,
			expiration_history = (
				SELECT array_agg(DISTINCT e ORDER BY e)
				FROM unnest(bursar.subscription_records.expiration_history || EXCLUDED.expiration_history) AS e
			),
			username = CASE WHEN bursar.subscription_records.username = '' THEN EXCLUDED.username ELSE bursar.subscription_records.username END,
			user_email = CASE WHEN bursar.subscription_records.user_email = '' THEN EXCLUDED.user_email ELSE bursar.subscription_records.user_email END,
			updated_at = NOW()
	`, recordID, userID, customerID, subscriptionType, status, models.TimeArray{periodEnd}, username, email)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription record: %w", err)
	}
	return nil
}

// migrateExpirationHistory folds a legacy single expiration column into the
// append-only history for one user. Safe to run repeatedly.
func migrateExpirationHistory(userID string) error {
	res, err := db.Exec(`
		UPDATE bursar.subscription_records
		SET expiration_history = (
			SELECT array_agg(DISTINCT e ORDER BY e)
			FROM unnest(expiration_history || ARRAY[legacy_expires_at]) AS e
			WHERE e IS NOT NULL
		),
		    updated_at = NOW()
		WHERE user_id = $1 AND legacy_expires_at IS NOT NULL
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to migrate expiration history: %w", err)
	}

	migrated, _ := res.RowsAffected()
	if migrated > 0 {
		logger.WithField("user_id", userID).Info("Folded legacy expiration into history")
	}
	return nil
}

// GetSubscription handles GET /billing/subscription/:user_id
func GetSubscription(c *gin.Context) {
	userID := c.Param("user_id")

	var rec models.SubscriptionRecord
	err := db.QueryRow(`
		SELECT id, user_id, external_customer_id, subscription_type, status,
		       expiration_history, username, user_email, updated_at
		FROM bursar.subscription_records
		WHERE user_id = $1
	`, userID).Scan(&rec.ID, &rec.UserID, &rec.ExternalCustomerID, &rec.SubscriptionType, &rec.Status,
		&rec.ExpirationHistory, &rec.Username, &rec.UserEmail, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		respondError(c, &NotFoundError{Kind: "subscription record", ID: userID})
		return
	}
	if err != nil {
		respondError(c, fmt.Errorf("failed to load subscription record: %w", err))
		return
	}

	c.JSON(http.StatusOK, bursar.SubscriptionResponse{Subscription: &rec})
}
