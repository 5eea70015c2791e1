package handlers

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"fitworks/api_escrow/pkg/api/bursar"
	"fitworks/api_escrow/pkg/logging"
	"fitworks/api_escrow/pkg/models"
)

// Promo validation failure reasons, surfaced to the client in order of
// first failure
const (
	promoReasonNotFound    = "promo code not found or inactive"
	promoReasonWrongType   = "promo code is not valid for this context"
	promoReasonExpired     = "promo code has expired"
	promoReasonLimitReach  = "promo code usage limit reached"
	promoReasonAlreadyUsed = "promo code already used by this user"
)

// HandlePromo handles POST /promo for both validate and use actions
func HandlePromo(c *gin.Context) {
	var req bursar.PromoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, &ValidationError{Field: "body", Msg: err.Error()})
		return
	}
	if req.Code == "" {
		respondError(c, &ValidationError{Field: "code", Msg: "required"})
		return
	}
	if req.UserID == "" {
		respondError(c, &ValidationError{Field: "userId", Msg: "required"})
		return
	}

	switch req.Action {
	case "", "validate":
		promo, reason, err := validatePromoCode(req.Code, req.UserID, req.Type)
		if err != nil {
			respondError(c, err)
			return
		}
		if reason != "" {
			c.JSON(http.StatusOK, bursar.PromoResponse{IsValid: false, Error: reason})
			return
		}
		c.JSON(http.StatusOK, bursar.PromoResponse{IsValid: true, PromoCode: promo})
	case "use":
		promo, reason, err := usePromoCode(req.Code, req.UserID, req.Type, req.Metadata)
		if err != nil {
			respondError(c, err)
			return
		}
		if reason != "" {
			c.JSON(http.StatusOK, bursar.PromoResponse{IsValid: false, Error: reason})
			return
		}
		c.JSON(http.StatusOK, bursar.PromoResponse{IsValid: true, PromoCode: promo})
	default:
		respondError(c, &ValidationError{Field: "action", Msg: "must be validate or use"})
	}
}

// validatePromoCode runs the validation chain and returns the first failure
// reason, short-circuiting in order: existence/active, type, expiry,
// capacity, prior use.
func validatePromoCode(code, userID, expectedType string) (*models.PromoCode, string, error) {
	promo, err := loadPromoCode(db, code)
	if err != nil {
		return nil, "", err
	}

	if reason := checkPromoCode(promo, expectedType, time.Now()); reason != "" {
		return nil, reason, nil
	}

	used, err := hasPromoUsage(db, promo.ID, userID)
	if err != nil {
		return nil, "", err
	}
	if used {
		return nil, promoReasonAlreadyUsed, nil
	}

	return promo, "", nil
}

type promoQuerier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

// loadPromoCode fetches a promo code by its lower-cased code. A missing or
// inactive code is reported through a nil result, not an error.
func loadPromoCode(q promoQuerier, code string) (*models.PromoCode, error) {
	var promo models.PromoCode
	err := q.QueryRow(`
		SELECT id, code, type, is_active, usage_limit, usage_count, expires_at, created_at
		FROM bursar.promo_codes
		WHERE code = $1
	`, strings.ToLower(strings.TrimSpace(code))).Scan(
		&promo.ID, &promo.Code, &promo.Type, &promo.IsActive,
		&promo.UsageLimit, &promo.UsageCount, &promo.ExpiresAt, &promo.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load promo code: %w", err)
	}
	return &promo, nil
}

// checkPromoCode applies the stateless validation steps in order and returns
// the first failure reason, or "" when the code passes
func checkPromoCode(promo *models.PromoCode, expectedType string, now time.Time) string {
	if promo == nil || !promo.IsActive {
		return promoReasonNotFound
	}
	if expectedType != "" && promo.Type != expectedType {
		return promoReasonWrongType
	}
	if promo.ExpiresAt != nil && promo.ExpiresAt.Before(now) {
		return promoReasonExpired
	}
	if promo.UsageLimit != nil && promo.UsageCount >= *promo.UsageLimit {
		return promoReasonLimitReach
	}
	return ""
}

func hasPromoUsage(q promoQuerier, promoCodeID, userID string) (bool, error) {
	var exists bool
	err := q.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM bursar.promo_code_usages WHERE promo_code_id = $1 AND user_id = $2)
	`, promoCodeID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check promo usage: %w", err)
	}
	return exists, nil
}

// usePromoCode redeems a code: it re-validates inside a transaction holding
// a row lock on the code, then inserts the usage and increments the counter
// as one atomic unit. Two concurrent redemptions of the last slot cannot
// both succeed: one blocks on the lock and re-validates against the
// incremented count, and the guarded UPDATE plus the usage uniqueness
// constraint each independently reject the loser.
func usePromoCode(code, userID, expectedType string, metadata map[string]string) (*models.PromoCode, string, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, "", fmt.Errorf("failed to begin promo transaction: %w", err)
	}
	defer tx.Rollback()

	var promo models.PromoCode
	err = tx.QueryRow(`
		SELECT id, code, type, is_active, usage_limit, usage_count, expires_at, created_at
		FROM bursar.promo_codes
		WHERE code = $1
		FOR UPDATE
	`, strings.ToLower(strings.TrimSpace(code))).Scan(
		&promo.ID, &promo.Code, &promo.Type, &promo.IsActive,
		&promo.UsageLimit, &promo.UsageCount, &promo.ExpiresAt, &promo.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, promoReasonNotFound, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to lock promo code: %w", err)
	}

	if reason := checkPromoCode(&promo, expectedType, time.Now()); reason != "" {
		return nil, reason, nil
	}

	meta := models.JSONB{}
	for k, v := range metadata {
		meta[k] = v
	}

	usageID := uuid.New().String()
	_, err = tx.Exec(`
		INSERT INTO bursar.promo_code_usages (id, promo_code_id, user_id, used_at, metadata)
		VALUES ($1, $2, $3, NOW(), $4)
	`, usageID, promo.ID, userID, meta)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			return nil, promoReasonAlreadyUsed, nil
		}
		return nil, "", fmt.Errorf("failed to insert promo usage: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE bursar.promo_codes
		SET usage_count = usage_count + 1
		WHERE id = $1 AND (usage_limit IS NULL OR usage_count < usage_limit)
	`, promo.ID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to increment promo usage count: %w", err)
	}
	incremented, _ := res.RowsAffected()
	if incremented == 0 {
		// Capacity was consumed between validation and increment; the
		// rollback also discards the usage insert
		return nil, promoReasonLimitReach, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("failed to commit promo redemption: %w", err)
	}

	promo.UsageCount++

	if metrics != nil && metrics.PromoRedemptions != nil {
		metrics.PromoRedemptions.WithLabelValues(promo.Type).Inc()
	}

	logger.WithFields(logging.Fields{
		"promo_code_id": promo.ID,
		"code":          promo.Code,
		"user_id":       userID,
		"usage_count":   promo.UsageCount,
	}).Info("Promo code redeemed")

	return &promo, "", nil
}
