package handlers

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"fitworks/api_escrow/pkg/api/bursar"
	"fitworks/api_escrow/pkg/logging"
	"fitworks/api_escrow/pkg/models"
)

// EscrowRecordID derives the deterministic document id for a provider
// payment. The same payment always maps to the same id, which makes webhook
// redelivery safe.
func EscrowRecordID(paymentID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("escrow:"+paymentID)).String()
}

// EscrowDeposit carries everything needed to create a held escrow record
type EscrowDeposit struct {
	PaymentID           string
	ChallengeID         string
	Amount              int64
	TotalAmountCharged  int64
	Currency            string
	ProviderFeeEstimate int64
	PlatformFee         int64
	DepositorUserID     string
	DepositorName       string
	DepositorEmail      string
}

// createEscrowRecord inserts a held escrow record keyed by the payment id.
// A payment that already has a record returns ErrAlreadyExists and changes
// nothing.
func createEscrowRecord(dep EscrowDeposit) (string, error) {
	if dep.PaymentID == "" {
		return "", &ValidationError{Field: "payment_id", Msg: "required"}
	}
	if dep.ChallengeID == "" {
		return "", &ValidationError{Field: "challenge_id", Msg: "required"}
	}

	recordID := EscrowRecordID(dep.PaymentID)
	res, err := db.Exec(`
		INSERT INTO bursar.escrow_records (
			id, payment_id, challenge_id, amount, total_amount_charged,
			currency, status, provider_fee_estimate, platform_fee,
			depositor_user_id, depositor_name, depositor_email,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		ON CONFLICT (payment_id) DO NOTHING
	`, recordID, dep.PaymentID, dep.ChallengeID, dep.Amount, dep.TotalAmountCharged,
		dep.Currency, models.EscrowStatusHeld, dep.ProviderFeeEstimate, dep.PlatformFee,
		dep.DepositorUserID, dep.DepositorName, dep.DepositorEmail)
	if err != nil {
		return "", fmt.Errorf("failed to create escrow record: %w", err)
	}

	inserted, _ := res.RowsAffected()
	if inserted == 0 {
		return recordID, ErrAlreadyExists
	}

	if metrics != nil && metrics.EscrowOperations != nil {
		metrics.EscrowOperations.WithLabelValues("create", "held").Inc()
	}

	logger.WithFields(logging.Fields{
		"escrow_record_id": recordID,
		"payment_id":       dep.PaymentID,
		"challenge_id":     dep.ChallengeID,
		"amount":           dep.Amount,
	}).Info("Created escrow record")

	return recordID, nil
}

// transitionEscrowStatus moves an escrow record out of held. held is the only
// legal source state; released and refunded are terminal.
func transitionEscrowStatus(recordID, newStatus string) error {
	if newStatus != models.EscrowStatusReleased && newStatus != models.EscrowStatusRefunded {
		return &ValidationError{Field: "status", Msg: "must be released or refunded"}
	}

	res, err := db.Exec(`
		UPDATE bursar.escrow_records
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, newStatus, recordID, models.EscrowStatusHeld)
	if err != nil {
		return fmt.Errorf("failed to transition escrow record: %w", err)
	}

	updated, _ := res.RowsAffected()
	if updated == 0 {
		var current string
		err := db.QueryRow(`SELECT status FROM bursar.escrow_records WHERE id = $1`, recordID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return &NotFoundError{Kind: "escrow record", ID: recordID}
		}
		if err != nil {
			return fmt.Errorf("failed to check escrow record: %w", err)
		}
		return &ConflictError{Msg: fmt.Sprintf("escrow record is %s, only held records can transition", current)}
	}

	if metrics != nil && metrics.EscrowOperations != nil {
		metrics.EscrowOperations.WithLabelValues("transition", newStatus).Inc()
	}

	logger.WithFields(logging.Fields{
		"escrow_record_id": recordID,
		"status":           newStatus,
	}).Info("Escrow record transitioned")

	return nil
}

// ReleaseEscrowRecord handles POST /escrow/records/:record_id/release
func ReleaseEscrowRecord(c *gin.Context) {
	if err := transitionEscrowStatus(c.Param("record_id"), models.EscrowStatusReleased); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": models.EscrowStatusReleased})
}

// RefundEscrowRecord handles POST /escrow/records/:record_id/refund
func RefundEscrowRecord(c *gin.Context) {
	recordID := c.Param("record_id")
	if err := transitionEscrowStatus(recordID, models.EscrowStatusRefunded); err != nil {
		respondError(c, err)
		return
	}

	go sendDepositStatusEmail(recordID, "refunded")

	c.JSON(http.StatusOK, gin.H{"success": true, "status": models.EscrowStatusRefunded})
}

// GetEscrowRecords handles GET /escrow/records/:challenge_id
func GetEscrowRecords(c *gin.Context) {
	challengeID := c.Param("challenge_id")

	rows, err := db.Query(`
		SELECT id, payment_id, challenge_id, amount, total_amount_charged,
		       currency, status, provider_fee_estimate, platform_fee,
		       depositor_user_id, depositor_name, depositor_email,
		       created_at, updated_at
		FROM bursar.escrow_records
		WHERE challenge_id = $1
		ORDER BY created_at DESC
	`, challengeID)
	if err != nil {
		respondError(c, fmt.Errorf("failed to list escrow records: %w", err))
		return
	}
	defer rows.Close()

	records := []models.EscrowRecord{}
	for rows.Next() {
		var r models.EscrowRecord
		if err := rows.Scan(&r.ID, &r.PaymentID, &r.ChallengeID, &r.Amount, &r.TotalAmountCharged,
			&r.Currency, &r.Status, &r.ProviderFeeEstimate, &r.PlatformFee,
			&r.DepositorUserID, &r.DepositorName, &r.DepositorEmail,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			respondError(c, fmt.Errorf("failed to scan escrow record: %w", err))
			return
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		respondError(c, fmt.Errorf("failed to read escrow records: %w", err))
		return
	}

	c.JSON(http.StatusOK, bursar.EscrowRecordsResponse{
		ChallengeID: challengeID,
		Records:     records,
	})
}

// UpdatePrizeAssignment handles POST /challenges/prize. Prize amounts are
// immutable once the assignment has been funded.
func UpdatePrizeAssignment(c *gin.Context) {
	var req bursar.PrizeEditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, &ValidationError{Field: "body", Msg: err.Error()})
		return
	}
	if req.AssignmentID == "" {
		respondError(c, &ValidationError{Field: "assignmentId", Msg: "required"})
		return
	}

	var fundingStatus string
	err := db.QueryRow(`
		SELECT funding_status FROM bursar.prize_assignments WHERE id = $1
	`, req.AssignmentID).Scan(&fundingStatus)
	if errors.Is(err, sql.ErrNoRows) {
		respondError(c, &NotFoundError{Kind: "prize assignment", ID: req.AssignmentID})
		return
	}
	if err != nil {
		respondError(c, fmt.Errorf("failed to load prize assignment: %w", err))
		return
	}

	if req.PrizeAmount != nil {
		if fundingStatus == models.FundingStatusFunded {
			respondError(c, &ConflictError{Msg: "prize amount cannot be changed after funding"})
			return
		}
		if *req.PrizeAmount < 0 {
			respondError(c, &ValidationError{Field: "prizeAmount", Msg: "must not be negative"})
			return
		}

		_, err = db.Exec(`
			UPDATE bursar.prize_assignments
			SET prize_amount = $1, updated_at = NOW()
			WHERE id = $2
		`, *req.PrizeAmount, req.AssignmentID)
		if err != nil {
			respondError(c, fmt.Errorf("failed to update prize assignment: %w", err))
			return
		}

		logger.WithFields(logging.Fields{
			"assignment_id": req.AssignmentID,
			"prize_amount":  *req.PrizeAmount,
		}).Info("Updated prize assignment amount")
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// markPrizeAssignmentFunded records the funding summary on the challenge's
// prize assignment after a deposit lands in escrow. The funding status never
// moves backward.
func markPrizeAssignmentFunded(challengeID, escrowRecordID, depositorUserID string, depositedAmount, platformFee int64) error {
	now := time.Now()
	res, err := db.Exec(`
		UPDATE bursar.prize_assignments
		SET funding_status = $1,
		    deposited_amount = deposited_amount + $2,
		    platform_fee_collected = platform_fee_collected + $3,
		    escrow_record_id = $4,
		    deposited_at = COALESCE(deposited_at, $5),
		    deposited_by = CASE WHEN deposited_by = '' THEN $6 ELSE deposited_by END,
		    updated_at = NOW()
		WHERE challenge_id = $7
	`, models.FundingStatusFunded, depositedAmount, platformFee, escrowRecordID, now, depositorUserID, challengeID)
	if err != nil {
		return fmt.Errorf("failed to update prize assignment funding: %w", err)
	}

	updated, _ := res.RowsAffected()
	if updated == 0 {
		return &NotFoundError{Kind: "prize assignment", ID: challengeID}
	}

	logger.WithFields(logging.Fields{
		"challenge_id":     challengeID,
		"escrow_record_id": escrowRecordID,
		"deposited_amount": depositedAmount,
	}).Info("Marked prize assignment funded")

	return nil
}
