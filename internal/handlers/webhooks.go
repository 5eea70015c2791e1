package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"fitworks/api_escrow/internal/billing"
	"fitworks/api_escrow/pkg/api/bursar"
	"fitworks/api_escrow/pkg/logging"
)

// Stripe webhook payload structure
// Flexible struct to handle multiple event types (payment_intent, charge)
type StripeWebhookPayload struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"` // Parsed per event type
	} `json:"data"`
}

// StripePaymentIntentObject for payment_intent events
type StripePaymentIntentObject struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	CustomerID string `json:"customer"`
	Metadata   struct {
		Type           string `json:"type"`
		ChallengeID    string `json:"challenge_id"`
		PrizeAmount    string `json:"prizeAmount"`
		PlatformFee    string `json:"platformFee"`
		UserID         string `json:"user_id"`
		DepositorName  string `json:"depositor_name"`
		DepositorEmail string `json:"depositor_email"`
	} `json:"metadata"`
}

// verifyStripeSignature verifies the Stripe webhook signature using HMAC-SHA256
func verifyStripeSignature(payload []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}

	// Parse Stripe signature header format: t=timestamp,v1=signature,v1=signature
	elements := strings.Split(signature, ",")
	var timestamp string
	var signatures []string

	for _, element := range elements {
		parts := strings.SplitN(element, "=", 2)
		if len(parts) != 2 {
			continue
		}

		switch parts[0] {
		case "t":
			timestamp = parts[1]
		case "v1":
			signatures = append(signatures, parts[1])
		}
	}

	if timestamp == "" || len(signatures) == 0 {
		logger.Error("Invalid Stripe signature format: missing timestamp or signatures")
		return false
	}

	// Verify timestamp is within tolerance (5 minutes)
	timestampInt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		logger.WithFields(logging.Fields{
			"timestamp": timestamp,
			"error":     err,
		}).Error("Failed to parse Stripe webhook timestamp")
		return false
	}

	now := time.Now().Unix()
	if now-timestampInt > 300 { // 5 minutes tolerance
		logger.WithFields(logging.Fields{
			"timestamp":   timestampInt,
			"current":     now,
			"age_seconds": now - timestampInt,
		}).Warn("Stripe webhook timestamp too old")
		return false
	}

	// Create signed payload: timestamp + "." + payload
	signedPayload := timestamp + "." + string(payload)

	// Calculate expected signature using HMAC-SHA256
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	expectedSignature := hex.EncodeToString(mac.Sum(nil))

	// Compare with provided signatures using constant-time comparison
	for _, providedSig := range signatures {
		if hmac.Equal([]byte(expectedSignature), []byte(providedSig)) {
			return true
		}
	}

	logger.WithFields(logging.Fields{
		"timestamp":   timestamp,
		"payload_len": len(payload),
	}).Warn("Stripe signature verification failed")

	return false
}

// HandleStripeWebhook handles POST /webhooks/stripe. The signature is
// verified against the raw body before any payload content is trusted;
// verification failure mutates nothing.
func HandleStripeWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "Failed to read body"})
		return
	}

	mode := billing.ResolveMode(c.GetHeader("Referer"))
	if mode.WebhookSecret == "" {
		logger.WithField("mode", mode.Name).Error("Webhook secret not configured; rejecting webhook")
		c.JSON(http.StatusServiceUnavailable, bursar.ErrorResponse{Error: "Webhook verification not configured"})
		return
	}

	signature := c.GetHeader("Stripe-Signature")
	if !verifyStripeSignature(body, signature, mode.WebhookSecret) {
		logger.WithField("mode", mode.Name).Warn("Invalid Stripe webhook signature")
		recordWebhookSignatureFailure("stripe")
		c.JSON(http.StatusUnauthorized, bursar.ErrorResponse{Error: "Invalid signature"})
		return
	}

	var payload StripeWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		logger.WithError(err).Warn("Invalid Stripe webhook payload")
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "Invalid payload"})
		return
	}

	logger.WithFields(logging.Fields{
		"event_id":   payload.ID,
		"event_type": payload.Type,
		"mode":       mode.Name,
	}).Info("Received Stripe webhook")

	if metrics != nil && metrics.WebhookEvents != nil {
		metrics.WebhookEvents.WithLabelValues("stripe", payload.Type).Inc()
	}

	// Check idempotency - skip if already processed
	if isWebhookAlreadyProcessed("stripe", payload.ID) {
		logger.WithField("event_id", payload.ID).Debug("Stripe webhook already processed, skipping")
		c.JSON(http.StatusOK, bursar.WebhookAck{Received: true})
		return
	}

	switch payload.Type {
	case "payment_intent.succeeded", "charge.captured":
		err = handleStripePaymentCaptured(payload)
	default:
		logger.WithField("event_type", payload.Type).Debug("Ignoring unhandled Stripe event type")
	}

	if err != nil {
		// The provider redelivers on 500; redelivery is safe because the
		// escrow write is idempotent per payment id.
		logger.WithError(err).WithField("event_type", payload.Type).Error("Failed to process Stripe webhook")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "Failed to process webhook"})
		return
	}

	markWebhookProcessed("stripe", payload.ID, payload.Type)
	c.JSON(http.StatusOK, bursar.WebhookAck{Received: true})
}

// handleStripePaymentCaptured processes a captured payment tagged as a prize
// deposit: one authoritative escrow write, then best-effort secondary views.
func handleStripePaymentCaptured(payload StripeWebhookPayload) error {
	var obj StripePaymentIntentObject
	if err := json.Unmarshal(payload.Data.Object, &obj); err != nil {
		return fmt.Errorf("failed to parse payment intent: %w", err)
	}

	if obj.Metadata.Type != "prize_deposit" {
		logger.WithFields(logging.Fields{
			"payment_id":    obj.ID,
			"metadata_type": obj.Metadata.Type,
		}).Debug("Payment is not a prize deposit, skipping")
		return nil
	}

	// Derive amounts from metadata, falling back to the raw captured amount
	prizeAmount, okPrize := parseMetadataAmount(obj.Metadata.PrizeAmount)
	platformFee, okFee := parseMetadataAmount(obj.Metadata.PlatformFee)
	if okPrize && prizeAmount > obj.Amount {
		// The escrow amount can never exceed what was actually captured
		logger.WithFields(logging.Fields{
			"payment_id":   obj.ID,
			"prize_amount": prizeAmount,
			"raw_amount":   obj.Amount,
		}).Warn("Prize amount metadata exceeds captured amount, treating as malformed")
		okPrize = false
	}
	if !okPrize {
		logger.WithFields(logging.Fields{
			"payment_id": obj.ID,
			"raw_amount": obj.Amount,
		}).Warn("Prize amount metadata missing or malformed, using captured amount")
		prizeAmount = obj.Amount
		platformFee = 0
	} else if !okFee {
		platformFee = 0
	}

	recordID, err := createEscrowRecord(EscrowDeposit{
		PaymentID:           obj.ID,
		ChallengeID:         obj.Metadata.ChallengeID,
		Amount:              prizeAmount,
		TotalAmountCharged:  obj.Amount,
		Currency:            obj.Currency,
		ProviderFeeEstimate: estimateProviderFee(obj.Amount),
		PlatformFee:         platformFee,
		DepositorUserID:     obj.Metadata.UserID,
		DepositorName:       obj.Metadata.DepositorName,
		DepositorEmail:      obj.Metadata.DepositorEmail,
	})
	if errors.Is(err, ErrAlreadyExists) {
		logger.WithFields(logging.Fields{
			"payment_id":       obj.ID,
			"escrow_record_id": recordID,
		}).Debug("Escrow record already exists for payment, skipping")
		return nil
	}
	if err != nil {
		return err
	}

	// Secondary writes: the escrow record above is authoritative, failures
	// here are logged and the webhook still succeeds
	if err := markPrizeAssignmentFunded(obj.Metadata.ChallengeID, recordID, obj.Metadata.UserID, prizeAmount, platformFee); err != nil {
		logger.WithError(err).WithFields(logging.Fields{
			"challenge_id":     obj.Metadata.ChallengeID,
			"escrow_record_id": recordID,
		}).Error("Failed to update prize assignment funding summary")
	}

	go sendDepositStatusEmail(recordID, "confirmed")

	return nil
}

// parseMetadataAmount parses a metadata amount string in cents
func parseMetadataAmount(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// estimateProviderFee approximates the provider's processing fee for a
// charge (2.9% + 30c). Informational only, never used for settlement.
func estimateProviderFee(amount int64) int64 {
	if amount <= 0 {
		return 0
	}
	return amount*29/1000 + 30
}

// isWebhookAlreadyProcessed checks if a webhook event was already processed
func isWebhookAlreadyProcessed(provider, eventID string) bool {
	if db == nil {
		return false
	}
	var exists bool
	err := db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM bursar.webhook_events WHERE provider = $1 AND event_id = $2)
	`, provider, eventID).Scan(&exists)
	return err == nil && exists
}

// markWebhookProcessed marks a webhook event as processed
func markWebhookProcessed(provider, eventID, eventType string) {
	if db == nil {
		return
	}
	_, err := db.Exec(`
		INSERT INTO bursar.webhook_events (provider, event_id, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, provider, eventID, eventType)
	if err != nil {
		logger.WithError(err).Warn("Failed to mark webhook as processed")
	}
}

func recordWebhookSignatureFailure(provider string) {
	if metrics == nil || metrics.WebhookSignatureFailures == nil {
		return
	}
	metrics.WebhookSignatureFailures.WithLabelValues(provider).Inc()
}
