package bursar

import (
	"time"

	"fitworks/api_escrow/pkg/models"
)

// WebhookAck is returned for every accepted webhook delivery
type WebhookAck struct {
	Received bool `json:"received"`
}

// SyncRequest identifies the user whose subscription state should be
// reconciled with the billing provider. One of the two ids is required.
type SyncRequest struct {
	UserID             string `json:"userId,omitempty"`
	ExternalCustomerID string `json:"externalCustomerId,omitempty"`
}

// SyncResponse represents the outcome of a subscription sync
type SyncResponse struct {
	Success          bool       `json:"success"`
	Message          string     `json:"message,omitempty"`
	SubscriptionType string     `json:"subscriptionType,omitempty"`
	Status           string     `json:"status,omitempty"`
	ExpirationDate   *time.Time `json:"expirationDate,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// BackfillRequest configures a subscription-fields repair pass
type BackfillRequest struct {
	Limit  int  `json:"limit,omitempty"`
	DryRun bool `json:"dryRun,omitempty"`
}

// BackfillReport summarizes a subscription-fields repair pass. Scanned
// counts page rows, Processed the rows that carried a resolvable key,
// UniqueUserIDs the distinct owners behind the updated rows.
type BackfillReport struct {
	Scanned           int  `json:"scanned"`
	Processed         int  `json:"processed"`
	UniqueUserIDs     int  `json:"uniqueUserIds"`
	Updated           int  `json:"updated"`
	UpdatedUserIDOnly int  `json:"updatedUserIdOnly"`
	Skipped           int  `json:"skipped"`
	NotFound          int  `json:"notFound"`
	Batches           int  `json:"batches"`
	DryRun            bool `json:"dryRun"`
}

// AliasBackfillEntry is one user/customer pair to reconcile. Entries arrive
// either as structured JSON or as CSV rows normalized into this shape.
type AliasBackfillEntry struct {
	UserID             string `json:"userId"`
	ExternalCustomerID string `json:"externalCustomerId"`
	Email              string `json:"email,omitempty"`
	Username           string `json:"username,omitempty"`
}

// AliasBackfillRequest carries either structured entries or raw CSV text
// with one of them required
type AliasBackfillRequest struct {
	Entries []AliasBackfillEntry `json:"entries,omitempty"`
	CSV     string               `json:"csv,omitempty"`
	DryRun  bool                 `json:"dryRun,omitempty"`
}

// AliasBackfillResult is the per-entry outcome of an alias backfill
type AliasBackfillResult struct {
	UserID             string `json:"userId"`
	ExternalCustomerID string `json:"externalCustomerId"`
	Status             string `json:"status"` // updated, skipped, failed
	Detail             string `json:"detail,omitempty"`
}

// AliasBackfillResponse summarizes an alias backfill run
type AliasBackfillResponse struct {
	Processed int                   `json:"processed"`
	Updated   int                   `json:"updated"`
	Skipped   int                   `json:"skipped"`
	Failed    int                   `json:"failed"`
	DryRun    bool                  `json:"dryRun"`
	Results   []AliasBackfillResult `json:"results"`
}

// PromoRequest validates or redeems a promo code for a user
type PromoRequest struct {
	Code     string            `json:"code"`
	UserID   string            `json:"userId"`
	Action   string            `json:"action"`         // validate or use
	Type     string            `json:"type,omitempty"` // expected usage context
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PromoResponse reports the outcome of a promo validation or redemption
type PromoResponse struct {
	IsValid   bool              `json:"isValid"`
	PromoCode *models.PromoCode `json:"promoCode,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// PrizeEditRequest updates a prize assignment's configuration. PrizeAmount
// edits are rejected once the assignment is funded.
type PrizeEditRequest struct {
	AssignmentID string `json:"assignmentId"`
	PrizeAmount  *int64 `json:"prizeAmount,omitempty"`
	ChallengeID  string `json:"challengeId,omitempty"`
}

// EscrowRecordsResponse lists the escrow records held for a challenge
type EscrowRecordsResponse struct {
	ChallengeID string                `json:"challengeId"`
	Records     []models.EscrowRecord `json:"records"`
}

// SubscriptionResponse wraps a user's mirrored subscription record
type SubscriptionResponse struct {
	Subscription *models.SubscriptionRecord `json:"subscription,omitempty"`
	Error        string                     `json:"error,omitempty"`
}

// ErrorResponse represents a standard error response from Bursar
type ErrorResponse struct {
	Error string `json:"error"`
}
