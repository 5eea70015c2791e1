package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JSONB is a custom type for handling JSONB fields
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// TimeArray maps a timestamptz[] column onto []time.Time
type TimeArray []time.Time

// Value implements the driver.Valuer interface for TimeArray
func (a TimeArray) Value() (driver.Value, error) {
	if a == nil {
		return "{}", nil
	}
	parts := make([]string, len(a))
	for i, t := range a {
		parts[i] = `"` + t.UTC().Format(time.RFC3339Nano) + `"`
	}
	return "{" + strings.Join(parts, ",") + "}", nil
}

// Scan implements the sql.Scanner interface for TimeArray
func (a *TimeArray) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}

	var s string
	switch v := value.(type) {
	case []byte:
		s = string(v)
	case string:
		s = v
	default:
		return fmt.Errorf("cannot scan %T into TimeArray", value)
	}

	s = strings.Trim(s, "{}")
	if s == "" {
		*a = TimeArray{}
		return nil
	}

	parts := strings.Split(s, ",")
	out := make(TimeArray, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), `"`)
		t, err := parsePgTimestamp(p)
		if err != nil {
			return err
		}
		out = append(out, t)
	}
	*a = out
	return nil
}

// parsePgTimestamp accepts the timestamp layouts Postgres emits
func parsePgTimestamp(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999-07",
		"2006-01-02 15:04:05-07",
	}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, fmt.Errorf("cannot parse timestamp %q: %w", s, lastErr)
}

// Escrow record statuses
const (
	EscrowStatusHeld     = "held"
	EscrowStatusReleased = "released"
	EscrowStatusRefunded = "refunded"
)

// Prize assignment funding states
const (
	FundingStatusUnfunded = "unfunded"
	FundingStatusFunded   = "funded"
)

// EscrowRecord represents money held for a challenge prize. Amounts are
// in the currency's smallest unit (cents).
type EscrowRecord struct {
	ID                  string    `json:"id" db:"id"`
	PaymentID           string    `json:"payment_id" db:"payment_id"`
	ChallengeID         string    `json:"challenge_id" db:"challenge_id"`
	Amount              int64     `json:"amount" db:"amount"`
	TotalAmountCharged  int64     `json:"total_amount_charged" db:"total_amount_charged"`
	Currency            string    `json:"currency" db:"currency"`
	Status              string    `json:"status" db:"status"`
	ProviderFeeEstimate int64     `json:"provider_fee_estimate" db:"provider_fee_estimate"`
	PlatformFee         int64     `json:"platform_fee" db:"platform_fee"`
	DepositorUserID     string    `json:"depositor_user_id" db:"depositor_user_id"`
	DepositorName       string    `json:"depositor_name" db:"depositor_name"`
	DepositorEmail      string    `json:"depositor_email" db:"depositor_email"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

// PrizeAssignment represents the prize configured for a challenge and its
// funding summary. Once funded the prize amount is immutable.
type PrizeAssignment struct {
	ID                   string     `json:"id" db:"id"`
	ChallengeID          string     `json:"challenge_id" db:"challenge_id"`
	PrizeAmount          int64      `json:"prize_amount" db:"prize_amount"`
	FundingStatus        string     `json:"funding_status" db:"funding_status"`
	DepositedAmount      int64      `json:"deposited_amount" db:"deposited_amount"`
	PlatformFeeCollected int64      `json:"platform_fee_collected" db:"platform_fee_collected"`
	EscrowRecordID       string     `json:"escrow_record_id" db:"escrow_record_id"`
	DepositedAt          *time.Time `json:"deposited_at,omitempty" db:"deposited_at"`
	DepositedBy          string     `json:"deposited_by" db:"deposited_by"`
	UpdatedAt            time.Time  `json:"updated_at" db:"updated_at"`
}

// SubscriptionRecord mirrors a user's provider subscription state.
// ExpirationHistory is append-only; the effective expiration is its maximum.
type SubscriptionRecord struct {
	ID                 string    `json:"id" db:"id"`
	UserID             string    `json:"user_id" db:"user_id"`
	ExternalCustomerID string    `json:"external_customer_id" db:"external_customer_id"`
	SubscriptionType   string    `json:"subscription_type" db:"subscription_type"`
	Status             string    `json:"status" db:"status"`
	ExpirationHistory  TimeArray `json:"expiration_history" db:"expiration_history"`
	Username           string    `json:"username" db:"username"`
	UserEmail          string    `json:"user_email" db:"user_email"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// EffectiveExpiration returns the latest entry in the expiration history,
// or the zero time when the history is empty.
func (s *SubscriptionRecord) EffectiveExpiration() time.Time {
	var max time.Time
	for _, t := range s.ExpirationHistory {
		if t.After(max) {
			max = t
		}
	}
	return max
}

// PromoCode represents a usage-limited promotional code. A nil UsageLimit
// means unlimited capacity.
type PromoCode struct {
	ID         string     `json:"id" db:"id"`
	Code       string     `json:"code" db:"code"`
	Type       string     `json:"type" db:"type"`
	IsActive   bool       `json:"is_active" db:"is_active"`
	UsageLimit *int       `json:"usage_limit,omitempty" db:"usage_limit"`
	UsageCount int        `json:"usage_count" db:"usage_count"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// PromoCodeUsage records a single redemption of a promo code by a user.
type PromoCodeUsage struct {
	ID          string    `json:"id" db:"id"`
	PromoCodeID string    `json:"promo_code_id" db:"promo_code_id"`
	UserID      string    `json:"user_id" db:"user_id"`
	UsedAt      time.Time `json:"used_at" db:"used_at"`
	Metadata    JSONB     `json:"metadata,omitempty" db:"metadata"`
}

// User is the slice of the platform user record the billing service reads
// and repairs.
type User struct {
	ID                 string   `json:"id" db:"id"`
	Email              string   `json:"email" db:"email"`
	Username           string   `json:"username" db:"username"`
	ExternalCustomerID string   `json:"external_customer_id" db:"external_customer_id"`
	ExternalAliases    []string `json:"external_aliases" db:"external_aliases"`
}
