// Package billing wraps the payment provider SDK behind the small surface
// this service needs: customer lookup, exhaustive subscription listing and
// the price-to-plan mapping. Credentials are resolved per request so that
// deliveries originating from development hosts hit the test environment.
package billing

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"fitworks/api_escrow/pkg/config"
	"fitworks/api_escrow/pkg/logging"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
)

// Mode names
const (
	ModeLive = "live"
	ModeTest = "test"
)

// Mode bundles the credentials and price table for one provider environment
type Mode struct {
	Name          string
	SecretKey     string
	WebhookSecret string
	Prices        PriceTable
}

// PriceTable maps provider price ids to platform plan labels
type PriceTable map[string]string

// PlanForPrice returns the plan label for a price id. Unknown ids return
// ("", false); callers must not guess.
func (t PriceTable) PlanForPrice(priceID string) (string, bool) {
	plan, ok := t[priceID]
	return plan, ok
}

// livePrices and testPrices cover the platform's subscription offerings in
// each provider environment. The ids are static configuration, not data.
func livePrices() PriceTable {
	return PriceTable{
		config.GetEnv("STRIPE_PRICE_MONTHLY", "price_monthly_live"): "monthly",
		config.GetEnv("STRIPE_PRICE_ANNUAL", "price_annual_live"):   "annual",
	}
}

func testPrices() PriceTable {
	return PriceTable{
		config.GetEnv("STRIPE_TEST_PRICE_MONTHLY", "price_monthly_test"): "monthly",
		config.GetEnv("STRIPE_TEST_PRICE_ANNUAL", "price_annual_test"):   "annual",
	}
}

// ResolveMode picks test or live credentials based on the request origin.
// Localhost and .dev hosts always get the test environment so that staging
// traffic can never touch live money.
func ResolveMode(referer string) Mode {
	if isDevOrigin(referer) {
		return Mode{
			Name:          ModeTest,
			SecretKey:     config.GetEnv("STRIPE_TEST_SECRET_KEY", ""),
			WebhookSecret: config.GetEnv("STRIPE_TEST_WEBHOOK_SECRET", ""),
			Prices:        testPrices(),
		}
	}
	return Mode{
		Name:          ModeLive,
		SecretKey:     config.GetEnv("STRIPE_SECRET_KEY", ""),
		WebhookSecret: config.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		Prices:        livePrices(),
	}
}

// isDevOrigin reports whether a Referer header points at a development host
func isDevOrigin(referer string) bool {
	if referer == "" {
		return false
	}
	u, err := url.Parse(referer)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" {
		return true
	}
	return strings.HasSuffix(host, ".dev") || strings.HasSuffix(host, ".local")
}

// Client wraps provider API operations for one resolved mode
type Client struct {
	mode   Mode
	logger logging.Logger
}

// NewClient creates a provider client bound to a resolved mode
func NewClient(mode Mode, logger logging.Logger) *Client {
	// stripe-go uses a package-level key
	stripe.Key = mode.SecretKey

	return &Client{
		mode:   mode,
		logger: logger,
	}
}

// Mode returns the environment this client was resolved for
func (c *Client) Mode() Mode {
	return c.mode
}

// FindCustomerByEmail returns the first provider customer matching an email,
// or nil when none exists
func (c *Client) FindCustomerByEmail(ctx context.Context, email string) (*stripe.Customer, error) {
	params := &stripe.CustomerListParams{
		Email: stripe.String(email),
	}
	params.Limit = stripe.Int64(1)
	iter := customer.List(params)

	for iter.Next() {
		cust := iter.Customer()
		c.logger.WithField("customer_id", cust.ID).Debug("Found provider customer by email")
		return cust, nil
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to search provider customers: %w", err)
	}
	return nil, nil
}

// ListAllSubscriptions returns every subscription for a customer across all
// statuses. Pagination is exhausted before returning; results are never
// truncated to the first page.
func (c *Client) ListAllSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Limit = stripe.Int64(100)

	var subs []*stripe.Subscription
	iter := subscription.List(params)
	for iter.Next() {
		subs = append(subs, iter.Subscription())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"customer_id": customerID,
		"count":       len(subs),
		"mode":        c.mode.Name,
	}).Debug("Listed provider subscriptions")

	return subs, nil
}

// SubscriptionPeriodEnd extracts the current period end from a subscription.
// The field lives on the subscription item in v82.
func SubscriptionPeriodEnd(sub *stripe.Subscription) int64 {
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		return sub.Items.Data[0].CurrentPeriodEnd
	}
	return 0
}

// SubscriptionPriceID extracts the price id from a subscription's first item
func SubscriptionPriceID(sub *stripe.Subscription) string {
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		return sub.Items.Data[0].Price.ID
	}
	return ""
}
