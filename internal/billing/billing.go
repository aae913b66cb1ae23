// Package billing adapts Stripe subscription events onto the License
// Service. There is no local subscriptions or invoices table: Stripe is
// the source of truth for the commercial side, and the only license write
// a paid plan change causes is UpdatePlan.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v76"
	portalsession "github.com/stripe/stripe-go/v76/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/customer"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/lumenguard/licensed/internal/domain"
)

var (
	ErrInvalidWebhook = errors.New("invalid webhook signature")
	ErrUnmappedPrice  = errors.New("stripe price has no mapped plan")
)

// PlanUpdater is the subset of licensesvc.Service the webhook handler
// needs: a plan change is the only License Service mutation billing drives.
type PlanUpdater interface {
	UpdatePlan(ctx context.Context, clientID string, plan domain.Plan, actor, ip string) (*domain.License, error)
}

// Controller wires Stripe checkout/webhook events onto the License Service.
type Controller struct {
	webhookSecret string
	priceToPlan   map[string]domain.Plan
	svc           PlanUpdater
	log           zerolog.Logger
}

// New constructs a Controller. secretKey configures the package-level
// Stripe client.
func New(secretKey, webhookSecret string, priceToPlan map[string]domain.Plan, svc PlanUpdater, log zerolog.Logger) *Controller {
	stripe.Key = secretKey
	return &Controller{
		webhookSecret: webhookSecret,
		priceToPlan:   priceToPlan,
		svc:           svc,
		log:           log.With().Str("component", "billing").Logger(),
	}
}

// CreateCheckoutSession starts a subscription checkout for clientID against
// a given Stripe price, tagging the session so the webhook can recover
// clientID without a local subscriptions table.
func (c *Controller) CreateCheckoutSession(ctx context.Context, clientID, stripeCustomerID, priceID, successURL, cancelURL string) (string, error) {
	if _, ok := c.priceToPlan[priceID]; !ok {
		return "", ErrUnmappedPrice
	}

	params := &stripe.CheckoutSessionParams{
		Customer: stripe.String(stripeCustomerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(priceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		Metadata:   map[string]string{"client_id": clientID},
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

// CreatePortalSession opens the Stripe-hosted billing portal for a customer
// to self-manage payment methods and cancellation.
func (c *Controller) CreatePortalSession(ctx context.Context, stripeCustomerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(stripeCustomerID),
		ReturnURL: stripe.String(returnURL),
	}
	sess, err := portalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return sess.URL, nil
}

// CreateCustomer registers a Stripe customer for a newly created License,
// keyed by client_id rather than an internal user id (this service has no
// user table of its own).
func (c *Controller) CreateCustomer(ctx context.Context, clientID, email, companyName string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Name:  stripe.String(companyName),
		Metadata: map[string]string{
			"client_id": clientID,
		},
	}
	cust, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	return cust.ID, nil
}

// HandleWebhook verifies the signature and, for subscription lifecycle
// events, maps the Stripe price to a plan and calls UpdatePlan. All other
// event types are accepted but ignored — this controller has no local
// billing state to reconcile against.
func (c *Controller) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := webhook.ConstructEvent(payload, signature, c.webhookSecret)
	if err != nil {
		return ErrInvalidWebhook
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription event: %w", err)
		}
		clientID := sub.Metadata["client_id"]
		if clientID == "" || len(sub.Items.Data) == 0 {
			c.log.Warn().Str("event_id", event.ID).Msg("subscription event missing client_id or items")
			return nil
		}
		priceID := sub.Items.Data[0].Price.ID
		plan, ok := c.priceToPlan[priceID]
		if !ok {
			c.log.Warn().Str("price_id", priceID).Msg("webhook: unmapped price")
			return nil
		}
		if _, err := c.svc.UpdatePlan(ctx, clientID, plan, "stripe-webhook", ""); err != nil {
			return fmt.Errorf("update plan from webhook: %w", err)
		}
		c.log.Info().Str("client_id", clientID).Str("plan", string(plan)).Msg("plan updated from stripe webhook")

	default:
		// Cancellation, invoice and payment-method events are Stripe's
		// concern; this controller's only write path is plan changes.
	}
	return nil
}
