// Package billing activates paid plans: the backend creates the subscription
// and the companion confirms its first PaymentIntent with Stripe.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stripe/stripe-go/v84"

	"github.com/ashureev/expertline/internal/domain"
)

var (
	ErrPlanRequired    = errors.New("plan id is required")
	ErrBillingDisabled = errors.New("billing is not configured")
	ErrInvalidSecret   = errors.New("malformed payment client secret")
	ErrPaymentFailed   = errors.New("payment was not completed")
)

// Backend creates subscriptions.
type Backend interface {
	CreateSubscription(ctx context.Context, planID string) (*domain.Subscription, error)
}

// Confirmer confirms a PaymentIntent on the client side.
type Confirmer interface {
	Confirm(ctx context.Context, intentID, clientSecret, returnURL string) (*stripe.PaymentIntent, error)
}

// StripeConfirmer confirms intents with a publishable key.
type StripeConfirmer struct {
	client *stripe.Client
}

// NewStripeConfirmer creates a confirmer for publishableKey.
func NewStripeConfirmer(publishableKey string) *StripeConfirmer {
	return &StripeConfirmer{client: stripe.NewClient(publishableKey)}
}

// Confirm confirms intentID. Publishable keys must prove ownership with the
// client secret.
func (s *StripeConfirmer) Confirm(ctx context.Context, intentID, clientSecret, returnURL string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentConfirmParams{}
	if returnURL != "" {
		params.ReturnURL = stripe.String(returnURL)
	}
	params.AddExtra("client_secret", clientSecret)
	return s.client.V1PaymentIntents.Confirm(ctx, intentID, params)
}

// Config wires a Service.
type Config struct {
	Backend   Backend
	Confirmer Confirmer // nil disables paid activation
	ReturnURL string
	Logger    *slog.Logger
}

// Service runs plan activation.
type Service struct {
	backend   Backend
	confirmer Confirmer
	returnURL string
	logger    *slog.Logger
}

// NewService creates a billing service.
func NewService(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		backend:   cfg.Backend,
		confirmer: cfg.Confirmer,
		returnURL: cfg.ReturnURL,
		logger:    cfg.Logger,
	}
}

// Activate subscribes to planID. When Stripe asks for 3-D Secure the result
// carries the redirect URL for the UI to open.
func (s *Service) Activate(ctx context.Context, planID string) (*domain.PaymentResult, error) {
	planID = strings.TrimSpace(planID)
	if planID == "" {
		return nil, ErrPlanRequired
	}

	sub, err := s.backend.CreateSubscription(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	result := &domain.PaymentResult{SubscriptionID: sub.ID, Status: sub.Status}
	if sub.ClientSecret == "" {
		// Trials and free plans need no payment.
		return result, nil
	}
	if s.confirmer == nil {
		return nil, ErrBillingDisabled
	}

	intentID, err := IntentID(sub.ClientSecret)
	if err != nil {
		return nil, err
	}
	intent, err := s.confirmer.Confirm(ctx, intentID, sub.ClientSecret, s.returnURL)
	if err != nil {
		s.logger.Warn("payment confirmation failed", "subscription_id", sub.ID, "error", err)
		return nil, fmt.Errorf("confirm payment: %w", err)
	}

	result.Status = string(intent.Status)
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusProcessing:
	case stripe.PaymentIntentStatusRequiresAction:
		result.RequiresAction = true
		if intent.NextAction != nil && intent.NextAction.RedirectToURL != nil {
			result.RedirectURL = intent.NextAction.RedirectToURL.URL
		}
	default:
		return nil, fmt.Errorf("%w: status %s", ErrPaymentFailed, intent.Status)
	}

	s.logger.Info("subscription activated",
		"subscription_id", sub.ID,
		"plan_id", planID,
		"payment_status", result.Status,
		"requires_action", result.RequiresAction)
	return result, nil
}

// IntentID extracts the PaymentIntent id from its client secret
// ("pi_123_secret_abc" -> "pi_123").
func IntentID(clientSecret string) (string, error) {
	id, _, ok := strings.Cut(clientSecret, "_secret_")
	if !ok || !strings.HasPrefix(id, "pi_") {
		return "", ErrInvalidSecret
	}
	return id, nil
}
