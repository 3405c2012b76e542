// Package payment turns confirmed Stripe payments into purchased credits.
// Stripe redelivers webhooks; the ledger's reference idempotency absorbs
// the repeats.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"github.com/rehouzd/skiptrace/internal/model"
)

const maxPayloadBytes = 65536

// ErrInvalidSignature is returned for payloads that fail verification.
var ErrInvalidSignature = eris.New("payment: invalid webhook signature")

// Crediter applies idempotent credits.
type Crediter interface {
	Credit(ctx context.Context, userID string, amount int, typ model.TransactionType, reference string) (*model.CreditTransaction, bool, error)
}

// Purchase is a confirmed credit purchase.
type Purchase struct {
	UserID    string
	Credits   int
	Reference string
	EventID   string
}

// Config names the webhook secret and the metadata keys carrying the buyer
// and credit count.
type Config struct {
	WebhookSecret string
	UserKey       string
	CreditsKey    string
	Tolerance     time.Duration
}

// Gateway verifies Stripe webhooks and credits the ledger.
type Gateway struct {
	ledger Crediter
	cfg    Config
}

// NewGateway creates a Gateway.
func NewGateway(l Crediter, cfg Config) *Gateway {
	if cfg.UserKey == "" {
		cfg.UserKey = "user_id"
	}
	if cfg.CreditsKey == "" {
		cfg.CreditsKey = "credits"
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = webhook.DefaultTolerance
	}
	return &Gateway{ledger: l, cfg: cfg}
}

// Parse verifies payload and extracts a purchase. It returns nil for event
// types that do not grant credits.
func (g *Gateway) Parse(payload []byte, signature string) (*Purchase, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.cfg.WebhookSecret,
		webhook.ConstructEventOptions{
			Tolerance:                g.cfg.Tolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		return nil, eris.Wrap(ErrInvalidSignature, err.Error())
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, model.Validationf("payment: parse checkout session: %v", err)
		}
		if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			zap.L().Info("payment: checkout session not paid yet",
				zap.String("session_id", session.ID),
				zap.String("payment_status", string(session.PaymentStatus)),
			)
			return nil, nil
		}
		ref := session.ID
		if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
			ref = session.PaymentIntent.ID
		}
		userID := session.Metadata[g.cfg.UserKey]
		if userID == "" {
			userID = session.ClientReferenceID
		}
		return g.purchase(event.ID, userID, session.Metadata, ref)

	case stripe.EventTypePaymentIntentSucceeded:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, model.Validationf("payment: parse payment intent: %v", err)
		}
		if _, ok := pi.Metadata[g.cfg.CreditsKey]; !ok {
			// Not a credit purchase, or a checkout intent credited via its session.
			return nil, nil
		}
		return g.purchase(event.ID, pi.Metadata[g.cfg.UserKey], pi.Metadata, pi.ID)

	default:
		zap.L().Debug("payment: ignoring event", zap.String("type", string(event.Type)))
		return nil, nil
	}
}

func (g *Gateway) purchase(eventID, userID string, metadata map[string]string, ref string) (*Purchase, error) {
	if userID == "" {
		return nil, model.Validationf("payment: event %s has no %s", eventID, g.cfg.UserKey)
	}
	credits, err := strconv.Atoi(strings.TrimSpace(metadata[g.cfg.CreditsKey]))
	if err != nil || credits <= 0 {
		return nil, model.Validationf("payment: event %s has invalid %s %q", eventID, g.cfg.CreditsKey, metadata[g.cfg.CreditsKey])
	}
	return &Purchase{
		UserID:    userID,
		Credits:   credits,
		Reference: "stripe:" + ref,
		EventID:   eventID,
	}, nil
}

// Apply credits a purchase. applied is false for a redelivered purchase.
func (g *Gateway) Apply(ctx context.Context, p Purchase) (*model.CreditTransaction, bool, error) {
	tx, applied, err := g.ledger.Credit(ctx, p.UserID, p.Credits, model.TransactionPurchased, p.Reference)
	if err != nil {
		return nil, false, eris.Wrapf(err, "payment: credit %s", p.Reference)
	}
	zap.L().Info("payment: purchase processed",
		zap.String("user_id", p.UserID),
		zap.Int("credits", p.Credits),
		zap.String("reference", p.Reference),
		zap.Bool("applied", applied),
	)
	return tx, applied, nil
}

// ServeHTTP handles POST /v1/webhooks/stripe.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	purchase, err := g.Parse(payload, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, ErrInvalidSignature):
		zap.L().Warn("payment: rejected webhook", zap.Error(err))
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	case err != nil:
		zap.L().Error("payment: unusable webhook", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case purchase == nil:
		w.WriteHeader(http.StatusOK)
		return
	}

	if _, _, err := g.Apply(r.Context(), *purchase); err != nil {
		zap.L().Error("payment: apply purchase", zap.Error(err))
		// Non-2xx makes Stripe retry; the reference keeps the retry safe.
		http.Error(w, "could not apply purchase", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
