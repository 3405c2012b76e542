// Package api exposes lookups, verification votes, credits and payment
// webhooks over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/rehouzd/skiptrace/internal/lookup"
	"github.com/rehouzd/skiptrace/internal/model"
)

const maxBodyBytes = 1 << 20

// Lookups serves contact lookups and their history.
type Lookups interface {
	Lookup(ctx context.Context, req lookup.Request) (*lookup.Response, error)
	History(ctx context.Context, userID string, limit, offset int) ([]model.AccessWithResult, error)
	ClearCache(ctx context.Context, address, owner string) (int, error)
	ClearAllCache(ctx context.Context) (int, error)
}

// Verifications records votes and reports crowd verdicts.
type Verifications interface {
	Vote(ctx context.Context, userID, contactValue, buyerName string, status model.VoteStatus) (*model.VerificationRecord, error)
	Retract(ctx context.Context, userID, contactValue, buyerName string) (*model.VerificationRecord, error)
	Stats(ctx context.Context, buyerName string, values []string) ([]model.VerificationRecord, error)
}

// Credits reports balances and transactions.
type Credits interface {
	Balance(ctx context.Context, userID string) (*model.CreditAccount, error)
	History(ctx context.Context, userID string, limit, offset int) ([]model.CreditTransaction, error)
}

// Pinger checks backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config configures the router.
type Config struct {
	JWTSecret      string
	AdminToken     string
	CORSOrigins    []string
	RequestTimeout time.Duration
}

// Server holds the HTTP handlers.
type Server struct {
	lookups  Lookups
	votes    Verifications
	credits  Credits
	payments http.Handler
	health   Pinger
	cfg      Config
	validate *validator.Validate
}

// New creates a Server. payments may be nil when no gateway is configured.
func New(l Lookups, v Verifications, c Credits, payments http.Handler, health Pinger, cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 90 * time.Second
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{
		lookups:  l,
		votes:    v,
		credits:  c,
		payments: payments,
		health:   health,
		cfg:      cfg,
		validate: validate,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	if s.payments != nil {
		r.Method(http.MethodPost, "/v1/webhooks/stripe", s.payments)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))
		r.Use(RequireUser([]byte(s.cfg.JWTSecret)))

		r.Post("/v1/lookups", s.handleLookup)
		r.Get("/v1/lookups", s.handleHistory)
		r.Post("/v1/verifications", s.handleVote)
		r.Delete("/v1/verifications", s.handleRetract)
		r.Post("/v1/verifications/stats", s.handleStats)
		r.Get("/v1/credits", s.handleCredits)
	})

	r.With(RequireAdmin(s.cfg.AdminToken)).Delete("/v1/cache", s.handleClearCache)
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// decode reads a JSON body into v and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return model.Validationf("invalid request body: %v", err)
	}
	if err := s.validate.Struct(v); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return model.Validationf("%v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fe.Field()+" is invalid")
		}
	}
	return model.Validationf("%s", strings.Join(msgs, ", "))
}

func page(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, model.Validationf("limit must be a non-negative integer")
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, model.Validationf("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			zap.L().Warn("api: health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type lookupBody struct {
	BuyerID   string `json:"buyer_id" validate:"required,max=128"`
	BuyerName string `json:"buyer_name" validate:"max=256"`
	Address   string `json:"address" validate:"required,max=512"`
	Owner     string `json:"owner_name" validate:"max=256"`
	CacheOnly bool   `json:"cache_only"`
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	var body lookupBody
	if err := s.decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := s.lookups.Lookup(r.Context(), lookup.Request{
		UserID:    UserID(r.Context()),
		BuyerID:   body.BuyerID,
		BuyerName: body.BuyerName,
		Address:   body.Address,
		Owner:     body.Owner,
		CacheOnly: body.CacheOnly,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	items, err := s.lookups.History(r.Context(), UserID(r.Context()), limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []model.AccessWithResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"lookups": items})
}

type voteBody struct {
	ContactValue string           `json:"contact_value" validate:"required,max=320"`
	BuyerName    string           `json:"buyer_name" validate:"required,max=256"`
	Status       model.VoteStatus `json:"status" validate:"required,oneof=verified invalid"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var body voteBody
	if err := s.decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.votes.Vote(r.Context(), UserID(r.Context()), body.ContactValue, body.BuyerName, body.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type retractBody struct {
	ContactValue string `json:"contact_value" validate:"required,max=320"`
	BuyerName    string `json:"buyer_name" validate:"required,max=256"`
}

func (s *Server) handleRetract(w http.ResponseWriter, r *http.Request) {
	var body retractBody
	if err := s.decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.votes.Retract(r.Context(), UserID(r.Context()), body.ContactValue, body.BuyerName)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type statsBody struct {
	BuyerName     string   `json:"buyer_name" validate:"required,max=256"`
	ContactValues []string `json:"contact_values" validate:"required,min=1,max=200"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var body statsBody
	if err := s.decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	recs, err := s.votes.Stats(r.Context(), body.BuyerName, body.ContactValues)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	user := UserID(r.Context())
	acct, err := s.credits.Balance(r.Context(), user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	txs, err := s.credits.History(r.Context(), user, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if txs == nil {
		txs = []model.CreditTransaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account":      acct,
		"total":        acct.Total(),
		"transactions": txs,
	})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		n   int
		err error
	)
	switch {
	case q.Get("all") == "true":
		n, err = s.lookups.ClearAllCache(r.Context())
	case q.Get("address") != "":
		n, err = s.lookups.ClearCache(r.Context(), q.Get("address"), q.Get("owner"))
	default:
		err = model.Validationf("address or all=true is required")
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}
