package router

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/assistline/smsgate/internal/carrier"
	"github.com/assistline/smsgate/internal/observability/metrics"
	"github.com/assistline/smsgate/internal/onboarding"
	"github.com/assistline/smsgate/pkg/logging"
)

// signatureValidator is the slice of carrier.Validator the adapter uses.
type signatureValidator interface {
	Validate(r *http.Request) bool
}

// tokenVerifier resolves a signup token back to its phone number.
type tokenVerifier interface {
	Verify(token string) (*onboarding.SignupClaims, error)
}

// HTTPHandler adapts HTTP webhooks into typed router calls. The carrier
// only ever sees 200/400/403 with empty bodies.
type HTTPHandler struct {
	router     *Router
	signatures signatureValidator
	tokens     tokenVerifier
	metrics    *metrics.Metrics
	log        *logging.Logger
}

func NewHTTPHandler(rt *Router, sig signatureValidator, tokens tokenVerifier, m *metrics.Metrics, logger *logging.Logger) *HTTPHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &HTTPHandler{
		router:     rt,
		signatures: sig,
		tokens:     tokens,
		metrics:    m,
		log:        logger.Component("webhook"),
	}
}

// Routes mounts the webhook endpoints on a chi router.
func (h *HTTPHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/sms/inbound", h.inbound)
	r.Post("/sms/status", h.status)
	r.Post("/signup/linked", h.accountLinked)
	r.Get("/healthz", h.health)
	return r
}

func (h *HTTPHandler) inbound(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	defer func() { h.metrics.ObserveWebhook("inbound", time.Since(started).Seconds()) }()

	if !h.signatures.Validate(r) {
		h.metrics.ObserveInbound("bad_signature")
		h.log.Warn("inbound signature rejected", "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	payload, err := carrier.ParseInbound(r)
	if err != nil {
		h.metrics.ObserveInbound("bad_payload")
		h.log.Warn("inbound parse failed", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.router.HandleInbound(r.Context(), payload)
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPHandler) status(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	defer func() { h.metrics.ObserveWebhook("status", time.Since(started).Seconds()) }()

	if !h.signatures.Validate(r) {
		h.log.Warn("status signature rejected", "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	payload, err := carrier.ParseStatus(r)
	if err != nil {
		h.log.Warn("status parse failed", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.router.HandleStatus(r.Context(), payload)
	w.WriteHeader(http.StatusOK)
}

// accountLinked is called by the registration service once signup behind
// a texted link finishes. The signed token proves the link came from us.
func (h *HTTPHandler) accountLinked(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token  string `json:"token"`
		UserID int64  `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Token == "" || body.UserID == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	claims, err := h.tokens.Verify(body.Token)
	if err != nil {
		h.log.Warn("signup token rejected", "error", err)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	if err := h.router.HandleAccountLinked(r.Context(), claims.Phone, body.UserID); err != nil {
		if errors.Is(err, onboarding.ErrNoSession) {
			w.WriteHeader(http.StatusConflict)
			return
		}
		h.log.Error("account linked", "phone", claims.Phone, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
