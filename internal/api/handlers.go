package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mailwizard/delivery-core/internal/dispatch"
	"github.com/mailwizard/delivery-core/internal/domain"
	"github.com/mailwizard/delivery-core/internal/ingest"
	"github.com/mailwizard/delivery-core/internal/pkg/httputil"
	"github.com/mailwizard/delivery-core/internal/pkg/logger"
	"github.com/mailwizard/delivery-core/internal/quota"
	"github.com/mailwizard/delivery-core/internal/ratelimit"
	"github.com/mailwizard/delivery-core/internal/repository/postgres"
	"github.com/mailwizard/delivery-core/internal/service/domains"
	"github.com/mailwizard/delivery-core/internal/unsubscribe"
	"github.com/mailwizard/delivery-core/internal/webhook"
)

// maxWebhookBody caps inbound webhook payloads at 5 MB.
const maxWebhookBody = 5 << 20

// CampaignSender dispatches a campaign send.
type CampaignSender interface {
	Send(ctx context.Context, in dispatch.SendInput) (*dispatch.Outcome, error)
}

// EventIngester processes a webhook event batch.
type EventIngester interface {
	ProcessBatch(ctx context.Context, raw []json.RawMessage) ingest.BatchResult
}

// Unsubscriber performs the contact opt-out/opt-in transitions.
type Unsubscriber interface {
	Unsubscribe(ctx context.Context, token string) (unsubscribe.Result, error)
	Resubscribe(ctx context.Context, email string) error
}

// CampaignGetter loads a campaign by id.
type CampaignGetter interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
}

// DomainManager registers, verifies, and lists sending domains.
type DomainManager interface {
	Register(ctx context.Context, userID, name string) (*domain.SendingDomain, error)
	Verify(ctx context.Context, userID, name string) (*domain.SendingDomain, error)
	List(ctx context.Context, userID string) ([]domain.SendingDomain, error)
}

// Handlers holds the HTTP handlers and their dependencies.
type Handlers struct {
	verifier   *webhook.Verifier
	pipeline   EventIngester
	sender     CampaignSender
	unsub      Unsubscriber
	campaigns  CampaignGetter
	domains    DomainManager
	appBaseURL string
}

// NewHandlers wires the HTTP handler set.
func NewHandlers(verifier *webhook.Verifier, pipeline EventIngester, sender CampaignSender,
	unsub Unsubscriber, campaigns CampaignGetter, doms DomainManager, appBaseURL string) *Handlers {
	return &Handlers{
		verifier:   verifier,
		pipeline:   pipeline,
		sender:     sender,
		unsub:      unsub,
		campaigns:  campaigns,
		domains:    doms,
		appBaseURL: strings.TrimRight(appBaseURL, "/"),
	}
}

// HealthCheck reports service liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleWebhook verifies and ingests a provider event batch. An invalid
// signature rejects the whole batch; malformed individual events inside a
// valid batch are counted, not fatal.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.Error(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	sig := r.Header.Get("X-Signature")
	ts := r.Header.Get("X-Timestamp")
	if err := h.verifier.Verify(sig, ts, body); err != nil {
		logger.Warn("webhook: signature rejected", "err", err.Error())
		httputil.Unauthorized(w, "invalid signature")
		return
	}

	events, err := decodeEventBatch(body)
	if err != nil {
		httputil.BadRequest(w, "malformed event batch")
		return
	}

	res := h.pipeline.ProcessBatch(r.Context(), events)
	httputil.OK(w, res)
}

// decodeEventBatch accepts either a JSON array of events or a single event
// object, which some providers send for low-volume deliveries.
func decodeEventBatch(body []byte) ([]json.RawMessage, error) {
	var events []json.RawMessage
	if err := json.Unmarshal(body, &events); err == nil {
		return events, nil
	}

	var single map[string]json.RawMessage
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, err
	}
	return []json.RawMessage{json.RawMessage(body)}, nil
}

type sendRequest struct {
	UserID     string               `json:"user_id"`
	Plan       domain.PlanTier      `json:"plan"`
	HTML       string               `json:"html"`
	Text       string               `json:"text"`
	Recipients []dispatch.Recipient `json:"recipients"`
}

// HandleSend dispatches a campaign to its recipients. Rate and quota gate
// failures map to their own status codes with machine-readable payloads;
// partial batch failure reports the failed addresses with 207.
func (h *Handlers) HandleSend(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")

	var req sendRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Plan == "" {
		httputil.BadRequest(w, "user_id and plan are required")
		return
	}

	c, err := h.campaigns.Get(r.Context(), campaignID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			httputil.NotFound(w, "campaign not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}

	out, err := h.sender.Send(r.Context(), dispatch.SendInput{
		CampaignID: c.ID,
		UserID:     req.UserID,
		Plan:       req.Plan,
		FromEmail:  c.FromEmail,
		FromName:   c.FromName,
		Subject:    c.Subject,
		HTMLBody:   req.HTML,
		TextBody:   req.Text,
		Recipients: req.Recipients,
		Tracking:   dispatch.TrackingOptions{OpenTracking: true, ClickTracking: true},
	})
	if err != nil {
		h.writeSendError(w, err)
		return
	}

	status := http.StatusOK
	if len(out.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	httputil.JSON(w, status, out)
}

func (h *Handlers) writeSendError(w http.ResponseWriter, err error) {
	var limited *ratelimit.LimitedError
	if errors.As(err, &limited) {
		retryAfter := int(limited.RetryAfter(time.Now()).Seconds() + 0.5)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		httputil.JSON(w, http.StatusTooManyRequests, map[string]any{
			"error":    "rate limit exceeded",
			"limit":    limited.Limit,
			"current":  limited.Current,
			"reset_at": limited.ResetAt.UTC().Format(time.RFC3339),
		})
		return
	}

	var exceeded *quota.ExceededError
	if errors.As(err, &exceeded) {
		httputil.JSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     "monthly quota exceeded",
			"current":   exceeded.Current,
			"limit":     exceeded.Limit,
			"requested": exceeded.Requested,
		})
		return
	}

	switch {
	case errors.Is(err, dispatch.ErrNoRecipients),
		errors.Is(err, dispatch.ErrDomainNotVerified):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}

// HandleUnsubscribe processes a signed unsubscribe link click and redirects
// to the confirmation page. Link clicks always land somewhere; failures
// redirect with result=error rather than rendering a raw API error.
func (h *Handlers) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		h.redirectResult(w, r, unsubscribe.ResultError)
		return
	}

	result, err := h.unsub.Unsubscribe(r.Context(), token)
	if err != nil {
		logger.Warn("unsubscribe failed", "err", err.Error())
		h.redirectResult(w, r, unsubscribe.ResultError)
		return
	}
	h.redirectResult(w, r, result)
}

func (h *Handlers) redirectResult(w http.ResponseWriter, r *http.Request, result unsubscribe.Result) {
	http.Redirect(w, r, h.appBaseURL+"/unsubscribed?result="+string(result), http.StatusFound)
}

type registerDomainRequest struct {
	UserID string `json:"user_id"`
	Domain string `json:"domain"`
}

// HandleRegisterDomain adds a sending domain and returns the DNS records
// the user must publish before it can verify.
func (h *Handlers) HandleRegisterDomain(w http.ResponseWriter, r *http.Request) {
	var req registerDomainRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		httputil.BadRequest(w, "user_id is required")
		return
	}

	d, err := h.domains.Register(r.Context(), req.UserID, req.Domain)
	switch {
	case err == nil:
		httputil.JSON(w, http.StatusCreated, d)
	case errors.Is(err, domains.ErrInvalidDomain):
		httputil.BadRequest(w, "invalid domain name")
	default:
		httputil.InternalError(w, err)
	}
}

type verifyDomainRequest struct {
	UserID string `json:"user_id"`
}

// HandleVerifyDomain runs a DNS pass over a registered domain and returns
// it with per-record validity and the resulting status.
func (h *Handlers) HandleVerifyDomain(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req verifyDomainRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		httputil.BadRequest(w, "user_id is required")
		return
	}

	d, err := h.domains.Verify(r.Context(), req.UserID, name)
	switch {
	case err == nil:
		httputil.OK(w, d)
	case errors.Is(err, domains.ErrNotFound):
		httputil.NotFound(w, "sending domain not found")
	default:
		httputil.InternalError(w, err)
	}
}

// HandleListDomains returns a user's sending domains with record validity.
func (h *Handlers) HandleListDomains(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		httputil.BadRequest(w, "user_id is required")
		return
	}

	list, err := h.domains.List(r.Context(), userID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, list)
}

type resubscribeRequest struct {
	Email string `json:"email"`
}

// HandleResubscribe opts a contact back in by email.
func (h *Handlers) HandleResubscribe(w http.ResponseWriter, r *http.Request) {
	var req resubscribeRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	err := h.unsub.Resubscribe(r.Context(), req.Email)
	switch {
	case err == nil:
		httputil.OK(w, map[string]string{"status": "subscribed"})
	case errors.Is(err, unsubscribe.ErrInvalidEmail):
		httputil.BadRequest(w, "invalid email address")
	case errors.Is(err, unsubscribe.ErrContactNotFound):
		httputil.NotFound(w, "contact not found")
	default:
		httputil.InternalError(w, err)
	}
}
