// Package httpapi exposes the marketplace REST surface.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	app "github.com/waggleworks/hivemarket/internal/app"
	"github.com/waggleworks/hivemarket/internal/app/domain/escrow"
	"github.com/waggleworks/hivemarket/internal/app/domain/gig"
	"github.com/waggleworks/hivemarket/internal/app/domain/ledger"
	"github.com/waggleworks/hivemarket/internal/app/domain/principal"
	"github.com/waggleworks/hivemarket/internal/app/domain/ratelimit"
	"github.com/waggleworks/hivemarket/internal/app/metrics"
	"github.com/waggleworks/hivemarket/internal/app/services/principals"
	"github.com/waggleworks/hivemarket/pkg/logger"
)

// Config tunes the HTTP surface.
type Config struct {
	// SweepSecret gates POST /internal/sweep. Empty disables the
	// endpoint entirely.
	SweepSecret string
	// RequireAPIKey makes every identified request present a valid
	// X-API-Key for its X-Principal-ID.
	RequireAPIKey bool
	// AddressRatePerSecond throttles requests per remote address at the
	// transport layer. Zero disables the throttle.
	AddressRatePerSecond float64
	AddressBurst         int
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
	cfg Config
	log *logger.Logger
}

// NewHandler returns a router exposing the marketplace REST API.
func NewHandler(application *app.Application, cfg Config, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{app: application, cfg: cfg, log: log}

	r := chi.NewRouter()
	if cfg.AddressRatePerSecond > 0 {
		r.Use(addressThrottle(cfg.AddressRatePerSecond, cfg.AddressBurst))
	}
	if cfg.RequireAPIKey {
		r.Use(h.requireAPIKey)
	}

	r.Get("/healthz", h.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/principals", func(r chi.Router) {
		r.Post("/", h.registerPrincipal)
		r.Get("/", h.listPrincipals)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getPrincipal)
			r.Delete("/", h.deactivatePrincipal)
			r.Post("/rotate-key", h.rotateKey)
			r.Post("/verify-email", h.requestEmailVerification)
			r.Post("/confirm-email", h.confirmEmail)
			r.Get("/balance", h.getBalance)
			r.Get("/ledger", h.ledgerHistory)
			r.Post("/grants", h.grant)
		})
	})

	r.Route("/gigs", func(r chi.Router) {
		r.Post("/", h.postGig)
		r.Get("/", h.listGigs)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getGig)
			r.Get("/bids", h.listBids)
			r.Post("/bids", h.placeBid)
			r.Post("/accept", h.acceptBid)
			r.Post("/deliver", h.deliverGig)
			r.Post("/approve", h.approveGig)
			r.Post("/dispute", h.disputeGig)
			r.Post("/resolve", h.resolveDispute)
			r.Post("/cancel", h.cancelGig)
			r.Get("/escrow", h.getEscrow)
		})
	})

	r.Post("/bids/{id}/withdraw", h.withdrawBid)
	r.Get("/escrows", h.listEscrows)
	r.Post("/internal/sweep", h.sweep)

	return metrics.InstrumentHandler(r)
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) registerPrincipal(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Kind  string `json:"kind"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	p, key, err := h.app.Principals.Register(r.Context(), principal.Kind(payload.Kind), payload.Name, payload.Email)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"principal": p,
		"api_key":   key,
	})
}

func (h *handler) listPrincipals(w http.ResponseWriter, r *http.Request) {
	list, err := h.app.Principals.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) getPrincipal(w http.ResponseWriter, r *http.Request) {
	p, err := h.app.Principals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) deactivatePrincipal(w http.ResponseWriter, r *http.Request) {
	p, err := h.app.Principals.Deactivate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) rotateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.requireSelf(r, id); err != nil {
		writeServiceError(w, err)
		return
	}
	key, err := h.app.Principals.RotateKey(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"api_key": key})
}

func (h *handler) requestEmailVerification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.requireSelf(r, id); err != nil {
		writeServiceError(w, err)
		return
	}
	code, err := h.app.Principals.RequestEmailVerification(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	// No mail transport is wired; the code is handed back to the caller.
	writeJSON(w, http.StatusOK, map[string]string{"code": code})
}

func (h *handler) confirmEmail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.requireSelf(r, id); err != nil {
		writeServiceError(w, err)
		return
	}
	var payload struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := h.app.Principals.ConfirmEmail(r.Context(), id, payload.Code)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) getBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	balance, err := h.app.Ledger.Balance(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"principal_id": id, "balance": balance})
}

func (h *handler) ledgerHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	entries, err := h.app.Ledger.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) grant(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Amount    int64  `json:"amount"`
		Reference string `json:"reference"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entry, err := h.app.Ledger.Grant(r.Context(), chi.URLParam(r, "id"), payload.Amount, payload.Reference)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	metrics.RecordHoneyMoved(string(ledger.ReasonGrant), payload.Amount)
	writeJSON(w, http.StatusCreated, entry)
}

func (h *handler) postGig(w http.ResponseWriter, r *http.Request) {
	posterID, err := h.identity(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	var payload struct {
		Title       string    `json:"title"`
		Description string    `json:"description"`
		Reward      int64     `json:"reward"`
		Deadline    time.Time `json:"deadline"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	g, err := h.app.Gigs.Post(r.Context(), posterID, payload.Title, payload.Description, payload.Reward, payload.Deadline)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	metrics.RecordGigTransition(string(gig.StatusOpen))
	writeJSON(w, http.StatusCreated, g)
}

func (h *handler) listGigs(w http.ResponseWriter, r *http.Request) {
	status := gig.Status(r.URL.Query().Get("status"))
	list, err := h.app.Gigs.List(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) getGig(w http.ResponseWriter, r *http.Request) {
	g, err := h.app.Gigs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *handler) listBids(w http.ResponseWriter, r *http.Request) {
	bids, err := h.app.Gigs.ListBids(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bids)
}

func (h *handler) placeBid(w http.ResponseWriter, r *http.Request) {
	beeID, err := h.identity(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	var payload struct {
		Amount   int64  `json:"amount"`
		Proposal string `json:"proposal"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	b, err := h.app.Gigs.Bid(r.Context(), beeID, chi.URLParam(r, "id"), payload.Amount, payload.Proposal)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (h *handler) acceptBid(w http.ResponseWriter, r *http.Request) {
	posterID, err := h.identity(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	var payload struct {
		BidID string `json:"bid_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	acc, err := h.app.Gigs.Accept(r.Context(), posterID, chi.URLParam(r, "id"), payload.BidID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	metrics.RecordGigTransition(string(gig.StatusAccepted))
	metrics.RecordHoneyMoved(string(ledger.ReasonEscrowHold), acc.Escrow.Amount)
	writeJSON(w, http.StatusOK, acc)
}

func (h *handler) deliverGig(w http.ResponseWriter, r *http.Request) {
	beeID, err := h.identity(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	g, err := h.app.Gigs.Deliver(r.Context(), beeID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	metrics.RecordGigTransition(string(gig.StatusDelivered))
	writeJSON(w, http.StatusOK, g)
}

func (h *handler) approveGig(w http.ResponseWriter, r *http.Request) {
	posterID, err := h.identity(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	res, err := h.app.Gigs.Approve(r.Context(), posterID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	metrics.RecordGigTransition(string(gig.StatusCompleted))
	metrics.RecordHoneyMoved(string(ledger.ReasonEscrowRelease), res.Escrow.Amount)
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) disputeGig(w http.ResponseWriter, r *http.Request) {
	principalID, err := h.identity(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	g, err := h.app.Gigs.Dispute(r.Context(), principalID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	metrics.RecordGigTransition(string(gig.StatusDisputed))
	writeJSON(w, http.StatusOK, g)
}

func (h *handler) resolveDispute(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Outcome string `json:"outcome"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.app.Gigs.ResolveDispute(r.Context(), chi.URLParam(r, "id"), escrow.Status(payload.Outcome))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	metrics.RecordGigTransition(string(res.Gig.Status))
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) cancelGig(w http.ResponseWriter, r *http.Request) {
	posterID, err := h.identity(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	g, res, err := h.app.Gigs.Cancel(r.Context(), posterID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	metrics.RecordGigTransition(string(gig.StatusCancelled))
	body := map[string]any{"gig": g}
	if res != nil {
		metrics.RecordHoneyMoved(string(ledger.ReasonEscrowRefund), res.Escrow.Amount)
		body["refund"] = res
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *handler) getEscrow(w http.ResponseWriter, r *http.Request) {
	e, err := h.app.Escrows.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *handler) listEscrows(w http.ResponseWriter, r *http.Request) {
	list, err := h.app.Escrows.List(r.Context(), escrow.Status(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) withdrawBid(w http.ResponseWriter, r *http.Request) {
	beeID, err := h.identity(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	b, err := h.app.Gigs.WithdrawBid(r.Context(), beeID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// sweep triggers one auto-approval pass. Fails closed: without a
// configured secret the endpoint does not exist.
func (h *handler) sweep(w http.ResponseWriter, r *http.Request) {
	if h.cfg.SweepSecret == "" || r.Header.Get("X-Sweep-Secret") != h.cfg.SweepSecret {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	results, err := h.app.Sweeper.Sweep(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	for _, res := range results {
		switch {
		case res.Approved:
			metrics.RecordSweep("approved")
		case res.Skipped:
			metrics.RecordSweep("skipped")
		default:
			metrics.RecordSweep("failed")
		}
	}
	writeJSON(w, http.StatusOK, results)
}

// identity resolves the acting principal from the X-Principal-ID header.
func (h *handler) identity(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get("X-Principal-ID"))
	if id == "" {
		return "", errUnidentified
	}
	return id, nil
}

// requireSelf restricts an endpoint to the principal it addresses.
func (h *handler) requireSelf(r *http.Request, id string) error {
	actor, err := h.identity(r)
	if err != nil {
		return err
	}
	if actor != id {
		return gig.ErrForbidden
	}
	return nil
}

var errUnidentified = errors.New("missing X-Principal-ID header")

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// writeServiceError maps domain errors onto HTTP statuses. Ownership
// failures surface as 404 so callers cannot probe for resources they do
// not own.
func writeServiceError(w http.ResponseWriter, err error) {
	var rl *ratelimit.RateLimitedError
	if errors.As(err, &rl) {
		metrics.RecordRateLimited(rl.Action)
		secs := int(rl.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, http.StatusTooManyRequests, err)
		return
	}
	if ledger.IsInsufficientFunds(err) {
		writeError(w, http.StatusPaymentRequired, err)
		return
	}

	switch {
	case errors.Is(err, errUnidentified), errors.Is(err, principals.ErrBadCredentials):
		writeError(w, http.StatusUnauthorized, err)
	case errors.Is(err, principal.ErrNotFound),
		errors.Is(err, gig.ErrNotFound),
		errors.Is(err, gig.ErrBidNotFound),
		errors.Is(err, escrow.ErrNoEscrow),
		errors.Is(err, gig.ErrForbidden),
		errors.Is(err, gig.ErrNotAssignedBee):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, principal.ErrDeactivated):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, gig.ErrInvalidTransition),
		errors.Is(err, gig.ErrBidNotPending),
		errors.Is(err, gig.ErrNotOpenForBids),
		errors.Is(err, escrow.ErrAlreadyResolved),
		errors.Is(err, escrow.ErrEscrowConflict):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusBadRequest, err)
	}
}
