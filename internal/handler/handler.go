package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"couponhub-api/internal/admission"
	"couponhub-api/internal/identity"
	"couponhub-api/internal/models"
	"couponhub-api/internal/service"
)

// Identity headers. The user header is populated by the session layer in
// front of this API and trusted here; the device hash is a client-supplied
// fingerprint for anonymous voting.
const (
	HeaderUserID     = "X-User-ID"
	HeaderDeviceHash = "X-Device-Hash"
)

// Handler provides HTTP handlers for the API.
type Handler struct {
	service     *service.Service
	maxBodySize int64
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 1 << 20, // 1MB default
	}
}

// NewHandler creates a new handler instance.
func NewHandler(svc *service.Service) *Handler {
	return NewHandlerWithOptions(svc, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(svc *service.Service, opts NewHandlerOptions) *Handler {
	return &Handler{
		service:     svc,
		maxBodySize: opts.MaxBodySize,
	}
}

// Routes mounts all API routes on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/coupons", func(r chi.Router) {
		r.Get("/", h.ListCoupons)
		r.Post("/", h.CreateCoupon)
		r.Get("/{id}", h.GetCoupon)
		r.Delete("/{id}", h.DeleteCoupon)
		r.Post("/{id}/vote", h.VoteOnCoupon)
	})
	r.Route("/users", func(r chi.Router) {
		r.Post("/", h.CreateUser)
		r.Get("/{username}", h.GetUser)
	})
	r.Get("/leaderboard", h.Leaderboard)
	r.Get("/brands", h.ListBrands)
	r.Get("/brands/{brand}", h.GetBrand)
	r.Get("/search", h.Search)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

// ListCoupons handles GET /coupons
func (h *Handler) ListCoupons(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := service.ListParams{
		Sort:      q.Get("sort"),
		Brand:     q.Get("brand"),
		Submitter: q.Get("submitter"),
		Page:      queryInt(q.Get("page"), 1),
		Limit:     queryInt(q.Get("limit"), 20),
	}

	resp, err := h.service.ListCoupons(r.Context(), params)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// CreateCoupon handles POST /coupons
func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(HeaderUserID)
	if userID == "" {
		h.respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req models.CreateCouponRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	coupon, err := h.service.CreateCoupon(r.Context(), identity.ClientIdentifier(r), userID, req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, coupon)
}

// GetCoupon handles GET /coupons/{id}
func (h *Handler) GetCoupon(w http.ResponseWriter, r *http.Request) {
	coupon, err := h.service.GetCoupon(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, coupon)
}

// DeleteCoupon handles DELETE /coupons/{id}
func (h *Handler) DeleteCoupon(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(HeaderUserID)
	if userID == "" {
		h.respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	if err := h.service.DeleteCoupon(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// VoteOnCoupon handles POST /coupons/{id}/vote
func (h *Handler) VoteOnCoupon(w http.ResponseWriter, r *http.Request) {
	voter, ok := h.resolveVoter(w, r)
	if !ok {
		return
	}

	var req models.VoteRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.Worked == nil {
		h.respondError(w, http.StatusBadRequest, "invalid vote value")
		return
	}

	coupon, err := h.service.VoteOnCoupon(r.Context(),
		identity.ClientIdentifier(r), chi.URLParam(r, "id"), voter, *req.Worked)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, coupon)
}

// resolveVoter constructs the voter identity at the pipeline boundary:
// authenticated when the user header is present, anonymous on a device hash,
// otherwise 401.
func (h *Handler) resolveVoter(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	if userID := r.Header.Get(HeaderUserID); userID != "" {
		voter, err := identity.Authenticated(userID)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return identity.Identity{}, false
		}
		return voter, true
	}
	if deviceHash := r.Header.Get(HeaderDeviceHash); deviceHash != "" {
		voter, err := identity.Anonymous(deviceHash)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return identity.Identity{}, false
		}
		return voter, true
	}
	h.respondError(w, http.StatusUnauthorized, "a session or device fingerprint is required to vote")
	return identity.Identity{}, false
}

// CreateUser handles POST /users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req models.CreateUserRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	user, err := h.service.RegisterUser(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, user)
}

// GetUser handles GET /users/{username}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.GetUserProfile(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, user)
}

// Leaderboard handles GET /leaderboard
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.Leaderboard(r.Context(), queryInt(r.URL.Query().Get("limit"), 50))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, entries)
}

// ListBrands handles GET /brands
func (h *Handler) ListBrands(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Brands(r.Context(), queryInt(r.URL.Query().Get("limit"), 50))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// GetBrand handles GET /brands/{brand}
func (h *Handler) GetBrand(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Brand(r.Context(), chi.URLParam(r, "brand"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

// Search handles GET /search
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resp, err := h.service.SearchCoupons(r.Context(), q.Get("q"),
		queryInt(q.Get("page"), 1), queryInt(q.Get("limit"), 20))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// decodeBody decodes a JSON request body, writing a 400 response on failure.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return false
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return false
	}
	return true
}

// respondServiceError maps service errors onto the error taxonomy. Quota
// exhaustion and duplicate votes are business outcomes: they get their status
// codes but are never logged as errors.
func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	var rle *admission.RateLimitError
	var ve *service.ValidationError
	switch {
	case errors.As(err, &rle):
		w.Header().Set("Retry-After", strconv.Itoa(rle.RetryAfterSeconds()))
		h.respondError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &ve):
		h.respondError(w, http.StatusBadRequest, ve.Message)
	case errors.Is(err, service.ErrNotFound):
		h.respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, service.ErrAlreadyVoted):
		h.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrDuplicate):
		h.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrForbidden), errors.Is(err, service.ErrAnonymousVotingDisabled):
		h.respondError(w, http.StatusForbidden, err.Error())
	default:
		log.Printf("internal error: %v", err)
		h.respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.APIResponse{Success: true, Data: data})
}

func (h *Handler) respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.APIResponse{Success: false, Error: msg})
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
