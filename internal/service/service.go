package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"couponhub-api/internal/admission"
	"couponhub-api/internal/cache"
	"couponhub-api/internal/database"
	"couponhub-api/internal/events"
	"couponhub-api/internal/features"
	"couponhub-api/internal/identity"
	"couponhub-api/internal/models"
	"couponhub-api/internal/validation"
)

var (
	// ErrNotFound means the requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyVoted means this identity already voted on the coupon. It is
	// an expected business outcome, not a failure.
	ErrAlreadyVoted = errors.New("already voted on this coupon")
	// ErrForbidden means the caller may not perform this operation.
	ErrForbidden = errors.New("not authorized")
	// ErrDuplicate means a unique field (username, email) is taken.
	ErrDuplicate = errors.New("already exists")
	// ErrAnonymousVotingDisabled is returned for device-hash votes when the
	// anonymous_voting flag is off.
	ErrAnonymousVotingDisabled = errors.New("anonymous voting is disabled")
)

// ValidationError reports malformed input, detected before the admission
// pipeline runs.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Options wires the service's collaborators. Limiters may be nil when rate
// limiting is disabled; Cache may be nil when caching is disabled.
type Options struct {
	DB                *database.DB
	SubmissionLimiter *admission.Limiter
	VotingLimiter     *admission.Limiter
	Guard             *admission.Guard
	Cache             cache.Cache
	CacheTTL          time.Duration
	Events            *events.Manager
	Features          *features.Manager
}

// Service provides the business logic for the coupon API, including the
// write-admission pipeline: identity → rate limit → existence → uniqueness
// guard → aggregates.
type Service struct {
	db                *database.DB
	submissionLimiter *admission.Limiter
	votingLimiter     *admission.Limiter
	guard             *admission.Guard
	cache             cache.Cache
	cacheTTL          time.Duration
	events            *events.Manager
	flags             *features.Manager
}

// NewService creates a new service instance.
func NewService(opts Options) *Service {
	return &Service{
		db:                opts.DB,
		submissionLimiter: opts.SubmissionLimiter,
		votingLimiter:     opts.VotingLimiter,
		guard:             opts.Guard,
		cache:             opts.Cache,
		cacheTTL:          opts.CacheTTL,
		events:            opts.Events,
		flags:             opts.Features,
	}
}

// ListParams filters and paginates coupon listings.
type ListParams struct {
	Sort      string
	Brand     string
	Submitter string // username
	Page      int
	Limit     int
}

func clampPage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}

func pages(total, limit int) int {
	return int(math.Ceil(float64(total) / float64(limit)))
}

// ListCoupons returns one page of coupons. An unknown submitter username
// yields an empty page rather than an error.
func (s *Service) ListCoupons(ctx context.Context, params ListParams) (models.CouponListResponse, error) {
	params.Page, params.Limit = clampPage(params.Page, params.Limit)

	opts := database.ListOptions{
		Sort:  database.CouponSort(params.Sort),
		Brand: params.Brand,
		Page:  params.Page,
		Limit: params.Limit,
	}

	if params.Submitter != "" {
		user, err := s.db.GetUserByUsername(ctx, params.Submitter)
		if errors.Is(err, database.ErrNotFound) {
			return models.CouponListResponse{
				Coupons:    []models.Coupon{},
				Pagination: models.Pagination{Page: params.Page, Limit: params.Limit},
			}, nil
		}
		if err != nil {
			return models.CouponListResponse{}, err
		}
		opts.SubmitterID = user.ID
	}

	coupons, total, err := s.db.ListCoupons(ctx, opts)
	if err != nil {
		return models.CouponListResponse{}, err
	}

	return models.CouponListResponse{
		Coupons: coupons,
		Pagination: models.Pagination{
			Page:  params.Page,
			Limit: params.Limit,
			Total: total,
			Pages: pages(total, params.Limit),
		},
	}, nil
}

// GetCoupon fetches one coupon.
func (s *Service) GetCoupon(ctx context.Context, id string) (models.Coupon, error) {
	coupon, err := s.db.GetCoupon(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return models.Coupon{}, ErrNotFound
	}
	return coupon, err
}

// CreateCoupon validates and stores a submission from userID, enforcing the
// submission rate-limit policy keyed by the caller's client identifier.
func (s *Service) CreateCoupon(ctx context.Context, clientID, userID string, req models.CreateCouponRequest) (models.Coupon, error) {
	if s.submissionLimiter != nil {
		if err := s.submissionLimiter.EnforceLimit(ctx, clientID); err != nil {
			return models.Coupon{}, err
		}
	}

	req.Brand = validation.SanitizeString(req.Brand)
	req.Code = validation.SanitizeString(req.Code)
	req.Description = validation.SanitizeString(req.Description)
	req.Link = validation.SanitizeString(req.Link)
	req.Tags = validation.SanitizeTags(req.Tags)

	if err := validation.ValidateCoupon(req); err != nil {
		return models.Coupon{}, invalid("%s", err.Error())
	}

	user, err := s.db.GetUserByID(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return models.Coupon{}, ErrNotFound
	}
	if err != nil {
		return models.Coupon{}, err
	}

	now := time.Now().UTC()
	coupon := models.Coupon{
		ID:                uuid.NewString(),
		Brand:             req.Brand,
		Code:              req.Code,
		Description:       req.Description,
		Tags:              req.Tags,
		Link:              req.Link,
		ExpiresAt:         req.ExpiresAt,
		SubmitterID:       user.ID,
		SubmitterUsername: user.Username,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.db.CreateCoupon(ctx, coupon); err != nil {
		return models.Coupon{}, err
	}

	if s.events != nil {
		s.events.PublishCouponCreated(ctx, coupon)
	}
	s.invalidateBrandCaches(ctx, coupon.Brand)

	return coupon, nil
}

// DeleteCoupon removes a coupon on behalf of userID. Only the submitter may
// delete; the cascade removes all vote rows and reverses the submitter's
// reputation by the coupon's current aggregate.
func (s *Service) DeleteCoupon(ctx context.Context, userID, couponID string) error {
	coupon, err := s.db.GetCoupon(ctx, couponID)
	if errors.Is(err, database.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if coupon.SubmitterID != userID {
		return ErrForbidden
	}

	if err := s.db.DeleteCouponCascade(ctx, couponID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	if s.events != nil {
		s.events.PublishCouponDeleted(ctx, couponID, coupon.Brand, coupon.SubmitterID)
	}
	s.invalidateBrandCaches(ctx, coupon.Brand)
	s.invalidateLeaderboardCache(ctx)

	return nil
}

// VoteOnCoupon runs the vote admission pipeline for one request: enforce the
// voting quota, confirm the coupon exists, claim the uniqueness slot, then
// record the vote and apply the best-effort aggregate increments. The claim
// and the increments are deliberately not one atomic unit; a crash between
// them leaves counters under-incremented, which is accepted (see the
// vote_reconciliation flag).
func (s *Service) VoteOnCoupon(ctx context.Context, clientID, couponID string, voter identity.Identity, worked bool) (models.Coupon, error) {
	if voter.Kind() == identity.KindAnonymous && s.flags != nil &&
		!s.flags.IsEnabled(features.FeatureAnonymousVoting) {
		return models.Coupon{}, ErrAnonymousVotingDisabled
	}

	if s.votingLimiter != nil {
		if err := s.votingLimiter.EnforceLimit(ctx, clientID); err != nil {
			return models.Coupon{}, err
		}
	}

	coupon, err := s.db.GetCoupon(ctx, couponID)
	if errors.Is(err, database.ErrNotFound) {
		return models.Coupon{}, ErrNotFound
	}
	if err != nil {
		return models.Coupon{}, err
	}

	outcome, err := s.guard.AttemptVote(ctx, couponID, voter)
	if err != nil {
		// Fail closed: an unverifiable vote is rejected, never admitted.
		return models.Coupon{}, err
	}
	if outcome == admission.AlreadyVoted {
		return models.Coupon{}, ErrAlreadyVoted
	}

	vote := models.Vote{
		ID:        uuid.NewString(),
		CouponID:  couponID,
		Worked:    worked,
		CreatedAt: time.Now().UTC(),
	}
	if userID, ok := voter.UserID(); ok {
		vote.UserID = &userID
	}
	if deviceHash, ok := voter.DeviceHash(); ok {
		vote.DeviceHash = &deviceHash
	}

	if err := s.db.InsertVote(ctx, vote); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			// The unique index caught a vote the admission store had lost
			// track of (e.g. a memory store restart).
			return models.Coupon{}, ErrAlreadyVoted
		}
		return models.Coupon{}, err
	}

	if err := s.db.ApplyCouponVoteDelta(ctx, couponID, worked); err != nil {
		log.Printf("coupon aggregate update failed for %s: %v", couponID, err)
	}
	if userID, ok := voter.UserID(); ok {
		if err := s.db.ApplyUserVoteDelta(ctx, userID, worked); err != nil {
			log.Printf("user aggregate update failed for %s: %v", userID, err)
		}
	}

	if s.events != nil {
		s.events.PublishVoteCast(ctx, couponID, coupon.Brand, voter.Key(), worked)
	}
	s.invalidateBrandCaches(ctx, coupon.Brand)
	s.invalidateLeaderboardCache(ctx)

	updated, err := s.db.GetCoupon(ctx, couponID)
	if err != nil {
		// The vote is recorded; return the pre-update snapshot rather than
		// failing the whole request.
		return coupon, nil
	}
	return updated, nil
}

// Leaderboard returns the top users ranked by score, with badges.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error) {
	if limit < 1 || limit > 100 {
		limit = 50
	}

	if s.cacheEnabled() {
		var cached []models.LeaderboardEntry
		if err := cache.GetJSON(ctx, s.cache, cache.KeyLeaderboard, &cached); err == nil && len(cached) >= limit {
			return cached[:limit], nil
		}
	}

	users, err := s.db.LeaderboardUsers(ctx, limit)
	if err != nil {
		return nil, err
	}

	entries := make([]models.LeaderboardEntry, 0, len(users))
	for i, u := range users {
		totalVotes := u.TotalUpvotes + u.TotalDownvotes
		successRate := 0
		if totalVotes > 0 {
			successRate = int(float64(u.TotalUpvotes)/float64(totalVotes)*100 + 0.5)
		}
		entries = append(entries, models.LeaderboardEntry{
			Rank:           i + 1,
			Username:       u.Username,
			RankScore:      u.RankScore,
			TotalUpvotes:   u.TotalUpvotes,
			TotalDownvotes: u.TotalDownvotes,
			TotalVotes:     totalVotes,
			SuccessRate:    successRate,
			Badge:          badgeFor(u.RankScore),
			CreatedAt:      u.CreatedAt,
		})
	}

	if s.cacheEnabled() {
		_ = cache.SetJSON(ctx, s.cache, cache.KeyLeaderboard, entries, s.cacheTTL)
	}

	return entries, nil
}

func badgeFor(rankScore int) string {
	switch {
	case rankScore >= 100:
		return "Gold"
	case rankScore >= 50:
		return "Silver"
	default:
		return "Bronze"
	}
}

// Brands returns aggregated stats for all brands.
func (s *Service) Brands(ctx context.Context, limit int) (models.BrandListResponse, error) {
	if limit < 1 || limit > 100 {
		limit = 50
	}

	if s.cacheEnabled() {
		var cached models.BrandListResponse
		if err := cache.GetJSON(ctx, s.cache, cache.KeyBrands, &cached); err == nil {
			return cached, nil
		}
	}

	brands, err := s.db.BrandStats(ctx, "", limit)
	if err != nil {
		return models.BrandListResponse{}, err
	}

	resp := models.BrandListResponse{Brands: brands, TotalBrands: len(brands)}
	if s.cacheEnabled() {
		_ = cache.SetJSON(ctx, s.cache, cache.KeyBrands, resp, s.cacheTTL)
	}
	return resp, nil
}

// Brand returns aggregated stats for one brand.
func (s *Service) Brand(ctx context.Context, name string) (models.BrandStats, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.BrandStats{}, invalid("brand name is required")
	}

	if s.cacheEnabled() {
		var cached models.BrandStats
		if err := cache.GetJSON(ctx, s.cache, cache.BrandKey(strings.ToLower(name)), &cached); err == nil {
			return cached, nil
		}
	}

	brands, err := s.db.BrandStats(ctx, name, 1)
	if err != nil {
		return models.BrandStats{}, err
	}
	if len(brands) == 0 {
		return models.BrandStats{}, ErrNotFound
	}

	if s.cacheEnabled() {
		_ = cache.SetJSON(ctx, s.cache, cache.BrandKey(strings.ToLower(name)), brands[0], s.cacheTTL)
	}
	return brands[0], nil
}

// SearchCoupons matches q against brand, description and tags.
func (s *Service) SearchCoupons(ctx context.Context, q string, page, limit int) (models.CouponListResponse, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return models.CouponListResponse{}, invalid("search query is required")
	}
	page, limit = clampPage(page, limit)

	coupons, total, err := s.db.SearchCoupons(ctx, q, page, limit)
	if err != nil {
		return models.CouponListResponse{}, err
	}

	return models.CouponListResponse{
		Coupons: coupons,
		Query:   q,
		Pagination: models.Pagination{
			Page:  page,
			Limit: limit,
			Total: total,
			Pages: pages(total, limit),
		},
	}, nil
}

// GetUserProfile fetches a user by username.
func (s *Service) GetUserProfile(ctx context.Context, username string) (models.User, error) {
	user, err := s.db.GetUserByUsername(ctx, username)
	if errors.Is(err, database.ErrNotFound) {
		return models.User{}, ErrNotFound
	}
	return user, err
}

// RegisterUser validates and stores a new user.
func (s *Service) RegisterUser(ctx context.Context, req models.CreateUserRequest) (models.User, error) {
	req.Email = strings.ToLower(validation.SanitizeString(req.Email))
	req.Username = validation.SanitizeString(req.Username)
	req.Name = validation.SanitizeString(req.Name)

	if err := validation.ValidateEmail(req.Email); err != nil {
		return models.User{}, invalid("%s", err.Error())
	}
	if err := validation.ValidateUsername(req.Username); err != nil {
		return models.User{}, invalid("%s", err.Error())
	}
	if req.Name == "" {
		req.Name = req.Username
	}

	now := time.Now().UTC()
	user := models.User{
		ID:        uuid.NewString(),
		Email:     req.Email,
		Username:  req.Username,
		Name:      req.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.db.CreateUser(ctx, user); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return models.User{}, ErrDuplicate
		}
		return models.User{}, err
	}
	return user, nil
}

func (s *Service) cacheEnabled() bool {
	if s.cache == nil {
		return false
	}
	if s.flags != nil && !s.flags.IsEnabled(features.FeatureCacheEnabled) {
		return false
	}
	return true
}

func (s *Service) invalidateLeaderboardCache(ctx context.Context) {
	if s.cache != nil {
		_ = s.cache.Delete(ctx, cache.KeyLeaderboard)
	}
}

func (s *Service) invalidateBrandCaches(ctx context.Context, brand string) {
	if s.cache != nil {
		_ = s.cache.Delete(ctx, cache.KeyBrands, cache.BrandKey(strings.ToLower(brand)))
	}
}
