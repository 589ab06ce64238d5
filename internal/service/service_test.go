package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"couponhub-api/internal/admission"
	"couponhub-api/internal/database"
	"couponhub-api/internal/features"
	"couponhub-api/internal/identity"
	"couponhub-api/internal/models"
)

func setupTestService(t *testing.T, opts Options) (*Service, *database.DB) {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	opts.DB = db
	if opts.Guard == nil {
		opts.Guard = admission.NewGuard(admission.NewMemoryStore())
	}
	return NewService(opts), db
}

func registerTestUser(t *testing.T, svc *Service, username string) models.User {
	t.Helper()
	user, err := svc.RegisterUser(context.Background(), models.CreateUserRequest{
		Email:    username + "@example.com",
		Username: username,
		Name:     "Test " + username,
	})
	if err != nil {
		t.Fatalf("Failed to register test user: %v", err)
	}
	return user
}

func submitTestCoupon(t *testing.T, svc *Service, userID, brand string) models.Coupon {
	t.Helper()
	coupon, err := svc.CreateCoupon(context.Background(), "10.0.0.1", userID, models.CreateCouponRequest{
		Brand:       brand,
		Code:        "SAVE20",
		Description: "20% off at " + brand,
		Tags:        []string{"Sale"},
	})
	if err != nil {
		t.Fatalf("Failed to submit test coupon: %v", err)
	}
	return coupon
}

func mustIdentity(t *testing.T, id identity.Identity, err error) identity.Identity {
	t.Helper()
	if err != nil {
		t.Fatalf("Failed to build identity: %v", err)
	}
	return id
}

func TestVoteOnCouponAggregatesAndDeduplicates(t *testing.T) {
	svc, _ := setupTestService(t, Options{})
	ctx := context.Background()

	submitter := registerTestUser(t, svc, "submitter")
	voter1 := registerTestUser(t, svc, "voter1")
	voter2 := registerTestUser(t, svc, "voter2")
	coupon := submitTestCoupon(t, svc, submitter.ID, "Acme")

	id1Val, id1Err := identity.Authenticated(voter1.ID)
	id1 := mustIdentity(t, id1Val, id1Err)
	updated, err := svc.VoteOnCoupon(ctx, "10.0.0.1", coupon.ID, id1, true)
	if err != nil {
		t.Fatalf("first vote failed: %v", err)
	}
	if updated.Upvotes != 1 || updated.Downvotes != 0 {
		t.Errorf("expected 1/0 votes after first vote, got %d/%d", updated.Upvotes, updated.Downvotes)
	}

	if _, err := svc.VoteOnCoupon(ctx, "10.0.0.1", coupon.ID, id1, true); !errors.Is(err, ErrAlreadyVoted) {
		t.Errorf("expected ErrAlreadyVoted on repeat vote, got %v", err)
	}
	// The rejected duplicate must not move the counters.
	got, err := svc.GetCoupon(ctx, coupon.ID)
	if err != nil {
		t.Fatalf("GetCoupon failed: %v", err)
	}
	if got.Upvotes != 1 {
		t.Errorf("expected upvotes to stay at 1 after duplicate, got %d", got.Upvotes)
	}

	id2Val, id2Err := identity.Authenticated(voter2.ID)
	id2 := mustIdentity(t, id2Val, id2Err)
	updated, err = svc.VoteOnCoupon(ctx, "10.0.0.2", coupon.ID, id2, false)
	if err != nil {
		t.Fatalf("second voter failed: %v", err)
	}
	if updated.Upvotes != 1 || updated.Downvotes != 1 {
		t.Errorf("expected 1/1 votes, got %d/%d", updated.Upvotes, updated.Downvotes)
	}
}

func TestVoteOnCouponCreditsTheVoter(t *testing.T) {
	svc, _ := setupTestService(t, Options{})
	ctx := context.Background()

	submitter := registerTestUser(t, svc, "submitter")
	voter := registerTestUser(t, svc, "voter")
	c1 := submitTestCoupon(t, svc, submitter.ID, "Acme")
	c2 := submitTestCoupon(t, svc, submitter.ID, "Globex")

	voterIDVal, voterIDErr := identity.Authenticated(voter.ID)
	voterID := mustIdentity(t, voterIDVal, voterIDErr)
	if _, err := svc.VoteOnCoupon(ctx, "ip", c1.ID, voterID, true); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	if _, err := svc.VoteOnCoupon(ctx, "ip", c2.ID, voterID, false); err != nil {
		t.Fatalf("vote failed: %v", err)
	}

	profile, err := svc.GetUserProfile(ctx, "voter")
	if err != nil {
		t.Fatalf("GetUserProfile failed: %v", err)
	}
	// +2 for the worked vote, -1 for the not-worked one.
	if profile.RankScore != 1 {
		t.Errorf("expected voter rank score 1, got %d", profile.RankScore)
	}
	if profile.TotalUpvotes != 1 || profile.TotalDownvotes != 1 {
		t.Errorf("expected voter totals 1/1, got %d/%d", profile.TotalUpvotes, profile.TotalDownvotes)
	}

	// The submitter's reputation is untouched by votes on their coupons.
	sub, err := svc.GetUserProfile(ctx, "submitter")
	if err != nil {
		t.Fatalf("GetUserProfile failed: %v", err)
	}
	if sub.RankScore != 0 {
		t.Errorf("expected submitter rank score 0, got %d", sub.RankScore)
	}
}

func TestVoteOnCouponAnonymousPerCoupon(t *testing.T) {
	svc, _ := setupTestService(t, Options{})
	ctx := context.Background()

	submitter := registerTestUser(t, svc, "submitter")
	c1 := submitTestCoupon(t, svc, submitter.ID, "Acme")
	c2 := submitTestCoupon(t, svc, submitter.ID, "Globex")

	deviceVal, deviceErr := identity.Anonymous("fp-abc")
	device := mustIdentity(t, deviceVal, deviceErr)
	if _, err := svc.VoteOnCoupon(ctx, "ip", c1.ID, device, true); err != nil {
		t.Fatalf("anonymous vote failed: %v", err)
	}
	// Same fingerprint on a different coupon is fine.
	if _, err := svc.VoteOnCoupon(ctx, "ip", c2.ID, device, true); err != nil {
		t.Fatalf("anonymous vote on second coupon failed: %v", err)
	}
	// Same fingerprint again on the first coupon is not.
	if _, err := svc.VoteOnCoupon(ctx, "ip", c1.ID, device, true); !errors.Is(err, ErrAlreadyVoted) {
		t.Errorf("expected ErrAlreadyVoted, got %v", err)
	}
}

func TestVoteOnCouponAnonymousVotingDisabled(t *testing.T) {
	flags := features.NewManager()
	flags.Register(features.FeatureAnonymousVoting, false, "")
	svc, _ := setupTestService(t, Options{Features: flags})
	ctx := context.Background()

	submitter := registerTestUser(t, svc, "submitter")
	coupon := submitTestCoupon(t, svc, submitter.ID, "Acme")

	deviceVal, deviceErr := identity.Anonymous("fp-abc")
	device := mustIdentity(t, deviceVal, deviceErr)
	if _, err := svc.VoteOnCoupon(ctx, "ip", coupon.ID, device, true); !errors.Is(err, ErrAnonymousVotingDisabled) {
		t.Errorf("expected ErrAnonymousVotingDisabled, got %v", err)
	}

	// Authenticated voting is unaffected by the flag.
	voter := registerTestUser(t, svc, "voter")
	voterIDVal, voterIDErr := identity.Authenticated(voter.ID)
	voterID := mustIdentity(t, voterIDVal, voterIDErr)
	if _, err := svc.VoteOnCoupon(ctx, "ip", coupon.ID, voterID, true); err != nil {
		t.Errorf("authenticated vote failed: %v", err)
	}
}

func TestVoteOnCouponMissingCoupon(t *testing.T) {
	svc, _ := setupTestService(t, Options{})

	voter := registerTestUser(t, svc, "voter")
	idVal, idErr := identity.Authenticated(voter.ID)
	id := mustIdentity(t, idVal, idErr)
	if _, err := svc.VoteOnCoupon(context.Background(), "ip", "missing", id, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestVoteOnCouponRateLimited(t *testing.T) {
	store := admission.NewMemoryStore()
	limiter, err := admission.NewLimiter(store, admission.Policy{
		Name:        "voting",
		Window:      time.Hour,
		MaxRequests: 2,
	})
	if err != nil {
		t.Fatalf("Failed to build limiter: %v", err)
	}
	svc, _ := setupTestService(t, Options{VotingLimiter: limiter})
	ctx := context.Background()

	submitter := registerTestUser(t, svc, "submitter")
	coupons := []models.Coupon{
		submitTestCoupon(t, svc, submitter.ID, "Acme"),
		submitTestCoupon(t, svc, submitter.ID, "Globex"),
		submitTestCoupon(t, svc, submitter.ID, "Initech"),
	}

	deviceVal, deviceErr := identity.Anonymous("fp-abc")
	device := mustIdentity(t, deviceVal, deviceErr)
	for i := 0; i < 2; i++ {
		if _, err := svc.VoteOnCoupon(ctx, "10.0.0.1", coupons[i].ID, device, true); err != nil {
			t.Fatalf("vote %d failed: %v", i+1, err)
		}
	}

	_, err = svc.VoteOnCoupon(ctx, "10.0.0.1", coupons[2].ID, device, true)
	var rle *admission.RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}

	// A different client identifier still has quota.
	if _, err := svc.VoteOnCoupon(ctx, "10.0.0.2", coupons[2].ID, device, true); err != nil {
		t.Errorf("vote from fresh client failed: %v", err)
	}
}

func TestCreateCouponSanitizesAndValidates(t *testing.T) {
	svc, _ := setupTestService(t, Options{})
	ctx := context.Background()

	user := registerTestUser(t, svc, "alice")

	coupon, err := svc.CreateCoupon(ctx, "ip", user.ID, models.CreateCouponRequest{
		Brand:       "  Acme<script>  ",
		Code:        "SAVE20",
		Description: "20% off",
		Tags:        []string{" Electronics ", ""},
	})
	if err != nil {
		t.Fatalf("CreateCoupon failed: %v", err)
	}
	if coupon.Brand != "Acmescript" {
		t.Errorf("expected sanitized brand, got %q", coupon.Brand)
	}
	if len(coupon.Tags) != 1 || coupon.Tags[0] != "electronics" {
		t.Errorf("expected sanitized tags, got %v", coupon.Tags)
	}
	if coupon.SubmitterUsername != "alice" {
		t.Errorf("expected submitter username alice, got %q", coupon.SubmitterUsername)
	}

	_, err = svc.CreateCoupon(ctx, "ip", user.ID, models.CreateCouponRequest{
		Brand: "Acme",
	})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("expected ValidationError for missing fields, got %v", err)
	}

	if _, err := svc.CreateCoupon(ctx, "ip", "missing-user", models.CreateCouponRequest{
		Brand:       "Acme",
		Code:        "SAVE20",
		Description: "20% off",
	}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown submitter, got %v", err)
	}
}

func TestCreateCouponRateLimited(t *testing.T) {
	limiter, err := admission.NewLimiter(admission.NewMemoryStore(), admission.Policy{
		Name:        "submission",
		Window:      time.Hour,
		MaxRequests: 1,
	})
	if err != nil {
		t.Fatalf("Failed to build limiter: %v", err)
	}
	svc, _ := setupTestService(t, Options{SubmissionLimiter: limiter})
	ctx := context.Background()

	user := registerTestUser(t, svc, "alice")
	submitTestCoupon(t, svc, user.ID, "Acme")

	_, err = svc.CreateCoupon(ctx, "10.0.0.1", user.ID, models.CreateCouponRequest{
		Brand:       "Globex",
		Code:        "SAVE30",
		Description: "30% off",
	})
	var rle *admission.RateLimitError
	if !errors.As(err, &rle) {
		t.Errorf("expected RateLimitError, got %v", err)
	}
}

func TestDeleteCouponOwnership(t *testing.T) {
	svc, _ := setupTestService(t, Options{})
	ctx := context.Background()

	owner := registerTestUser(t, svc, "owner")
	other := registerTestUser(t, svc, "other")
	coupon := submitTestCoupon(t, svc, owner.ID, "Acme")

	if err := svc.DeleteCoupon(ctx, other.ID, coupon.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for non-owner, got %v", err)
	}
	if err := svc.DeleteCoupon(ctx, owner.ID, coupon.ID); err != nil {
		t.Fatalf("owner delete failed: %v", err)
	}
	if _, err := svc.GetCoupon(ctx, coupon.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected coupon to be gone, got %v", err)
	}
	if err := svc.DeleteCoupon(ctx, owner.ID, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListCouponsUnknownSubmitter(t *testing.T) {
	svc, _ := setupTestService(t, Options{})

	resp, err := svc.ListCoupons(context.Background(), ListParams{Submitter: "nobody"})
	if err != nil {
		t.Fatalf("ListCoupons failed: %v", err)
	}
	if len(resp.Coupons) != 0 || resp.Pagination.Total != 0 {
		t.Errorf("expected an empty page, got %+v", resp)
	}
}

func TestLeaderboardBadges(t *testing.T) {
	svc, db := setupTestService(t, Options{})
	ctx := context.Background()

	// RegisterUser starts everyone at zero; push scores through the same
	// delta operation production uses.
	gold := registerTestUser(t, svc, "gold")
	silver := registerTestUser(t, svc, "silver")
	registerTestUser(t, svc, "bronze")
	for i := 0; i < 50; i++ {
		if err := db.ApplyUserVoteDelta(ctx, gold.ID, true); err != nil {
			t.Fatalf("Failed to apply delta: %v", err)
		}
	}
	for i := 0; i < 25; i++ {
		if err := db.ApplyUserVoteDelta(ctx, silver.ID, true); err != nil {
			t.Fatalf("Failed to apply delta: %v", err)
		}
	}

	entries, err := svc.Leaderboard(ctx, 10)
	if err != nil {
		t.Fatalf("Leaderboard failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Username != "gold" || entries[0].Badge != "Gold" || entries[0].Rank != 1 {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Username != "silver" || entries[1].Badge != "Silver" {
		t.Errorf("unexpected second entry: %+v", entries[1])
	}
	if entries[2].Badge != "Bronze" {
		t.Errorf("unexpected third entry: %+v", entries[2])
	}
	if entries[0].SuccessRate != 100 {
		t.Errorf("expected 100%% success rate, got %d", entries[0].SuccessRate)
	}
}

func TestSearchCouponsRequiresQuery(t *testing.T) {
	svc, _ := setupTestService(t, Options{})

	_, err := svc.SearchCoupons(context.Background(), "   ", 1, 10)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestRegisterUser(t *testing.T) {
	svc, _ := setupTestService(t, Options{})
	ctx := context.Background()

	user, err := svc.RegisterUser(ctx, models.CreateUserRequest{
		Email:    "Alice@Example.COM",
		Username: "alice",
	})
	if err != nil {
		t.Fatalf("RegisterUser failed: %v", err)
	}
	if user.Email != "alice@example.com" {
		t.Errorf("expected lowercased email, got %q", user.Email)
	}
	// Name defaults to the username when omitted.
	if user.Name != "alice" {
		t.Errorf("expected defaulted name, got %q", user.Name)
	}

	if _, err := svc.RegisterUser(ctx, models.CreateUserRequest{
		Email:    "alice2@example.com",
		Username: "alice",
	}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate for taken username, got %v", err)
	}

	var ve *ValidationError
	if _, err := svc.RegisterUser(ctx, models.CreateUserRequest{
		Email:    "not-an-email",
		Username: "bob",
	}); !errors.As(err, &ve) {
		t.Errorf("expected ValidationError for bad email, got %v", err)
	}
	if _, err := svc.RegisterUser(ctx, models.CreateUserRequest{
		Email:    "bob@example.com",
		Username: "x",
	}); !errors.As(err, &ve) {
		t.Errorf("expected ValidationError for short username, got %v", err)
	}
}
