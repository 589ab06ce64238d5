package models

import "time"

// Coupon represents a community-submitted coupon code.
type Coupon struct {
	ID                string     `json:"id"` // uuid
	Brand             string     `json:"brand"`
	Code              string     `json:"code"`
	Description       string     `json:"description"`
	Tags              []string   `json:"tags"`
	Link              string     `json:"link,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	SubmitterID       string     `json:"submitter_id"`
	SubmitterUsername string     `json:"submitter_username,omitempty"`
	Upvotes           int        `json:"upvotes"`
	Downvotes         int        `json:"downvotes"`
	LastVerifiedAt    *time.Time `json:"last_verified_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// SuccessRate returns the percentage of "worked" votes, 0 when unvoted.
func (c Coupon) SuccessRate() float64 {
	total := c.Upvotes + c.Downvotes
	if total == 0 {
		return 0
	}
	return float64(c.Upvotes) / float64(total) * 100
}

// User represents a registered coupon submitter / voter.
type User struct {
	ID             string    `json:"id"` // uuid
	Email          string    `json:"email"`
	Username       string    `json:"username"`
	Name           string    `json:"name"`
	RankScore      int       `json:"rank_score"`
	TotalUpvotes   int       `json:"total_upvotes"`
	TotalDownvotes int       `json:"total_downvotes"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Vote records a single admitted vote. Exactly one of UserID / DeviceHash is
// set; the unique indexes on (coupon_id, user_id) and (coupon_id, device_hash)
// make the at-most-one-vote invariant hold at rest.
type Vote struct {
	ID         string    `json:"id"`
	CouponID   string    `json:"coupon_id"`
	UserID     *string   `json:"user_id,omitempty"`
	DeviceHash *string   `json:"device_hash,omitempty"`
	Worked     bool      `json:"worked"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreateCouponRequest represents the request body for submitting a coupon.
type CreateCouponRequest struct {
	Brand       string     `json:"brand"`
	Code        string     `json:"code"`
	Description string     `json:"description"`
	Tags        []string   `json:"tags"`
	Link        string     `json:"link"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

// VoteRequest represents the request body for voting on a coupon. Worked is a
// pointer so a missing or non-boolean value is rejected instead of defaulting.
type VoteRequest struct {
	Worked *bool `json:"worked"`
}

// CreateUserRequest represents the request body for registering a user.
type CreateUserRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// Pagination describes the page of a list response.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// CouponListResponse is the payload for coupon listings and searches.
type CouponListResponse struct {
	Coupons    []Coupon   `json:"coupons"`
	Query      string     `json:"query,omitempty"`
	Pagination Pagination `json:"pagination"`
}

// LeaderboardEntry is one row of the user leaderboard.
type LeaderboardEntry struct {
	Rank           int       `json:"rank"`
	Username       string    `json:"username"`
	RankScore      int       `json:"rank_score"`
	TotalUpvotes   int       `json:"total_upvotes"`
	TotalDownvotes int       `json:"total_downvotes"`
	TotalVotes     int       `json:"total_votes"`
	SuccessRate    int       `json:"success_rate"` // rounded percent
	Badge          string    `json:"badge"`
	CreatedAt      time.Time `json:"created_at"`
}

// BrandStats aggregates coupon performance for one brand.
type BrandStats struct {
	Name           string    `json:"name"`
	TotalCoupons   int       `json:"total_coupons"`
	TotalUpvotes   int       `json:"total_upvotes"`
	TotalDownvotes int       `json:"total_downvotes"`
	TotalVotes     int       `json:"total_votes"`
	AvgSuccessRate int       `json:"avg_success_rate"` // rounded percent
	LastUpdated    time.Time `json:"last_updated"`
}

// BrandListResponse is the payload for the brand index.
type BrandListResponse struct {
	Brands      []BrandStats `json:"brands"`
	TotalBrands int          `json:"total_brands"`
}

// APIResponse is the envelope every endpoint responds with.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}
