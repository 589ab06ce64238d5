package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"couponhub-api/internal/models"
)

var (
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	emailPattern    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

const (
	maxBrandLength       = 100
	maxCodeLength        = 50
	maxDescriptionLength = 500
	maxTagLength         = 20
	maxTags              = 10
	maxLinkLength        = 500
	minUsernameLength    = 3
	maxUsernameLength    = 30
)

// SanitizeString trims whitespace and strips angle brackets to keep submitted
// text out of markup contexts.
func SanitizeString(input string) string {
	s := strings.TrimSpace(input)
	s = strings.ReplaceAll(s, "<", "")
	s = strings.ReplaceAll(s, ">", "")
	return s
}

// SanitizeTags lowercases, sanitizes and caps the tag list. Empty and
// over-long tags are dropped rather than rejected.
func SanitizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		t := strings.ToLower(SanitizeString(tag))
		if t == "" || len(t) > maxTagLength {
			continue
		}
		out = append(out, t)
		if len(out) == maxTags {
			break
		}
	}
	return out
}

// ValidateCoupon validates a coupon submission. Fields are expected to be
// sanitized already.
func ValidateCoupon(req models.CreateCouponRequest) error {
	if req.Brand == "" {
		return fmt.Errorf("brand name cannot be empty")
	}
	if len(req.Brand) > maxBrandLength {
		return fmt.Errorf("brand name must be at most %d characters", maxBrandLength)
	}
	if req.Code == "" {
		return fmt.Errorf("coupon code cannot be empty")
	}
	if len(req.Code) > maxCodeLength {
		return fmt.Errorf("coupon code must be at most %d characters", maxCodeLength)
	}
	if req.Description == "" {
		return fmt.Errorf("description cannot be empty")
	}
	if len(req.Description) > maxDescriptionLength {
		return fmt.Errorf("description must be at most %d characters", maxDescriptionLength)
	}
	if req.Link != "" {
		if len(req.Link) > maxLinkLength {
			return fmt.Errorf("link must be at most %d characters", maxLinkLength)
		}
		if err := validateURL(req.Link); err != nil {
			return err
		}
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid URL format")
	}
	return nil
}

// ValidateUsername validates a username.
func ValidateUsername(username string) error {
	if len(username) < minUsernameLength {
		return fmt.Errorf("username must be at least %d characters long", minUsernameLength)
	}
	if len(username) > maxUsernameLength {
		return fmt.Errorf("username must be at most %d characters", maxUsernameLength)
	}
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("username can only contain letters, numbers, underscores, and hyphens")
	}
	return nil
}

// ValidateEmail validates an email address.
func ValidateEmail(email string) error {
	if !emailPattern.MatchString(email) {
		return fmt.Errorf("invalid email format")
	}
	return nil
}
