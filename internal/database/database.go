package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"couponhub-api/internal/models"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("database: not found")
	// ErrDuplicate is returned when an insert violates a unique constraint.
	ErrDuplicate = errors.New("database: duplicate")
)

// DB wraps the database connection and provides methods for data access.
type DB struct {
	conn *sql.DB
}

// NewDB creates a new database connection and initializes the schema.
func NewDB(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			username TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			rank_score INTEGER NOT NULL DEFAULT 0,
			total_upvotes INTEGER NOT NULL DEFAULT 0,
			total_downvotes INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS coupons (
			id TEXT PRIMARY KEY,
			brand TEXT NOT NULL,
			code TEXT NOT NULL,
			description TEXT NOT NULL,
			tags TEXT NOT NULL,
			link TEXT,
			expires_at TEXT,
			submitter_id TEXT NOT NULL REFERENCES users(id),
			upvotes INTEGER NOT NULL DEFAULT 0,
			downvotes INTEGER NOT NULL DEFAULT 0,
			last_verified_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS votes (
			id TEXT PRIMARY KEY,
			coupon_id TEXT NOT NULL REFERENCES coupons(id),
			user_id TEXT,
			device_hash TEXT,
			worked INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			CHECK ((user_id IS NULL) <> (device_hash IS NULL))
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_votes_coupon_user
			ON votes(coupon_id, user_id) WHERE user_id IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_votes_coupon_device
			ON votes(coupon_id, device_hash) WHERE device_hash IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_coupons_brand ON coupons(brand)`,
		`CREATE INDEX IF NOT EXISTS idx_coupons_submitter ON coupons(submitter_id)`,
		`CREATE INDEX IF NOT EXISTS idx_coupons_created_at ON coupons(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_coupons_upvotes ON coupons(upvotes)`,
		`CREATE INDEX IF NOT EXISTS idx_users_rank ON users(rank_score, created_at)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// isUniqueViolation reports whether err is a sqlite unique-constraint error.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

// CreateUser inserts a new user. Returns ErrDuplicate when the email or
// username is taken.
func (db *DB) CreateUser(ctx context.Context, user models.User) error {
	query := `INSERT INTO users (
		id, email, username, name, rank_score, total_upvotes, total_downvotes,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.ExecContext(ctx, query,
		user.ID,
		user.Email,
		user.Username,
		user.Name,
		user.RankScore,
		user.TotalUpvotes,
		user.TotalDownvotes,
		user.CreatedAt.UTC().Format(time.RFC3339),
		user.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

const userColumns = `id, email, username, name, rank_score, total_upvotes, total_downvotes, created_at, updated_at`

func scanUser(row *sql.Row) (models.User, error) {
	var u models.User
	var createdAt, updatedAt string
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.Name,
		&u.RankScore, &u.TotalUpvotes, &u.TotalDownvotes, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("failed to scan user: %w", err)
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	u.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return u, nil
}

// GetUserByID fetches a user by ID.
func (db *DB) GetUserByID(ctx context.Context, id string) (models.User, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByUsername fetches a user by username.
func (db *DB) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// CreateCoupon inserts a new coupon.
func (db *DB) CreateCoupon(ctx context.Context, c models.Coupon) error {
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	query := `INSERT INTO coupons (
		id, brand, code, description, tags, link, expires_at, submitter_id,
		upvotes, downvotes, last_verified_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.conn.ExecContext(ctx, query,
		c.ID,
		c.Brand,
		c.Code,
		c.Description,
		string(tags),
		nullString(c.Link),
		nullTime(c.ExpiresAt),
		c.SubmitterID,
		c.Upvotes,
		c.Downvotes,
		nullTime(c.LastVerifiedAt),
		c.CreatedAt.UTC().Format(time.RFC3339),
		c.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert coupon: %w", err)
	}
	return nil
}

const couponColumns = `c.id, c.brand, c.code, c.description, c.tags, c.link,
	c.expires_at, c.submitter_id, u.username, c.upvotes, c.downvotes,
	c.last_verified_at, c.created_at, c.updated_at`

type couponScanner interface {
	Scan(dest ...interface{}) error
}

func scanCoupon(row couponScanner) (models.Coupon, error) {
	var c models.Coupon
	var tags string
	var link, expiresAt, lastVerifiedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&c.ID, &c.Brand, &c.Code, &c.Description, &tags, &link,
		&expiresAt, &c.SubmitterID, &c.SubmitterUsername, &c.Upvotes,
		&c.Downvotes, &lastVerifiedAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return models.Coupon{}, ErrNotFound
	}
	if err != nil {
		return models.Coupon{}, fmt.Errorf("failed to scan coupon: %w", err)
	}

	if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
		c.Tags = nil
	}
	c.Link = link.String
	c.ExpiresAt = parseNullTime(expiresAt)
	c.LastVerifiedAt = parseNullTime(lastVerifiedAt)
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return c, nil
}

// GetCoupon fetches a coupon with its submitter's username.
func (db *DB) GetCoupon(ctx context.Context, id string) (models.Coupon, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT `+couponColumns+`
		FROM coupons c JOIN users u ON u.id = c.submitter_id
		WHERE c.id = ?`, id)
	return scanCoupon(row)
}

// CouponExists reports whether the coupon is present.
func (db *DB) CouponExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM coupons WHERE id = ?)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check coupon existence: %w", err)
	}
	return exists, nil
}

// CouponSort names the supported listing orders.
type CouponSort string

const (
	SortRecent   CouponSort = "recent"
	SortPopular  CouponSort = "popular"
	SortExpiring CouponSort = "expiring"
)

// ListOptions filters and paginates coupon listings.
type ListOptions struct {
	Sort        CouponSort
	Brand       string // case-insensitive substring match
	SubmitterID string
	Page        int // 1-based
	Limit       int
}

// ListCoupons returns one page of coupons and the total match count.
func (db *DB) ListCoupons(ctx context.Context, opts ListOptions) ([]models.Coupon, int, error) {
	where := []string{"1=1"}
	var args []interface{}
	if opts.Brand != "" {
		where = append(where, "LOWER(c.brand) LIKE '%' || LOWER(?) || '%'")
		args = append(args, opts.Brand)
	}
	if opts.SubmitterID != "" {
		where = append(where, "c.submitter_id = ?")
		args = append(args, opts.SubmitterID)
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	countQuery := `SELECT COUNT(*) FROM coupons c WHERE ` + whereClause
	if err := db.conn.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count coupons: %w", err)
	}

	var order string
	switch opts.Sort {
	case SortPopular:
		order = "c.upvotes DESC, c.created_at DESC"
	case SortExpiring:
		order = "c.expires_at IS NULL, c.expires_at ASC, c.created_at DESC"
	default:
		order = "c.created_at DESC"
	}

	query := `
		SELECT ` + couponColumns + `
		FROM coupons c JOIN users u ON u.id = c.submitter_id
		WHERE ` + whereClause + `
		ORDER BY ` + order + `
		LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, (opts.Page-1)*opts.Limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list coupons: %w", err)
	}
	defer rows.Close()

	coupons := []models.Coupon{}
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, 0, err
		}
		coupons = append(coupons, c)
	}
	return coupons, total, rows.Err()
}

// SearchCoupons matches q against brand, description and tags,
// case-insensitively, newest first.
func (db *DB) SearchCoupons(ctx context.Context, q string, page, limit int) ([]models.Coupon, int, error) {
	match := `(LOWER(c.brand) LIKE '%' || LOWER(?) || '%'
		OR LOWER(c.description) LIKE '%' || LOWER(?) || '%'
		OR LOWER(c.tags) LIKE '%' || LOWER(?) || '%')`

	var total int
	countQuery := `SELECT COUNT(*) FROM coupons c WHERE ` + match
	if err := db.conn.QueryRowContext(ctx, countQuery, q, q, q).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count search results: %w", err)
	}

	query := `
		SELECT ` + couponColumns + `
		FROM coupons c JOIN users u ON u.id = c.submitter_id
		WHERE ` + match + `
		ORDER BY c.created_at DESC
		LIMIT ? OFFSET ?`

	rows, err := db.conn.QueryContext(ctx, query, q, q, q, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to search coupons: %w", err)
	}
	defer rows.Close()

	coupons := []models.Coupon{}
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, 0, err
		}
		coupons = append(coupons, c)
	}
	return coupons, total, rows.Err()
}

// InsertVote inserts a vote row. Returns ErrDuplicate when the (coupon,
// identity) pair already voted — the unique indexes keep the invariant at
// rest even if the admission store loses its claims.
func (db *DB) InsertVote(ctx context.Context, v models.Vote) error {
	query := `INSERT INTO votes (id, coupon_id, user_id, device_hash, worked, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := db.conn.ExecContext(ctx, query,
		v.ID,
		v.CouponID,
		v.UserID,
		v.DeviceHash,
		v.Worked,
		v.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert vote: %w", err)
	}
	return nil
}

// ApplyCouponVoteDelta increments the coupon's vote counter atomically in the
// database; lastVerifiedAt is refreshed on a "worked" vote.
func (db *DB) ApplyCouponVoteDelta(ctx context.Context, couponID string, worked bool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	var err error
	if worked {
		_, err = db.conn.ExecContext(ctx,
			`UPDATE coupons SET upvotes = upvotes + 1, last_verified_at = ?, updated_at = ? WHERE id = ?`,
			now, now, couponID)
	} else {
		_, err = db.conn.ExecContext(ctx,
			`UPDATE coupons SET downvotes = downvotes + 1, updated_at = ? WHERE id = ?`,
			now, couponID)
	}
	if err != nil {
		return fmt.Errorf("failed to update coupon aggregate: %w", err)
	}
	return nil
}

// ApplyUserVoteDelta adjusts the voter's reputation: +2 rank for a worked
// vote, -1 otherwise.
func (db *DB) ApplyUserVoteDelta(ctx context.Context, userID string, worked bool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	var query string
	if worked {
		query = `UPDATE users SET total_upvotes = total_upvotes + 1, rank_score = rank_score + 2, updated_at = ? WHERE id = ?`
	} else {
		query = `UPDATE users SET total_downvotes = total_downvotes + 1, rank_score = rank_score - 1, updated_at = ? WHERE id = ?`
	}

	if _, err := db.conn.ExecContext(ctx, query, now, userID); err != nil {
		return fmt.Errorf("failed to update user aggregate: %w", err)
	}
	return nil
}

// DeleteCouponCascade removes the coupon and all its votes, and reverses the
// submitter's reputation by exactly what the coupon's current aggregate says
// it contributed. Any drift in that aggregate is carried into the reversal.
func (db *DB) DeleteCouponCascade(ctx context.Context, couponID string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var submitterID string
	var upvotes, downvotes int
	err = tx.QueryRowContext(ctx,
		`SELECT submitter_id, upvotes, downvotes FROM coupons WHERE id = ?`,
		couponID).Scan(&submitterID, &upvotes, &downvotes)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load coupon for delete: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM votes WHERE coupon_id = ?`, couponID); err != nil {
		return fmt.Errorf("failed to delete votes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM coupons WHERE id = ?`, couponID); err != nil {
		return fmt.Errorf("failed to delete coupon: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `
		UPDATE users SET
			total_upvotes = total_upvotes - ?,
			total_downvotes = total_downvotes - ?,
			rank_score = rank_score - ?,
			updated_at = ?
		WHERE id = ?`,
		upvotes, downvotes, upvotes*2-downvotes, now, submitterID)
	if err != nil {
		return fmt.Errorf("failed to reverse submitter reputation: %w", err)
	}

	return tx.Commit()
}

// LeaderboardUsers returns the top users by rank score, then total upvotes.
func (db *DB) LeaderboardUsers(ctx context.Context, limit int) ([]models.User, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		ORDER BY rank_score DESC, total_upvotes DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		var u models.User
		var createdAt, updatedAt string
		err := rows.Scan(&u.ID, &u.Email, &u.Username, &u.Name,
			&u.RankScore, &u.TotalUpvotes, &u.TotalDownvotes, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		u.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		users = append(users, u)
	}
	return users, rows.Err()
}

// BrandStats aggregates coupon counts and vote totals per brand, most
// coupons first. An empty name returns all brands up to limit.
func (db *DB) BrandStats(ctx context.Context, name string, limit int) ([]models.BrandStats, error) {
	where := ""
	args := []interface{}{}
	if name != "" {
		where = "WHERE LOWER(brand) = LOWER(?)"
		args = append(args, name)
	}

	query := `
		SELECT
			brand,
			COUNT(*) AS total_coupons,
			SUM(upvotes) AS total_upvotes,
			SUM(downvotes) AS total_downvotes,
			AVG(CASE WHEN upvotes + downvotes > 0
				THEN CAST(upvotes AS REAL) / (upvotes + downvotes)
				ELSE 0 END) AS avg_success_rate,
			MAX(updated_at) AS last_updated
		FROM coupons ` + where + `
		GROUP BY brand
		ORDER BY total_coupons DESC
		LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate brands: %w", err)
	}
	defer rows.Close()

	brands := []models.BrandStats{}
	for rows.Next() {
		var b models.BrandStats
		var rate float64
		var lastUpdated string
		if err := rows.Scan(&b.Name, &b.TotalCoupons, &b.TotalUpvotes,
			&b.TotalDownvotes, &rate, &lastUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan brand stats: %w", err)
		}
		b.TotalVotes = b.TotalUpvotes + b.TotalDownvotes
		b.AvgSuccessRate = int(rate*100 + 0.5)
		b.LastUpdated, _ = time.Parse(time.RFC3339, lastUpdated)
		brands = append(brands, b)
	}
	return brands, rows.Err()
}

// CountVotes returns the number of vote rows for a coupon.
func (db *DB) CountVotes(ctx context.Context, couponID string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM votes WHERE coupon_id = ?`, couponID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count votes: %w", err)
	}
	return n, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}
