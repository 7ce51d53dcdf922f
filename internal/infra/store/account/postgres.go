package accountstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/you-humble/swapbot/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id BIGINT PRIMARY KEY,
	first_name VARCHAR(255) NOT NULL,
	last_name VARCHAR(255),
	username VARCHAR(255),
	is_premium BOOLEAN DEFAULT FALSE,
	created_at TIMESTAMPTZ DEFAULT NOW(),
	last_seen TIMESTAMPTZ DEFAULT NOW(),
	photo_swaps_used INT DEFAULT 0,
	video_swaps_used INT DEFAULT 0,
	image_enhances_used INT DEFAULT 0,
	premium_end_date TIMESTAMPTZ,
	daily_photo_swaps INT DEFAULT 0,
	daily_video_swaps INT DEFAULT 0,
	daily_image_enhances INT DEFAULT 0,
	last_active_date TIMESTAMPTZ
);`

type Stats struct {
	TotalUsers         int64 `json:"total_users"`
	TotalPhotoSwaps    int64 `json:"total_photo_swaps"`
	TotalVideoSwaps    int64 `json:"total_video_swaps"`
	TotalImageEnhances int64 `json:"total_image_enhances"`
	NewToday           int64 `json:"new_today"`
	ActiveToday        int64 `json:"active_today"`
}

// postgresAccountStore tracks users, lifetime and daily usage counters and
// the premium window. Daily counters roll over implicitly: a row whose
// last_active_date is before today reads as zero.
type postgresAccountStore struct {
	pool           *pgxpool.Pool
	freeDailyLimit int
}

func NewPostgresAccountStore(ctx context.Context, dsn string, freeDailyLimit int) (*postgresAccountStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgx pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if freeDailyLimit <= 0 {
		freeDailyLimit = 3
	}

	return &postgresAccountStore{pool: pool, freeDailyLimit: freeDailyLimit}, nil
}

func (s *postgresAccountStore) Close() {
	s.pool.Close()
}

func (s *postgresAccountStore) UpsertUser(ctx context.Context, u domain.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, first_name, last_name, username)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			username = EXCLUDED.username,
			last_seen = NOW();`,
		u.ID, u.FirstName, u.LastName, u.Username,
	)
	if err != nil {
		return fmt.Errorf("upsert user %d: %w", u.ID, err)
	}
	return nil
}

// RecordUsage bumps the lifetime and daily counter for one completed job.
// Called exactly once per successful task, never on failure.
func (s *postgresAccountStore) RecordUsage(ctx context.Context, userID int64, kind domain.TaskKind) error {
	total, daily, err := usageColumns(kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE users SET
			%[1]s = %[1]s + 1,
			%[2]s = CASE
				WHEN last_active_date IS NOT NULL AND last_active_date::date = CURRENT_DATE
				THEN %[2]s + 1 ELSE 1 END,
			last_active_date = NOW()
		WHERE id = $1;`, total, daily)

	tag, err := s.pool.Exec(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("record usage for %d: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// IsEntitled reports whether the user may start a task of the given kind:
// an active premium window always passes, otherwise today's counter must be
// under the free daily limit.
func (s *postgresAccountStore) IsEntitled(ctx context.Context, userID int64, kind domain.TaskKind) (bool, error) {
	_, daily, err := usageColumns(kind)
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
		SELECT
			is_premium,
			premium_end_date,
			CASE
				WHEN last_active_date IS NOT NULL AND last_active_date::date = CURRENT_DATE
				THEN %s ELSE 0 END
		FROM users WHERE id = $1;`, daily)

	var (
		isPremium  bool
		premiumEnd *time.Time
		usedToday  int
	)
	if err := s.pool.QueryRow(ctx, query, userID).Scan(&isPremium, &premiumEnd, &usedToday); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, domain.ErrUserNotFound
		}
		return false, fmt.Errorf("entitlement for %d: %w", userID, err)
	}

	if isPremium && (premiumEnd == nil || premiumEnd.After(time.Now())) {
		return true, nil
	}

	return usedToday < s.freeDailyLimit, nil
}

func (s *postgresAccountStore) AdminStats(ctx context.Context) (Stats, error) {
	var st Stats

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(photo_swaps_used), 0),
			COALESCE(SUM(video_swaps_used), 0),
			COALESCE(SUM(image_enhances_used), 0),
			COUNT(*) FILTER (WHERE created_at >= date_trunc('day', NOW())),
			COUNT(*) FILTER (WHERE last_seen >= date_trunc('day', NOW()))
		FROM users;`,
	).Scan(
		&st.TotalUsers,
		&st.TotalPhotoSwaps,
		&st.TotalVideoSwaps,
		&st.TotalImageEnhances,
		&st.NewToday,
		&st.ActiveToday,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("admin stats: %w", err)
	}

	return st, nil
}

func usageColumns(kind domain.TaskKind) (total, daily string, err error) {
	switch kind {
	case domain.KindPhotoSwap:
		return "photo_swaps_used", "daily_photo_swaps", nil
	case domain.KindVideoSwap:
		return "video_swaps_used", "daily_video_swaps", nil
	case domain.KindImageEnhance:
		return "image_enhances_used", "daily_image_enhances", nil
	default:
		return "", "", domain.ErrUnknownKind
	}
}
