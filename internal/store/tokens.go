package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/multichat/internal/errs"
	"github.com/matheus3301/multichat/internal/sealed"
	"go.uber.org/zap"
)

// DefaultTokenTTL is how long a persisted session stays valid.
const DefaultTokenTTL = 30 * 24 * time.Hour

// TokenRecord is one persisted account session.
type TokenRecord struct {
	AccountID   string
	Phone       string
	DisplayName string
	Token       string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

type tokenRow struct {
	AccountID   string `db:"account_id"`
	Phone       string `db:"phone"`
	DisplayName string `db:"display_name"`
	SealedToken string `db:"sealed_token"`
	CreatedAt   int64  `db:"created_at"`
	ExpiresAt   int64  `db:"expires_at"`
}

// Tokens is the durable account id -> session token map. Token values are
// sealed before they are written.
type Tokens struct {
	db     *DB
	sealer *sealed.Sealer
	clock  clockwork.Clock
	ttl    time.Duration
	logger *zap.Logger
}

// NewTokens creates a token store over a migrated database.
func NewTokens(db *DB, sealer *sealed.Sealer, clock clockwork.Clock, ttl time.Duration, logger *zap.Logger) *Tokens {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tokens{
		db:     db,
		sealer: sealer,
		clock:  clock,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "tokens")),
	}
}

// Save persists rec, replacing any earlier record for the account.
// CreatedAt and ExpiresAt are set here and returned.
func (s *Tokens) Save(ctx context.Context, rec TokenRecord) (TokenRecord, error) {
	if rec.AccountID == "" || rec.Token == "" {
		return TokenRecord{}, errs.ValidationError("tokens.save", "account id and token are required")
	}
	now := s.clock.Now()
	rec.CreatedAt = now
	rec.ExpiresAt = now.Add(s.ttl)
	if exp, ok := jwtExpiry(rec.Token); ok && exp.Before(rec.ExpiresAt) {
		rec.ExpiresAt = exp
	}

	sealedToken, err := s.sealer.Seal([]byte(rec.Token))
	if err != nil {
		return TokenRecord{}, fmt.Errorf("tokens.save: %w", err)
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO tokens (account_id, phone, display_name, sealed_token, created_at, expires_at)
		VALUES (:account_id, :phone, :display_name, :sealed_token, :created_at, :expires_at)
		ON CONFLICT(account_id) DO UPDATE SET
			phone = excluded.phone,
			display_name = excluded.display_name,
			sealed_token = excluded.sealed_token,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		tokenRow{
			AccountID:   rec.AccountID,
			Phone:       rec.Phone,
			DisplayName: rec.DisplayName,
			SealedToken: sealedToken,
			CreatedAt:   rec.CreatedAt.UnixMilli(),
			ExpiresAt:   rec.ExpiresAt.UnixMilli(),
		})
	if err != nil {
		return TokenRecord{}, fmt.Errorf("tokens.save: %w", err)
	}
	s.logger.Debug("token persisted",
		zap.String("account_id", rec.AccountID),
		zap.Time("expires_at", rec.ExpiresAt))
	return rec, nil
}

// Get returns the record for accountID. Missing and expired records both
// yield a NotFoundError.
func (s *Tokens) Get(ctx context.Context, accountID string) (TokenRecord, error) {
	var row tokenRow
	err := s.db.GetContext(ctx, &row, `
		SELECT account_id, phone, display_name, sealed_token, created_at, expires_at
		FROM tokens WHERE account_id = ? AND expires_at > ?`,
		accountID, s.clock.Now().UnixMilli())
	if errors.Is(err, sql.ErrNoRows) {
		return TokenRecord{}, errs.NotFoundError("tokens.get", "no valid token for account %s", accountID)
	}
	if err != nil {
		return TokenRecord{}, fmt.Errorf("tokens.get: %w", err)
	}
	return s.open(row)
}

// List returns every non-expired record, oldest first. Records that fail
// to decrypt are skipped with a warning.
func (s *Tokens) List(ctx context.Context) ([]TokenRecord, error) {
	var rows []tokenRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT account_id, phone, display_name, sealed_token, created_at, expires_at
		FROM tokens WHERE expires_at > ?
		ORDER BY created_at, account_id`,
		s.clock.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("tokens.list: %w", err)
	}
	out := make([]TokenRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := s.open(row)
		if err != nil {
			s.logger.Warn("skipping unreadable token",
				zap.String("account_id", row.AccountID),
				zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete removes accountID's record. Deleting a missing record is not an error.
func (s *Tokens) Delete(ctx context.Context, accountID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("tokens.delete: %w", err)
	}
	return nil
}

// PurgeExpired deletes expired records and returns how many were removed.
func (s *Tokens) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE expires_at <= ?`, s.clock.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("tokens.purge: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("purged expired tokens", zap.Int64("count", n))
	}
	return n, nil
}

func (s *Tokens) open(row tokenRow) (TokenRecord, error) {
	token, err := s.sealer.Open(row.SealedToken)
	if err != nil {
		return TokenRecord{}, fmt.Errorf("open token for %s: %w", row.AccountID, err)
	}
	return TokenRecord{
		AccountID:   row.AccountID,
		Phone:       row.Phone,
		DisplayName: row.DisplayName,
		Token:       string(token),
		CreatedAt:   time.UnixMilli(row.CreatedAt),
		ExpiresAt:   time.UnixMilli(row.ExpiresAt),
	}, nil
}

// jwtExpiry reads the exp claim of a JWT-shaped token without verifying
// it. Opaque tokens report false.
func jwtExpiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
