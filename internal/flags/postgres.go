package flags

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Postgres reads flags from the feature_flags table on every call, so an
// operator UPDATE takes effect without a restart.
type Postgres struct {
	db  *sqlx.DB
	log *zap.SugaredLogger
}

// NewPostgres creates a DB-backed Provider.
func NewPostgres(db *sqlx.DB, log *zap.SugaredLogger) *Postgres {
	return &Postgres{db: db, log: log.With("component", "flags")}
}

func (p *Postgres) get(ctx context.Context, key string) (string, bool) {
	var value string
	err := p.db.GetContext(ctx, &value, `SELECT value FROM feature_flags WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false
	}
	if err != nil {
		p.log.Warnw("flag read failed, using default", "key", key, "err", err)
		return "", false
	}
	return value, true
}

func (p *Postgres) Bool(ctx context.Context, key string, def bool) bool {
	if v, ok := p.get(ctx, key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func (p *Postgres) Float(ctx context.Context, key string, def float64) float64 {
	if v, ok := p.get(ctx, key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func (p *Postgres) Int(ctx context.Context, key string, def int) int {
	if v, ok := p.get(ctx, key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
