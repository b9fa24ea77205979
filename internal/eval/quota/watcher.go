// Package quota warns when proxy users approach their budget. It reads the
// LiteLLM user table directly from the proxy's Postgres database.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"evalwatch/internal/notifier"
	logx "evalwatch/pkg/logx"

	_ "github.com/lib/pq"
)

// MessageHeader opens the consolidated alert.
const MessageHeader = "User budget usage warning:"

// DefaultUsageRate is the percentage of max_budget that triggers a warning.
const DefaultUsageRate = 90.0

// UsageRow is one proxy user over the threshold.
type UsageRow struct {
	UserID    string  `json:"user_id"`
	UserEmail string  `json:"user_email"`
	MaxBudget float64 `json:"max_budget"`
	Spend     float64 `json:"spend"`
}

// Source lists users whose spend / max_budget is at least ratio.
type Source interface {
	OverBudget(ctx context.Context, ratio float64) ([]UsageRow, error)
}

type Sender interface {
	Send(ctx context.Context, channel, text string)
}

// DB is a Source backed by the proxy database.
type DB struct {
	db *sql.DB
}

const overBudgetQuery = `SELECT user_id, user_email, max_budget, spend FROM "LiteLLM_UserTable"
WHERE max_budget > 0 AND spend / max_budget >= $1
ORDER BY spend / max_budget DESC`

// OpenDB connects to the proxy database with lib/pq.
func OpenDB(ctx context.Context, dsn string) (*DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("quota dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("quota db ping: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) OverBudget(ctx context.Context, ratio float64) ([]UsageRow, error) {
	rows, err := d.db.QueryContext(ctx, overBudgetQuery, ratio)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []UsageRow
	for rows.Next() {
		var (
			r      UsageRow
			email  sql.NullString
			budget sql.NullFloat64
			spend  sql.NullFloat64
		)
		if err := rows.Scan(&r.UserID, &email, &budget, &spend); err != nil {
			return nil, err
		}
		r.UserEmail = email.String
		r.MaxBudget = budget.Float64
		r.Spend = spend.Float64
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

type Config struct {
	UsageRate float64 // percent
}

type Watcher struct {
	cfg  Config
	src  Source
	sink Sender
	log  logx.Logger
}

func New(cfg Config, src Source, sink Sender, log logx.Logger) *Watcher {
	if cfg.UsageRate <= 0 {
		cfg.UsageRate = DefaultUsageRate
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{cfg: cfg, src: src, sink: sink, log: log}
}

func (w *Watcher) Execute(ctx context.Context) error {
	_, err := w.Run(ctx)
	return err
}

// Run sends one alert listing every user at or over the threshold.
func (w *Watcher) Run(ctx context.Context) ([]UsageRow, error) {
	if w.src == nil {
		return nil, errors.New("quota: no source configured")
	}
	rows, err := w.src.OverBudget(ctx, w.cfg.UsageRate/100)
	if err != nil {
		return nil, err
	}
	rate := strconv.FormatFloat(w.cfg.UsageRate, 'f', -1, 64)

	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		w.log.Info("quota.over_budget",
			logx.String("user_id", r.UserID),
			logx.String("user_email", r.UserEmail),
			logx.Float64("max_budget", r.MaxBudget),
			logx.Float64("spend", r.Spend),
		)
		lines = append(lines, fmt.Sprintf("🔴 user %s budget usage over %s%%: budget %s, spent %s",
			displayName(r), rate, money(r.MaxBudget), money(r.Spend)))
	}
	if len(lines) > 0 && w.sink != nil {
		w.sink.Send(ctx, notifier.ChannelUsage, MessageHeader+"\r\n"+strings.Join(lines, "\r\n"))
	}
	return rows, nil
}

func displayName(r UsageRow) string {
	if r.UserEmail != "" {
		return r.UserEmail
	}
	return r.UserID
}

func money(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
