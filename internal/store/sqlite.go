package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"bumpd/internal/account"
	logx "bumpd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const accountCols = `id, user_id, username, password, proxy, session_blob,
	base_interval_ms, jitter_min_ms, jitter_max_ms, max_daily_bumps, max_daily_runtime_ms,
	window_json, auto_restart_crashed, status, next_bump_at, next_bump_delay_ms,
	last_run_at, bumps_today, runtime_today_ms, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*account.Account, error) {
	var (
		a          account.Account
		proxy      sql.NullString
		blob       sql.NullString
		baseMS     int64
		jitMinMS   int64
		jitMaxMS   int64
		maxRunMS   int64
		windowJSON sql.NullString
		autoRst    int
		status     string
		nextAt     sql.NullInt64
		delayMS    int64
		lastRun    sql.NullInt64
		runTodayMS int64
		updatedMS  int64
	)
	err := row.Scan(&a.ID, &a.UserID, &a.Username, &a.Password, &proxy, &blob,
		&baseMS, &jitMinMS, &jitMaxMS, &a.Schedule.MaxDailyBumps, &maxRunMS,
		&windowJSON, &autoRst, &status, &nextAt, &delayMS,
		&lastRun, &a.BumpsToday, &runTodayMS, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.Proxy = proxy.String
	a.SessionBlob = blob.String
	a.Schedule.BaseInterval = time.Duration(baseMS) * time.Millisecond
	a.Schedule.JitterMin = time.Duration(jitMinMS) * time.Millisecond
	a.Schedule.JitterMax = time.Duration(jitMaxMS) * time.Millisecond
	a.Schedule.MaxDailyRuntime = time.Duration(maxRunMS) * time.Millisecond
	a.AutoRestartCrashed = autoRst != 0
	a.Status = account.Status(status)
	a.NextBumpDelay = time.Duration(delayMS) * time.Millisecond
	a.RuntimeToday = time.Duration(runTodayMS) * time.Millisecond
	a.UpdatedAt = time.UnixMilli(updatedMS)

	if windowJSON.Valid && strings.TrimSpace(windowJSON.String) != "" {
		var w account.RuntimeWindow
		if err := json.Unmarshal([]byte(windowJSON.String), &w); err == nil {
			a.Schedule.Window = &w
		}
	}
	if nextAt.Valid {
		t := time.UnixMilli(nextAt.Int64)
		a.NextBumpAt = &t
	}
	if lastRun.Valid {
		t := time.UnixMilli(lastRun.Int64)
		a.LastRunAt = &t
	}
	return &a, nil
}

func (s *sqliteStore) FindAccount(ctx context.Context, id int64) (*account.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

func (s *sqliteStore) ListAccounts(ctx context.Context) ([]account.Account, error) {
	return s.queryAccounts(ctx, `SELECT `+accountCols+` FROM accounts ORDER BY id`)
}

func (s *sqliteStore) queryAccounts(ctx context.Context, q string, args ...any) ([]account.Account, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []account.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveAccount(ctx context.Context, a *account.Account) error {
	var windowJSON any
	if a.Schedule.Window != nil {
		b, err := json.Marshal(a.Schedule.Window)
		if err != nil {
			return err
		}
		windowJSON = string(b)
	}
	status := a.Status
	if status == "" {
		status = account.StatusIdle
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts(id, user_id, username, password, proxy, session_blob,
			base_interval_ms, jitter_min_ms, jitter_max_ms, max_daily_bumps, max_daily_runtime_ms,
			window_json, auto_restart_crashed, status, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			user_id=excluded.user_id, username=excluded.username, password=excluded.password,
			proxy=excluded.proxy, session_blob=excluded.session_blob,
			base_interval_ms=excluded.base_interval_ms,
			jitter_min_ms=excluded.jitter_min_ms, jitter_max_ms=excluded.jitter_max_ms,
			max_daily_bumps=excluded.max_daily_bumps,
			max_daily_runtime_ms=excluded.max_daily_runtime_ms,
			window_json=excluded.window_json,
			auto_restart_crashed=excluded.auto_restart_crashed,
			updated_at=excluded.updated_at`,
		a.ID, a.UserID, a.Username, a.Password, nullStr(a.Proxy), nullStr(a.SessionBlob),
		a.Schedule.BaseInterval.Milliseconds(), a.Schedule.JitterMin.Milliseconds(),
		a.Schedule.JitterMax.Milliseconds(), a.Schedule.MaxDailyBumps,
		a.Schedule.MaxDailyRuntime.Milliseconds(),
		windowJSON, boolInt(a.AutoRestartCrashed), string(status), time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, id int64, st account.Status, meta map[string]any) error {
	var metaJSON any
	if len(meta) > 0 {
		b, err := json.Marshal(meta)
		if err == nil {
			metaJSON = string(b)
		}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET status = ?, status_meta = ?, updated_at = ? WHERE id = ?`,
		string(st), metaJSON, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) UpdateSchedule(ctx context.Context, id int64, nextBumpAt time.Time, delay time.Duration, lastRunAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET next_bump_at = ?, next_bump_delay_ms = ?, last_run_at = ?, updated_at = ? WHERE id = ?`,
		nextBumpAt.UnixMilli(), delay.Milliseconds(), lastRunAt.UnixMilli(), time.Now().UnixMilli(), id)
	return err
}

func (s *sqliteStore) AddBump(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET bumps_today = bumps_today + 1, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	return err
}

func (s *sqliteStore) AddRuntime(ctx context.Context, id int64, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET runtime_today_ms = runtime_today_ms + ? WHERE id = ?`,
		d.Milliseconds(), id)
	return err
}

func (s *sqliteStore) ResetDailyCounters(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET bumps_today = 0, runtime_today_ms = 0 WHERE bumps_today > 0 OR runtime_today_ms > 0`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) WorkerState(ctx context.Context, id int64) (WorkerState, error) {
	var (
		ws      = WorkerState{AccountID: id}
		lastMsg sql.NullString
		lastAt  sql.NullInt64
		retryAt sql.NullInt64
		blocked sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT failure_count, last_error, last_error_at, next_retry_at, blocked_reason
		 FROM worker_state WHERE account_id = ?`, id).
		Scan(&ws.FailureCount, &lastMsg, &lastAt, &retryAt, &blocked)
	if errors.Is(err, sql.ErrNoRows) {
		// Lazily created: absence means a clean record.
		return ws, nil
	}
	if err != nil {
		return ws, err
	}
	ws.LastErrorMessage = lastMsg.String
	if lastAt.Valid {
		t := time.UnixMilli(lastAt.Int64)
		ws.LastErrorAt = &t
	}
	if retryAt.Valid {
		t := time.UnixMilli(retryAt.Int64)
		ws.NextRetryAt = &t
	}
	if blocked.Valid {
		r := blocked.String
		ws.BlockedReason = &r
	}
	return ws, nil
}

func (s *sqliteStore) PatchWorkerState(ctx context.Context, id int64, p WorkerStatePatch) error {
	cur, err := s.WorkerState(ctx, id)
	if err != nil {
		return err
	}
	if p.FailureCount != nil {
		cur.FailureCount = *p.FailureCount
	}
	if p.LastErrorMessage != nil {
		cur.LastErrorMessage = *p.LastErrorMessage
	}
	if p.LastErrorAt != nil {
		cur.LastErrorAt = p.LastErrorAt
	}
	if p.ClearNextRetry {
		cur.NextRetryAt = nil
	} else if p.NextRetryAt != nil {
		cur.NextRetryAt = p.NextRetryAt
	}
	if p.ClearBlocked {
		cur.BlockedReason = nil
	} else if p.BlockedReason != nil {
		cur.BlockedReason = p.BlockedReason
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO worker_state(account_id, failure_count, last_error, last_error_at, next_retry_at, blocked_reason)
		VALUES(?,?,?,?,?,?)
		ON CONFLICT(account_id) DO UPDATE SET
			failure_count=excluded.failure_count, last_error=excluded.last_error,
			last_error_at=excluded.last_error_at, next_retry_at=excluded.next_retry_at,
			blocked_reason=excluded.blocked_reason`,
		id, cur.FailureCount, nullStr(cur.LastErrorMessage),
		nullTimeMS(cur.LastErrorAt), nullTimeMS(cur.NextRetryAt), nullStrPtr(cur.BlockedReason))
	return err
}

func (s *sqliteStore) ResetWorkerState(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_state(account_id, failure_count, last_error, last_error_at, next_retry_at, blocked_reason)
		VALUES(?,0,NULL,NULL,NULL,NULL)
		ON CONFLICT(account_id) DO UPDATE SET
			failure_count=0, last_error=NULL, last_error_at=NULL,
			next_retry_at=NULL, blocked_reason=NULL`, id)
	return err
}

func (s *sqliteStore) ListOverdueCooldown(ctx context.Context, now time.Time) ([]account.Account, error) {
	return s.queryAccounts(ctx, `SELECT `+accountCols+` FROM accounts
		WHERE status = ? AND next_bump_at IS NOT NULL AND next_bump_at <= ?
		ORDER BY next_bump_at`,
		string(account.StatusWaitingCooldown), now.UnixMilli())
}

func (s *sqliteStore) ListStaleStartups(ctx context.Context, cutoff time.Time) ([]account.Account, error) {
	return s.queryAccounts(ctx, `SELECT `+accountCols+` FROM accounts
		WHERE status IN (?, ?) AND updated_at <= ?
		ORDER BY updated_at`,
		string(account.StatusStarting), string(account.StatusRestarting), cutoff.UnixMilli())
}

func (s *sqliteStore) ListResumable(ctx context.Context) ([]account.Account, error) {
	return s.queryAccounts(ctx, `SELECT `+accountCols+` FROM accounts
		WHERE status IN (?, ?) ORDER BY id`,
		string(account.StatusCompleted), string(account.StatusPaused))
}

func (s *sqliteStore) AppendActivity(ctx context.Context, e ActivityEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity(at, account_id, user_id, event, message, meta) VALUES(?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.AccountID, e.UserID, e.Event,
		nullStr(e.Message), nullStr(e.MetaJSON))
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullStrPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTimeMS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
