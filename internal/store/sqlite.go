package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver

	"rulehive/internal/core"
	rhstrings "rulehive/pkg/strings"
)

const schema = `
CREATE TABLE IF NOT EXISTS parents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	name TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	image TEXT NOT NULL DEFAULT '',
	extra_args TEXT NOT NULL DEFAULT '[]',
	restart_policy TEXT NOT NULL DEFAULT 'on-failure',
	failure_count INTEGER NOT NULL DEFAULT 0,
	restart_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	status_message TEXT NOT NULL DEFAULT '',
	status_updated_at TEXT NOT NULL,
	latest_process_id INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS processes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_kind TEXT NOT NULL,
	parent_id INTEGER NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	status_message TEXT NOT NULL DEFAULT '',
	container_id TEXT NOT NULL DEFAULT '',
	worker_queue TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	ended_at TEXT,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_processes_status ON processes(status);
CREATE INDEX IF NOT EXISTS idx_processes_parent ON processes(parent_kind, parent_id);

CREATE TABLE IF NOT EXISTS requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_kind TEXT NOT NULL,
	parent_id INTEGER NOT NULL,
	request TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_parent ON requests(parent_kind, parent_id);

CREATE TABLE IF NOT EXISTS process_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	process_id INTEGER NOT NULL,
	line TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

// sqliteStore implements Store on a SQLite database.
type sqliteStore struct {
	db *sql.DB
}

// Open initializes the SQLite store. The DSN carries the pragmas so they
// apply to every connection in the pool. ":memory:" is supported for tests
// and forces a single connection so all statements see the same database.
func Open(path string) (Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}

	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(1 * time.Hour)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: schema setup failed: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// statusPair validates the (status, message) pair and fills in the default
// message when none is given. Messages are flattened to a single capped
// line; engines can surface multi-kilobyte failure reasons. Every status
// write goes through here.
func statusPair(status core.Status, message string) (core.Status, string, error) {
	if _, err := core.ParseStatus(string(status)); err != nil {
		return "", "", err
	}
	if message == "" {
		message = status.DefaultMessage()
	} else {
		message = rhstrings.Truncate(message, rhstrings.DefaultStatusMessageMaxLen)
	}
	return status, message, nil
}

func (s *sqliteStore) CreateParent(ctx context.Context, p *Parent) error {
	if _, err := core.ParseParentKind(string(p.Ref.Kind)); err != nil {
		return err
	}
	if p.RestartPolicy == "" {
		p.RestartPolicy = core.RestartOnFailure
	}
	if _, err := core.ParseRestartPolicy(string(p.RestartPolicy)); err != nil {
		return err
	}
	if p.Status == "" {
		p.Status = core.StatusPending
	}
	status, message, err := statusPair(p.Status, p.StatusMessage)
	if err != nil {
		return err
	}
	args, err := json.Marshal(p.ExtraArgs)
	if err != nil {
		return err
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO parents (kind, name, enabled, image, extra_args, restart_policy,
			status, status_message, status_updated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(p.Ref.Kind), p.Name, p.Enabled, p.Image, string(args),
		string(p.RestartPolicy), string(status), message, fmtTime(now), fmtTime(now))
	if err != nil {
		return fmt.Errorf("create parent: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.Ref.ID = id
	p.Status = status
	p.StatusMessage = message
	p.StatusUpdatedAt = now
	p.CreatedAt = now
	return nil
}

func (s *sqliteStore) scanParent(row *sql.Row) (*Parent, error) {
	var (
		p                            Parent
		kind, policy, status         string
		extraArgs, updatedAt, create string
	)
	err := row.Scan(&p.Ref.ID, &kind, &p.Name, &p.Enabled, &p.Image, &extraArgs,
		&policy, &p.FailureCount, &p.RestartCount, &status, &p.StatusMessage,
		&updatedAt, &p.LatestProcessID, &create)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrParentGone
	}
	if err != nil {
		return nil, fmt.Errorf("scan parent: %w", err)
	}
	p.Ref.Kind = core.ParentKind(kind)
	p.RestartPolicy = core.RestartPolicy(policy)
	p.Status = core.Status(status)
	p.StatusUpdatedAt = parseTime(updatedAt)
	p.CreatedAt = parseTime(create)
	if err := json.Unmarshal([]byte(extraArgs), &p.ExtraArgs); err != nil {
		return nil, fmt.Errorf("parent %d extra args: %w", p.Ref.ID, err)
	}
	return &p, nil
}

const parentColumns = `id, kind, name, enabled, image, extra_args, restart_policy,
	failure_count, restart_count, status, status_message, status_updated_at,
	latest_process_id, created_at`

func (s *sqliteStore) GetParent(ctx context.Context, ref core.ParentRef) (*Parent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+parentColumns+` FROM parents WHERE kind = ? AND id = ?`,
		string(ref.Kind), ref.ID)
	return s.scanParent(row)
}

func (s *sqliteStore) DeleteParent(ctx context.Context, ref core.ParentRef) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM parents WHERE kind = ? AND id = ?`, string(ref.Kind), ref.ID)
	if err != nil {
		return fmt.Errorf("delete parent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrParentGone
	}
	return nil
}

func (s *sqliteStore) SetParentEnabled(ctx context.Context, ref core.ParentRef, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE parents SET enabled = ? WHERE kind = ? AND id = ?`,
		enabled, string(ref.Kind), ref.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrParentGone
	}
	return nil
}

func (s *sqliteStore) UpdateParentStatus(ctx context.Context, ref core.ParentRef, status core.Status, message string) error {
	status, message, err := statusPair(status, message)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE parents SET status = ?, status_message = ?, status_updated_at = ?
		WHERE kind = ? AND id = ?`,
		string(status), message, fmtTime(time.Now()), string(ref.Kind), ref.ID)
	if err != nil {
		return fmt.Errorf("update parent status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrParentGone
	}
	return nil
}

func (s *sqliteStore) adjustCounter(ctx context.Context, ref core.ParentRef, expr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE parents SET `+expr+` WHERE kind = ? AND id = ?`,
		string(ref.Kind), ref.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrParentGone
	}
	return nil
}

func (s *sqliteStore) IncrementFailureCount(ctx context.Context, ref core.ParentRef) error {
	return s.adjustCounter(ctx, ref, "failure_count = failure_count + 1")
}

func (s *sqliteStore) ResetFailureCount(ctx context.Context, ref core.ParentRef) error {
	return s.adjustCounter(ctx, ref, "failure_count = 0")
}

func (s *sqliteStore) IncrementRestartCount(ctx context.Context, ref core.ParentRef) error {
	return s.adjustCounter(ctx, ref, "restart_count = restart_count + 1")
}

func (s *sqliteStore) ListRunningParentsOnQueue(ctx context.Context, queue string) ([]core.ParentRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.kind, p.id FROM parents p
		JOIN processes pr ON pr.id = p.latest_process_id
		WHERE p.status IN (?, ?) AND pr.worker_queue = ?
		ORDER BY p.id`,
		string(core.StatusRunning), string(core.StatusWorkersOffline), queue)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRefs(rows)
}

func scanRefs(rows *sql.Rows) ([]core.ParentRef, error) {
	var refs []core.ParentRef
	for rows.Next() {
		var kind string
		var id int64
		if err := rows.Scan(&kind, &id); err != nil {
			return nil, err
		}
		refs = append(refs, core.ParentRef{Kind: core.ParentKind(kind), ID: id})
	}
	return refs, rows.Err()
}

func (s *sqliteStore) CreateProcess(ctx context.Context, ref core.ParentRef, name, queue string, maxActive int) (*Process, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// The capacity check shares the transaction with the starting
	// transition so two parents cannot both win the last slot.
	if maxActive >= 0 {
		var active int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM processes
			WHERE status IN (?, ?) AND worker_queue = ?`,
			string(core.StatusStarting), string(core.StatusRunning), queue).Scan(&active)
		if err != nil {
			return nil, err
		}
		if active >= maxActive {
			return nil, ErrNoCapacity
		}
	}

	now := time.Now()
	status, message, err := statusPair(core.StatusStarting, "")
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO processes (parent_kind, parent_id, name, status, status_message,
			worker_queue, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(ref.Kind), ref.ID, name, string(status), message, queue,
		fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("create process: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	upd, err := tx.ExecContext(ctx,
		`UPDATE parents SET latest_process_id = ? WHERE kind = ? AND id = ?`,
		id, string(ref.Kind), ref.ID)
	if err != nil {
		return nil, err
	}
	if n, _ := upd.RowsAffected(); n == 0 {
		return nil, ErrParentGone
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Process{
		ID:            id,
		Parent:        ref,
		Name:          name,
		Status:        status,
		StatusMessage: message,
		WorkerQueue:   queue,
		StartedAt:     now,
		UpdatedAt:     now,
	}, nil
}

const processColumns = `id, parent_kind, parent_id, name, status, status_message,
	container_id, worker_queue, started_at, ended_at, updated_at`

func scanProcess(scan func(dest ...any) error) (*Process, error) {
	var (
		p                             Process
		kind, status, start, updated  string
		ended                         sql.NullString
	)
	err := scan(&p.ID, &kind, &p.Parent.ID, &p.Name, &status, &p.StatusMessage,
		&p.ContainerID, &p.WorkerQueue, &start, &ended, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProcessNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan process: %w", err)
	}
	p.Parent.Kind = core.ParentKind(kind)
	p.Status = core.Status(status)
	p.StartedAt = parseTime(start)
	p.UpdatedAt = parseTime(updated)
	if ended.Valid {
		t := parseTime(ended.String)
		p.EndedAt = &t
	}
	return &p, nil
}

func (s *sqliteStore) GetProcess(ctx context.Context, id int64) (*Process, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+processColumns+` FROM processes WHERE id = ?`, id)
	return scanProcess(row.Scan)
}

// LatestProcess returns the parent's current execution attempt, or nil when
// the parent has never started.
func (s *sqliteStore) LatestProcess(ctx context.Context, ref core.ParentRef) (*Process, error) {
	p, err := s.GetParent(ctx, ref)
	if err != nil {
		return nil, err
	}
	if p.LatestProcessID == 0 {
		return nil, nil
	}
	return s.GetProcess(ctx, p.LatestProcessID)
}

func (s *sqliteStore) ListProcesses(ctx context.Context, ref core.ParentRef) ([]*Process, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+processColumns+` FROM processes WHERE parent_kind = ? AND parent_id = ? ORDER BY id`,
		string(ref.Kind), ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Process
	for rows.Next() {
		p, err := scanProcess(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateProcessStatus(ctx context.Context, id int64, status core.Status, message string) error {
	status, message, err := statusPair(status, message)
	if err != nil {
		return err
	}
	now := fmtTime(time.Now())
	var res sql.Result
	if status.IsTerminal() {
		res, err = s.db.ExecContext(ctx, `
			UPDATE processes SET status = ?, status_message = ?, updated_at = ?, ended_at = ?
			WHERE id = ?`,
			string(status), message, now, now, id)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE processes SET status = ?, status_message = ?, updated_at = ?
			WHERE id = ?`,
			string(status), message, now, id)
	}
	if err != nil {
		return fmt.Errorf("update process status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrProcessNotFound
	}
	return nil
}

func (s *sqliteStore) SetProcessContainerID(ctx context.Context, id int64, containerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processes SET container_id = ?, updated_at = ? WHERE id = ?`,
		containerID, fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrProcessNotFound
	}
	return nil
}

// TouchProcess records a liveness heartbeat for a running process.
func (s *sqliteStore) TouchProcess(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processes SET updated_at = ? WHERE id = ?`,
		fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrProcessNotFound
	}
	return nil
}

func (s *sqliteStore) CountActiveProcesses(ctx context.Context, queue string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processes
		WHERE status IN (?, ?) AND worker_queue = ?`,
		string(core.StatusStarting), string(core.StatusRunning), queue).Scan(&n)
	return n, err
}

func (s *sqliteStore) ListRunningProcessesOlderThan(ctx context.Context, cutoff time.Time) ([]*Process, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+processColumns+` FROM processes WHERE status = ? AND updated_at < ? ORDER BY id`,
		string(core.StatusRunning), fmtTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Process
	for rows.Next() {
		p, err := scanProcess(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendProcessLog(ctx context.Context, id int64, line string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO process_logs (process_id, line, created_at) VALUES (?, ?, ?)`,
		id, line, fmtTime(time.Now()))
	return err
}

// PushRequest appends a lifecycle request for the parent. The row is
// recorded even when the parent is gone, but the caller is told so it can
// avoid scheduling further work.
func (s *sqliteStore) PushRequest(ctx context.Context, ref core.ParentRef, kind core.RequestKind) error {
	if _, err := core.ParseRequestKind(string(kind)); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (parent_kind, parent_id, request, created_at) VALUES (?, ?, ?, ?)`,
		string(ref.Kind), ref.ID, string(kind), fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("push request: %w", err)
	}
	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM parents WHERE kind = ? AND id = ?`,
		string(ref.Kind), ref.ID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrParentGone
	}
	return nil
}

func (s *sqliteStore) ListRequests(ctx context.Context, ref core.ParentRef) ([]core.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request, created_at FROM requests
		WHERE parent_kind = ? AND parent_id = ? ORDER BY id`,
		string(ref.Kind), ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.Request
	for rows.Next() {
		var (
			r       core.Request
			kind    string
			created string
		)
		if err := rows.Scan(&r.ID, &kind, &created); err != nil {
			return nil, err
		}
		r.Parent = ref
		r.Kind = core.RequestKind(kind)
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteRequests(ctx context.Context, ref core.ParentRef, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := []any{string(ref.Kind), ref.ID}
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM requests WHERE parent_kind = ? AND parent_id = ? AND id IN (`+
			strings.Join(placeholders, ", ")+`)`, args...)
	return err
}

func (s *sqliteStore) DeleteRequestsUntil(ctx context.Context, ref core.ParentRef, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM requests WHERE parent_kind = ? AND parent_id = ? AND id <= ?`,
		string(ref.Kind), ref.ID, id)
	return err
}

func (s *sqliteStore) ListRequestParents(ctx context.Context) ([]core.ParentRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT parent_kind, parent_id FROM requests ORDER BY parent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRefs(rows)
}
