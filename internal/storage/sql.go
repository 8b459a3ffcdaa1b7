package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"pubflow/internal/domain"
	"pubflow/internal/registry"
	logx "pubflow/pkg/logx"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// sqlStore implements Store over database/sql. Times are unix nanoseconds
// (0 = unset) and booleans are integers so one set of statements serves both
// dialects.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	log     logx.Logger
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, dialect: d, log: log}
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// q rewrites ? placeholders to $n for postgres.
func (s *sqlStore) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	return rebindDollar(query)
}

func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// migrate executes a migration script one statement at a time.
func (s *sqlStore) migrate(ctx context.Context, script string) error {
	for _, stmt := range strings.Split(script, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// ---- encoding ----

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func ptrNanos(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return toNanos(*t)
}

func nanosPtr(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := time.Unix(0, n)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeURLs(urls []string) (string, error) {
	if len(urls) == 0 {
		return "", nil
	}
	b, err := json.Marshal(urls)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeURLs(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ---- posts ----

const postCols = `id, bot_id, content_id, body, media_urls, status, scheduled_at,
	platform_post_id, platform_url, error_message, likes, comments, shares, views,
	cancel_requested, version, created_at, updated_at, published_at`

func scanPost(r rowScanner) (domain.Post, error) {
	var (
		p                                  domain.Post
		media, status                      string
		sched, created, updated, published int64
		cancel                             int
	)
	err := r.Scan(&p.ID, &p.BotID, &p.ContentID, &p.Text, &media, &status, &sched,
		&p.PlatformPostID, &p.PlatformURL, &p.ErrorMessage,
		&p.Engagement.Likes, &p.Engagement.Comments, &p.Engagement.Shares, &p.Engagement.Views,
		&cancel, &p.Version, &created, &updated, &published)
	if err != nil {
		return domain.Post{}, err
	}
	urls, err := decodeURLs(media)
	if err != nil {
		return domain.Post{}, fmt.Errorf("post %s media_urls: %w", p.ID, err)
	}
	p.MediaURLs = urls
	p.Status = domain.PostStatus(status)
	p.ScheduledAt = fromNanos(sched)
	p.CancelRequested = cancel != 0
	p.CreatedAt = fromNanos(created)
	p.UpdatedAt = fromNanos(updated)
	p.PublishedAt = nanosPtr(published)
	return p, nil
}

func (s *sqlStore) CreatePost(ctx context.Context, p domain.Post, first Job) (domain.Post, Job, error) {
	media, err := encodeURLs(p.MediaURLs)
	if err != nil {
		return domain.Post{}, Job{}, err
	}
	p.Version = 1
	first.PostID = p.ID
	first = normalizeJob(first, p.CreatedAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Post{}, Job{}, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO posts(`+postCols+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		p.ID, p.BotID, p.ContentID, p.Text, media, string(p.Status), toNanos(p.ScheduledAt),
		p.PlatformPostID, p.PlatformURL, p.ErrorMessage,
		p.Engagement.Likes, p.Engagement.Comments, p.Engagement.Shares, p.Engagement.Views,
		boolInt(p.CancelRequested), p.Version, toNanos(p.CreatedAt), toNanos(p.UpdatedAt), ptrNanos(p.PublishedAt),
	)
	if err != nil {
		return domain.Post{}, Job{}, fmt.Errorf("insert post %s: %w", p.ID, err)
	}
	first, err = s.insertJob(ctx, tx, first)
	if err != nil {
		return domain.Post{}, Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Post{}, Job{}, err
	}
	return p, first, nil
}

func (s *sqlStore) GetPost(ctx context.Context, id string) (domain.Post, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+postCols+` FROM posts WHERE id = ?`), id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Post{}, fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	return p, err
}

func (s *sqlStore) UpdatePost(ctx context.Context, p domain.Post, expectVersion int64) (domain.Post, error) {
	media, err := encodeURLs(p.MediaURLs)
	if err != nil {
		return domain.Post{}, err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE posts SET
		content_id = ?, body = ?, media_urls = ?, status = ?, scheduled_at = ?,
		platform_post_id = ?, platform_url = ?, error_message = ?,
		likes = ?, comments = ?, shares = ?, views = ?,
		cancel_requested = ?, version = version + 1, updated_at = ?, published_at = ?
		WHERE id = ? AND version = ?`),
		p.ContentID, p.Text, media, string(p.Status), toNanos(p.ScheduledAt),
		p.PlatformPostID, p.PlatformURL, p.ErrorMessage,
		p.Engagement.Likes, p.Engagement.Comments, p.Engagement.Shares, p.Engagement.Views,
		boolInt(p.CancelRequested), toNanos(p.UpdatedAt), ptrNanos(p.PublishedAt),
		p.ID, expectVersion,
	)
	if err != nil {
		return domain.Post{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Post{}, err
	}
	if n == 0 {
		if _, gerr := s.GetPost(ctx, p.ID); errors.Is(gerr, ErrNotFound) {
			return domain.Post{}, gerr
		}
		return domain.Post{}, fmt.Errorf("post %s version %d: %w", p.ID, expectVersion, ErrConflict)
	}
	p.Version = expectVersion + 1
	return p, nil
}

func (s *sqlStore) ListPostsByStatus(ctx context.Context, status domain.PostStatus, limit int) ([]domain.Post, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+postCols+` FROM posts
		WHERE status = ? ORDER BY created_at, id LIMIT ?`), string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqlStore) CountPosts(ctx context.Context) (map[domain.PostStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM posts GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[domain.PostStatus]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[domain.PostStatus(st)] = n
	}
	return out, rows.Err()
}

// ---- tasks ----

const taskCols = `id, post_id, device_id, bot_id, attempt, status, scheduled_at,
	started_at, finished_at, failure_reason, failure_detail, platform_post_id, platform_url, created_at`

func scanTask(r rowScanner) (domain.Task, error) {
	var (
		t                                 domain.Task
		status, reason                    string
		sched, started, finished, created int64
	)
	err := r.Scan(&t.ID, &t.PostID, &t.DeviceID, &t.BotID, &t.Attempt, &status, &sched,
		&started, &finished, &reason, &t.FailureDetail, &t.PlatformPostID, &t.PlatformURL, &created)
	if err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskStatus(status)
	t.FailureReason = domain.FailureReason(reason)
	t.ScheduledAt = fromNanos(sched)
	t.StartedAt = nanosPtr(started)
	t.FinishedAt = nanosPtr(finished)
	t.CreatedAt = fromNanos(created)
	return t, nil
}

func (s *sqlStore) CreateTask(ctx context.Context, t domain.Task) error {
	if t.Status != domain.TaskPending {
		return fmt.Errorf("task %s created as %s: %w", t.ID, t.Status, ErrConflict)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var maxAttempt, open int64
	err = tx.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(attempt), 0),
		COALESCE(SUM(CASE WHEN status IN ('PENDING','RUNNING') THEN 1 ELSE 0 END), 0)
		FROM tasks WHERE post_id = ?`), t.PostID).Scan(&maxAttempt, &open)
	if err != nil {
		return err
	}
	if open > 0 {
		return fmt.Errorf("post %s has %d open tasks: %w", t.PostID, open, ErrConflict)
	}
	if int64(t.Attempt) != maxAttempt+1 {
		return fmt.Errorf("post %s attempt %d, want %d: %w", t.PostID, t.Attempt, maxAttempt+1, ErrConflict)
	}
	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO tasks(`+taskCols+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		t.ID, t.PostID, t.DeviceID, t.BotID, t.Attempt, string(t.Status), toNanos(t.ScheduledAt),
		ptrNanos(t.StartedAt), ptrNanos(t.FinishedAt), string(t.FailureReason), t.FailureDetail,
		t.PlatformPostID, t.PlatformURL, toNanos(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return tx.Commit()
}

func (s *sqlStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+taskCols+` FROM tasks WHERE id = ?`), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

func (s *sqlStore) StartTask(ctx context.Context, id string, now time.Time) (domain.Task, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE tasks SET status = 'RUNNING', started_at = ?
		WHERE id = ? AND status = 'PENDING'
		AND NOT EXISTS (SELECT 1 FROM tasks r WHERE r.post_id = tasks.post_id AND r.status = 'RUNNING')`),
		toNanos(now), id)
	if err != nil {
		return domain.Task{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Task{}, err
	}
	t, gerr := s.GetTask(ctx, id)
	if gerr != nil {
		return domain.Task{}, gerr
	}
	if n == 0 {
		return domain.Task{}, fmt.Errorf("task %s is %s or post %s has a running task: %w", id, t.Status, t.PostID, ErrConflict)
	}
	return t, nil
}

func (s *sqlStore) FinishTask(ctx context.Context, t domain.Task) error {
	if !t.Status.Terminal() {
		return fmt.Errorf("task %s finish with %s: %w", t.ID, t.Status, ErrConflict)
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE tasks SET status = ?, failure_reason = ?, failure_detail = ?,
		platform_post_id = ?, platform_url = ?,
		finished_at = ?, started_at = CASE WHEN started_at = 0 THEN ? ELSE started_at END
		WHERE id = ? AND status IN ('PENDING','RUNNING')`),
		string(t.Status), string(t.FailureReason), t.FailureDetail, t.PlatformPostID, t.PlatformURL,
		ptrNanos(t.FinishedAt), ptrNanos(t.StartedAt), t.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := s.GetTask(ctx, t.ID); errors.Is(gerr, ErrNotFound) {
			return gerr
		}
		return fmt.Errorf("task %s already terminal: %w", t.ID, ErrConflict)
	}
	return nil
}

func (s *sqlStore) listTasks(ctx context.Context, where string, args ...any) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+taskCols+` FROM tasks WHERE `+where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListTasks(ctx context.Context, postID string) ([]domain.Task, error) {
	return s.listTasks(ctx, `post_id = ? ORDER BY attempt`, postID)
}

func (s *sqlStore) ListTasksByStatus(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.listTasks(ctx, `status = ? ORDER BY created_at, id LIMIT ?`, string(status), limit)
}

func (s *sqlStore) CountTasks(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[domain.TaskStatus]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[domain.TaskStatus(st)] = n
	}
	return out, rows.Err()
}

// ---- queue ----

type execQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) insertJob(ctx context.Context, db execQuerier, j Job) (Job, error) {
	err := db.QueryRowContext(ctx, s.q(`INSERT INTO jobs(post_id, attempt, scheduled_at, enqueued_at)
		VALUES(?,?,?,?) RETURNING seq`),
		j.PostID, j.Attempt, toNanos(j.ScheduledAt), toNanos(j.EnqueuedAt)).Scan(&j.Seq)
	if err != nil {
		return Job{}, fmt.Errorf("enqueue %s#%d: %w", j.PostID, j.Attempt, err)
	}
	return j, nil
}

func (s *sqlStore) Enqueue(ctx context.Context, j Job) (Job, error) {
	return s.insertJob(ctx, s.db, normalizeJob(j, time.Now()))
}

func (s *sqlStore) Requeue(ctx context.Context, j Job, at time.Time) (Job, error) {
	j.Seq = 0
	j.ScheduledAt = at
	j.EnqueuedAt = time.Time{}
	return s.Enqueue(ctx, j)
}

func (s *sqlStore) claimQuery() string {
	lock := ""
	if s.dialect == dialectPostgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}
	return s.q(`DELETE FROM jobs WHERE seq IN (
		SELECT seq FROM jobs WHERE scheduled_at <= ? ORDER BY scheduled_at, seq LIMIT ?` + lock + `
	) RETURNING seq, post_id, attempt, scheduled_at, enqueued_at`)
}

func (s *sqlStore) ClaimDue(ctx context.Context, limit int, now time.Time) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.claimQuery(), toNanos(now), limit)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		var j Job
		var sched, enq int64
		if err := rows.Scan(&j.Seq, &j.PostID, &j.Attempt, &sched, &enq); err != nil {
			return nil, err
		}
		j.ScheduledAt = fromNanos(sched)
		j.EnqueuedAt = fromNanos(enq)
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING order is unspecified.
	sort.Slice(out, func(i, k int) bool {
		if out[i].ScheduledAt.Equal(out[k].ScheduledAt) {
			return out[i].Seq < out[k].Seq
		}
		return out[i].ScheduledAt.Before(out[k].ScheduledAt)
	})
	return out, nil
}

func (s *sqlStore) RemoveJobs(ctx context.Context, postID string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM jobs WHERE post_id = ?`), postID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqlStore) HasJob(ctx context.Context, postID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM jobs WHERE post_id = ?`), postID).Scan(&n)
	return n > 0, err
}

func (s *sqlStore) QueueDepth(ctx context.Context, now time.Time) (int, int, error) {
	var total, due int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN scheduled_at <= ? THEN 1 ELSE 0 END), 0) FROM jobs`), toNanos(now)).Scan(&total, &due)
	return total, due, err
}

func (s *sqlStore) NextDue(ctx context.Context) (time.Time, bool, error) {
	var n sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(scheduled_at) FROM jobs`).Scan(&n); err != nil {
		return time.Time{}, false, err
	}
	if !n.Valid {
		return time.Time{}, false, nil
	}
	return fromNanos(n.Int64), true, nil
}

// ---- registry ----

const deviceCols = `id, name, status, capacity, in_use, endpoint, last_seen`

func scanDevice(r rowScanner) (domain.Device, error) {
	var d domain.Device
	var status string
	var seen int64
	if err := r.Scan(&d.ID, &d.Name, &status, &d.Capacity, &d.InUse, &d.Endpoint, &seen); err != nil {
		return domain.Device{}, err
	}
	d.Status = domain.DeviceStatus(status)
	d.LastSeen = fromNanos(seen)
	return d, nil
}

func (s *sqlStore) GetDevice(ctx context.Context, id string) (domain.Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, s.q(`SELECT `+deviceCols+` FROM devices WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Device{}, fmt.Errorf("device %s: %w", id, registry.ErrNotFound)
	}
	return d, err
}

func (s *sqlStore) GetBot(ctx context.Context, id string) (domain.Bot, error) {
	var b domain.Bot
	var platform, status string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, device_id, platform, username, status FROM bots WHERE id = ?`), id).
		Scan(&b.ID, &b.DeviceID, &platform, &b.Username, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Bot{}, fmt.Errorf("bot %s: %w", id, registry.ErrNotFound)
	}
	if err != nil {
		return domain.Bot{}, err
	}
	b.Platform = domain.Platform(platform)
	b.Status = domain.BotStatus(status)
	return b, nil
}

// AcquireDeviceSlot is a single conditional UPDATE; the row itself is the lock.
func (s *sqlStore) AcquireDeviceSlot(ctx context.Context, id string) (domain.Device, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE devices SET in_use = in_use + 1,
		status = CASE WHEN in_use + 1 >= capacity THEN 'BUSY' ELSE 'ONLINE' END
		WHERE id = ? AND in_use < capacity AND status NOT IN ('OFFLINE','ERROR')`), id)
	if err != nil {
		return domain.Device{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Device{}, err
	}
	d, gerr := s.GetDevice(ctx, id)
	if gerr != nil {
		return domain.Device{}, gerr
	}
	if n == 0 {
		if !d.Accepting() {
			return d, fmt.Errorf("device %s is %s: %w", id, d.Status, registry.ErrUnavailable)
		}
		return d, fmt.Errorf("device %s: %w", id, registry.ErrAtCapacity)
	}
	return d, nil
}

func (s *sqlStore) ReleaseDeviceSlot(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE devices SET
		in_use = CASE WHEN in_use > 0 THEN in_use - 1 ELSE 0 END,
		status = CASE WHEN status IN ('OFFLINE','ERROR') THEN status
			WHEN in_use - 1 < capacity THEN 'ONLINE' ELSE 'BUSY' END
		WHERE id = ?`), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("device %s: %w", id, registry.ErrNotFound)
	}
	return nil
}

func (s *sqlStore) ListDevices(ctx context.Context) ([]domain.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceCols+` FROM devices ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListBots(ctx context.Context) ([]domain.Bot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, device_id, platform, username, status FROM bots ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Bot
	for rows.Next() {
		var b domain.Bot
		var platform, status string
		if err := rows.Scan(&b.ID, &b.DeviceID, &platform, &b.Username, &status); err != nil {
			return nil, err
		}
		b.Platform = domain.Platform(platform)
		b.Status = domain.BotStatus(status)
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpsertDevice keeps in_use of an existing row and derives ONLINE/BUSY from it.
func (s *sqlStore) UpsertDevice(ctx context.Context, d domain.Device) error {
	d.ID = strings.TrimSpace(d.ID)
	if d.ID == "" {
		return fmt.Errorf("device id is required")
	}
	if d.Capacity <= 0 {
		d.Capacity = 1
	}
	if d.Status == "" {
		d.Status = domain.DeviceOffline
	}
	if !d.Status.Valid() {
		return fmt.Errorf("invalid device status %q", d.Status)
	}
	if d.Status == domain.DeviceBusy {
		d.Status = domain.DeviceOnline
	}
	if d.LastSeen.IsZero() {
		d.LastSeen = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO devices(`+deviceCols+`) VALUES(?,?,?,?,0,?,?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, capacity = excluded.capacity,
		endpoint = excluded.endpoint, last_seen = excluded.last_seen,
		status = CASE WHEN excluded.status IN ('OFFLINE','ERROR') THEN excluded.status
			WHEN devices.in_use >= excluded.capacity THEN 'BUSY' ELSE 'ONLINE' END`),
		d.ID, d.Name, string(d.Status), d.Capacity, d.Endpoint, toNanos(d.LastSeen))
	return err
}

func (s *sqlStore) UpsertBot(ctx context.Context, b domain.Bot) error {
	b.ID = strings.TrimSpace(b.ID)
	if b.ID == "" {
		return fmt.Errorf("bot id is required")
	}
	if b.Status == "" {
		b.Status = domain.BotInactive
	}
	if !b.Status.Valid() {
		return fmt.Errorf("invalid bot status %q", b.Status)
	}
	b.Platform = domain.ParsePlatform(string(b.Platform))
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO bots(id, device_id, platform, username, status) VALUES(?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET device_id = excluded.device_id, platform = excluded.platform,
		username = excluded.username, status = excluded.status`),
		b.ID, b.DeviceID, string(b.Platform), b.Username, string(b.Status))
	return err
}

func (s *sqlStore) SetDeviceStatus(ctx context.Context, id string, status domain.DeviceStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid device status %q", status)
	}
	query := `UPDATE devices SET last_seen = ?, status = CASE WHEN in_use >= capacity THEN 'BUSY' ELSE 'ONLINE' END WHERE id = ?`
	args := []any{toNanos(time.Now()), id}
	if status == domain.DeviceOffline || status == domain.DeviceError {
		query = `UPDATE devices SET last_seen = ?, status = ? WHERE id = ?`
		args = []any{toNanos(time.Now()), string(status), id}
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	return rowsOrNotFound(res, err, "device", id)
}

func (s *sqlStore) SetBotStatus(ctx context.Context, id string, status domain.BotStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid bot status %q", status)
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE bots SET status = ? WHERE id = ?`), string(status), id)
	return rowsOrNotFound(res, err, "bot", id)
}

func rowsOrNotFound(res sql.Result, err error, entity, id string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, registry.ErrNotFound)
	}
	return nil
}
