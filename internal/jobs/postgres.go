package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"optiq/internal/model"
)

// Postgres persists jobs, subscriptions and callback deliveries. Problem and
// result documents are stored as JSONB so the schema survives model growth.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// MigrateDir applies every *.sql file under dir in lexical order.
func (p *Postgres) MigrateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if _, err := p.db.Exec(string(b)); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
	}
	return nil
}

const jobCols = `id::text, status, problem, solution, explanation, error, progress, created_at, started_at, finished_at, updated_at`

func (p *Postgres) CreateJob(ctx context.Context, job *model.Job) (*model.Job, error) {
	id := job.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := job.Status
	if status == "" {
		status = model.JobCreated
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO jobs (id, status, problem, progress) VALUES ($1,$2,$3,$4)`,
		id, string(status), marshalOrNil(job.Problem), marshalOrNil(job.Progress))
	if err != nil {
		return nil, err
	}
	return p.GetJob(ctx, id)
}

func (p *Postgres) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return j, nil
}

func (p *Postgres) ListJobs(ctx context.Context, status model.JobStatus, cursor string, limit int) ([]*model.Job, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if status != "" {
		if cursor != "" {
			rows, err = p.db.QueryContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE status=$1 AND id::text > $2 ORDER BY id LIMIT $3`, string(status), cursor, limit)
		} else {
			rows, err = p.db.QueryContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE status=$1 ORDER BY id LIMIT $2`, string(status), limit)
		}
	} else {
		if cursor != "" {
			rows, err = p.db.QueryContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id::text > $1 ORDER BY id LIMIT $2`, cursor, limit)
		} else {
			rows, err = p.db.QueryContext(ctx, `SELECT `+jobCols+` FROM jobs ORDER BY id LIMIT $1`, limit)
		}
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []*model.Job{}
	var last string
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, j)
		last = j.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (p *Postgres) TransitionJob(ctx context.Context, id string, from, to model.JobStatus) (*model.Job, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE jobs SET status=$3, updated_at=now(),
		started_at=CASE WHEN $3='RUNNING' THEN COALESCE(started_at, now()) ELSE started_at END,
		finished_at=CASE WHEN $3 IN ('SOLVED','ERROR','CANCELLED') THEN COALESCE(finished_at, now()) ELSE finished_at END
		WHERE id=$1 AND status=$2`, id, string(from), string(to))
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.GetJob(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrConflict
	}
	return p.GetJob(ctx, id)
}

func (p *Postgres) CompleteJob(ctx context.Context, id string, to model.JobStatus, sol *model.Solution, exp *model.Explanation, jobErr *model.JobError) (*model.Job, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE jobs SET status=$2, solution=$3, explanation=$4, error=$5, finished_at=now(), updated_at=now()
		WHERE id=$1 AND status='RUNNING'`,
		id, string(to), marshalOrNil(sol), marshalOrNil(exp), marshalOrNil(jobErr))
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.GetJob(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrConflict
	}
	return p.GetJob(ctx, id)
}

func (p *Postgres) CancelJob(ctx context.Context, id string) (*model.Job, bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE jobs SET status='CANCELLED', finished_at=COALESCE(finished_at, now()), updated_at=now()
		WHERE id=$1 AND status IN ('CREATED','QUEUED','RUNNING')`, id)
	if err != nil {
		return nil, false, err
	}
	changed := false
	if n, _ := res.RowsAffected(); n > 0 {
		changed = true
	}
	j, err := p.GetJob(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return j, changed, nil
}

func (p *Postgres) SaveProgress(ctx context.Context, id string, progress model.JobProgress) error {
	res, err := p.db.ExecContext(ctx, `UPDATE jobs SET progress=$2, updated_at=now() WHERE id=$1`, id, marshalOrNil(&progress))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanJob(row interface{ Scan(dest ...any) error }) (*model.Job, error) {
	var (
		id, status                     string
		problem, solution, explanation []byte
		jobErr, progress               []byte
		createdAt, updatedAt           time.Time
		startedAt, finishedAt          sql.NullTime
	)
	if err := row.Scan(&id, &status, &problem, &solution, &explanation, &jobErr, &progress, &createdAt, &startedAt, &finishedAt, &updatedAt); err != nil {
		return nil, err
	}
	j := &model.Job{ID: id, Status: model.JobStatus(status), CreatedAt: createdAt, UpdatedAt: updatedAt}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		j.FinishedAt = &t
	}
	if len(problem) > 0 {
		j.Problem = &model.Problem{}
		if err := json.Unmarshal(problem, j.Problem); err != nil {
			return nil, err
		}
	}
	if len(solution) > 0 {
		j.Solution = &model.Solution{}
		if err := json.Unmarshal(solution, j.Solution); err != nil {
			return nil, err
		}
	}
	if len(explanation) > 0 {
		j.Explanation = &model.Explanation{}
		if err := json.Unmarshal(explanation, j.Explanation); err != nil {
			return nil, err
		}
	}
	if len(jobErr) > 0 {
		j.Error = &model.JobError{}
		if err := json.Unmarshal(jobErr, j.Error); err != nil {
			return nil, err
		}
	}
	if len(progress) > 0 {
		j.Progress = &model.JobProgress{}
		if err := json.Unmarshal(progress, j.Progress); err != nil {
			return nil, err
		}
	}
	return j, nil
}

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	id := uuid.New().String()
	ev, _ := json.Marshal(req.Events)
	_, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, url, events, secret) VALUES ($1,$2,$3,$4)`, id, req.URL, ev, nullIfEmpty(req.Secret))
	if err != nil {
		return model.Subscription{}, err
	}
	return model.Subscription{ID: id, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, COALESCE(secret,''), events FROM subscriptions
		WHERE events @> $1::jsonb OR events @> '["*"]'::jsonb`, fmt.Sprintf("[%q]", eventType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var ev []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(ev, &s.Events)
		out = append(out, s)
	}
	return out, nil
}

func (p *Postgres) ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, COALESCE(secret,''), events FROM subscriptions WHERE id::text > $1 ORDER BY id LIMIT $2`, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, COALESCE(secret,''), events FROM subscriptions ORDER BY id LIMIT $1`, limit)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	var out []model.Subscription
	var last string
	for rows.Next() {
		var s model.Subscription
		var ev []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil {
			return nil, "", err
		}
		_ = json.Unmarshal(ev, &s.Events)
		out = append(out, s)
		last = s.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (p *Postgres) DeleteSubscription(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Callback deliveries

func (p *Postgres) EnqueueDelivery(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO callback_deliveries (id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at)
		VALUES ($1,$2,$3,$4,$5,$6,'pending',0,now())`, id, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) FetchDueDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts
		FROM callback_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Delivery{}
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (p *Postgres) MarkDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int) error {
	if !success {
		if nextAttemptAt == nil {
			t := time.Now().Add(1 * time.Minute)
			nextAttemptAt = &t
		}
		_, err := p.db.ExecContext(ctx, `UPDATE callback_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3, response_code=$4, updated_at=now() WHERE id=$1`,
			id, nullIfEmpty(lastError), *nextAttemptAt, responseCode)
		return err
	}
	_, err := p.db.ExecContext(ctx, `UPDATE callback_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), response_code=$2, updated_at=now() WHERE id=$1`, id, responseCode)
	return err
}

func (p *Postgres) FailDelivery(ctx context.Context, id string, lastError string, responseCode int) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	_, err = tx.ExecContext(ctx, `UPDATE callback_deliveries SET attempts=attempts+1, status='failed', last_error=$2, response_code=$3, updated_at=now() WHERE id=$1`,
		id, nullIfEmpty(lastError), responseCode)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO callback_dlq (id, delivery_id, subscription_id, event_type, url, secret, payload, attempts, last_error, response_code)
		SELECT gen_random_uuid(), id, subscription_id, event_type, url, secret, payload, attempts, last_error, response_code FROM callback_deliveries WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) ListDeliveries(ctx context.Context, status, cursor string, limit int) ([]Delivery, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, COALESCE(subscription_id::text,''), event_type, url, status, attempts, next_attempt_at, COALESCE(last_error,''), COALESCE(response_code,0) FROM callback_deliveries`
	var rows *sql.Rows
	var err error
	switch {
	case status != "" && cursor != "":
		rows, err = p.db.QueryContext(ctx, q+` WHERE status=$1 AND id::text > $2 ORDER BY id LIMIT $3`, status, cursor, limit)
	case status != "":
		rows, err = p.db.QueryContext(ctx, q+` WHERE status=$1 ORDER BY id LIMIT $2`, status, limit)
	case cursor != "":
		rows, err = p.db.QueryContext(ctx, q+` WHERE id::text > $1 ORDER BY id LIMIT $2`, cursor, limit)
	default:
		rows, err = p.db.QueryContext(ctx, q+` ORDER BY id LIMIT $1`, limit)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []Delivery{}
	var last string
	for rows.Next() {
		var d Delivery
		var nextAt sql.NullTime
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Status, &d.Attempts, &nextAt, &d.LastError, &d.ResponseCode); err != nil {
			return nil, "", err
		}
		if nextAt.Valid {
			d.NextAttemptAt = nextAt.Time
		}
		out = append(out, d)
		last = d.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (p *Postgres) ListDeadLetters(ctx context.Context, cursor string, limit int) ([]Delivery, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT delivery_id::text, COALESCE(subscription_id::text,''), event_type, url, attempts, COALESCE(last_error,''), COALESCE(response_code,0), id::text FROM callback_dlq`
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx, q+` WHERE id::text > $1 ORDER BY id LIMIT $2`, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, q+` ORDER BY id LIMIT $1`, limit)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []Delivery{}
	var last string
	for rows.Next() {
		var d Delivery
		var dlqID string
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Attempts, &d.LastError, &d.ResponseCode, &dlqID); err != nil {
			return nil, "", err
		}
		d.Status = DeliveryFailed
		out = append(out, d)
		last = dlqID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (p *Postgres) RequeueDeadLetter(ctx context.Context, id string) error {
	var delID, subID, eventType, url, secret string
	var payload []byte
	err := p.db.QueryRowContext(ctx, `SELECT COALESCE(delivery_id::text,''), COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload
		FROM callback_dlq WHERE delivery_id=$1 OR id=$1`, id).Scan(&delID, &subID, &eventType, &url, &secret, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if _, err := p.EnqueueDelivery(ctx, subID, eventType, url, secret, payload); err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `DELETE FROM callback_dlq WHERE delivery_id=$1 OR id=$1`, id)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// marshalOrNil maps nil pointers to SQL NULL rather than the JSON literal null.
func marshalOrNil(v any) any {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return nil
	}
	return b
}
