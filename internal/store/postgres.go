package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
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
	"gonum.org/v1/gonum/mat"

	"trucksynth/internal/model"
)

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

// MigrateDir applies every *.sql file in dir in lexical order. Applied files
// are recorded in schema_migrations and skipped on later calls.
func (p *Postgres) MigrateDir(dir string) error {
	ctx := context.Background()
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (name text PRIMARY KEY, applied_at timestamptz NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	sort.Strings(files)
	for _, f := range files {
		name := filepath.Base(f)
		var done bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE name=$1)`, name).Scan(&done); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
		if done {
			continue
		}
		body, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migrate %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migrate %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
	}
	return nil
}

// PutFlows inserts flow records in one transaction.
func (p *Postgres) PutFlows(ctx context.Context, recs []model.FlowRecord) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO commodity_flows (commodity, origin, dest, tons, direction) VALUES ($1,$2,$3,$4,$5)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx, string(r.Commodity), int(r.Origin), int(r.Dest), r.Tons, nullIfEmpty(r.Direction)); err != nil {
			return 0, fmt.Errorf("put flows: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(recs), nil
}

func (p *Postgres) Commodities(ctx context.Context) ([]model.Commodity, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT commodity FROM commodity_flows ORDER BY commodity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Commodity{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, model.Commodity(c))
	}
	return out, rows.Err()
}

func (p *Postgres) Flows(ctx context.Context, com model.Commodity, fn func(model.FlowRecord) error) error {
	rows, err := p.db.QueryContext(ctx, `SELECT origin, dest, tons, COALESCE(direction,'') FROM commodity_flows WHERE commodity=$1 AND tons > 0 ORDER BY origin, dest`, string(com))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var o, d int
		r := model.FlowRecord{Commodity: com}
		if err := rows.Scan(&o, &d, &r.Tons, &r.Direction); err != nil {
			return err
		}
		r.Origin, r.Dest = model.CoarseZoneID(o), model.CoarseZoneID(d)
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// SaveTripTable stores the non-zero cells of every class.
func (p *Postgres) SaveTripTable(ctx context.Context, runID string, t model.TripTable) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO trip_cells (run_id, table_name, class, orig, dest, trips) VALUES ($1,$2,$3,$4,$5,$6)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, class := range t.Classes() {
		d := t.Trips[class]
		r, c := d.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				v := d.At(i, j)
				if v == 0 {
					continue
				}
				if _, err := stmt.ExecContext(ctx, runID, t.Name, string(class), t.Zones[i], t.Zones[j], v); err != nil {
					return fmt.Errorf("save trip table %s: %w", t.Name, err)
				}
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO trip_totals (run_id, table_name, class, total) VALUES ($1,$2,$3,$4)
			ON CONFLICT (run_id, table_name, class) DO UPDATE SET total=EXCLUDED.total`, runID, t.Name, string(class), mat.Sum(d)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *Postgres) GetTripTotals(ctx context.Context, runID string) (map[string]float64, error) {
	if _, err := p.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT table_name, class, total FROM trip_totals WHERE run_id=$1`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]float64{}
	for rows.Next() {
		var name, class string
		var v float64
		if err := rows.Scan(&name, &class, &v); err != nil {
			return nil, err
		}
		out[totalsKey(name, model.TruckClass(class))] = v
	}
	return out, rows.Err()
}

func (p *Postgres) CreateRun(ctx context.Context, modelName string) (model.Run, error) {
	r := model.Run{ID: uuid.New().String(), Model: modelName, Status: RunRunning, StartedAt: time.Now().UTC()}
	_, err := p.db.ExecContext(ctx, `INSERT INTO runs (id, model, status, started_at) VALUES ($1,$2,$3,$4)`, r.ID, r.Model, r.Status, r.StartedAt)
	return r, err
}

func (p *Postgres) FinishRun(ctx context.Context, id string, runErr error, totals map[string]float64) (model.Run, error) {
	status, msg := RunSucceeded, ""
	if runErr != nil {
		status, msg = RunFailed, runErr.Error()
	}
	b, _ := json.Marshal(totals)
	res, err := p.db.ExecContext(ctx, `UPDATE runs SET status=$2, error=$3, totals=$4, finished_at=now() WHERE id=$1`, id, status, nullIfEmpty(msg), b)
	if err != nil {
		return model.Run{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Run{}, fmt.Errorf("finish run %s: %w", id, ErrNotFound)
	}
	return p.GetRun(ctx, id)
}

func (p *Postgres) GetRun(ctx context.Context, id string) (model.Run, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id::text, model, status, started_at, finished_at, COALESCE(error,''), totals FROM runs WHERE id=$1`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Run{}, ErrNotFound
	}
	return r, err
}

func (p *Postgres) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, model, status, started_at, finished_at, COALESCE(error,''), totals FROM runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface{ Scan(dest ...any) error }

func scanRun(s scanner) (model.Run, error) {
	var r model.Run
	var finished sql.NullTime
	var totals []byte
	if err := s.Scan(&r.ID, &r.Model, &r.Status, &r.StartedAt, &finished, &r.Error, &totals); err != nil {
		return model.Run{}, err
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	if len(totals) > 0 {
		_ = json.Unmarshal(totals, &r.Totals)
	}
	return r, nil
}

func (p *Postgres) CreateSubscription(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	sub.ID = uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, url, secret, event_types) VALUES ($1,$2,$3,$4)`,
		sub.ID, sub.URL, nullIfEmpty(sub.Secret), strings.Join(sub.EventTypes, ","))
	return sub, err
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, COALESCE(secret,''), event_types FROM subscriptions
		WHERE $1 = ANY(string_to_array(event_types, ',')) OR '*' = ANY(string_to_array(event_types, ','))`, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var evs string
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &evs); err != nil {
			return nil, err
		}
		s.EventTypes = strings.Split(evs, ",")
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	dk := computeDedupKey(payload)
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
		VALUES ($1,$2,$3,$4,$5,$6,'pending',0,now(),$7)
		ON CONFLICT (event_type, url, dedup_key) DO NOTHING`, id, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload, dk)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts
		FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if !success {
		if nextAttemptAt == nil {
			t := time.Now().Add(time.Minute)
			nextAttemptAt = &t
		}
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$1`,
			id, nullIfEmpty(lastError), *nextAttemptAt, responseCode, latencyMs)
		return err
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`, id, responseCode, latencyMs)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`,
		id, nullIfEmpty(lastError), responseCode, latencyMs)
	return err
}

func computeDedupKey(payload []byte) string {
	// try to parse JSON and use id
	var m map[string]any
	if json.Unmarshal(payload, &m) == nil {
		if v, ok := m["id"].(string); ok && v != "" {
			return v
		}
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
