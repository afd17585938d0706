// Package recorder implements the Request Recorder: an
// asynchronous, best-effort log of completed requests, backed by the
// same database/sql handle as the Key Store, with a retention sweeper
// that ages old rows out on a schedule.
//
// The bounded-channel-plus-worker shape is the same "never block the
// hot path on a background sink" discipline skipper's metrics/logging
// packages use when writing to a possibly-slow writer; the retention
// sweeper is grounded directly in the original implementation's
// CleanupService._cleanup_loop (services/cleanup.py), translated from
// its sleep-based loop into a time.Ticker.
package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hwuu/pylon/pmetrics"
)

// Record is one completed request's durable log entry.
type Record struct {
	IdentityID string
	KeyPrefix  string
	API        string
	Method     string
	Path       string
	Status     int
	DurationMS int64
	ClientAddr string
	IsSSE      bool
	SSEMsgs    int
	Reason     string
	RequestAt  time.Time
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS request_log (
	id           TEXT PRIMARY KEY,
	identity_id  TEXT NOT NULL,
	key_prefix   TEXT NOT NULL,
	api          TEXT NOT NULL,
	method       TEXT NOT NULL,
	path         TEXT NOT NULL,
	status       INTEGER NOT NULL,
	duration_ms  INTEGER NOT NULL,
	client_addr  TEXT NOT NULL,
	is_sse       INTEGER NOT NULL,
	sse_msgs     INTEGER NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	request_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_request_log_request_at ON request_log(request_at);
CREATE INDEX IF NOT EXISTS idx_request_log_identity ON request_log(identity_id);
`

// Recorder is the Request Recorder.
type Recorder struct {
	db      *sql.DB
	ch      chan Record
	metrics *pmetrics.Metrics
	log     *logrus.Logger
}

// Open migrates the request_log table against the given *sql.DB (the
// same handle the Key Store uses) and returns a Recorder with a
// bounded backlog of capacity queueSize.
func Open(db *sql.DB, queueSize int, metrics *pmetrics.Metrics, log *logrus.Logger) (*Recorder, error) {
	if _, err := db.Exec(schemaDDL); err != nil {
		return nil, fmt.Errorf("recorder: migrate: %w", err)
	}
	return &Recorder{
		db:      db,
		ch:      make(chan Record, queueSize),
		metrics: metrics,
		log:     log,
	}, nil
}

// Record enqueues a completed request's log entry without blocking.
// When the backlog is full the oldest queued record is dropped to make
// room for rec and pmetrics.RecorderDropped is incremented — a slow
// disk must never throttle the proxy's hot path.
func (r *Recorder) Record(rec Record) {
	select {
	case r.ch <- rec:
		return
	default:
	}

	dropped := false
	select {
	case <-r.ch:
		dropped = true
	default:
	}
	select {
	case r.ch <- rec:
	default:
		dropped = true
	}
	if dropped {
		r.metrics.RecorderDropped.Inc()
		r.log.Warn("recorder: backlog full, dropping oldest request log entry")
	}
}

// Run drains the backlog into the database until stop is closed. It is
// meant to run in its own goroutine for the process lifetime.
func (r *Recorder) Run(stop <-chan struct{}) {
	for {
		select {
		case rec := <-r.ch:
			r.persist(rec)
		case <-stop:
			r.drain()
			return
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case rec := <-r.ch:
			r.persist(rec)
		default:
			return
		}
	}
}

func (r *Recorder) persist(rec Record) {
	_, err := r.db.Exec(`
		INSERT INTO request_log (id, identity_id, key_prefix, api, method, path, status,
			duration_ms, client_addr, is_sse, sse_msgs, reason, request_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), rec.IdentityID, rec.KeyPrefix, rec.API, rec.Method, rec.Path, rec.Status,
		rec.DurationMS, rec.ClientAddr, boolToInt(rec.IsSSE), rec.SSEMsgs, rec.Reason, rec.RequestAt)
	if err != nil {
		r.log.WithError(err).Warn("recorder: failed to persist request log entry")
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Sweep deletes request_log rows older than retentionDays, mirroring
// CleanupService.cleanup_old_logs's cutoff-by-request-time deletion.
func (r *Recorder) Sweep(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	res, err := r.db.ExecContext(ctx, `DELETE FROM request_log WHERE request_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recorder: sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RunRetentionSweeper runs Sweep on a fixed interval until stop is
// closed, the same start/stop shape as the original CleanupService's
// start/stop pair, but driven by a time.Ticker instead of a raw sleep
// loop.
func (r *Recorder) RunRetentionSweeper(stop <-chan struct{}, interval time.Duration, retentionDays int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := r.Sweep(context.Background(), retentionDays)
			if err != nil {
				r.log.WithError(err).Warn("recorder: retention sweep failed")
				continue
			}
			if n > 0 {
				r.log.WithField("rows", n).Info("recorder: retention sweep removed old request log entries")
			}
		case <-stop:
			return
		}
	}
}
