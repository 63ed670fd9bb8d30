// Package recorder archives telemetry snapshots published on the fabric
// into a SQLite database, one row per frame, for offline chassis analysis.
// It uses the pure-Go modernc.org/sqlite driver, so recording works on
// targets without CGO.
package recorder

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	// Register the pure-Go SQLite driver (no CGO required).
	_ "modernc.org/sqlite"

	"github.com/openchassis/canbus/fabric"
	"github.com/openchassis/canbus/internal/buslog"
)

const schema = `
CREATE TABLE IF NOT EXISTS chassis_detail (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	topic    TEXT    NOT NULL,
	seq      INTEGER NOT NULL,
	frame_id INTEGER NOT NULL,
	data     TEXT    NOT NULL,
	taken_at TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS chassis_detail_topic_seq ON chassis_detail(topic, seq);
`

// Recorder persists fabric messages until closed. Construct with Open.
type Recorder struct {
	db      *sql.DB
	cancel  context.CancelFunc
	group   *errgroup.Group
	cancels []func()
}

// Open creates or opens the archive database at path and prepares the
// schema. The recorder is idle until Attach.
func Open(path string) (*Recorder, error) {
	if path == "" {
		return nil, errors.New("recorder: database path must not be empty")
	}
	// WAL with a relaxed synchronous mode: telemetry archival favors
	// throughput, and a crash loses at most the tail of the recording.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open telemetry db %s: %w", path, err)
	}
	// Single connection: one writer goroutine per topic is serialized here
	// rather than through SQLITE_BUSY retries.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare telemetry schema: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, _ := errgroup.WithContext(ctx)
	return &Recorder{db: db, cancel: cancel, group: g}, nil
}

// Attach subscribes the recorder to the given topics on the hub and starts
// one archiving goroutine per topic.
func (r *Recorder) Attach(hub *fabric.Hub, topics ...string) {
	for _, topic := range topics {
		ch, cancel := hub.Subscribe(topic)
		r.cancels = append(r.cancels, cancel)
		r.group.Go(func() error {
			r.archive(ch)
			return nil
		})
	}
}

// archive drains one subscription until its channel closes.
func (r *Recorder) archive(ch <-chan fabric.Message) {
	for msg := range ch {
		if err := r.insert(msg); err != nil {
			buslog.Logger().Warn("archive telemetry", "topic", msg.Topic, "error", err)
		}
	}
}

// insert writes one message's frames, ordered by identifier so rows within
// a snapshot are deterministic.
func (r *Recorder) insert(msg fabric.Message) error {
	ids := make([]uint32, 0, len(msg.Snapshot.Frames))
	for id := range msg.Snapshot.Frames {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	for _, id := range ids {
		f := msg.Snapshot.Frames[id]
		if _, err := tx.Exec(
			`INSERT INTO chassis_detail (topic, seq, frame_id, data, taken_at) VALUES (?, ?, ?, ?, ?)`,
			msg.Topic, msg.Seq, int64(id),
			hex.EncodeToString(f.Data[:f.Len]),
			msg.Snapshot.Taken.UTC().Format(time.RFC3339Nano),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Close detaches all subscriptions, waits for in-flight writes, and closes
// the database.
func (r *Recorder) Close() error {
	for _, cancel := range r.cancels {
		cancel()
	}
	r.cancels = nil
	_ = r.group.Wait() // archive goroutines return nil
	r.cancel()
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("close telemetry db: %w", err)
	}
	return nil
}
