// Package eventqueue is the append-only NDJSON ingest buffer. Records land
// in a single active file that rotates on size or age; rotated files are
// announced for upload and never touched again.
package eventqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cdesk/warehouse-gateway/internal/adapter/observability"
	"github.com/cdesk/warehouse-gateway/internal/domain"
)

const (
	// seenClearThreshold caps the dedup set. Clearing makes dedup
	// best-effort across the boundary in exchange for bounded memory.
	seenClearThreshold = 100_000
	// latencyWindow is how many recent writes feed the moving average.
	latencyWindow = 1000
	// degradedLatencyMs marks the queue degraded when the average runs
	// past it.
	degradedLatencyMs = 100
	// notifyTimeout bounds one file-ready notification.
	notifyTimeout = 5 * time.Second
)

// Config tunes the queue.
type Config struct {
	// Path seeds active file naming: its directory, stem, and extension.
	Path string
	// MaxSize rotates the active file before a write would cross it.
	MaxSize int64
	// MaxAge rotates the active file once it has been open this long.
	MaxAge time.Duration
	// MaxEvents is the lifetime intake budget; past it pushes fail with
	// QueueAtCapacity until restart.
	MaxEvents int64
	// Dedup drops records whose activity_id was already accepted.
	Dedup bool
	// SyncWrites forces durability before Push returns.
	SyncWrites bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Path:      "data/events/events.ndjson",
		MaxSize:   10 << 20,
		MaxAge:    time.Hour,
		MaxEvents: 100_000,
		Dedup:     true,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Path == "" {
		c.Path = def.Path
	}
	if c.MaxSize <= 0 {
		c.MaxSize = def.MaxSize
	}
	if c.MaxAge <= 0 {
		c.MaxAge = def.MaxAge
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = def.MaxEvents
	}
	return c
}

// Health is a point-in-time view of queue condition.
type Health struct {
	Degraded           bool    `json:"degraded"`
	Writable           bool    `json:"writable"`
	BackpressureActive bool    `json:"backpressure_active"`
	AvgLatencyMs       float64 `json:"avg_latency_ms"`
	WriteErrors        int64   `json:"write_errors"`
	ActivePath         string  `json:"active_path"`
	FileRecords        int64   `json:"file_records"`
	FileBytes          int64   `json:"file_bytes"`
	TotalEvents        int64   `json:"total_events"`
	DroppedDuplicates  int64   `json:"dropped_duplicates"`
	Rotations          int64   `json:"rotations"`
	Sequence           uint64  `json:"sequence"`
	SeenSize           int     `json:"seen_size"`
}

// Queue is safe for concurrent use. Sequence assignment and the append
// happen under one lock, so file order matches sequence order.
type Queue struct {
	cfg      Config
	notifier domain.UploadNotifier

	mu          sync.Mutex
	f           *os.File
	activePath  string
	openedAt    time.Time
	fileRecords int64
	fileBytes   int64
	seq         uint64
	totalEvents int64
	rotations   int64
	writeErrors int64
	backpress   bool
	closed      bool

	seen       map[string]struct{}
	droppedDup int64

	latencies [latencyWindow]float64 // milliseconds
	latNext   int
	latFilled int

	notifyWG sync.WaitGroup
}

// Open creates the queue directory and the first active file. notifier may
// be nil; rotations then log instead of publishing.
func Open(cfg Config, notifier domain.UploadNotifier) (*Queue, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("op=eventqueue.Open: %w", err)
	}
	q := &Queue{
		cfg:      cfg,
		notifier: notifier,
		seen:     make(map[string]struct{}),
	}
	path := q.nextFilePath(time.Now())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("op=eventqueue.Open: %w", err)
	}
	q.f = f
	q.activePath = path
	q.openedAt = time.Now()
	slog.Info("event queue opened",
		slog.String("path", path),
		slog.Int64("max_size", cfg.MaxSize),
		slog.Duration("max_age", cfg.MaxAge),
		slog.Bool("dedup", cfg.Dedup))
	return q, nil
}

// Push appends one event. The returned activity_id identifies the record;
// duplicate pushes return the id with no second write. A payload carrying a
// queue-owned field is rejected.
func (q *Queue) Push(ctx context.Context, event domain.Event) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("op=eventqueue.Push: %w", err)
	}
	start := time.Now()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", fmt.Errorf("op=eventqueue.Push: %w", domain.ErrQueueClosed)
	}
	if q.totalEvents >= q.cfg.MaxEvents {
		q.backpress = true
		q.mu.Unlock()
		observability.RecordEventDropped("capacity")
		return "", fmt.Errorf("op=eventqueue.Push: %d events stored: %w", q.cfg.MaxEvents, domain.ErrQueueAtCapacity)
	}
	for _, field := range []string{domain.FieldQueuedAt, domain.FieldSequence} {
		if _, ok := event[field]; ok {
			q.mu.Unlock()
			return "", fmt.Errorf("op=eventqueue.Push: field %q: %w", field, domain.ErrReservedField)
		}
	}

	id := ""
	if v, ok := event[domain.FieldActivityID]; ok {
		if s, ok := v.(string); ok && s != "" {
			id = s
		}
	}
	if id == "" {
		id = uuid.NewString()
	}

	if q.cfg.Dedup {
		if _, dup := q.seen[id]; dup {
			q.droppedDup++
			q.mu.Unlock()
			observability.RecordEventDropped("duplicate")
			return id, nil
		}
	}

	record := make(map[string]any, len(event)+4)
	for k, v := range event {
		record[k] = v
	}
	record[domain.FieldActivityID] = id
	if _, ok := record[domain.FieldTS]; !ok {
		record[domain.FieldTS] = start.UnixMilli()
	}
	record[domain.FieldQueuedAt] = start.UTC().Format(time.RFC3339Nano)
	record[domain.FieldSequence] = q.seq + 1

	line, err := json.Marshal(record)
	if err != nil {
		q.mu.Unlock()
		return "", fmt.Errorf("op=eventqueue.Push: encode record: %w: %v", domain.ErrInvalidArgument, err)
	}
	line = append(line, '\n')
	q.seq++

	if q.cfg.Dedup {
		if len(q.seen) >= seenClearThreshold {
			slog.Info("dedup set cleared", slog.Int("entries", len(q.seen)))
			q.seen = make(map[string]struct{})
		}
		q.seen[id] = struct{}{}
	}

	var ready *domain.FileReady
	if q.fileBytes+int64(len(line)) >= q.cfg.MaxSize || time.Since(q.openedAt) >= q.cfg.MaxAge {
		fr, rerr := q.rotateLocked()
		if rerr != nil {
			q.writeErrors++
			q.forgetLocked(id)
			q.mu.Unlock()
			observability.RecordEventDropped("rotate_error")
			return "", fmt.Errorf("op=eventqueue.Push: %w", rerr)
		}
		ready = fr
	}

	if q.f == nil {
		q.writeErrors++
		q.forgetLocked(id)
		q.mu.Unlock()
		observability.RecordEventDropped("write_error")
		return "", fmt.Errorf("op=eventqueue.Push: active stream unavailable: %w", domain.ErrInternal)
	}
	n, werr := q.f.Write(line)
	if werr == nil && q.cfg.SyncWrites {
		werr = q.f.Sync()
	}
	if werr != nil {
		q.writeErrors++
		q.forgetLocked(id)
		q.mu.Unlock()
		observability.RecordEventDropped("write_error")
		return "", fmt.Errorf("op=eventqueue.Push: %w", werr)
	}
	q.fileBytes += int64(n)
	q.fileRecords++
	q.totalEvents++
	elapsed := time.Since(start)
	q.recordLatencyLocked(elapsed)
	q.mu.Unlock()

	observability.RecordEventQueued(elapsed.Seconds())
	if ready != nil {
		q.notifyAsync(*ready)
	}
	return id, nil
}

// Health reports queue condition. Degraded when writes average over 100 ms,
// any write has failed, or the active stream is gone.
func (q *Queue) Health() Health {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := Health{
		Writable:           q.f != nil && !q.closed,
		BackpressureActive: q.backpress,
		AvgLatencyMs:       q.avgLatencyLocked(),
		WriteErrors:        q.writeErrors,
		ActivePath:         q.activePath,
		FileRecords:        q.fileRecords,
		FileBytes:          q.fileBytes,
		TotalEvents:        q.totalEvents,
		DroppedDuplicates:  q.droppedDup,
		Rotations:          q.rotations,
		Sequence:           q.seq,
		SeenSize:           len(q.seen),
	}
	h.Degraded = h.AvgLatencyMs > degradedLatencyMs || h.WriteErrors > 0 || !h.Writable
	return h
}

// Close flushes and closes the active file, publishing it if it holds any
// records, then waits for outstanding notifications.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true

	var ready *domain.FileReady
	var closeErr error
	if q.f != nil {
		closeErr = q.f.Close()
		q.f = nil
		if q.fileRecords > 0 {
			q.rotations++
			observability.RecordRotation()
			ready = &domain.FileReady{
				Path:      q.activePath,
				Records:   q.fileRecords,
				Bytes:     q.fileBytes,
				RotatedAt: time.Now(),
			}
		}
	}
	total, rotations := q.totalEvents, q.rotations
	q.mu.Unlock()

	if ready != nil {
		q.notifyAsync(*ready)
	}
	q.notifyWG.Wait()

	slog.Info("event queue closed",
		slog.Int64("total_events", total),
		slog.Int64("rotations", rotations))
	if closeErr != nil {
		return fmt.Errorf("op=eventqueue.Close: %w", closeErr)
	}
	return nil
}

// rotateLocked closes the active file and opens its successor. The closed
// file is returned for publication when it holds records.
func (q *Queue) rotateLocked() (*domain.FileReady, error) {
	oldPath, oldRecords, oldBytes := q.activePath, q.fileRecords, q.fileBytes
	if q.f != nil {
		if err := q.f.Close(); err != nil {
			slog.Warn("closing rotated file failed",
				slog.String("path", oldPath),
				slog.Any("error", err))
		}
		q.f = nil
	}

	now := time.Now()
	next := q.nextFilePath(now)
	f, err := os.OpenFile(next, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		// Try to keep the previous stream alive rather than going dark.
		if old, oerr := os.OpenFile(oldPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); oerr == nil {
			q.f = old
		}
		return nil, fmt.Errorf("open successor file: %w", err)
	}
	q.f = f
	q.activePath = next
	q.openedAt = now
	q.fileBytes = 0
	q.fileRecords = 0
	q.rotations++
	observability.RecordRotation()
	slog.Info("event file rotated",
		slog.String("closed", oldPath),
		slog.Int64("records", oldRecords),
		slog.Int64("bytes", oldBytes),
		slog.String("active", next))

	if oldRecords == 0 {
		return nil, nil
	}
	return &domain.FileReady{Path: oldPath, Records: oldRecords, Bytes: oldBytes, RotatedAt: now}, nil
}

// nextFilePath derives a fresh active file name from the configured base:
// stem, ISO timestamp with ':' and '.' flattened to '-', and 8 hex chars.
func (q *Queue) nextFilePath(now time.Time) string {
	dir := filepath.Dir(q.cfg.Path)
	ext := filepath.Ext(q.cfg.Path)
	stem := strings.TrimSuffix(filepath.Base(q.cfg.Path), ext)
	stamp := strings.NewReplacer(":", "-", ".", "-").Replace(now.UTC().Format("2006-01-02T15:04:05.000Z"))
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return filepath.Join(dir, fmt.Sprintf("%s-%s-%s%s", stem, stamp, suffix, ext))
}

func (q *Queue) notifyAsync(fr domain.FileReady) {
	if q.notifier == nil {
		return
	}
	q.notifyWG.Add(1)
	go func() {
		defer q.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := q.notifier.NotifyFileReady(ctx, fr); err != nil {
			slog.Warn("file-ready notification failed",
				slog.String("path", fr.Path),
				slog.Any("error", err))
		}
	}()
}

// forgetLocked drops id from the dedup set after a failed write so a retry
// with the same activity_id is not silently swallowed.
func (q *Queue) forgetLocked(id string) {
	if q.cfg.Dedup {
		delete(q.seen, id)
	}
}

func (q *Queue) recordLatencyLocked(d time.Duration) {
	if q.latNext >= latencyWindow {
		q.latNext = 0
	}
	q.latencies[q.latNext] = float64(d.Microseconds()) / 1000
	q.latNext++
	if q.latFilled < latencyWindow {
		q.latFilled++
	}
}

func (q *Queue) avgLatencyLocked() float64 {
	if q.latFilled == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < q.latFilled; i++ {
		sum += q.latencies[i]
	}
	return sum / float64(q.latFilled)
}
