// Package secevents implements the ring-bounded, append-only security event
// log of spec.md §4.8. The ring buffer itself is grounded on
// services/escrow-gateway/webhook_queue.go's generic queueRing[T]; the
// log additionally persists every event to the JSON document store,
// matching spec.md §6.6's security_logs.json, and, when WithFileMirror is
// set, mirrors it best-effort to a rotating file via lumberjack.
package secevents

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"bountyd/internal/model"
	"bountyd/internal/store"
)

const (
	// DefaultCapacity matches spec.md §4.8's "ring buffer of ~1000 most
	// recent events".
	DefaultCapacity = 1000

	documentPath = "security_logs.json"
)

// ring is a fixed-size ring buffer that overwrites the oldest element on
// overflow, generalized from queueRing[T] in
// services/escrow-gateway/webhook_queue.go.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) ring[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if len(r.buf) == 0 {
		return
	}
	if r.size == len(r.buf) {
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return
	}
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = v
	r.size++
}

func (r *ring[T]) snapshot() []T {
	out := make([]T, 0, r.size)
	for i := 0; i < r.size; i++ {
		idx := (r.head + i) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// document is the on-disk shape matching spec.md §6.6.
type document struct {
	Events []model.SecurityEvent `json:"events"`
}

// Log is the append-only, size-bounded audit trail. It uses its own lock and
// never holds it across I/O (spec.md §5).
type Log struct {
	mu     sync.Mutex
	events ring[model.SecurityEvent]
	seq    atomic.Uint64

	store  *store.Store
	mirror io.Writer
	logger *slog.Logger
	now    func() time.Time
}

// Option customises Log construction.
type Option func(*Log)

// WithCapacity overrides the ring buffer capacity.
func WithCapacity(capacity int) Option {
	return func(l *Log) { l.events = newRing[model.SecurityEvent](capacity) }
}

// WithClock overrides the timestamp source (tests only).
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// WithFileMirror configures a rotating file sink for best-effort durability,
// following the teacher's gopkg.in/natefinch/lumberjack.v2 direct dependency.
func WithFileMirror(path string, maxSizeMB, maxBackups, maxAgeDays int) Option {
	return func(l *Log) {
		if path == "" {
			return
		}
		l.mirror = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   true,
		}
	}
}

// New constructs a Log backed by the given document store.
func New(s *store.Store, logger *slog.Logger, opts ...Option) *Log {
	l := &Log{
		events: newRing[model.SecurityEvent](DefaultCapacity),
		store:  s,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.store != nil {
		var doc document
		_ = l.store.Load(documentPath, &doc)
		for _, e := range doc.Events {
			l.events.push(e)
			if e.Seq > l.seq.Load() {
				l.seq.Store(e.Seq)
			}
		}
	}
	return l
}

// Record appends a new event of the given kind and payload. Persistence is
// best-effort: a failure to write never blocks the caller's gate decision
// (spec.md §4.8).
func (l *Log) Record(kind string, payload map[string]any) model.SecurityEvent {
	event := model.SecurityEvent{
		Seq:       l.seq.Add(1),
		Timestamp: l.now().UTC(),
		Kind:      kind,
		Payload:   payload,
	}

	l.mu.Lock()
	l.events.push(event)
	snapshot := l.events.snapshot()
	l.mu.Unlock()

	l.mirrorBestEffort(event)
	l.persistBestEffort(snapshot)
	return event
}

func (l *Log) mirrorBestEffort(event model.SecurityEvent) {
	if l.mirror != nil {
		if data, err := json.Marshal(event); err == nil {
			_, _ = l.mirror.Write(append(data, '\n'))
		}
	}
	if l.logger != nil {
		l.logger.Info("security_event", slog.String("kind", event.Kind), slog.Uint64("seq", event.Seq))
	}
}

func (l *Log) persistBestEffort(snapshot []model.SecurityEvent) {
	if l.store == nil {
		return
	}
	doc := document{Events: snapshot}
	if err := l.store.Save(documentPath, doc); err != nil && l.logger != nil {
		l.logger.Warn("security event persistence failed", slog.String("error", err.Error()))
	}
}

// Recent returns the most recent events, oldest first.
func (l *Log) Recent() []model.SecurityEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events.snapshot()
}
