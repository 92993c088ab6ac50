// Package audit keeps the append-only reconciliation audit trail: a bounded
// in-memory ring of entries, live subscriptions with replay, and optional
// export sinks for durable storage.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"roomops/internal/domain"
)

const (
	DefaultCapacity         = 1000
	DefaultSubscriberBuffer = 64
	DefaultReplayCount      = 100
	defaultSinkQueue        = 1024
)

// Sink receives every entry after it has been appended to the ring.
type Sink interface {
	Write(ctx context.Context, entry domain.AuditEntry) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, entry domain.AuditEntry) error

func (f SinkFunc) Write(ctx context.Context, entry domain.AuditEntry) error { return f(ctx, entry) }

type Options struct {
	Capacity         int
	SubscriberBuffer int
	Sinks            []Sink
	Logger           *slog.Logger
	Now              func() time.Time
}

type subscriber struct {
	ch      chan domain.AuditEntry
	dropped int
}

// Log is safe for concurrent writers and readers. Writers never block on
// subscribers or sinks.
type Log struct {
	mu       sync.RWMutex
	ring     []domain.AuditEntry
	head     int // index of the oldest entry
	size     int
	seq      int64
	subs     map[*subscriber]struct{}
	bufSize  int
	sinks    []Sink
	sinkCh   chan domain.AuditEntry
	sinkOnce sync.Once
	logger   *slog.Logger
	now      func() time.Time
}

func New(opts Options) *Log {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	l := &Log{
		ring:    make([]domain.AuditEntry, opts.Capacity),
		subs:    make(map[*subscriber]struct{}),
		bufSize: opts.SubscriberBuffer,
		sinks:   opts.Sinks,
		logger:  opts.Logger.With("component", "audit"),
		now:     opts.Now,
	}
	if len(l.sinks) > 0 {
		l.sinkCh = make(chan domain.AuditEntry, defaultSinkQueue)
	}
	return l
}

func (l *Log) Capacity() int { return len(l.ring) }

func (l *Log) LogEvent(action, correlationID, operatorVersion string, specVersion int, metadata domain.JSONMap) domain.AuditEntry {
	return l.append(domain.EntryEvent, action, correlationID, operatorVersion, specVersion, metadata)
}

func (l *Log) LogCommand(action, correlationID, operatorVersion string, specVersion int, metadata domain.JSONMap) domain.AuditEntry {
	return l.append(domain.EntryCommand, action, correlationID, operatorVersion, specVersion, metadata)
}

func (l *Log) append(typ domain.EntryType, action, correlationID, operatorVersion string, specVersion int, metadata domain.JSONMap) domain.AuditEntry {
	l.mu.Lock()
	l.seq++
	entry := domain.AuditEntry{
		Seq:             l.seq,
		Type:            typ,
		Action:          action,
		CorrelationID:   correlationID,
		Timestamp:       l.now().UTC(),
		OperatorVersion: operatorVersion,
		SpecVersion:     specVersion,
		Metadata:        metadata,
	}
	capacity := len(l.ring)
	if l.size < capacity {
		l.ring[(l.head+l.size)%capacity] = entry
		l.size++
	} else {
		// full: overwrite the oldest slot and advance
		l.ring[l.head] = entry
		l.head = (l.head + 1) % capacity
	}
	for sub := range l.subs {
		deliver(sub, entry)
	}
	l.mu.Unlock()

	if l.sinkCh != nil {
		select {
		case l.sinkCh <- entry:
		default:
			l.logger.Warn("sink queue full; entry not exported", "seq", entry.Seq, "action", entry.Action)
		}
	}
	return entry
}

// deliver never blocks: when the subscriber buffer is full the oldest
// undelivered entry is dropped to make room.
func deliver(sub *subscriber, entry domain.AuditEntry) {
	for i := 0; i < 2; i++ {
		select {
		case sub.ch <- entry:
			return
		default:
		}
		select {
		case <-sub.ch:
			sub.dropped++
		default:
		}
	}
	sub.dropped++
}

// recentLocked returns up to count newest entries, oldest first.
func (l *Log) recentLocked(count int) []domain.AuditEntry {
	if count <= 0 || l.size == 0 {
		return []domain.AuditEntry{}
	}
	if count > l.size {
		count = l.size
	}
	out := make([]domain.AuditEntry, 0, count)
	capacity := len(l.ring)
	for i := l.size - count; i < l.size; i++ {
		out = append(out, l.ring[(l.head+i)%capacity])
	}
	return out
}

// GetRecent returns up to count most recent entries in chronological order.
func (l *Log) GetRecent(count int) []domain.AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.recentLocked(count)
}

func (l *Log) GetByCorrelation(correlationID string) []domain.AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := []domain.AuditEntry{}
	capacity := len(l.ring)
	for i := 0; i < l.size; i++ {
		e := l.ring[(l.head+i)%capacity]
		if e.CorrelationID == correlationID {
			out = append(out, e)
		}
	}
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Subscribe yields up to replayCount recent entries followed by every entry
// logged afterwards. The channel is closed once ctx is done.
func (l *Log) Subscribe(ctx context.Context, replayCount int) <-chan domain.AuditEntry {
	l.mu.Lock()
	replay := l.recentLocked(replayCount)
	sub := &subscriber{ch: make(chan domain.AuditEntry, len(replay)+l.bufSize)}
	for _, e := range replay {
		sub.ch <- e
	}
	l.subs[sub] = struct{}{}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs, sub)
		close(sub.ch)
		l.mu.Unlock()
		if sub.dropped > 0 {
			l.logger.Warn("subscriber dropped entries", "dropped", sub.dropped)
		}
	}()
	return sub.ch
}

func (l *Log) Subscribers() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs)
}

// Run drains the sink queue until ctx is done. It is a no-op without sinks.
func (l *Log) Run(ctx context.Context) {
	if l.sinkCh == nil {
		return
	}
	started := false
	l.sinkOnce.Do(func() { started = true })
	if !started {
		return
	}
	for {
		select {
		case <-ctx.Done():
			l.flush()
			return
		case entry := <-l.sinkCh:
			l.export(ctx, entry)
		}
	}
}

func (l *Log) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case entry := <-l.sinkCh:
			l.export(ctx, entry)
		default:
			return
		}
	}
}

func (l *Log) export(ctx context.Context, entry domain.AuditEntry) {
	for _, s := range l.sinks {
		if err := s.Write(ctx, entry); err != nil {
			l.logger.Error("export audit entry", "seq", entry.Seq, "action", entry.Action, "error", err)
		}
	}
}
