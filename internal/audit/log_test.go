package audit_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomops/internal/audit"
	"roomops/internal/domain"
)

func fixedClock() func() time.Time {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return t0.Add(time.Duration(n) * time.Second)
	}
}

func receive(t *testing.T, ch <-chan domain.AuditEntry) domain.AuditEntry {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for entry")
	}
	return domain.AuditEntry{}
}

func TestEvictsOldestBeyondCapacity(t *testing.T) {
	l := audit.New(audit.Options{Capacity: 3, Now: fixedClock()})
	for i := 1; i <= 5; i++ {
		l.LogEvent(fmt.Sprintf("step.%d", i), "c1", "0.1.0", 1, nil)
	}
	assert.Equal(t, 3, l.Len())
	recent := l.GetRecent(10)
	require.Len(t, recent, 3)
	assert.Equal(t, "step.3", recent[0].Action)
	assert.Equal(t, "step.5", recent[2].Action)
	assert.Equal(t, int64(5), recent[2].Seq)
}

func TestGetRecentAndByCorrelation(t *testing.T) {
	l := audit.New(audit.Options{Now: fixedClock()})
	l.LogCommand("reconcile.requested", "a", "0.1.0", 2, domain.JSONMap{"dryRun": false})
	l.LogEvent("reconcile.planning", "a", "0.1.0", 2, nil)
	l.LogEvent("reconcile.planning", "b", "0.1.0", 3, nil)
	l.LogEvent("entity.joined", "a", "0.1.0", 2, domain.JSONMap{"entityId": "bot"})

	recent := l.GetRecent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].CorrelationID)
	assert.Equal(t, "entity.joined", recent[1].Action)

	trail := l.GetByCorrelation("a")
	require.Len(t, trail, 3)
	assert.Equal(t, domain.EntryCommand, trail[0].Type)
	assert.Equal(t, "bot", trail[2].Metadata["entityId"])
	assert.Empty(t, l.GetByCorrelation("missing"))
	assert.True(t, trail[0].Timestamp.Before(trail[1].Timestamp))
}

func TestSubscribeReplaysThenStreams(t *testing.T) {
	l := audit.New(audit.Options{Now: fixedClock()})
	for i := 1; i <= 5; i++ {
		l.LogEvent(fmt.Sprintf("e%d", i), "c", "v", 1, nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := l.Subscribe(ctx, 2)

	assert.Equal(t, "e4", receive(t, ch).Action)
	assert.Equal(t, "e5", receive(t, ch).Action)

	l.LogEvent("live", "c", "v", 1, nil)
	assert.Equal(t, "live", receive(t, ch).Action)
}

func TestSubscribeClosesOnCancel(t *testing.T) {
	l := audit.New(audit.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	ch := l.Subscribe(ctx, 0)
	require.Equal(t, 1, l.Subscribers())
	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, l.Subscribers())
	// writes after unsubscribe must not panic
	l.LogEvent("after", "c", "v", 1, nil)
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	l := audit.New(audit.Options{SubscriberBuffer: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := l.Subscribe(ctx, 0)

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 10; i++ {
			l.LogEvent(fmt.Sprintf("e%d", i), "c", "v", 1, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer blocked on slow subscriber")
	}
	assert.Equal(t, "e9", receive(t, ch).Action)
	assert.Equal(t, "e10", receive(t, ch).Action)
}

func TestConcurrentWriters(t *testing.T) {
	l := audit.New(audit.Options{Capacity: 50})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := l.Subscribe(ctx, 0)
	go func() {
		for range ch {
		}
	}()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				l.LogEvent("x", fmt.Sprintf("w%d", w), "v", 1, nil)
				_ = l.GetRecent(5)
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 50, l.Len())
	recent := l.GetRecent(50)
	for i := 1; i < len(recent); i++ {
		assert.Less(t, recent[i-1].Seq, recent[i].Seq)
	}
}

func TestRunExportsToSinks(t *testing.T) {
	var mu sync.Mutex
	var got []string
	sink := audit.SinkFunc(func(_ context.Context, e domain.AuditEntry) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Action)
		return nil
	})
	failing := audit.SinkFunc(func(context.Context, domain.AuditEntry) error {
		return fmt.Errorf("broker down")
	})
	l := audit.New(audit.Options{Sinks: []audit.Sink{failing, sink}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	l.LogEvent("a", "c", "v", 1, nil)
	l.LogEvent("b", "c", "v", 1, nil)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, []string{"a", "b"}, got)
}
