package cache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestGetOrCreateCachesInstance(t *testing.T) {
	c := New(nil)

	first, err := c.GetOrCreate("project/alpha", func() (interface{}, error) {
		return &struct{ Name string }{Name: "alpha"}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := c.GetOrCreate("project/alpha", func() (interface{}, error) {
		t.Fatal("factory must not run for a cached key")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first != second {
		t.Errorf("expected the same instance back")
	}
}

func TestGetOrCreateSingleFlight(t *testing.T) {
	c := New(nil)

	var constructions int32
	var wg sync.WaitGroup
	results := make([]interface{}, 50)

	start := make(chan struct{})
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			<-start
			v, err := c.GetOrCreate("project/shared", func() (interface{}, error) {
				atomic.AddInt32(&constructions, 1)
				return &struct{ ID int }{ID: 1}, nil
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			results[idx] = v
		}(i)
	}
	close(start)
	wg.Wait()

	if got := atomic.LoadInt32(&constructions); got != 1 {
		t.Errorf("expected exactly 1 construction, got %d", got)
	}
	for i := 1; i < len(results); i++ {
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different instance", i)
		}
	}
}

func TestFailedFactoryLeavesNoEntry(t *testing.T) {
	c := New(nil)

	calls := 0
	boom := errors.New("fetch failed")

	_, err := c.GetOrCreate("project/flaky", func() (interface{}, error) {
		calls++
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected factory error, got %v", err)
	}

	if _, ok := c.Get("project/flaky"); ok {
		t.Fatalf("failed construction must not be cached")
	}

	v, err := c.GetOrCreate("project/flaky", func() (interface{}, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "ok" || calls != 2 {
		t.Errorf("expected a retried construction, calls=%d v=%v", calls, v)
	}
}

func TestInvalidate(t *testing.T) {
	c := New(nil)

	c.Put("project/gone", "value")
	c.Invalidate("project/gone")

	if _, ok := c.Get("project/gone"); ok {
		t.Errorf("expected entry removed")
	}

	calls := 0
	c.GetOrCreate("project/gone", func() (interface{}, error) {
		calls++
		return "rebuilt", nil
	})
	if calls != 1 {
		t.Errorf("expected reconstruction after invalidation")
	}
}

func TestClear(t *testing.T) {
	c := New(nil)

	for i := 0; i < 5; i++ {
		c.Put(Key("project", fmt.Sprintf("p%d", i)), i)
	}

	c.Clear()

	stats := c.GetStats()
	if stats.Entries != 0 || stats.Hits != 0 || stats.Misses != 0 {
		t.Errorf("expected empty stats after clear, got %+v", stats)
	}
}

func TestStats(t *testing.T) {
	c := New(nil)

	c.GetOrCreate("project/a", func() (interface{}, error) { return 1, nil })
	c.GetOrCreate("project/a", func() (interface{}, error) { return 2, nil })
	c.GetOrCreate("project/b", func() (interface{}, error) { return 3, nil })

	stats := c.GetStats()
	if stats.Hits != 1 {
		t.Errorf("expected 1 hit, got %d", stats.Hits)
	}
	if stats.Misses != 2 {
		t.Errorf("expected 2 misses, got %d", stats.Misses)
	}
	if stats.Entries != 2 {
		t.Errorf("expected 2 entries, got %d", stats.Entries)
	}
}

func TestPutReplaces(t *testing.T) {
	c := New(nil)

	c.Put("project/a", "stale")
	c.Put("project/a", "fresh")

	v, _ := c.Get("project/a")
	if v != "fresh" {
		t.Errorf("expected replacement, got %v", v)
	}
}

func TestKey(t *testing.T) {
	tests := []struct {
		name     string
		typ      string
		parts    []string
		expected string
	}{
		{name: "type only", typ: "platform", expected: "platform"},
		{name: "one part", typ: "project", parts: []string{"my-key"}, expected: "project/my-key"},
		{name: "composite", typ: "qualityprofile", parts: []string{"java", "Sonar way"}, expected: "qualityprofile/java/Sonar way"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Key(tt.typ, tt.parts...); got != tt.expected {
				t.Errorf("Key() = %q, want %q", got, tt.expected)
			}
		})
	}
}

type recordingRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingRecorder) RecordCacheAccess(objectType string, hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("%s:%v", objectType, hit))
}

func TestRecorderReceivesTypedEvents(t *testing.T) {
	rec := &recordingRecorder{}
	c := New(rec)

	c.GetOrCreate("project/a", func() (interface{}, error) { return 1, nil })
	c.GetOrCreate("project/a", func() (interface{}, error) { return 1, nil })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 2 || rec.events[0] != "project:false" || rec.events[1] != "project:true" {
		t.Errorf("unexpected events: %v", rec.events)
	}
}
