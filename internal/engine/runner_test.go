package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/okorach/sonar-tools-sub002/pkg/client"
	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

type testLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *testLogger) log(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, level+": "+msg)
}

func (l *testLogger) Debug(msg string, fields ...interface{}) { l.log("debug", msg) }
func (l *testLogger) Info(msg string, fields ...interface{})  { l.log("info", msg) }
func (l *testLogger) Warn(msg string, fields ...interface{})  { l.log("warn", msg) }
func (l *testLogger) Error(msg string, fields ...interface{}) { l.log("error", msg) }

func (l *testLogger) count(substr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range l.messages {
		if strings.Contains(m, substr) {
			n++
		}
	}
	return n
}

func testRunner(threads int, timeout time.Duration) (*Runner, *testLogger) {
	logger := &testLogger{}
	r := NewRunner(&config.EngineSettings{Threads: threads, TaskTimeout: timeout}, logger, nil)
	return r, logger
}

func TestRunAllReportsEveryTask(t *testing.T) {
	r, _ := testRunner(4, time.Second)

	const n = 20
	tasks := make([]Task, n)
	for i := 0; i < n; i++ {
		i := i
		tasks[i] = Task{
			Key: fmt.Sprintf("task-%02d", i),
			Op: func(ctx context.Context) (interface{}, error) {
				if i == 7 {
					return nil, errors.New("deliberate failure")
				}
				return i, nil
			},
		}
	}

	results, summary := r.RunAll(context.Background(), "test", tasks)

	if len(results) != n {
		t.Fatalf("expected %d results, got %d", n, len(results))
	}
	if summary.Total != n || summary.Succeeded != n-1 || summary.Failed() != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}

	seen := make(map[string]int)
	for _, res := range results {
		seen[res.Key]++
	}
	for key, count := range seen {
		if count != 1 {
			t.Errorf("key %s reported %d times", key, count)
		}
	}
	if len(seen) != n {
		t.Errorf("expected %d distinct keys, got %d", n, len(seen))
	}
}

func TestRunAllSortsResultsByKey(t *testing.T) {
	r, _ := testRunner(8, time.Second)

	tasks := make([]Task, 30)
	for i := range tasks {
		i := i
		tasks[i] = Task{
			Key: fmt.Sprintf("task-%02d", i),
			Op: func(ctx context.Context) (interface{}, error) {
				time.Sleep(time.Duration(30-i) * time.Millisecond / 10)
				return nil, nil
			},
		}
	}

	results, _ := r.RunAll(context.Background(), "test", tasks)

	for i := 1; i < len(results); i++ {
		if results[i-1].Key > results[i].Key {
			t.Fatalf("results not sorted: %s before %s", results[i-1].Key, results[i].Key)
		}
	}
}

func TestRunStreamsInCompletionOrder(t *testing.T) {
	r, _ := testRunner(2, time.Second)

	release := make(chan struct{})
	tasks := []Task{
		{Key: "slow", Op: func(ctx context.Context) (interface{}, error) {
			<-release
			return "slow", nil
		}},
		{Key: "fast", Op: func(ctx context.Context) (interface{}, error) {
			return "fast", nil
		}},
	}

	ch := r.Run(context.Background(), "test", tasks)

	first := <-ch
	if first.Key != "fast" {
		t.Errorf("expected fast task to complete first, got %s", first.Key)
	}
	close(release)

	second := <-ch
	if second.Key != "slow" {
		t.Errorf("expected slow task second, got %s", second.Key)
	}

	if _, open := <-ch; open {
		t.Errorf("expected channel closed after all results")
	}
}

func TestTimeoutClassification(t *testing.T) {
	r, _ := testRunner(1, 20*time.Millisecond)

	tasks := []Task{{
		Key: "hang",
		Op: func(ctx context.Context) (interface{}, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return nil, nil
			}
		},
	}}

	results, summary := r.RunAll(context.Background(), "test", tasks)

	if results[0].Outcome.Kind != OutcomeTimeout {
		t.Errorf("expected timeout outcome, got %s", results[0].Outcome.Kind)
	}
	if summary.Timeouts != 1 {
		t.Errorf("expected 1 timeout in summary, got %d", summary.Timeouts)
	}
}

func TestTimeoutReleasesWorkerSlot(t *testing.T) {
	r, _ := testRunner(1, 10*time.Millisecond)

	blocked := make(chan struct{})
	tasks := []Task{
		{Key: "ignores-context", Op: func(ctx context.Context) (interface{}, error) {
			<-blocked
			return nil, nil
		}},
		{Key: "next", Op: func(ctx context.Context) (interface{}, error) {
			return "ran", nil
		}},
	}

	done := make(chan struct{})
	var results []Result
	go func() {
		results, _ = r.RunAll(context.Background(), "test", tasks)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner stuck behind a task that ignores its context")
	}
	close(blocked)

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Outcome.Kind != OutcomeTimeout {
		t.Errorf("expected blocked task to time out, got %s", results[0].Outcome.Kind)
	}
	if results[1].Outcome.Kind != OutcomeSuccess {
		t.Errorf("expected next task to run, got %s", results[1].Outcome.Kind)
	}
}

func TestPanicClassification(t *testing.T) {
	r, logger := testRunner(2, time.Second)

	tasks := []Task{
		{Key: "panics", Op: func(ctx context.Context) (interface{}, error) {
			panic("boom")
		}},
		{Key: "fine", Op: func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}},
	}

	results, summary := r.RunAll(context.Background(), "test", tasks)

	if len(results) != 2 {
		t.Fatalf("expected the batch to survive a panic, got %d results", len(results))
	}
	var panicked Result
	for _, res := range results {
		if res.Key == "panics" {
			panicked = res
		}
	}
	if panicked.Outcome.Kind != OutcomeUnexpectedError {
		t.Errorf("expected unexpected_error, got %s", panicked.Outcome.Kind)
	}
	if summary.UnexpectedErrors != 1 || summary.Succeeded != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if logger.count("task panicked") != 1 {
		t.Errorf("expected panic logged once")
	}
}

func TestErrorKindClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected OutcomeKind
	}{
		{name: "nil", err: nil, expected: OutcomeSuccess},
		{name: "deadline", err: context.DeadlineExceeded, expected: OutcomeTimeout},
		{
			name:     "api timeout",
			err:      &client.APIError{Kind: client.KindTimeout, Message: "deadline"},
			expected: OutcomeTimeout,
		},
		{
			name:     "transport",
			err:      &client.APIError{Kind: client.KindTransport, Message: "connection refused"},
			expected: OutcomeTransportError,
		},
		{
			name:     "rate limited",
			err:      &client.APIError{Kind: client.KindRateLimited, Message: "429"},
			expected: OutcomeTransportError,
		},
		{
			name:     "not found",
			err:      &client.APIError{Kind: client.KindNotFound, Message: "gone"},
			expected: OutcomeDomainError,
		},
		{
			name:     "unauthorized",
			err:      &client.APIError{Kind: client.KindUnauthorized, Message: "bad token"},
			expected: OutcomeDomainError,
		},
		{name: "plain error", err: errors.New("validation"), expected: OutcomeDomainError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); got.Kind != tt.expected {
				t.Errorf("classify(%v) = %s, want %s", tt.err, got.Kind, tt.expected)
			}
		})
	}
}

func TestUnauthorizedFlagsSummary(t *testing.T) {
	r, _ := testRunner(2, time.Second)

	tasks := []Task{{
		Key: "auth",
		Op: func(ctx context.Context) (interface{}, error) {
			return nil, &client.APIError{Kind: client.KindUnauthorized, StatusCode: 401, Message: "bad token"}
		},
	}}

	_, summary := r.RunAll(context.Background(), "test", tasks)

	if !summary.Unauthorized {
		t.Errorf("expected summary to flag authentication failure")
	}
}

func TestProgressCadence(t *testing.T) {
	r, logger := testRunner(4, time.Second)

	tasks := make([]Task, 25)
	for i := range tasks {
		tasks[i] = Task{
			Key: fmt.Sprintf("task-%02d", i),
			Op:  func(ctx context.Context) (interface{}, error) { return nil, nil },
		}
	}

	r.RunAll(context.Background(), "test", tasks)

	// 25 items, interval max(10, 2) = 10: logs at 10, 20 and 25.
	if got := logger.count("progress"); got != 3 {
		t.Errorf("expected 3 progress lines, got %d", got)
	}
}

func TestCancelledContextStopsFeeding(t *testing.T) {
	r, _ := testRunner(1, time.Second)

	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	tasks := []Task{
		{Key: "first", Op: func(taskCtx context.Context) (interface{}, error) {
			close(started)
			time.Sleep(50 * time.Millisecond)
			return nil, nil
		}},
		{Key: "second", Op: func(taskCtx context.Context) (interface{}, error) {
			return nil, nil
		}},
		{Key: "third", Op: func(taskCtx context.Context) (interface{}, error) {
			return nil, nil
		}},
	}

	go func() {
		<-started
		cancel()
	}()

	results, _ := r.RunAll(ctx, "test", tasks)

	if len(results) >= 3 {
		t.Errorf("expected cancellation to stop feeding tasks, got %d results", len(results))
	}
	if len(results) == 0 {
		t.Errorf("expected the in-flight task to still resolve")
	}
}

func BenchmarkRunnerThroughput(b *testing.B) {
	r := NewRunner(&config.EngineSettings{Threads: 8, TaskTimeout: time.Second}, &testLogger{}, nil)

	tasks := make([]Task, 100)
	for i := range tasks {
		tasks[i] = Task{
			Key: fmt.Sprintf("task-%d", i),
			Op:  func(ctx context.Context) (interface{}, error) { return nil, nil },
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for range r.Run(context.Background(), "bench", tasks) {
		}
	}
}
