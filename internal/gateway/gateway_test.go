package gateway

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/orchestra/internal/llm"
)

func testConfig() Config {
	return Config{
		MinDelay:         time.Millisecond,
		MaxDelay:         20 * time.Millisecond,
		QueueCap:         10,
		FailureThreshold: 3,
		ResetTimeout:     50 * time.Millisecond,
	}
}

func TestGateway_DispatchesRequest(t *testing.T) {
	client := llm.ClientFunc(func(ctx context.Context, req llm.Request) (llm.Response, error) {
		return llm.Response{Text: "ok"}, nil
	})
	g := New(client, testConfig(), nil, nil)

	resp, err := g.Complete(context.Background(), "planner", PriorityNormal, llm.Request{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
}

func TestGateway_SingleFlightCoalescesIdenticalRequests(t *testing.T) {
	var calls int64
	client := llm.ClientFunc(func(ctx context.Context, req llm.Request) (llm.Response, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return llm.Response{Text: "shared"}, nil
	})
	g := New(client, testConfig(), nil, nil)

	req := llm.Request{Model: "m", Messages: []llm.Message{{Role: "user", Content: "hi"}}}

	results := make(chan llm.Response, 2)
	for i := 0; i < 2; i++ {
		go func() {
			resp, err := g.Complete(context.Background(), "planner", PriorityNormal, req)
			require.NoError(t, err)
			results <- resp
		}()
	}

	r1 := <-results
	r2 := <-results
	assert.Equal(t, "shared", r1.Text)
	assert.Equal(t, "shared", r2.Text)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestGateway_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	client := llm.ClientFunc(func(ctx context.Context, req llm.Request) (llm.Response, error) {
		return llm.Response{}, assertErr{}
	})
	g := New(client, testConfig(), nil, nil)

	for i := 0; i < 3; i++ {
		_, _ = g.Complete(context.Background(), "svc", PriorityNormal, llm.Request{Model: "m", MaxTokens: i})
	}
	assert.Equal(t, "open", g.CircuitState("svc"))
}

func TestGateway_HalfOpenAdmitsSingleProbeThenCloses(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	started := make(chan struct{}, 8)
	release := make(chan struct{})
	client := llm.ClientFunc(func(ctx context.Context, req llm.Request) (llm.Response, error) {
		if fail.Load() {
			return llm.Response{}, assertErr{}
		}
		started <- struct{}{}
		<-release
		return llm.Response{Text: "ok"}, nil
	})
	g := New(client, testConfig(), nil, nil)

	for i := 0; i < 3; i++ {
		_, _ = g.Complete(context.Background(), "svc", PriorityNormal, llm.Request{Model: "m", MaxTokens: i})
	}
	require.Equal(t, "open", g.CircuitState("svc"))

	fail.Store(false)
	time.Sleep(60 * time.Millisecond) // past ResetTimeout

	probeDone := make(chan error, 1)
	go func() {
		_, err := g.Complete(context.Background(), "svc", PriorityNormal, llm.Request{Model: "m", MaxTokens: 10})
		probeDone <- err
	}()
	<-started
	require.Equal(t, "half-open", g.CircuitState("svc"))

	// While the probe is in flight, every other caller is rejected.
	_, err := g.Complete(context.Background(), "svc", PriorityNormal, llm.Request{Model: "m", MaxTokens: 11})
	require.Error(t, err)

	close(release)
	require.NoError(t, <-probeDone)
	assert.Equal(t, "closed", g.CircuitState("svc"))
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
