package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaysms/gateway/internal/breaker"
	"github.com/relaysms/gateway/internal/hotstore"
	"github.com/relaysms/gateway/internal/model"
	"github.com/relaysms/gateway/internal/provider"
)

func TestBackoff_DoublesPerAttempt(t *testing.T) {
	assert.Equal(t, 60*time.Second, backoff(0))
	assert.Equal(t, 120*time.Second, backoff(1))
	assert.Equal(t, 240*time.Second, backoff(2))
}

func newTestHotStore(t *testing.T) *hotstore.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	hot, err := hotstore.New(context.Background(), hotstore.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { hot.Close() })
	return hot
}

// fakeProvider records the order recipients were sent in and returns a
// fixed outcome for every call.
type fakeProvider struct {
	mu     sync.Mutex
	calls  []string
	accept bool
	reason string
}

func (f *fakeProvider) Send(ctx context.Context, recipient, body string) (provider.Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, recipient)
	f.mu.Unlock()
	if f.accept {
		return provider.Outcome{Accepted: true}, nil
	}
	return provider.Outcome{Accepted: false, Reason: f.reason}, nil
}

func (f *fakeProvider) Healthcheck(ctx context.Context) error { return nil }

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// handle gating on an open breaker must defer by re-enqueueing the
// submission after a delay rather than recording a terminal failure,
// so it never spends the submission's retry budget on an attempt that
// never reached the provider.
func TestHandle_BreakerOpenDefersRatherThanFailing(t *testing.T) {
	saved := breakerOpenRetryDelay
	breakerOpenRetryDelay = 20 * time.Millisecond
	t.Cleanup(func() { breakerOpenRetryDelay = saved })

	hot := newTestHotStore(t)
	ctx := context.Background()
	brk := breaker.New(hot, "provider", 1, time.Minute)
	require.NoError(t, brk.RecordFailure(ctx))
	open, err := brk.IsOpen(ctx)
	require.NoError(t, err)
	require.True(t, open)

	prov := &fakeProvider{accept: true}
	d := New(hot, nil, prov, brk, zerolog.Nop(), DefaultConfig())

	sub := model.Submission{ID: "sub-1", Priority: model.PriorityNormal, Recipient: "09123456789", Body: "hi"}
	d.handle(ctx, sub)

	assert.Equal(t, 0, prov.callCount(), "breaker-open must never reach the provider")

	select {
	case requeued := <-d.normal:
		assert.Equal(t, "sub-1", requeued.ID)
	case <-time.After(time.Second):
		t.Fatal("submission was not re-enqueued after the breaker-open defer delay elapsed")
	}
}

// The worker's express lane must drain ahead of normal: an express
// submission queued behind normal submissions is still dispatched
// first.
func TestWorker_ExpressDrainsAheadOfNormal(t *testing.T) {
	hot := newTestHotStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	brk := breaker.New(hot, "provider", 1000, time.Minute)
	prov := &fakeProvider{accept: true}
	d := New(hot, nil, prov, brk, zerolog.Nop(), DefaultConfig())

	d.Submit(ctx, model.Submission{ID: "n1", Priority: model.PriorityNormal, Recipient: "09100000001", Body: "a"})
	d.Submit(ctx, model.Submission{ID: "e1", Priority: model.PriorityExpress, Recipient: "09100000002", Body: "b"})
	d.Submit(ctx, model.Submission{ID: "n2", Priority: model.PriorityNormal, Recipient: "09100000003", Body: "c"})

	go d.worker(ctx, "test")

	require.Eventually(t, func() bool {
		return prov.callCount() >= 3
	}, time.Second, time.Millisecond)

	prov.mu.Lock()
	defer prov.mu.Unlock()
	require.Len(t, prov.calls, 3)
	assert.Equal(t, "09100000002", prov.calls[0], "the express submission queued second should still be dispatched first")
}
