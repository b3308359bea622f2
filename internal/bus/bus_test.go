package bus

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	ferrors "github.com/p-blackswan/agentforge/internal/errors"
	"github.com/p-blackswan/agentforge/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBus(t *testing.T, opts Options) *Bus {
	t.Helper()
	opts.Logger = zerolog.Nop()
	b, err := New(t.TempDir(), opts)
	require.NoError(t, err)
	return b
}

func TestValidParticipant(t *testing.T) {
	valid := []string{"a", "run-1.backend-go", "A_b.C-9", strings.Repeat("x", 128)}
	invalid := []string{"", ".", "..", "a/b", "../etc", "a b", "a\x00b", strings.Repeat("x", 129), "ä"}
	for _, id := range valid {
		assert.True(t, ValidParticipant(id), id)
	}
	for _, id := range invalid {
		assert.False(t, ValidParticipant(id), id)
	}
}

func TestCreateHandoff_ConcurrentIDsUnique(t *testing.T) {
	b := newTestBus(t, Options{})
	const creators = 128

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]bool, creators)
	)
	for i := 0; i < creators; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := b.CreateHandoff("sender", "receiver", []byte(`{"n":1}`))
			assert.NoError(t, err)
			mu.Lock()
			ids[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, creators)
	pending, err := b.Poll("receiver")
	require.NoError(t, err)
	assert.Len(t, pending, creators)
}

func TestConsume_ExactlyOnce(t *testing.T) {
	b := newTestBus(t, Options{})
	id, err := b.CreateHandoff("a", "b", []byte(`"x"`))
	require.NoError(t, err)

	const claimants = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		already   int
	)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Consume(id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case isErr(err, ferrors.ErrAlreadyConsumed):
				already++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, claimants-1, already)
}

func TestConsume_ReturnsPayload(t *testing.T) {
	b := newTestBus(t, Options{})
	id, err := b.CreateHandoff("a", "b", []byte(`{"k":"v"}`))
	require.NoError(t, err)

	h, err := b.Consume(id)
	require.NoError(t, err)
	assert.Equal(t, StatusConsumed, h.Status)
	require.NotNil(t, h.ConsumedAt)
	assert.JSONEq(t, `{"k":"v"}`, string(h.Payload))

	pending, err := b.Poll("b")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCreateHandoff_PayloadTooLarge(t *testing.T) {
	b := newTestBus(t, Options{MaxPayloadBytes: 1 << 20})
	payload, err := json.Marshal(strings.Repeat("x", 2<<20))
	require.NoError(t, err)

	_, err = b.CreateHandoff("a", "b", payload)
	require.Error(t, err)
	assert.ErrorIs(t, err, ferrors.ErrPayloadTooLarge)
	assert.Equal(t, ferrors.KindCommunication, ferrors.KindOf(err))

	_, statErr := os.Stat(filepath.Join(b.Root(), queuesDir, "b"))
	assert.True(t, os.IsNotExist(statErr), "no queue directory or file written")
}

func TestCreateHandoff_InvalidInput(t *testing.T) {
	b := newTestBus(t, Options{})

	_, err := b.CreateHandoff("../x", "b", nil)
	assert.ErrorIs(t, err, ferrors.ErrInvalidParticipant)

	_, err = b.CreateHandoff("a", "..", nil)
	assert.ErrorIs(t, err, ferrors.ErrInvalidParticipant)

	_, err = b.CreateHandoff("a", "b", []byte("{not json"))
	assert.Error(t, err)
}

func TestCreateHandoff_IDCollision(t *testing.T) {
	b := newTestBus(t, Options{})
	b.newID = func() (string, error) { return "fixed-id", nil }

	_, err := b.CreateHandoff("a", "b", nil)
	require.NoError(t, err)
	_, err = b.CreateHandoff("a", "b", nil)
	assert.ErrorIs(t, err, ferrors.ErrIDCollision)
}

func TestConsume_NotFound(t *testing.T) {
	b := newTestBus(t, Options{})
	_, err := b.Consume("0190a4c2-0000-7000-8000-000000000000")
	assert.ErrorIs(t, err, ferrors.ErrHandoffNotFound)

	_, err = b.Consume("../../etc/passwd")
	assert.ErrorIs(t, err, ferrors.ErrHandoffNotFound)
}

func TestHandoff_TTLExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := newTestBus(t, Options{TTL: time.Minute, Clock: clock.Now})

	id, err := b.CreateHandoff("a", "b", nil)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	pending, err := b.Poll("b")
	require.NoError(t, err)
	assert.Empty(t, pending, "expired handoffs are not polled")

	_, err = b.Consume(id)
	assert.ErrorIs(t, err, ferrors.ErrHandoffExpired)
	_, err = b.Consume(id)
	assert.ErrorIs(t, err, ferrors.ErrHandoffExpired, "expiry is recorded")

	h, err := readHandoff(b.handoffPath("b", id))
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, h.Status)
}

func TestSweep(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := newTestBus(t, Options{TTL: time.Minute, Clock: clock.Now})

	_, err := b.CreateHandoff("a", "b", nil)
	require.NoError(t, err)
	_, err = b.CreateHandoff("a", "c", nil)
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	_, err = b.CreateHandoff("a", "c", nil)
	require.NoError(t, err)
	clock.Advance(45 * time.Second)

	n, err := b.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = b.Sweep()
	require.NoError(t, err)
	assert.Zero(t, n)

	pending, err := b.Poll("c")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestPoll_Ordering(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := newTestBus(t, Options{Clock: clock.Now})

	var want []string
	for i := 0; i < 5; i++ {
		id, err := b.CreateHandoff("a", "b", nil)
		require.NoError(t, err)
		want = append(want, id)
		clock.Advance(time.Second)
	}

	pending, err := b.Poll("b")
	require.NoError(t, err)
	var got []string
	for _, h := range pending {
		got = append(got, h.ID)
	}
	assert.Equal(t, want, got)

	none, err := b.Poll("nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAwait(t *testing.T) {
	b := newTestBus(t, Options{})
	_, err := b.CreateHandoff("run.backend-go", "run.testing-go", []byte(`{"hash":"abc"}`))
	require.NoError(t, err)
	_, err = b.CreateHandoff("run.other", "run.testing-go", nil)
	require.NoError(t, err)

	received, missing := b.Await(t.Context(), "run.testing-go", []string{"run.backend-go", "run.docs"}, 100*time.Millisecond)
	require.Len(t, received, 1)
	assert.Equal(t, "run.backend-go", received[0].FromID)
	assert.Equal(t, []string{"run.docs"}, missing)

	pending, err := b.Poll("run.testing-go")
	require.NoError(t, err)
	require.Len(t, pending, 1, "unrelated handoffs are left alone")
	assert.Equal(t, "run.other", pending[0].FromID)
}

func TestAwait_LateSender(t *testing.T) {
	b := newTestBus(t, Options{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(50 * time.Millisecond)
		_, err := b.CreateHandoff("x", "y", nil)
		assert.NoError(t, err)
	}()

	received, missing := b.Await(t.Context(), "y", []string{"x"}, 2*time.Second)
	<-done
	assert.Len(t, received, 1)
	assert.Empty(t, missing)
}

func TestRemoveQueue(t *testing.T) {
	b := newTestBus(t, Options{})
	_, err := b.CreateHandoff("a", "b", nil)
	require.NoError(t, err)
	require.NoError(t, b.RemoveQueue("b"))

	_, statErr := os.Stat(b.queueDir("b"))
	assert.True(t, os.IsNotExist(statErr))
	assert.Error(t, b.RemoveQueue(".."))
}

func TestHandoff_Metrics(t *testing.T) {
	m := metrics.New()
	b := newTestBus(t, Options{Metrics: m, MaxPayloadBytes: 4})
	_, err := b.CreateHandoff("a", "b", []byte(`"too long"`))
	require.Error(t, err)
	_, err = b.CreateHandoff("a", "b", []byte(`1`))
	require.NoError(t, err)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != "forge_handoffs_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, total)
}

func TestNew_RequiresRoot(t *testing.T) {
	_, err := New("", Options{})
	assert.Equal(t, ferrors.KindCommunication, ferrors.KindOf(err))
}

func TestPublish_ContextCancelled(t *testing.T) {
	b := newTestBus(t, Options{})
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	assert.ErrorIs(t, b.Publish(ctx, Event{RunID: "r"}), context.Canceled)
}
