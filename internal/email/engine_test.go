package email

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/campaign-mailer/internal/audience"
)

type fakeProvider struct {
	mu       sync.Mutex
	calls    map[string]int
	fail     map[string]bool
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{calls: map[string]int{}, fail: map[string]bool{}}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Send(ctx context.Context, msg Message) (string, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(p.delay)

	p.mu.Lock()
	p.calls[msg.To]++
	fail := p.fail[msg.To]
	p.mu.Unlock()
	if fail {
		return "", errors.New("mailbox unavailable")
	}
	return "msg-" + msg.To, nil
}

func recipients(n int) []audience.Recipient {
	out := make([]audience.Recipient, n)
	for i := range out {
		out[i] = audience.Recipient{ID: int64(i + 1), Email: fmt.Sprintf("user%d@example.com", i+1)}
	}
	return out
}

func plainFactory(r audience.Recipient) (Message, error) {
	return NewSkeleton("news@example.com", "Hi", 1).Message(r.ID, r.Email, Body{HTML: "<p>hi</p>", Text: "hi"}), nil
}

func TestDispatchSendsOncePerRecipient(t *testing.T) {
	p := newFakeProvider()
	e := &Engine{Provider: p, Workers: 4, BatchCap: 200, Logger: zerolog.Nop()}

	outcomes := e.Dispatch(context.Background(), recipients(25), plainFactory)

	require.Len(t, outcomes, 25)
	assert.Len(t, p.calls, 25)
	for addr, n := range p.calls {
		assert.Equal(t, 1, n, addr)
	}
	for i, out := range outcomes {
		assert.Equal(t, int64(i+1), out.RecipientID)
		assert.Equal(t, "msg-"+out.Address, out.MessageID)
		assert.NoError(t, out.Err)
	}
}

func TestDispatchHonoursBatchCap(t *testing.T) {
	p := newFakeProvider()
	e := &Engine{Provider: p, Workers: 3, BatchCap: 5, Logger: zerolog.Nop()}

	outcomes := e.Dispatch(context.Background(), recipients(12), plainFactory)

	require.Len(t, outcomes, 5)
	assert.Len(t, p.calls, 5)
	assert.Equal(t, int64(5), outcomes[4].RecipientID)
	assert.NotContains(t, p.calls, "user6@example.com")
}

func TestDispatchBoundsConcurrency(t *testing.T) {
	p := newFakeProvider()
	p.delay = 5 * time.Millisecond
	e := &Engine{Provider: p, Workers: 2, Logger: zerolog.Nop()}

	e.Dispatch(context.Background(), recipients(10), plainFactory)

	assert.LessOrEqual(t, p.peak.Load(), int32(2))
}

func TestDispatchIsolatesFailures(t *testing.T) {
	p := newFakeProvider()
	p.fail["user2@example.com"] = true
	e := &Engine{Provider: p, Workers: 2, Logger: zerolog.Nop()}

	outcomes := e.Dispatch(context.Background(), recipients(4), plainFactory)

	require.Len(t, outcomes.Failed(), 1)
	assert.Len(t, outcomes.Succeeded(), 3)

	var derr *DispatchError
	require.ErrorAs(t, outcomes.Failed()[0].Err, &derr)
	assert.Equal(t, int64(2), derr.RecipientID)
	assert.Equal(t, "send", derr.Stage)
}

func TestDispatchConvertsPanicsAndRenderErrors(t *testing.T) {
	p := newFakeProvider()
	e := &Engine{Provider: p, Workers: 2, Logger: zerolog.Nop()}

	factory := func(r audience.Recipient) (Message, error) {
		switch r.ID {
		case 1:
			panic("template exploded")
		case 2:
			return Message{}, errors.New("bad variable")
		}
		return plainFactory(r)
	}

	outcomes := e.Dispatch(context.Background(), recipients(3), factory)

	require.Len(t, outcomes, 3)
	assert.ErrorContains(t, outcomes[0].Err, "panic: template exploded")
	assert.ErrorContains(t, outcomes[1].Err, "bad variable")
	assert.NoError(t, outcomes[2].Err)
	assert.Len(t, p.calls, 1, "failed renders never reach the provider")
}

func TestDispatchCompletesAfterCancel(t *testing.T) {
	p := newFakeProvider()
	e := &Engine{Provider: p, Workers: 1, Logger: zerolog.Nop()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcomes := e.Dispatch(ctx, recipients(3), plainFactory)

	assert.Len(t, outcomes.Succeeded(), 3)
}

func TestDispatchEmptyAudience(t *testing.T) {
	e := &Engine{Provider: newFakeProvider(), Logger: zerolog.Nop()}
	assert.Empty(t, e.Dispatch(context.Background(), nil, plainFactory))
}
