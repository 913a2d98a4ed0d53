package connect

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingResolveDeliversData(t *testing.T) {
	p := newPendingRequests(time.Second)

	ch := p.register("req-1", 0)
	require.True(t, p.resolve("req-1", json.RawMessage(`{"ok":true}`)))

	out := <-ch
	require.NoError(t, out.err)
	assert.JSONEq(t, `{"ok":true}`, string(out.data))
	assert.Zero(t, p.count())
}

func TestPendingFirstDecisionWins(t *testing.T) {
	p := newPendingRequests(time.Second)

	ch := p.register("req-1", 0)
	require.True(t, p.resolve("req-1", json.RawMessage(`1`)))

	// Every later decision for the same id is a no-op.
	assert.False(t, p.resolve("req-1", json.RawMessage(`2`)))
	assert.False(t, p.reject("req-1", newError(CodeSignFailed, "late")))

	out := <-ch
	require.NoError(t, out.err)
	assert.Equal(t, json.RawMessage(`1`), out.data)
}

func TestPendingUnknownIDIsNoOp(t *testing.T) {
	p := newPendingRequests(time.Second)

	assert.False(t, p.resolve("never-registered", nil))
	assert.False(t, p.reject("never-registered", newError(CodeTimeout, "x")))
	assert.False(t, p.suspendTimeout("never-registered"))
}

func TestPendingTimeoutRejects(t *testing.T) {
	p := newPendingRequests(10 * time.Millisecond)

	ch := p.register("req-1", 0)

	select {
	case out := <-ch:
		require.Error(t, out.err)
		assert.True(t, IsCode(out.err, CodeTimeout))
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
	assert.Zero(t, p.count())
}

func TestPendingResolveAfterTimeoutLoses(t *testing.T) {
	p := newPendingRequests(5 * time.Millisecond)

	ch := p.register("req-1", 0)
	out := <-ch
	require.True(t, IsCode(out.err, CodeTimeout))

	// The entry is gone; a late response finds nothing to settle.
	assert.False(t, p.resolve("req-1", json.RawMessage(`{}`)))
}

func TestPendingSuspendTimeout(t *testing.T) {
	p := newPendingRequests(20 * time.Millisecond)

	ch := p.register("req-1", 0)
	require.True(t, p.suspendTimeout("req-1"))

	select {
	case <-ch:
		t.Fatal("suspended request must not time out")
	case <-time.After(60 * time.Millisecond):
	}

	require.True(t, p.resolve("req-1", json.RawMessage(`"done"`)))
	out := <-ch
	require.NoError(t, out.err)
}

func TestPendingNegativeTimeoutDisablesTimer(t *testing.T) {
	p := newPendingRequests(5 * time.Millisecond)

	ch := p.register("req-1", -1)
	select {
	case <-ch:
		t.Fatal("request with disabled timer must stay pending")
	case <-time.After(30 * time.Millisecond):
	}
	assert.Equal(t, 1, p.count())
}

func TestPendingCancelAll(t *testing.T) {
	p := newPendingRequests(time.Minute)

	chans := []<-chan outcome{
		p.register("a", 0),
		p.register("b", 0),
		p.register("c", 0),
	}
	require.Equal(t, 3, p.count())

	p.cancelAll("channel destroyed")

	for _, ch := range chans {
		out := <-ch
		require.Error(t, out.err)
		assert.True(t, IsCode(out.err, CodeDestroyed))
	}
	assert.Zero(t, p.count())

	// Registering after cancelAll still works; the table is not torn down.
	_ = p.register("d", -1)
	assert.Equal(t, 1, p.count())
}
