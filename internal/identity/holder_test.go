package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveSession(t *testing.T, ch <-chan *Session) *Session {
	t.Helper()
	select {
	case s, ok := <-ch:
		require.True(t, ok, "channel closed")
		return s
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session")
		return nil
	}
}

func TestHolder_SubscribeReceivesCurrentThenChanges(t *testing.T) {
	h := NewHolder()
	ch, unsubscribe := h.Subscribe()
	defer unsubscribe()

	assert.Nil(t, receiveSession(t, ch), "signed out initially")

	h.set(&Session{SubjectID: "u1", Role: RoleAdmin})
	got := receiveSession(t, ch)
	require.NotNil(t, got)
	assert.Equal(t, RoleAdmin, got.Role)
}

func TestHolder_LatestValueWins(t *testing.T) {
	h := NewHolder()
	ch, unsubscribe := h.Subscribe()
	defer unsubscribe()

	h.set(&Session{SubjectID: "u1", Role: RoleAmbassador})
	h.set(&Session{SubjectID: "u2", Role: RoleAdmin})
	h.set(nil)

	assert.Nil(t, receiveSession(t, ch), "stale values overwritten")
	select {
	case s := <-ch:
		t.Fatalf("unexpected extra value %v", s)
	default:
	}
}

func TestHolder_CurrentReturnsCopy(t *testing.T) {
	h := NewHolder()
	h.set(&Session{SubjectID: "u1", Role: RoleAmbassador})

	s := h.Current()
	s.Role = RoleSuperadmin

	assert.Equal(t, RoleAmbassador, h.Current().Role)
}

func TestHolder_UnsubscribeIsIdempotent(t *testing.T) {
	h := NewHolder()
	ch, unsubscribe := h.Subscribe()
	<-ch

	unsubscribe()
	unsubscribe()

	_, ok := <-ch
	assert.False(t, ok)

	h.set(&Session{SubjectID: "u1"})
}

func TestHolder_Close(t *testing.T) {
	h := NewHolder()
	ch, unsubscribe := h.Subscribe()
	<-ch

	h.Close()
	h.Close()
	unsubscribe()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := h.Subscribe()
	_, ok = <-late
	assert.False(t, ok, "subscriptions after close are closed")

	h.set(&Session{SubjectID: "u1"})
	assert.Nil(t, h.Current(), "writes after close are dropped")
}
