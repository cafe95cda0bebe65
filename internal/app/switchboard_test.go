package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/dkeye/VoiceCall/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFull = errors.New("full")

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return errFull
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) last(t *testing.T) map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.frames)
	var out map[string]any
	require.NoError(t, json.Unmarshal(c.frames[len(c.frames)-1], &out))
	return out
}

func message(t *testing.T, env protocol.Envelope) protocol.Message {
	t.Helper()
	data, err := protocol.Encode(env)
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func bind(reg *Registry, id domain.UserID) (*fakeConn, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	conn := &fakeConn{}
	_, _ = reg.GetOrCreateUser(id)
	reg.Bind(id, conn, cancel)
	return conn, ctx
}

func TestDeliverStampsSender(t *testing.T) {
	reg := NewRegistry()
	sb := NewSwitchboard(reg, nil)
	bob, _ := bind(reg, "bob")

	err := sb.Deliver("alice", message(t, &protocol.Offer{
		Header: protocol.Header{TargetUserID: "bob", From: "mallory"},
		SDP:    "v=0",
	}))
	require.NoError(t, err)
	got := bob.last(t)
	assert.Equal(t, "alice", got["from"])
	assert.Equal(t, "offer", got["type"])
	assert.Equal(t, "v=0", got["sdp"])
}

func TestDeliverToOfflineUser(t *testing.T) {
	sb := NewSwitchboard(NewRegistry(), nil)
	err := sb.Deliver("alice", message(t, &protocol.Offer{Header: protocol.Header{TargetUserID: "bob"}}))
	assert.ErrorIs(t, err, ErrPeerOffline)

	err = sb.Deliver("alice", message(t, &protocol.Offer{}))
	assert.ErrorIs(t, err, ErrNoTarget)
}

func TestSlowConsumerIsKicked(t *testing.T) {
	reg := NewRegistry()
	sb := NewSwitchboard(reg, SimplePolicy{})
	bob, ctx := bind(reg, "bob")
	bob.full = true

	err := sb.Deliver("alice", message(t, &protocol.Answer{Header: protocol.Header{TargetUserID: "bob"}}))
	assert.ErrorIs(t, err, ErrSlowPeer)
	assert.True(t, bob.closed)
	assert.Error(t, ctx.Err())
	_, online := reg.Conn("bob")
	assert.False(t, online)
}

func TestTolerantPolicyDropsSync(t *testing.T) {
	reg := NewRegistry()
	sb := NewSwitchboard(reg, PolicyByName("tolerant"))
	bob, ctx := bind(reg, "bob")
	bob.full = true

	err := sb.Deliver("alice", message(t, &protocol.StateSync{Header: protocol.Header{TargetUserID: "bob"}}))
	assert.ErrorIs(t, err, ErrSlowPeer)
	assert.False(t, bob.closed)
	assert.NoError(t, ctx.Err())

	err = sb.Deliver("alice", message(t, &protocol.ICECandidate{Header: protocol.Header{TargetUserID: "bob"}}))
	assert.ErrorIs(t, err, ErrSlowPeer)
	assert.True(t, bob.closed)
}

func TestSendTo(t *testing.T) {
	reg := NewRegistry()
	sb := NewSwitchboard(reg, nil)
	bob, _ := bind(reg, "bob")

	require.NoError(t, sb.SendTo("bob", &protocol.Pong{}))
	assert.Equal(t, "pong", bob.last(t)["type"])
	assert.ErrorIs(t, sb.SendTo("carol", &protocol.Pong{}), ErrPeerOffline)
}

func TestRegistryRebindReplacesConnection(t *testing.T) {
	reg := NewRegistry()
	first, firstCtx := bind(reg, "bob")
	second, _ := bind(reg, "bob")

	assert.True(t, first.closed)
	assert.Error(t, firstCtx.Err())
	conn, ok := reg.Conn("bob")
	require.True(t, ok)
	assert.Same(t, second, conn)

	assert.False(t, reg.Unbind("bob", first))
	assert.True(t, reg.Unbind("bob", second))
	assert.Empty(t, reg.Online())
}

func TestRegistryUsers(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.GetOrCreateUser("")
	assert.ErrorIs(t, err, domain.ErrUserIDEmpty)

	u, err := reg.GetOrCreateUser("bob")
	require.NoError(t, err)
	assert.Equal(t, defaultUsername, u.Username)

	require.NoError(t, reg.UpdateUsername("bob", "Bob"))
	assert.ErrorIs(t, reg.UpdateUsername("bob", ""), domain.ErrUsernameEmpty)
	u, ok := reg.User("bob")
	require.True(t, ok)
	assert.Equal(t, "Bob", u.Username)

	bind(reg, "carol")
	bind(reg, "bob")
	online := reg.Online()
	require.Len(t, online, 2)
	assert.Equal(t, domain.UserID("bob"), online[0].ID)
	assert.Equal(t, "Bob", online[0].Username)

	assert.True(t, reg.Cancel("carol"))
	assert.False(t, reg.Cancel("dave"))
}
