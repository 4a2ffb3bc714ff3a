package websocket

import (
	"encoding/json"
	"testing"

	"rag-chat-be/internal/constant"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debug(string, string, map[string]interface{}) {}
func (nopLogger) Info(string, string, map[string]interface{})  {}
func (nopLogger) Warn(string, string, map[string]interface{})  {}
func (nopLogger) Error(string, string, map[string]interface{}) {}
func (nopLogger) Sync() error                                  { return nil }

func newTestClient(sessionID uuid.UUID, username string) *Client {
	return NewClient(nil, uuid.New(), username, sessionID)
}

func drain(c *Client) [][]byte {
	var out [][]byte
	for {
		select {
		case msg := <-c.Send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func eventTypes(messages [][]byte) []string {
	var types []string
	for _, raw := range messages {
		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &envelope); err == nil {
			types = append(types, envelope.Type)
		}
	}
	return types
}

func TestJoinLeaveRoundTrip(t *testing.T) {
	r := NewRegistry(nopLogger{})
	session := uuid.New()

	alice := newTestClient(session, "alice")
	bob := newTestClient(session, "bob")

	r.Join(alice)
	r.Join(bob)

	// Alice saw bob join; bob saw nothing (joiner is excluded).
	assert.Equal(t, []string{constant.EventUserJoined}, eventTypes(drain(alice)))
	assert.Empty(t, drain(bob))

	members := r.Members(session)
	require.Len(t, members, 2)

	r.Leave(bob)
	assert.Equal(t, []string{constant.EventUserLeft}, eventTypes(drain(alice)))
	require.Len(t, r.Members(session), 1)

	// Leave is idempotent.
	r.Leave(bob)
	assert.Empty(t, drain(alice))
}

func TestBroadcastExcludesSender(t *testing.T) {
	r := NewRegistry(nopLogger{})
	session := uuid.New()

	clients := make([]*Client, 4)
	for i := range clients {
		clients[i] = newTestClient(session, "user")
		r.Join(clients[i])
		drain(clients[i])
	}
	for _, c := range clients {
		drain(c)
	}

	payload := []byte(`{"type":"user_message"}`)
	r.Broadcast(session, payload, clients[0])

	assert.Empty(t, drain(clients[0]))
	for _, c := range clients[1:] {
		messages := drain(c)
		require.Len(t, messages, 1)
		assert.Equal(t, payload, messages[0])
	}
}

func TestEmptyRoomIsDeleted(t *testing.T) {
	r := NewRegistry(nopLogger{})
	session := uuid.New()

	c := newTestClient(session, "solo")
	r.Join(c)
	assert.Equal(t, 1, r.Stats().ActiveRooms)

	r.Leave(c)
	stats := r.Stats()
	assert.Equal(t, 0, stats.ActiveRooms)
	assert.Equal(t, 0, stats.ActiveConnections)
}

func TestRejoinReplacesPriorConnection(t *testing.T) {
	r := NewRegistry(nopLogger{})
	session := uuid.New()
	userID := uuid.New()

	first := NewClient(nil, userID, "alice", session)
	second := NewClient(nil, userID, "alice", session)

	r.Join(first)
	r.Join(second)

	// The prior connection is closed and replaced, not doubled.
	require.Len(t, r.Members(session), 1)
	_, open := <-first.Send
	assert.False(t, open, "replaced connection should have a closed Send channel")

	assert.False(t, first.Deliver([]byte("x")))
	assert.True(t, second.Deliver([]byte("x")))
}

func TestBroadcastReapsDeadPeer(t *testing.T) {
	r := NewRegistry(nopLogger{})
	session := uuid.New()

	healthy := newTestClient(session, "healthy")
	dead := newTestClient(session, "dead")
	r.Join(healthy)
	r.Join(dead)
	drain(healthy)

	// Fill the dead peer's buffer so the next delivery fails.
	for dead.Deliver([]byte("fill")) {
	}

	r.Broadcast(session, []byte(`{"type":"user_message"}`), nil)

	require.Len(t, r.Members(session), 1)
	assert.Equal(t, "healthy", r.Members(session)[0].Username)
}

func TestSendReachesAllUserConnections(t *testing.T) {
	r := NewRegistry(nopLogger{})
	userID := uuid.New()

	roomA := uuid.New()
	roomB := uuid.New()
	inA := NewClient(nil, userID, "alice", roomA)
	inB := NewClient(nil, userID, "alice", roomB)
	r.Join(inA)
	r.Join(inB)

	payload := []byte(`{"type":"error"}`)
	r.Send(userID, payload)

	require.Len(t, drain(inA), 1)
	require.Len(t, drain(inB), 1)
}
