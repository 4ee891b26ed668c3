package core

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"chatbox/server/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return NewCoordinator(Options{Now: clock.Now}), clock
}

func strPtr(s string) *string { return &s }

func connectAndJoin(t *testing.T, c *Coordinator, connID, username string) []Delivery {
	t.Helper()
	_, err := c.Connect(connID, "127.0.0.1:1234")
	require.NoError(t, err)
	out, err := c.Join(connID, strPtr(username), "")
	require.NoError(t, err)
	return out
}

func findDelivery(t *testing.T, out []Delivery, event string) Delivery {
	t.Helper()
	for _, d := range out {
		if d.Event.Event == event {
			return d
		}
	}
	t.Fatalf("no %s delivery in %#v", event, out)
	return Delivery{}
}

func joinedName(t *testing.T, out []Delivery) string {
	t.Helper()
	return findDelivery(t, out, protocol.EventJoinedSuccess).Event.Data.(protocol.JoinedSuccess).Username
}

func TestConnectGreetsOnlyNewConnection(t *testing.T) {
	c, _ := newTestCoordinator(t)

	out, err := c.Connect("0123456789abcdef", "10.0.0.1:4000")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []string{"0123456789abcdef"}, out[0].Recipients)
	assert.Equal(t, Audience{ConnID: "0123456789abcdef"}, out[0].Audience)

	greet := out[0].Event.Data.(protocol.Connected)
	assert.Equal(t, protocol.EventConnected, out[0].Event.Event)
	assert.Equal(t, "01234567", greet.ClientID)
	assert.Equal(t, "Welcome to Chat-Box!", greet.Message)

	_, err = c.Connect("0123456789abcdef", "10.0.0.1:4000")
	assert.ErrorIs(t, err, ErrInternal)
	assert.Equal(t, uint64(1), c.Stats().TotalConnections)
}

func TestJoinEmptyRoomScenario(t *testing.T) {
	c, _ := newTestCoordinator(t)

	out := connectAndJoin(t, c, "c-alice", "alice")
	require.Len(t, out, 4)

	assert.Equal(t, protocol.EventJoinedSuccess, out[0].Event.Event)
	assert.Equal(t, protocol.JoinedSuccess{Username: "alice", Room: DefaultRoom}, out[0].Event.Data)
	assert.Equal(t, []string{"c-alice"}, out[0].Recipients)

	assert.Equal(t, protocol.EventUserJoined, out[1].Event.Event)
	assert.Equal(t, Audience{Room: DefaultRoom}, out[1].Audience)
	assert.Equal(t, protocol.Presence{Username: "alice", OnlineUsers: []string{"alice"}}, out[1].Event.Data)

	history := out[2].Event.Data.(protocol.ChatHistory)
	assert.Equal(t, protocol.EventChatHistory, out[2].Event.Event)
	require.Len(t, history.Messages, 1)
	assert.Equal(t, protocol.KindSystem, history.Messages[0].Type)
	assert.Equal(t, protocol.SystemUsername, history.Messages[0].Username)
	assert.True(t, strings.HasPrefix(history.Messages[0].Message, "Welcome alice!"))
	assert.Equal(t, 1, history.Messages[0].ID)

	assert.Equal(t, protocol.EventOnlineUsers, out[3].Event.Event)
	assert.Equal(t, protocol.OnlineUsers{Users: []string{"alice"}}, out[3].Event.Data)
	assert.Equal(t, []string{"c-alice"}, out[3].Recipients)
}

func TestJoinCollisionIsSuffixed(t *testing.T) {
	c, _ := newTestCoordinator(t)

	connectAndJoin(t, c, "c-alice", "alice")
	out := connectAndJoin(t, c, "c-bob", "alice")

	assert.Equal(t, "alice_1", joinedName(t, out))
	assert.Equal(t, []string{"alice", "alice_1"}, c.Members(DefaultRoom))

	joined := findDelivery(t, out, protocol.EventUserJoined)
	assert.ElementsMatch(t, []string{"c-alice", "c-bob"}, joined.Recipients)
}

func TestJoinUniquenessAcrossRooms(t *testing.T) {
	c, _ := newTestCoordinator(t)

	seen := map[string]bool{}
	for i := 0; i < 12; i++ {
		connID := fmt.Sprintf("c%d", i)
		_, err := c.Connect(connID, "")
		require.NoError(t, err)
		room := ""
		if i%2 == 1 {
			room = "side"
		}
		out, err := c.Join(connID, strPtr("  sam "), room)
		require.NoError(t, err)
		name := joinedName(t, out)
		assert.False(t, seen[name], "duplicate username %s", name)
		seen[name] = true
	}
	assert.True(t, seen["sam"])
	assert.True(t, seen["sam_11"])
}

func TestJoinValidation(t *testing.T) {
	c, _ := newTestCoordinator(t)
	_, err := c.Connect("c1", "")
	require.NoError(t, err)

	for _, name := range []string{"", "   ", strings.Repeat("x", 21)} {
		out, err := c.Join("c1", strPtr(name), "")
		assert.ErrorIs(t, err, ErrValidation, "username %q", name)
		assert.Equal(t, "Invalid username", PublicMessage(err, ""))
		assert.Nil(t, out)
	}
	_, err = c.Join("c1", strPtr("ok"), strings.Repeat("r", 51))
	assert.ErrorIs(t, err, ErrValidation)

	out, err := c.Join("c1", strPtr(strings.Repeat("é", 20)), "")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("é", 20), joinedName(t, out))

	_, err = c.Join("c1", strPtr("again"), "")
	assert.ErrorIs(t, err, ErrValidation, "connection already joined")
	assert.Equal(t, 1, c.Stats().OnlineUsers)
}

func TestJoinDefaultsToGuest(t *testing.T) {
	c, _ := newTestCoordinator(t)
	_, err := c.Connect("c1", "")
	require.NoError(t, err)

	out, err := c.Join("c1", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "Guest", joinedName(t, out))
}

func TestJoinUnknownConnection(t *testing.T) {
	c, _ := newTestCoordinator(t)
	_, err := c.Join("ghost", strPtr("alice"), "")
	assert.ErrorIs(t, err, ErrInternal)
	assert.Equal(t, "Internal server error", PublicMessage(err, ""))
}

func TestSendBroadcastsToWholeRoom(t *testing.T) {
	c, _ := newTestCoordinator(t)
	connectAndJoin(t, c, "c-alice", "alice")
	connectAndJoin(t, c, "c-bob", "bob")
	connectAndJoin(t, c, "c-carol", "carol")
	_, err := c.Connect("c-dave", "")
	require.NoError(t, err)
	_, err = c.Join("c-dave", strPtr("dave"), "elsewhere")
	require.NoError(t, err)

	out, err := c.Send("c-alice", protocol.SendRequest{Username: "alice", Message: "  hello  "})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, protocol.EventNewMessage, out[0].Event.Event)
	assert.ElementsMatch(t, []string{"c-alice", "c-bob", "c-carol"}, out[0].Recipients)

	msg := out[0].Event.Data.(protocol.ChatMessage)
	assert.Equal(t, "hello", msg.Message)
	assert.Equal(t, protocol.KindText, msg.Type)
	assert.Equal(t, "alice", msg.Username)
	assert.Equal(t, 4, msg.ID, "three welcome notices precede it")
}

func TestSendValidation(t *testing.T) {
	c, _ := newTestCoordinator(t)
	connectAndJoin(t, c, "c-alice", "alice")
	connectAndJoin(t, c, "c-bob", "bob")
	before := c.Stats().TotalMessages

	cases := []struct {
		name   string
		connID string
		req    protocol.SendRequest
		kind   error
		msg    string
	}{
		{"unknown user", "c-alice", protocol.SendRequest{Username: "zoe", Message: "hi"}, ErrNotFound, "User not found"},
		{"impersonation", "c-bob", protocol.SendRequest{Username: "alice", Message: "hi"}, ErrNotFound, "User not found"},
		{"empty text", "c-alice", protocol.SendRequest{Username: "alice", Message: " \n\t "}, ErrValidation, "Message cannot be empty"},
		{"bad type", "c-alice", protocol.SendRequest{Username: "alice", Message: "hi", Type: "audio"}, ErrValidation, "Unsupported message type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := c.Send(tc.connID, tc.req)
			assert.ErrorIs(t, err, tc.kind)
			assert.Equal(t, tc.msg, PublicMessage(err, ""))
			assert.Nil(t, out)
		})
	}
	assert.Equal(t, before, c.Stats().TotalMessages)
}

func TestSendOversizedMediaRejected(t *testing.T) {
	c, _ := newTestCoordinator(t)
	connectAndJoin(t, c, "c-alice", "alice")
	before := c.Stats().TotalMessages

	// 0.75 * len must exceed 5 MiB.
	tooBig := strings.Repeat("A", 5*1024*1024*4/3+4)
	for _, kind := range []string{protocol.KindImage, protocol.KindVideo} {
		out, err := c.Send("c-alice", protocol.SendRequest{Username: "alice", Message: tooBig, Type: kind, FileName: "cat.png"})
		assert.ErrorIs(t, err, ErrValidation)
		assert.Equal(t, "File too large. Max 5MB", PublicMessage(err, ""))
		assert.Nil(t, out)
	}
	assert.Equal(t, before, c.Stats().TotalMessages)

	justFits := strings.Repeat("A", 5*1024*1024*4/3)
	out, err := c.Send("c-alice", protocol.SendRequest{Username: "alice", Message: justFits, Type: protocol.KindImage, FileName: "cat.png"})
	require.NoError(t, err)
	msg := out[0].Event.Data.(protocol.ChatMessage)
	assert.Equal(t, "cat.png", msg.FileName)
	assert.Equal(t, protocol.KindImage, msg.Type)
}

func TestSendRateLimit(t *testing.T) {
	c, clock := newTestCoordinator(t)
	connectAndJoin(t, c, "c-alice", "alice")
	before := c.Stats().TotalMessages

	accepted := 0
	var lastErr error
	for i := 0; i < 7; i++ {
		clock.Advance(50 * time.Millisecond)
		out, err := c.Send("c-alice", protocol.SendRequest{Username: "alice", Message: fmt.Sprintf("m%d", i)})
		if err != nil {
			lastErr = err
			assert.Nil(t, out)
			continue
		}
		accepted++
	}
	assert.Equal(t, 6, accepted)
	assert.ErrorIs(t, lastErr, ErrRateLimited)
	assert.Equal(t, "Sending too fast. Slow down!", PublicMessage(lastErr, ""))

	history, err := c.History(DefaultRoom, 100)
	require.NoError(t, err)
	assert.Len(t, history, before+6)
	assert.Equal(t, "m5", history[len(history)-1].Message)

	clock.Advance(time.Second)
	_, err = c.Send("c-alice", protocol.SendRequest{Username: "alice", Message: "later"})
	assert.NoError(t, err)
}

func TestTypingBroadcastIncludesSender(t *testing.T) {
	c, _ := newTestCoordinator(t)
	connectAndJoin(t, c, "c-alice", "alice")
	connectAndJoin(t, c, "c-bob", "bob")

	out := c.Typing("c-alice", "alice", true)
	require.Len(t, out, 1)
	assert.Equal(t, protocol.EventUserTyping, out[0].Event.Event)
	assert.Equal(t, protocol.UserTyping{Username: "alice", IsTyping: true}, out[0].Event.Data)
	assert.ElementsMatch(t, []string{"c-alice", "c-bob"}, out[0].Recipients)

	assert.Nil(t, c.Typing("c-alice", "nobody", true))
	assert.Nil(t, c.Typing("c-bob", "alice", false))
}

func TestDisconnectScenario(t *testing.T) {
	c, _ := newTestCoordinator(t)
	connectAndJoin(t, c, "c-alice", "alice")
	connectAndJoin(t, c, "c-bob", "bob")
	_, err := c.Send("c-alice", protocol.SendRequest{Username: "alice", Message: "bye"})
	require.NoError(t, err)
	require.Equal(t, 1, c.Stats().RateLimitEntries)

	out := c.Disconnect("c-alice")
	require.Len(t, out, 1)
	assert.Equal(t, protocol.EventUserLeft, out[0].Event.Event)
	assert.Equal(t, protocol.Presence{Username: "alice", OnlineUsers: []string{"bob"}}, out[0].Event.Data)
	assert.Equal(t, []string{"c-bob"}, out[0].Recipients)

	history, err := c.History(DefaultRoom, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, protocol.KindSystem, history[0].Type)
	assert.Equal(t, "alice left the chat 👋", history[0].Message)

	st := c.Stats()
	assert.Equal(t, 1, st.OnlineUsers)
	assert.Zero(t, st.RateLimitEntries)
	assert.Equal(t, 1, st.Connections)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	c, _ := newTestCoordinator(t)
	connectAndJoin(t, c, "c-alice", "alice")
	_, err := c.Connect("c-idle", "")
	require.NoError(t, err)

	require.NotEmpty(t, c.Disconnect("c-alice"))
	before := c.Stats()

	assert.Nil(t, c.Disconnect("c-alice"))
	assert.Nil(t, c.Disconnect("never-seen"))
	assert.Equal(t, before, c.Stats())

	assert.Nil(t, c.Disconnect("c-idle"), "unjoined connection emits nothing")
	assert.Zero(t, c.Stats().Connections)
}

func TestObserverSeesEveryAppend(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var seen []string
	c := NewCoordinator(Options{Now: clock.Now, Observer: func(room string, msg protocol.ChatMessage) {
		mu.Lock()
		seen = append(seen, room+"/"+msg.Type)
		mu.Unlock()
	}})

	connectAndJoin(t, c, "c-alice", "alice")
	_, err := c.Send("c-alice", protocol.SendRequest{Username: "alice", Message: "hi"})
	require.NoError(t, err)
	_, err = c.Send("c-alice", protocol.SendRequest{Username: "alice", Message: ""})
	require.Error(t, err)
	c.Disconnect("c-alice")

	assert.Equal(t, []string{
		DefaultRoom + "/" + protocol.KindSystem,
		DefaultRoom + "/" + protocol.KindText,
		DefaultRoom + "/" + protocol.KindSystem,
	}, seen)
}

func TestHistoryOnJoinIsBounded(t *testing.T) {
	clock := newFakeClock()
	c := NewCoordinator(Options{Now: clock.Now, HistoryOnJoin: 5})
	connectAndJoin(t, c, "c-alice", "alice")
	for i := 0; i < 10; i++ {
		clock.Advance(time.Second)
		_, err := c.Send("c-alice", protocol.SendRequest{Username: "alice", Message: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	out := connectAndJoin(t, c, "c-bob", "bob")
	history := findDelivery(t, out, protocol.EventChatHistory).Event.Data.(protocol.ChatHistory)
	require.Len(t, history.Messages, 5)
	assert.Equal(t, "Welcome bob! Start chatting with everyone! 🎉", history.Messages[4].Message)

	_, err := c.History("missing", 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

// Membership must match the registry after any interleaving of joins,
// sends and disconnects.
func TestConcurrentSessionsKeepMembershipConsistent(t *testing.T) {
	c := NewCoordinator(Options{})

	const workers = 32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			connID := fmt.Sprintf("conn-%d", i)
			if _, err := c.Connect(connID, ""); err != nil {
				t.Errorf("connect %s: %v", connID, err)
				return
			}
			room := []string{"", "side", "third"}[i%3]
			if _, err := c.Join(connID, strPtr("user"), room); err != nil {
				t.Errorf("join %s: %v", connID, err)
				return
			}
			for j := 0; j < 3; j++ {
				c.Typing(connID, "user", j%2 == 0)
			}
			if i%2 == 0 {
				c.Disconnect(connID)
			}
		}(i)
	}
	wg.Wait()

	users := c.Users()
	assert.Len(t, users, workers/2)
	names := map[string]bool{}
	for _, u := range users {
		assert.False(t, names[u.Username])
		names[u.Username] = true
		assert.Contains(t, c.Members(u.Room), u.Username)
	}
	total := 0
	for _, r := range c.Rooms() {
		total += len(r.Members)
		for _, m := range r.Members {
			assert.True(t, names[m], "orphaned member %s in %s", m, r.Name)
		}
	}
	assert.Equal(t, workers/2, total)
}
