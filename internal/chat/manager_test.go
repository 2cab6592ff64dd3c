package chat

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"dashtracer-chat/internal/domain"
)

func TestManager_ConnectSetsQueryAndState(t *testing.T) {
	m, dialer, _ := newTestManager(t, Config{})
	connected, _ := collect(m, EventConnected)

	if err := m.Connect(context.Background(), "A", domain.RoleAdmin); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitEvent(t, connected)

	if got := m.State(); got != domain.StateConnected {
		t.Errorf("State() = %s, want CONNECTED", got)
	}
	u, err := url.Parse(dialer.urls[0])
	if err != nil {
		t.Fatalf("parse dialed url: %v", err)
	}
	if got := u.Query().Get("userId"); got != "A" {
		t.Errorf("userId = %q, want A", got)
	}
	if got := u.Query().Get("role"); got != "admin" {
		t.Errorf("role = %q, want admin", got)
	}
}

func TestManager_ConnectRejectsBadInput(t *testing.T) {
	m, dialer, _ := newTestManager(t, Config{})

	if err := m.Connect(context.Background(), "", domain.RoleAdmin); err == nil {
		t.Error("expected error for empty user id")
	}
	err := m.Connect(context.Background(), "A", domain.Role("superuser"))
	if !errors.Is(err, domain.ErrUnknownRole) {
		t.Errorf("err = %v, want ErrUnknownRole", err)
	}
	if dialer.dials() != 0 {
		t.Errorf("dials = %d, want 0", dialer.dials())
	}
}

func TestManager_ConnectIsIdempotent(t *testing.T) {
	m, dialer, _ := newTestManager(t, Config{})
	connected, _ := collect(m, EventConnected)

	for i := 0; i < 2; i++ {
		if err := m.Connect(context.Background(), "A", domain.RoleAdmin); err != nil {
			t.Fatalf("Connect #%d: %v", i+1, err)
		}
	}

	waitEvent(t, connected)
	select {
	case <-connected:
		t.Error("second connected event emitted")
	case <-time.After(50 * time.Millisecond):
	}
	if dialer.dials() != 1 {
		t.Errorf("dials = %d, want 1", dialer.dials())
	}
}

func TestManager_SendWhileDisconnected(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	_, err := m.Send(domain.Frame{Type: domain.FrameChatMessage, ChannelID: "42", Message: "hi"})
	var nce *NotConnectedError
	if !errors.As(err, &nce) {
		t.Fatalf("err = %v, want *NotConnectedError", err)
	}
	if !errors.Is(err, ErrNotConnected) {
		t.Error("errors.Is(err, ErrNotConnected) = false")
	}
	if got := len(m.MessageHistory("42")); got != 0 {
		t.Errorf("history len = %d, want 0", got)
	}
}

// User A connects, joins "42" and sends "hello".
func TestManager_SendAppendsToHistory(t *testing.T) {
	m, dialer, _ := newTestManager(t, Config{})
	if err := m.Connect(context.Background(), "A", domain.RoleAdmin); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.JoinRoom("42"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	sent, err := m.SendChatMessage(domain.Message{ChannelID: "42", SenderName: "Alice", Body: "hello"}, []string{"B"})
	if err != nil {
		t.Fatalf("SendChatMessage: %v", err)
	}
	if sent.ID == "" || sent.Timestamp.IsZero() {
		t.Errorf("frame not stamped: %+v", sent)
	}

	history := m.MessageHistory("42")
	if len(history) != 1 {
		t.Fatalf("history len = %d, want 1", len(history))
	}
	if history[0].Body != "hello" || history[0].SenderID != "A" {
		t.Errorf("history[0] = %+v, want body hello from A", history[0])
	}
	if !history[0].Read {
		t.Error("own message should be read")
	}

	frames := dialer.last().frames()
	if len(frames) != 2 {
		t.Fatalf("written frames = %d, want 2", len(frames))
	}
	if frames[0].Type != domain.FrameJoinRoom || frames[0].ChannelID != "42" {
		t.Errorf("frames[0] = %+v, want join_room 42", frames[0])
	}
	if frames[1].Role != domain.RoleAdmin || len(frames[1].Recipients) != 1 {
		t.Errorf("frames[1] = %+v, want admin role and one recipient", frames[1])
	}
}

func TestManager_LeaveRoomKeepsHistory(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	if err := m.Connect(context.Background(), "A", domain.RoleAdmin); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := m.SendChatMessage(domain.Message{ChannelID: "42", Body: "hi"}, nil); err != nil {
		t.Fatalf("SendChatMessage: %v", err)
	}
	if err := m.LeaveRoom("42"); err != nil {
		t.Fatalf("LeaveRoom: %v", err)
	}
	if got := len(m.MessageHistory("42")); got != 1 {
		t.Errorf("history len = %d, want 1", got)
	}
	m.ClearMessageHistory("42")
	if got := len(m.MessageHistory("42")); got != 0 {
		t.Errorf("history len after clear = %d, want 0", got)
	}
}

// 105 inbound messages on channel "7" keep the most recent 100.
func TestManager_DispatchHistoryCap(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	for i := 0; i < 105; i++ {
		m.dispatch(chatFrame(fmt.Sprintf("msg-%d", i), "7", "B", fmt.Sprintf("body %d", i)))
	}

	history := m.MessageHistory("7")
	if len(history) != 100 {
		t.Fatalf("len = %d, want 100", len(history))
	}
	if history[0].ID != "msg-5" {
		t.Errorf("first = %s, want msg-5", history[0].ID)
	}
	if history[99].ID != "msg-104" {
		t.Errorf("last = %s, want msg-104", history[99].ID)
	}
}

func TestManager_DispatchRoutesByType(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	typing, _ := collect(m, domain.FrameTypingIndicator)
	online, _ := collect(m, domain.FrameOnlineUsers)

	m.dispatch([]byte(`{"type":"typing_indicator","ticketId":"9","userId":"B","isTyping":true}`))
	m.dispatch([]byte(`{"type":"online_users","channelId":"9","userIds":["A","B"]}`))

	ev := waitEvent(t, typing)
	if ev.Frame.Channel() != "9" || !ev.Frame.Typing() {
		t.Errorf("typing frame = %+v, want channel 9 typing", ev.Frame)
	}
	ev = waitEvent(t, online)
	if len(ev.Frame.UserIDs) != 2 {
		t.Errorf("userIds = %v, want 2 entries", ev.Frame.UserIDs)
	}
	if got := len(m.MessageHistory("9")); got != 0 {
		t.Errorf("history len = %d, want non-chat frames kept out of history", got)
	}
}

func TestManager_DispatchMalformed(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	errs, _ := collect(m, EventError)
	chats, _ := collect(m, domain.FrameChatMessage)

	cases := [][]byte{
		[]byte(`{not json`),
		[]byte(`{"channelId":"1"}`),
		[]byte(`{"type":"chat_message","channelId":"1","userId":"B","role":"wizard","message":"x"}`),
	}
	for _, raw := range cases {
		m.dispatch(raw)
		ev := waitEvent(t, errs)
		var merr *MalformedMessageError
		if !errors.As(ev.Err, &merr) {
			t.Errorf("dispatch(%s): err = %v, want *MalformedMessageError", raw, ev.Err)
		}
	}

	select {
	case ev := <-chats:
		t.Errorf("malformed frame emitted: %+v", ev)
	default:
	}
	if got := len(m.MessageHistory("1")); got != 0 {
		t.Errorf("history len = %d, want 0", got)
	}
}

func TestManager_RemoteErrorFrame(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	errs, _ := collect(m, EventError)

	m.dispatch([]byte(`{"type":"error","error":"room is full"}`))

	ev := waitEvent(t, errs)
	var rerr *RemoteError
	if !errors.As(ev.Err, &rerr) || rerr.Message != "room is full" {
		t.Errorf("err = %v, want RemoteError(room is full)", ev.Err)
	}
}

func TestManager_InboundReachesSubscribers(t *testing.T) {
	m, dialer, _ := newTestManager(t, Config{})
	chats, _ := collect(m, domain.FrameChatMessage)
	if err := m.Connect(context.Background(), "B", domain.RoleCreator); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	dialer.last().inbound <- chatFrame("x1", "42", "A", "hello")

	ev := waitEvent(t, chats)
	if ev.Frame.Message != "hello" || ev.Frame.UserID != "A" {
		t.Errorf("frame = %+v, want hello from A", ev.Frame)
	}
	if got := len(m.MessageHistory("42")); got != 1 {
		t.Errorf("history len = %d, want 1", got)
	}
}

func TestManager_UnsubscribeStopsDelivery(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	calls := 0
	sub := m.On(domain.FrameOnlineUsers, func(Event) { calls++ })

	m.dispatch([]byte(`{"type":"online_users","channelId":"1","userIds":[]}`))
	m.Off(sub)
	sub.Unsubscribe()
	m.dispatch([]byte(`{"type":"online_users","channelId":"1","userIds":[]}`))

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if n := m.events.count(domain.FrameOnlineUsers); n != 0 {
		t.Errorf("registered handlers = %d, want 0", n)
	}
}

func TestManager_HandlerPanicIsContained(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	reached := false
	m.On(domain.FrameOnlineUsers, func(Event) { panic("boom") })
	m.On(domain.FrameOnlineUsers, func(Event) { reached = true })

	m.dispatch([]byte(`{"type":"online_users","channelId":"1"}`))

	if !reached {
		t.Error("second handler not called after first panicked")
	}
}

// Six consecutive abnormal closes with a limit of five schedule exactly
// five reconnects.
func TestManager_ReconnectBound(t *testing.T) {
	m, dialer, clk := newTestManager(t, Config{ReconnectLimit: 5, ReconnectDelay: time.Second})
	disconnected, _ := collect(m, EventDisconnected)

	if err := m.Connect(context.Background(), "A", domain.RoleAdmin); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	dialer.setFail(true)
	dialer.last().drop(CloseAbnormalClosure)
	waitEvent(t, disconnected)

	if got := m.ReconnectAttempts(); got != 1 {
		t.Fatalf("attempts after first close = %d, want 1", got)
	}

	for i := 0; i < 5; i++ {
		clk.Advance(time.Second)
	}

	if got := dialer.dials(); got != 6 {
		t.Errorf("dials = %d, want 6 (initial + 5 reconnects)", got)
	}
	if got := m.ReconnectAttempts(); got != 5 {
		t.Errorf("attempts = %d, want 5", got)
	}
	if got := clk.Pending(); got != 0 {
		t.Errorf("pending timers = %d, want 0 after limit", got)
	}

	clk.Advance(time.Minute)
	if got := dialer.dials(); got != 6 {
		t.Errorf("dials after giving up = %d, want 6", got)
	}
	if got := m.State(); got != domain.StateDisconnected {
		t.Errorf("State() = %s, want DISCONNECTED", got)
	}
}

func TestManager_NegativeLimitDisablesReconnect(t *testing.T) {
	m, dialer, clk := newTestManager(t, Config{ReconnectLimit: -1, ReconnectDelay: time.Second})
	disconnected, _ := collect(m, EventDisconnected)

	if err := m.Connect(context.Background(), "A", domain.RoleAdmin); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	dialer.last().drop(CloseAbnormalClosure)
	waitEvent(t, disconnected)

	clk.Advance(time.Minute)
	if got := dialer.dials(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	if got := clk.Pending(); got != 0 {
		t.Errorf("pending timers = %d, want 0", got)
	}
	if got := m.State(); got != domain.StateDisconnected {
		t.Errorf("State() = %s, want DISCONNECTED", got)
	}
}

func TestManager_ReconnectSucceedsAndResets(t *testing.T) {
	m, dialer, clk := newTestManager(t, Config{ReconnectDelay: time.Second})
	connected, _ := collect(m, EventConnected)
	disconnected, _ := collect(m, EventDisconnected)

	if err := m.Connect(context.Background(), "A", domain.RoleAdmin); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitEvent(t, connected)

	dialer.last().drop(1011)
	waitEvent(t, disconnected)

	clk.Advance(999 * time.Millisecond)
	if got := dialer.dials(); got != 1 {
		t.Fatalf("dials before delay elapsed = %d, want 1", got)
	}
	clk.Advance(time.Millisecond)
	waitEvent(t, connected)

	if got := m.ReconnectAttempts(); got != 0 {
		t.Errorf("attempts after reconnect = %d, want 0", got)
	}
	if got := m.State(); got != domain.StateConnected {
		t.Errorf("State() = %s, want CONNECTED", got)
	}
}

func TestManager_NormalClosureDoesNotReconnect(t *testing.T) {
	m, dialer, clk := newTestManager(t, Config{})
	disconnected, _ := collect(m, EventDisconnected)

	if err := m.Connect(context.Background(), "A", domain.RoleAdmin); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	dialer.last().drop(CloseNormalClosure)
	ev := waitEvent(t, disconnected)

	if ev.Code != CloseNormalClosure {
		t.Errorf("Code = %d, want %d", ev.Code, CloseNormalClosure)
	}
	if clk.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", clk.Pending())
	}
}

// disconnect() followed by send(...) is rejected and leaves history alone.
func TestManager_DisconnectThenSend(t *testing.T) {
	m, dialer, clk := newTestManager(t, Config{})
	disconnected, _ := collect(m, EventDisconnected)

	if err := m.Connect(context.Background(), "A", domain.RoleAdmin); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := m.SendChatMessage(domain.Message{ChannelID: "42", Body: "before"}, nil); err != nil {
		t.Fatalf("SendChatMessage: %v", err)
	}

	m.Disconnect()
	m.Disconnect()

	waitEvent(t, disconnected)
	select {
	case <-disconnected:
		t.Error("second disconnected event emitted")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := m.SendChatMessage(domain.Message{ChannelID: "42", Body: "after"}, nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	if got := len(m.MessageHistory("42")); got != 1 {
		t.Errorf("history len = %d, want 1", got)
	}
	if code := dialer.last().closeCode; code != CloseNormalClosure {
		t.Errorf("close code = %d, want %d", code, CloseNormalClosure)
	}
	if clk.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", clk.Pending())
	}
}

func TestManager_DisconnectCancelsPendingReconnect(t *testing.T) {
	m, dialer, clk := newTestManager(t, Config{ReconnectDelay: time.Second})
	disconnected, _ := collect(m, EventDisconnected)

	if err := m.Connect(context.Background(), "A", domain.RoleAdmin); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	dialer.last().drop(CloseAbnormalClosure)
	waitEvent(t, disconnected)

	m.Disconnect()
	clk.Advance(10 * time.Second)

	if got := dialer.dials(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestManager_ConnectWhileClosingKeepsNewSession(t *testing.T) {
	m, dialer, _ := newTestManager(t, Config{})
	ctx := context.Background()
	if err := m.Connect(ctx, "A", domain.RoleAdmin); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	old := dialer.last()
	old.closeGate = make(chan struct{})

	done := make(chan struct{})
	go func() {
		m.Disconnect()
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for m.State() != domain.StateClosing {
		if time.Now().After(deadline) {
			t.Fatal("Disconnect never reached CLOSING")
		}
		time.Sleep(time.Millisecond)
	}

	if err := m.Connect(ctx, "A", domain.RoleAdmin); err != nil {
		t.Fatalf("Connect while closing: %v", err)
	}
	close(old.closeGate)
	<-done

	if got := m.State(); got != domain.StateConnected {
		t.Fatalf("State() = %s, want CONNECTED", got)
	}
	if dialer.dials() != 2 {
		t.Errorf("dials = %d, want 2", dialer.dials())
	}
	if _, err := m.Send(domain.Frame{Type: domain.FrameJoinRoom, ChannelID: "42"}); err != nil {
		t.Fatalf("Send on new session: %v", err)
	}
	if n := len(dialer.last().frames()); n != 1 {
		t.Errorf("frames on new session = %d, want 1", n)
	}
}

func TestManager_StalledWriteDoesNotBlockState(t *testing.T) {
	m, dialer, _ := newTestManager(t, Config{})
	if err := m.Connect(context.Background(), "A", domain.RoleAdmin); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := dialer.last()
	conn.writing = make(chan struct{}, 1)
	conn.writeGate = make(chan struct{})

	errc := make(chan error, 1)
	go func() {
		_, err := m.SendChatMessage(domain.Message{ChannelID: "42", Body: "stuck"}, nil)
		errc <- err
	}()
	select {
	case <-conn.writing:
	case <-time.After(2 * time.Second):
		t.Fatal("write never started")
	}

	states := make(chan domain.ConnState, 1)
	go func() { states <- m.State() }()
	select {
	case got := <-states:
		if got != domain.StateConnected {
			t.Errorf("State() = %s, want CONNECTED", got)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("State() blocked behind a stalled write")
	}

	m.Disconnect()
	select {
	case err := <-errc:
		var terr *TransportError
		if !errors.As(err, &terr) {
			t.Errorf("Send error = %v, want TransportError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return after Disconnect")
	}
	if h := m.MessageHistory("42"); len(h) != 0 {
		t.Errorf("history = %+v, want empty after failed write", h)
	}
}

func TestManager_DialFailureEmitsError(t *testing.T) {
	m, dialer, _ := newTestManager(t, Config{})
	errs, _ := collect(m, EventError)
	dialer.setFail(true)

	err := m.Connect(context.Background(), "A", domain.RoleAdmin)
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Op != "dial" {
		t.Fatalf("err = %v, want dial TransportError", err)
	}
	ev := waitEvent(t, errs)
	if !errors.As(ev.Err, &terr) {
		t.Errorf("event err = %v, want TransportError", ev.Err)
	}
	if got := m.ReconnectAttempts(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestNewBackOff(t *testing.T) {
	fixed := newBackOff(BackoffFixed, time.Second, time.Minute)
	for i := 0; i < 3; i++ {
		if d := fixed.NextBackOff(); d != time.Second {
			t.Errorf("fixed #%d = %v, want 1s", i, d)
		}
	}

	exp := newBackOff(BackoffExponential, time.Second, time.Minute)
	first := exp.NextBackOff()
	second := exp.NextBackOff()
	if first > 1100*time.Millisecond || first < 900*time.Millisecond {
		t.Errorf("first = %v, want about 1s", first)
	}
	if second <= first {
		t.Errorf("second = %v, want greater than first %v", second, first)
	}
}
