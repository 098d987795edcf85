package rapidrespond

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

func wsAddr(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func discardLogf(string, ...any) {}

func eventFrame(kind, payload string) string {
	return fmt.Sprintf(`{"type":%q,"data":%s}`, kind, payload)
}

// pushServer accepts connections, writes the given frames, and holds the
// connection open until the client goes away.
func pushServer(t *testing.T, accepts *int32, frames ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accepts != nil {
			atomic.AddInt32(accepts, 1)
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := context.Background()
		for _, f := range frames {
			if err := conn.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
		// Hold open until the peer closes.
		conn.Read(ctx)
		conn.Close(websocket.StatusNormalClosure, "")
	}))
}

// ============================================================================
// Envelope Parsing
// ============================================================================

func TestParseEnvelope(t *testing.T) {
	t.Run("well-formed frame", func(t *testing.T) {
		env, err := parseEnvelope([]byte(`{"type":"new_emergency","data":{"emergency_id":"e-1"}}`))
		if err != nil {
			t.Fatalf("parseEnvelope error: %v", err)
		}
		if env.Kind != EventNewEmergency {
			t.Errorf("expected kind new_emergency, got %s", env.Kind)
		}
		if env.ObservedAt.IsZero() {
			t.Error("expected ObservedAt to be assigned at receipt")
		}
	})

	t.Run("server timestamp wins", func(t *testing.T) {
		env, err := parseEnvelope([]byte(`{"type":"status_change","data":{},"timestamp":"2026-08-30T12:00:00Z"}`))
		if err != nil {
			t.Fatalf("parseEnvelope error: %v", err)
		}
		want := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
		if !env.ObservedAt.Equal(want) {
			t.Errorf("expected ObservedAt=%s, got %s", want, env.ObservedAt)
		}
	})

	t.Run("unparseable timestamp falls back to receipt time", func(t *testing.T) {
		env, err := parseEnvelope([]byte(`{"type":"status_change","data":{},"timestamp":"yesterday"}`))
		if err != nil {
			t.Fatalf("parseEnvelope error: %v", err)
		}
		if time.Since(env.ObservedAt) > time.Minute {
			t.Errorf("expected receipt-time ObservedAt, got %s", env.ObservedAt)
		}
	})

	t.Run("unknown kind is valid data", func(t *testing.T) {
		env, err := parseEnvelope([]byte(`{"type":"totally_new_kind","data":{"x":1}}`))
		if err != nil {
			t.Fatalf("parseEnvelope error: %v", err)
		}
		if env.Kind != "totally_new_kind" {
			t.Errorf("expected unknown kind preserved, got %s", env.Kind)
		}
	})

	t.Run("missing type", func(t *testing.T) {
		if _, err := parseEnvelope([]byte(`{"data":{}}`)); err == nil {
			t.Fatal("expected error for frame without type")
		}
	})

	t.Run("non-JSON", func(t *testing.T) {
		if _, err := parseEnvelope([]byte("not json at all")); err == nil {
			t.Fatal("expected error for non-JSON frame")
		}
	})
}

// ============================================================================
// Delivery
// ============================================================================

func TestChannelDeliveryOrder(t *testing.T) {
	frames := []string{
		eventFrame("new_emergency", `{"emergency_id":"e-1","type":"fire","priority":"HIGH"}`),
		eventFrame("status_change", `{"emergency_id":"e-1","old_status":"ACTIVE","new_status":"RESOLVED"}`),
		eventFrame("custom_extension", `{"x":1}`),
	}
	srv := pushServer(t, nil, frames...)
	defer srv.Close()

	ch := NewChannel(wsAddr(srv), WithChannelLogf(discardLogf))
	defer ch.Disconnect()

	var mu sync.Mutex
	var kinds []EventKind
	done := make(chan struct{})
	ch.OnEvent(func(env EventEnvelope) {
		mu.Lock()
		kinds = append(kinds, env.Kind)
		n := len(kinds)
		mu.Unlock()
		if n == len(frames) {
			close(done)
		}
	})

	ch.Connect(context.Background())
	waitSignal(t, done, "all events")

	mu.Lock()
	defer mu.Unlock()
	want := []EventKind{EventNewEmergency, EventStatusChange, "custom_extension"}
	for i, k := range want {
		if kinds[i] != k {
			t.Errorf("event %d: expected %s, got %s", i, k, kinds[i])
		}
	}

	last, ok := ch.LastEvent()
	if !ok {
		t.Fatal("expected a last event")
	}
	if last.Kind != "custom_extension" {
		t.Errorf("expected last event kind custom_extension, got %s", last.Kind)
	}
}

func TestChannelTypedDispatch(t *testing.T) {
	frames := []string{
		eventFrame("new_emergency", `{"emergency_id":"e-9","type":"medical","priority":"HIGH","location":{"lat":1.5,"lon":2.5}}`),
		eventFrame("service_update", `{"service_type":"ambulance","status":"limited","available_units":2,"average_response_time":12}`),
	}
	srv := pushServer(t, nil, frames...)
	defer srv.Close()

	ch := NewChannel(wsAddr(srv), WithChannelLogf(discardLogf))
	defer ch.Disconnect()

	gotEmergency := make(chan NewEmergencyPayload, 1)
	gotService := make(chan ServiceUpdatePayload, 1)
	ch.OnNewEmergency(func(p NewEmergencyPayload) { gotEmergency <- p })
	ch.OnServiceUpdate(func(p ServiceUpdatePayload) { gotService <- p })

	ch.Connect(context.Background())

	select {
	case p := <-gotEmergency:
		if p.EmergencyID != "e-9" || p.Priority != PriorityHigh {
			t.Errorf("unexpected payload: %+v", p)
		}
		if p.Location == nil || p.Location.Lat != 1.5 {
			t.Errorf("expected location decoded, got %+v", p.Location)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for new_emergency")
	}

	select {
	case p := <-gotService:
		if p.ServiceType != "ambulance" || p.Status != ServiceLimited || p.AvailableUnits != 2 {
			t.Errorf("unexpected payload: %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for service_update")
	}
}

func TestChannelMalformedFrameDoesNotCloseConnection(t *testing.T) {
	frames := []string{
		"not json at all",
		`{"data":{"missing":"type"}}`,
		eventFrame("emergency_update", `{"emergency_id":"e-2","status":"RESOLVED"}`),
	}
	var warnings int32
	srv := pushServer(t, nil, frames...)
	defer srv.Close()

	ch := NewChannel(wsAddr(srv), WithChannelLogf(func(string, ...any) {
		atomic.AddInt32(&warnings, 1)
	}))
	defer ch.Disconnect()

	got := make(chan EventEnvelope, 4)
	ch.OnEvent(func(env EventEnvelope) { got <- env })

	ch.Connect(context.Background())

	select {
	case env := <-got:
		if env.Kind != EventEmergencyUpdate {
			t.Errorf("expected emergency_update after malformed frames, got %s", env.Kind)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the well-formed frame")
	}

	if st := ch.State(); st != StateConnected {
		t.Errorf("expected connection to survive malformed frames, state is %s", st)
	}
	if n := atomic.LoadInt32(&warnings); n < 2 {
		t.Errorf("expected malformed frames to be reported, got %d warnings", n)
	}
	select {
	case env := <-got:
		t.Errorf("unexpected extra event delivered: %s", env.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannelUnsubscribe(t *testing.T) {
	srv := pushServer(t, nil, eventFrame("new_emergency", `{"emergency_id":"e-1"}`))
	defer srv.Close()

	ch := NewChannel(wsAddr(srv), WithChannelLogf(discardLogf))
	defer ch.Disconnect()

	var removed int32
	kept := make(chan struct{}, 1)
	unsub := ch.OnEvent(func(EventEnvelope) { atomic.AddInt32(&removed, 1) })
	ch.OnEvent(func(EventEnvelope) { kept <- struct{}{} })

	unsub()
	unsub() // safe to call again

	ch.Connect(context.Background())
	waitSignal(t, kept, "surviving handler")

	if n := atomic.LoadInt32(&removed); n != 0 {
		t.Errorf("unsubscribed handler fired %d times", n)
	}
}

// ============================================================================
// Connection Lifecycle
// ============================================================================

func TestChannelConnectIdempotent(t *testing.T) {
	var accepts int32
	srv := pushServer(t, &accepts)
	defer srv.Close()

	ch := NewChannel(wsAddr(srv), WithChannelLogf(discardLogf))
	defer ch.Disconnect()

	connected := make(chan struct{}, 4)
	ch.OnConnect(func() { connected <- struct{}{} })

	ctx := context.Background()
	ch.Connect(ctx)
	ch.Connect(ctx) // no-op while connecting
	waitSignal(t, connected, "connect")
	ch.Connect(ctx) // no-op while connected

	time.Sleep(200 * time.Millisecond)
	if n := atomic.LoadInt32(&accepts); n != 1 {
		t.Errorf("expected exactly one underlying connection, got %d", n)
	}
	if st := ch.State(); st != StateConnected {
		t.Errorf("expected connected, got %s", st)
	}
	select {
	case <-connected:
		t.Error("on-connect fired more than once per connection")
	default:
	}
}

func TestChannelDisconnectIdempotent(t *testing.T) {
	var accepts int32
	srv := pushServer(t, &accepts)
	defer srv.Close()

	ch := NewChannel(wsAddr(srv), WithChannelLogf(discardLogf))

	var disconnects int32
	ch.OnDisconnect(func(err error) {
		if err != nil {
			t.Errorf("expected nil error for explicit disconnect, got %v", err)
		}
		atomic.AddInt32(&disconnects, 1)
	})

	// Disconnect before ever connecting is a safe no-op.
	ch.Disconnect()
	ch.Disconnect()
	if st := ch.State(); st != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", st)
	}
	if n := atomic.LoadInt32(&disconnects); n != 0 {
		t.Errorf("on-disconnect fired %d times without a connection", n)
	}

	connected := make(chan struct{}, 1)
	ch.OnConnect(func() { connected <- struct{}{} })
	ch.Connect(context.Background())
	waitSignal(t, connected, "connect")

	ch.Disconnect()
	ch.Disconnect()
	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&disconnects); n != 1 {
		t.Errorf("expected exactly one on-disconnect, got %d", n)
	}
}

func TestChannelSend(t *testing.T) {
	received := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		received <- data
		conn.Read(context.Background())
	}))
	defer srv.Close()

	ch := NewChannel(wsAddr(srv), WithChannelLogf(discardLogf))
	defer ch.Disconnect()

	ctx := context.Background()

	// Send while disconnected is a warned no-op, not a fault.
	if err := ch.Send(ctx, map[string]string{"hello": "world"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	connected := make(chan struct{}, 1)
	ch.OnConnect(func() { connected <- struct{}{} })
	ch.Connect(ctx)
	waitSignal(t, connected, "connect")

	if err := ch.Send(ctx, map[string]string{"action": "ack"}); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	select {
	case data := <-received:
		var msg map[string]string
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("server got unparseable message: %v", err)
		}
		if msg["action"] != "ack" {
			t.Errorf("unexpected message: %v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server to receive message")
	}
}

// ============================================================================
// Reconnection
// ============================================================================

func TestChannelReconnectAfterUnexpectedClose(t *testing.T) {
	var accepts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&accepts, 1)
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if n == 1 {
			// Drop the first connection immediately.
			conn.Close(websocket.StatusGoingAway, "going away")
			return
		}
		conn.Read(context.Background())
	}))
	defer srv.Close()

	ch := NewChannel(wsAddr(srv),
		WithReconnectInterval(50*time.Millisecond),
		WithChannelLogf(discardLogf))
	defer ch.Disconnect()

	connects := make(chan struct{}, 4)
	disconnected := make(chan error, 4)
	ch.OnConnect(func() { connects <- struct{}{} })
	ch.OnDisconnect(func(err error) { disconnected <- err })

	ch.Connect(context.Background())
	waitSignal(t, connects, "first connect")
	select {
	case err := <-disconnected:
		if err == nil {
			t.Error("expected non-nil error for unexpected closure")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for unexpected close")
	}
	waitSignal(t, connects, "automatic reconnect")

	// A successful connection resets the retry counter.
	if n := ch.ReconnectAttempts(); n != 0 {
		t.Errorf("expected retry counter reset to 0, got %d", n)
	}
	if st := ch.State(); st != StateConnected {
		t.Errorf("expected connected, got %s", st)
	}
}

func TestChannelDisconnectCancelsPendingRetry(t *testing.T) {
	var accepts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&accepts, 1)
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusGoingAway, "going away")
	}))
	defer srv.Close()

	ch := NewChannel(wsAddr(srv),
		WithReconnectInterval(150*time.Millisecond),
		WithChannelLogf(discardLogf))

	disconnected := make(chan struct{}, 4)
	ch.OnDisconnect(func(error) { disconnected <- struct{}{} })

	ch.Connect(context.Background())
	waitSignal(t, disconnected, "unexpected close")

	// A reconnection timer is now pending. Disconnect must win.
	ch.Disconnect()

	time.Sleep(600 * time.Millisecond)
	if n := atomic.LoadInt32(&accepts); n != 1 {
		t.Errorf("reconnection fired after Disconnect: %d connections", n)
	}
	if st := ch.State(); st != StateDisconnected {
		t.Errorf("expected disconnected, got %s", st)
	}
}

func TestChannelRetryExhaustion(t *testing.T) {
	// The connection opens once, then every further attempt is refused.
	// With a ceiling of 2 the channel must stop after two failed
	// attempts and go terminal.
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n > 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusGoingAway, "going away")
	}))
	defer srv.Close()

	ch := NewChannel(wsAddr(srv),
		WithMaxReconnectAttempts(2),
		WithReconnectInterval(100*time.Millisecond),
		WithChannelLogf(discardLogf))
	defer ch.Disconnect()

	errs := make(chan error, 8)
	ch.OnError(func(err error) { errs <- err })

	ch.Connect(context.Background())

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if err == nil {
				t.Fatal("expected non-nil connect failure")
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for connect failure %d", i+1)
		}
	}

	// No fourth attempt may be scheduled beyond the ceiling.
	time.Sleep(450 * time.Millisecond)
	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Errorf("expected 3 attempts (1 open + 2 retries), got %d", n)
	}
	if n := ch.ReconnectAttempts(); n != 2 {
		t.Errorf("expected retry counter at ceiling 2, got %d", n)
	}
	if st := ch.State(); st != StateError {
		t.Errorf("expected terminal error state, got %s", st)
	}

	// The failure is terminal only until an external Connect.
	atomic.StoreInt32(&attempts, 0)
	ch.Connect(context.Background())
	time.Sleep(300 * time.Millisecond)
	if n := atomic.LoadInt32(&attempts); n == 0 {
		t.Error("expected a manual Connect to attempt again after exhaustion")
	}
}

func TestChannelManualConnectSupersedesRetryTimer(t *testing.T) {
	var accepts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&accepts, 1)
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if n == 1 {
			conn.Close(websocket.StatusGoingAway, "going away")
			return
		}
		conn.Read(context.Background())
	}))
	defer srv.Close()

	ch := NewChannel(wsAddr(srv),
		WithReconnectInterval(2*time.Second),
		WithChannelLogf(discardLogf))
	defer ch.Disconnect()

	connects := make(chan struct{}, 4)
	disconnected := make(chan struct{}, 4)
	ch.OnConnect(func() { connects <- struct{}{} })
	ch.OnDisconnect(func(error) { disconnected <- struct{}{} })

	ch.Connect(context.Background())
	waitSignal(t, connects, "first connect")
	waitSignal(t, disconnected, "unexpected close")

	// Reconnect manually well before the 2s timer; the timer must not
	// produce a second connection afterwards.
	ch.Connect(context.Background())
	waitSignal(t, connects, "manual reconnect")

	time.Sleep(2500 * time.Millisecond)
	if n := atomic.LoadInt32(&accepts); n != 2 {
		t.Errorf("late retry timer opened an extra connection: %d total", n)
	}
}

func TestChannelZeroRetries(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ch := NewChannel(wsAddr(srv),
		WithMaxReconnectAttempts(0),
		WithReconnectInterval(50*time.Millisecond),
		WithChannelLogf(discardLogf))
	defer ch.Disconnect()

	errs := make(chan error, 2)
	ch.OnError(func(err error) { errs <- err })

	ch.Connect(context.Background())
	select {
	case <-errs:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connect failure")
	}

	time.Sleep(300 * time.Millisecond)
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Errorf("expected no retries with a zero ceiling, got %d attempts", n)
	}
	if st := ch.State(); st != StateError {
		t.Errorf("expected error state, got %s", st)
	}
}
