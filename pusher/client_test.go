package pusher

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestConnectEstablishesAndIsIdempotent(t *testing.T) {
	transport := newTestTransport()
	client := newTestClient(transport)
	defer func() { _ = client.Disconnect() }()

	if err := client.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if state := client.State(); state != ConnectionStateConnected {
		t.Fatalf("expected connected state, got %s", state)
	}
	if socketID := client.SocketID(); socketID != transport.socketID {
		t.Fatalf("expected socket id %q, got %q", transport.socketID, socketID)
	}

	if err := client.Connect(); err != nil {
		t.Fatalf("connect while connected should be a no-op, got: %v", err)
	}
	if attempts := transport.connectAttempts(); attempts != 1 {
		t.Fatalf("expected a single transport connect attempt, got %d", attempts)
	}
}

func TestConcurrentConnectSingleAttempt(t *testing.T) {
	transport := newTestTransport()
	transport.connectDelay = 30 * time.Millisecond
	client := newTestClient(transport)
	defer func() { _ = client.Disconnect() }()

	var wg sync.WaitGroup
	errorsCh := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errorsCh <- client.Connect()
		}()
	}
	wg.Wait()
	close(errorsCh)

	for err := range errorsCh {
		if err != nil {
			t.Fatalf("concurrent connect failed: %v", err)
		}
	}
	if attempts := transport.connectAttempts(); attempts != 1 {
		t.Fatalf("expected exactly one transport connect attempt, got %d", attempts)
	}
}

func TestConnectSurfacesTransportError(t *testing.T) {
	transport := newTestTransport()
	transport.connectErr = errors.New("connection refused")
	client := newTestClient(transport)

	err := client.Connect()
	if err == nil {
		t.Fatal("expected connect to fail")
	}
	if !strings.Contains(err.Error(), "ConnectionError") {
		t.Fatalf("expected a connection error, got: %v", err)
	}
	if state := client.State(); state != ConnectionStateDisconnected {
		t.Fatalf("expected disconnected state after failure, got %s", state)
	}
	if attempts := transport.connectAttempts(); attempts != 1 {
		t.Fatalf("expected no internal retry, got %d attempts", attempts)
	}
}

func TestConnectFailsOnHandshakeWithoutSocketID(t *testing.T) {
	transport := newTestTransport()
	transport.autoEstablish = false
	client := newTestClient(transport)

	done := make(chan error, 1)
	go func() { done <- client.Connect() }()
	waitUntil(t, time.Second, transport.ready)

	raw, _ := json.Marshal(map[string]string{
		"event": EventConnectionEstablished,
		"data":  `{"activity_timeout":120}`,
	})
	transport.deliver(raw)

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "ProtocolError") {
			t.Fatalf("expected a protocol error from connect, got: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("connect must not stay blocked after a handshake frame without a socket id")
	}

	if state := client.State(); state != ConnectionStateDisconnected {
		t.Fatalf("expected disconnected state after the failed handshake, got %s", state)
	}
	if err := client.Disconnect(); err != nil {
		t.Fatalf("disconnect after a failed handshake should be a no-op, got: %v", err)
	}
}

func TestSubscribeIsIdempotentBeforeAck(t *testing.T) {
	transport := newTestTransport()
	client := newTestClient(transport)
	defer func() { _ = client.Disconnect() }()

	if err := client.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	first, err := client.Subscribe("orders")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	second, err := client.Subscribe("orders")
	if err != nil {
		t.Fatalf("repeated subscribe failed: %v", err)
	}
	if first != second {
		t.Fatal("repeated subscribe should return the identical channel object")
	}
	if count := transport.countEvent(EventSubscribe); count != 1 {
		t.Fatalf("expected exactly one subscribe frame, got %d", count)
	}
	if first.IsSubscribed() {
		t.Fatal("channel must not be subscribed before the acknowledgement")
	}

	transport.deliver(ackFrame("orders"))
	waitUntil(t, time.Second, first.IsSubscribed)
	if client.registry.isPending("orders") {
		t.Fatal("acknowledgement should clear the pending set")
	}
}

func TestSubscribeDeferredUntilConnected(t *testing.T) {
	transport := newTestTransport()
	client := newTestClient(transport)
	defer func() { _ = client.Disconnect() }()

	ch, err := client.Subscribe("orders")
	if err != nil {
		t.Fatalf("subscribe before connect failed: %v", err)
	}
	if count := transport.countEvent(EventSubscribe); count != 0 {
		t.Fatalf("no frame should be sent before connect, got %d", count)
	}
	if ch.IsSubscribed() {
		t.Fatal("channel must not be subscribed before connect")
	}

	if err := client.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if count := transport.countEvent(EventSubscribe); count != 1 {
		t.Fatalf("expected the deferred subscribe frame after connect, got %d", count)
	}

	transport.deliver(ackFrame("orders"))
	waitUntil(t, time.Second, ch.IsSubscribed)
}

func TestReconnectResubscribesAllChannels(t *testing.T) {
	transport := newTestTransport()
	client := newTestClient(transport)
	client.SetAuthorizer(staticAuthorizer("test-key:signature", ""))
	defer func() { _ = client.Disconnect() }()

	if err := client.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	public, err := client.Subscribe("orders")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	private, err := client.Subscribe("private-jobs")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	transport.deliver(ackFrame("orders"))
	transport.deliver(ackFrame("private-jobs"))
	waitUntil(t, time.Second, func() bool { return public.IsSubscribed() && private.IsSubscribed() })

	transport.dropConnection()
	waitUntil(t, time.Second, func() bool { return client.State() == ConnectionStateDisconnected })
	if public.IsSubscribed() || private.IsSubscribed() {
		t.Fatal("channels must be marked unsubscribed at the moment of disconnect")
	}

	if err := client.Connect(); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if count := transport.countEvent(EventSubscribe); count != 4 {
		t.Fatalf("expected a resubscribe frame for every channel, got %d subscribe frames total", count)
	}
	if public.IsSubscribed() || private.IsSubscribed() {
		t.Fatal("channels must stay unsubscribed until their own acknowledgement arrives")
	}

	transport.deliver(ackFrame("orders"))
	waitUntil(t, time.Second, public.IsSubscribed)
	if private.IsSubscribed() {
		t.Fatal("acknowledging one channel must not mark another subscribed")
	}
	transport.deliver(ackFrame("private-jobs"))
	waitUntil(t, time.Second, private.IsSubscribed)
}

func TestResubscribeSweepDoesNotDoubleSend(t *testing.T) {
	transport := newTestTransport()
	client := newTestClient(transport)
	defer func() { _ = client.Disconnect() }()

	if err := client.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	ch, err := client.Subscribe("orders")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// a sweep overlapping the Subscribe call must not replay the frame the
	// caller already transmitted
	client.resubscribeAll()
	if count := transport.countEvent(EventSubscribe); count != 1 {
		t.Fatalf("expected exactly one subscribe frame for one pending subscription, got %d", count)
	}

	transport.deliver(ackFrame("orders"))
	waitUntil(t, time.Second, ch.IsSubscribed)
}

func TestUnsubscribeWhileDisconnectedIsNoop(t *testing.T) {
	transport := newTestTransport()
	client := newTestClient(transport)

	if err := client.Unsubscribe("orders"); err != nil {
		t.Fatalf("unsubscribe without a connection should be a no-op, got: %v", err)
	}
	if len(transport.sentEvents()) != 0 {
		t.Fatal("no frame should be sent without a connection")
	}
}

func TestUnsubscribeSendsFrameWhileConnected(t *testing.T) {
	transport := newTestTransport()
	client := newTestClient(transport)
	defer func() { _ = client.Disconnect() }()

	if err := client.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	ch, err := client.Subscribe("orders")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	transport.deliver(ackFrame("orders"))
	waitUntil(t, time.Second, ch.IsSubscribed)

	if err := client.Unsubscribe("orders"); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if count := transport.countEvent(EventUnsubscribe); count != 1 {
		t.Fatalf("expected one unsubscribe frame, got %d", count)
	}
	if ch.IsSubscribed() {
		t.Fatal("unsubscribe should mark the channel unsubscribed")
	}
	if client.Channel("orders") == nil {
		t.Fatal("unsubscribe must not remove the channel from the registry")
	}
}

func TestDisconnectMarksChannelsUnsubscribed(t *testing.T) {
	transport := newTestTransport()
	client := newTestClient(transport)

	if err := client.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	ch, err := client.Subscribe("orders")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	transport.deliver(ackFrame("orders"))
	waitUntil(t, time.Second, ch.IsSubscribed)

	if err := client.Disconnect(); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	if ch.IsSubscribed() {
		t.Fatal("disconnect must mark every channel unsubscribed")
	}
	if state := client.State(); state != ConnectionStateDisconnected {
		t.Fatalf("expected disconnected state, got %s", state)
	}
	if err := client.Disconnect(); err != nil {
		t.Fatalf("repeated disconnect should be a no-op, got: %v", err)
	}
}

func TestConnectedCallbackPanicIsolation(t *testing.T) {
	transport := newTestTransport()
	client := newTestClient(transport)
	defer func() { _ = client.Disconnect() }()

	recorder := &errorRecorder{}
	client.SetErrorHandler(recorder.record)
	client.SetConnectedHandler(func() { panic("application bug") })

	var statesLock sync.Mutex
	var states []ConnectionState
	client.SetStateChangeHandler(func(previous ConnectionState, current ConnectionState) {
		statesLock.Lock()
		states = append(states, current)
		statesLock.Unlock()
	})

	if err := client.Connect(); err != nil {
		t.Fatalf("a panicking connected handler must not fail the transition: %v", err)
	}
	if !recorder.contains("CallbackError") || !recorder.contains("connected handler") {
		t.Fatalf("expected a callback error naming the connected handler, got %v", recorder.errors)
	}

	statesLock.Lock()
	sawConnected := false
	for _, state := range states {
		if state == ConnectionStateConnected {
			sawConnected = true
		}
	}
	statesLock.Unlock()
	if !sawConnected {
		t.Fatal("the state change notification must fire despite the panicking connected handler")
	}

	// subsequent operations must be unaffected
	if _, err := client.Subscribe("orders"); err != nil {
		t.Fatalf("subscribe after callback panic failed: %v", err)
	}
	if count := transport.countEvent(EventSubscribe); count != 1 {
		t.Fatalf("expected one subscribe frame, got %d", count)
	}
}

func TestErrorHandlerPanicIsSwallowed(t *testing.T) {
	transport := newTestTransport()
	client := newTestClient(transport)
	defer func() { _ = client.Disconnect() }()

	client.SetErrorHandler(func(err error) { panic("handler bug") })

	if err := client.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	// an undecodable frame reports an error; the panicking handler must not
	// take down the receive path
	transport.deliver([]byte("{"))

	ch, err := client.Subscribe("orders")
	if err != nil {
		t.Fatalf("subscribe after handler panic failed: %v", err)
	}
	transport.deliver(ackFrame("orders"))
	waitUntil(t, time.Second, ch.IsSubscribed)
}

func TestTriggerValidation(t *testing.T) {
	transport := newTestTransport()
	client := newTestClient(transport)
	defer func() { _ = client.Disconnect() }()

	err := client.Trigger("private-jobs", "submit", nil)
	if err == nil || !strings.Contains(err.Error(), "ConfigurationError") {
		t.Fatalf("expected a configuration error for an unprefixed event, got: %v", err)
	}
	err = client.Trigger("orders", "client-submit", nil)
	if err == nil || !strings.Contains(err.Error(), "ConfigurationError") {
		t.Fatalf("expected a configuration error for a public channel, got: %v", err)
	}
	err = client.Trigger("private-jobs", "client-submit", nil)
	if err == nil || !strings.Contains(err.Error(), "DisconnectedError") {
		t.Fatalf("expected a disconnected error before connect, got: %v", err)
	}

	if err := client.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := client.Trigger("private-jobs", "client-submit", map[string]string{"id": "7"}); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}

	event, exists := transport.lastEvent("client-submit")
	if !exists {
		t.Fatal("expected the client event frame to be sent")
	}
	if event.Channel != "private-jobs" {
		t.Fatalf("expected the frame to carry the channel name, got %q", event.Channel)
	}
}

func TestAutoReconnect(t *testing.T) {
	transport := newTestTransport()
	client := newTestClient(transport)
	client.SetReconnectStrategy(NewFixedDelayStrategy(5 * time.Millisecond))
	defer func() { _ = client.Disconnect() }()

	if err := client.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	ch, err := client.Subscribe("orders")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	transport.deliver(ackFrame("orders"))
	waitUntil(t, time.Second, ch.IsSubscribed)

	transport.dropConnection()
	waitUntil(t, time.Second, func() bool { return client.State() == ConnectionStateConnected })
	waitUntil(t, time.Second, func() bool { return transport.countEvent(EventSubscribe) >= 2 })
	if attempts := transport.connectAttempts(); attempts < 2 {
		t.Fatalf("expected an automatic reconnect attempt, got %d attempts", attempts)
	}
}
