package pusher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// testTransport is an in-memory Transport. Inbound frames are delivered with
// deliver; dropConnection simulates the connection failing out from under the
// client.
type testTransport struct {
	lock          sync.Mutex
	connectCalls  int
	connectDelay  time.Duration
	connectErr    error
	socketID      string
	autoEstablish bool
	sent          [][]byte
	inbound       chan []byte
	closed        bool
}

func newTestTransport() *testTransport {
	return &testTransport{
		socketID:      "42.4242",
		autoEstablish: true,
	}
}

func (transport *testTransport) Connect(ctx context.Context) error {
	transport.lock.Lock()
	transport.connectCalls++
	delay := transport.connectDelay
	err := transport.connectErr
	transport.lock.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return err
	}

	transport.lock.Lock()
	transport.inbound = make(chan []byte, 64)
	transport.closed = false
	inbound := transport.inbound
	socketID := transport.socketID
	autoEstablish := transport.autoEstablish
	transport.lock.Unlock()

	if autoEstablish {
		inbound <- establishedFrame(socketID)
	}
	return nil
}

func (transport *testTransport) Send(frame []byte) error {
	transport.lock.Lock()
	defer transport.lock.Unlock()

	if transport.inbound == nil || transport.closed {
		return io.ErrClosedPipe
	}
	transport.sent = append(transport.sent, append([]byte(nil), frame...))
	return nil
}

func (transport *testTransport) Receive() ([]byte, error) {
	transport.lock.Lock()
	inbound := transport.inbound
	transport.lock.Unlock()

	if inbound == nil {
		return nil, io.EOF
	}
	frame, ok := <-inbound
	if !ok {
		return nil, io.EOF
	}
	return frame, nil
}

func (transport *testTransport) Close() error {
	transport.lock.Lock()
	defer transport.lock.Unlock()

	if transport.inbound != nil && !transport.closed {
		close(transport.inbound)
		transport.closed = true
	}
	return nil
}

// ready reports whether the transport has an open inbound stream frames can
// be delivered on.
func (transport *testTransport) ready() bool {
	transport.lock.Lock()
	defer transport.lock.Unlock()
	return transport.inbound != nil && !transport.closed
}

func (transport *testTransport) deliver(frame []byte) {
	transport.lock.Lock()
	inbound := transport.inbound
	closed := transport.closed
	transport.lock.Unlock()

	if inbound != nil && !closed {
		inbound <- frame
	}
}

// dropConnection fails the connection without the client's involvement, as a
// broken socket would.
func (transport *testTransport) dropConnection() {
	_ = transport.Close()
}

func (transport *testTransport) connectAttempts() int {
	transport.lock.Lock()
	defer transport.lock.Unlock()
	return transport.connectCalls
}

func (transport *testTransport) sentEvents() []Event {
	transport.lock.Lock()
	defer transport.lock.Unlock()

	events := make([]Event, 0, len(transport.sent))
	for _, raw := range transport.sent {
		var event Event
		if err := json.Unmarshal(raw, &event); err == nil {
			events = append(events, event)
		}
	}
	return events
}

func (transport *testTransport) countEvent(name string) int {
	count := 0
	for _, event := range transport.sentEvents() {
		if event.Event == name {
			count++
		}
	}
	return count
}

func (transport *testTransport) lastEvent(name string) (Event, bool) {
	var found Event
	exists := false
	for _, event := range transport.sentEvents() {
		if event.Event == name {
			found = event
			exists = true
		}
	}
	return found, exists
}

func establishedFrame(socketID string) []byte {
	data := fmt.Sprintf(`{"socket_id":%q,"activity_timeout":120}`, socketID)
	raw, _ := json.Marshal(map[string]string{
		"event": EventConnectionEstablished,
		"data":  data,
	})
	return raw
}

func ackFrame(channel string) []byte {
	raw, _ := json.Marshal(map[string]string{
		"event":   EventSubscriptionSucceeded,
		"channel": channel,
		"data":    "{}",
	})
	return raw
}

func eventFrame(event string, channel string, data string) []byte {
	raw, _ := json.Marshal(map[string]string{
		"event":   event,
		"channel": channel,
		"data":    data,
	})
	return raw
}

func newTestClient(transport Transport) *Client {
	client := NewClient("test-key", "unit-test")
	client.SetTransportFactory(func(rawURL string) Transport { return transport })
	client.SetErrorHandler(func(err error) {})
	return client
}

// errorRecorder collects reported errors for assertions.
type errorRecorder struct {
	lock   sync.Mutex
	errors []error
}

func (recorder *errorRecorder) record(err error) {
	recorder.lock.Lock()
	recorder.errors = append(recorder.errors, err)
	recorder.lock.Unlock()
}

func (recorder *errorRecorder) contains(fragment string) bool {
	recorder.lock.Lock()
	defer recorder.lock.Unlock()

	for _, err := range recorder.errors {
		if strings.Contains(err.Error(), fragment) {
			return true
		}
	}
	return false
}

func (recorder *errorRecorder) count() int {
	recorder.lock.Lock()
	defer recorder.lock.Unlock()
	return len(recorder.errors)
}

func waitUntil(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func staticAuthorizer(auth string, channelData string) Authorizer {
	return AuthorizerFunc(func(channel string, socketID string) (string, string, error) {
		return auth, channelData, nil
	})
}
