package pusher

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the message-oriented socket the client runs over. Connect
// must be called before Send or Receive; Receive blocks until a frame
// arrives or the connection fails. Close makes a pending Receive return.
type Transport interface {
	Connect(ctx context.Context) error
	Send(frame []byte) error
	Receive() ([]byte, error)
	Close() error
}

// TransportFactory builds a Transport for one connection attempt.
type TransportFactory func(rawURL string) Transport

type websocketTransport struct {
	url    string
	dialer *websocket.Dialer

	lock sync.Mutex
	conn *websocket.Conn
}

func newWebsocketTransport(rawURL string) Transport {
	return &websocketTransport{
		url:    rawURL,
		dialer: websocket.DefaultDialer,
	}
}

func (transport *websocketTransport) Connect(ctx context.Context) error {
	conn, response, err := transport.dialer.DialContext(ctx, transport.url, nil)
	if err != nil {
		if response != nil && response.Body != nil {
			_ = response.Body.Close()
		}
		return err
	}

	transport.lock.Lock()
	transport.conn = conn
	transport.lock.Unlock()
	return nil
}

func (transport *websocketTransport) Send(frame []byte) error {
	transport.lock.Lock()
	defer transport.lock.Unlock()

	if transport.conn == nil {
		return NewError(DisconnectedError, "transport is not connected")
	}
	return transport.conn.WriteMessage(websocket.TextMessage, frame)
}

func (transport *websocketTransport) Receive() ([]byte, error) {
	transport.lock.Lock()
	conn := transport.conn
	transport.lock.Unlock()

	if conn == nil {
		return nil, NewError(DisconnectedError, "transport is not connected")
	}

	// Control frames are handled by gorilla; only data frames surface here.
	_, data, err := conn.ReadMessage()
	return data, err
}

func (transport *websocketTransport) Close() error {
	transport.lock.Lock()
	conn := transport.conn
	transport.conn = nil
	transport.lock.Unlock()

	if conn == nil {
		return nil
	}

	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}
