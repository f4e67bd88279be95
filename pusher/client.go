package pusher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ClientVersion is reported to the service in the connection URL.
const ClientVersion = "0.1.0"

const (
	defaultHost       = "ws.pusherapp.com"
	defaultClientName = "pusher-go"
)

// Client manages a single logical connection to the service and the registry
// of subscribed channels.
type Client struct {
	appKey     string
	clientName string
	host       string
	encrypted  bool

	// lock serializes connect and disconnect so concurrent callers collapse
	// into a single attempt. Subscribe paths never take it.
	lock sync.Mutex

	stateLock   sync.Mutex
	state       ConnectionState
	socketID    string
	transport   Transport
	established chan error

	registry         *channelRegistry
	authorizer       Authorizer
	transportFactory TransportFactory

	connectedHandler    func()
	disconnectedHandler func()
	stateChangeHandler  func(previous ConnectionState, current ConnectionState)
	errorHandler        func(err error)
	log                 *logrus.Logger

	reconnectStrategy ReconnectStrategy
	reconnecting      atomic.Bool
	manualDisconnect  atomic.Bool
}

// NewClient returns a new Client for the application key.
func NewClient(appKey string, clientName ...string) *Client {
	name := defaultClientName
	if len(clientName) > 0 && clientName[0] != "" {
		name = clientName[0]
	}

	return &Client{
		appKey:           appKey,
		clientName:       name,
		host:             defaultHost,
		encrypted:        true,
		registry:         newChannelRegistry(),
		transportFactory: newWebsocketTransport,
	}
}

// SetHost sets the service host, overriding the default cluster endpoint.
func (client *Client) SetHost(host string) *Client {
	client.host = host
	return client
}

// SetEncrypted selects wss (true) or ws (false) for the connection URL.
func (client *Client) SetEncrypted(encrypted bool) *Client {
	client.encrypted = encrypted
	return client
}

// SetClientName sets the client name reported in the connection URL.
func (client *Client) SetClientName(clientName string) *Client {
	client.clientName = clientName
	return client
}

// SetAuthorizer sets the authorizer used for private and presence channels.
func (client *Client) SetAuthorizer(authorizer Authorizer) *Client {
	client.authorizer = authorizer
	return client
}

// SetErrorHandler sets the handler that receives reported errors.
func (client *Client) SetErrorHandler(errorHandler func(err error)) *Client {
	client.errorHandler = errorHandler
	return client
}

// SetConnectedHandler sets the handler invoked on transition to connected.
func (client *Client) SetConnectedHandler(handler func()) *Client {
	client.connectedHandler = handler
	return client
}

// SetDisconnectedHandler sets the handler invoked on transition to disconnected.
func (client *Client) SetDisconnectedHandler(handler func()) *Client {
	client.disconnectedHandler = handler
	return client
}

// SetStateChangeHandler sets the handler invoked on every state transition.
func (client *Client) SetStateChangeHandler(handler func(previous ConnectionState, current ConnectionState)) *Client {
	client.stateChangeHandler = handler
	return client
}

// SetLogger sets an optional logger for connection diagnostics.
func (client *Client) SetLogger(log *logrus.Logger) *Client {
	client.log = log
	return client
}

// SetTransportFactory overrides how the underlying transport is built.
func (client *Client) SetTransportFactory(factory TransportFactory) *Client {
	client.transportFactory = factory
	return client
}

// SetReconnectStrategy enables automatic reconnection after an unexpected
// disconnect. The default is nil: no automatic reconnect.
func (client *Client) SetReconnectStrategy(strategy ReconnectStrategy) *Client {
	client.reconnectStrategy = strategy
	return client
}

// State returns the current connection state.
func (client *Client) State() ConnectionState {
	client.stateLock.Lock()
	defer client.stateLock.Unlock()
	return client.state
}

// SocketID returns the identifier assigned by the service for the current
// connection, empty when not connected.
func (client *Client) SocketID() string {
	client.stateLock.Lock()
	defer client.stateLock.Unlock()
	return client.socketID
}

// Channel returns the channel entity for the name, nil when never subscribed.
func (client *Client) Channel(name string) Channel {
	return client.registry.get(name)
}

// Channels returns every known channel in name order.
func (client *Client) Channels() []Channel {
	return client.registry.all()
}

// Connect establishes the connection and blocks until the service assigns a
// socket id or the transport fails. Connecting while connected is a no-op;
// concurrent callers collapse into a single attempt. On success every channel
// already in the registry has a subscribe frame replayed.
func (client *Client) Connect() error {
	if client.State() == ConnectionStateConnected {
		return nil
	}

	client.lock.Lock()
	defer client.lock.Unlock()

	// Another caller may have finished connecting while we waited.
	if client.State() == ConnectionStateConnected {
		return nil
	}

	client.manualDisconnect.Store(false)
	client.setState(ConnectionStateConnecting)

	rawURL := connectionURL(client.host, client.appKey, client.clientName, client.encrypted)
	factory := client.transportFactory
	if factory == nil {
		factory = newWebsocketTransport
	}
	transport := factory(rawURL)

	established := make(chan error, 1)
	client.stateLock.Lock()
	client.established = established
	client.stateLock.Unlock()

	client.debugf("connecting to %s", rawURL)
	if err := transport.Connect(context.Background()); err != nil {
		client.stateLock.Lock()
		client.established = nil
		client.stateLock.Unlock()
		client.transitionDisconnected()
		return NewError(ConnectionError, err)
	}

	client.stateLock.Lock()
	client.transport = transport
	client.stateLock.Unlock()

	go client.readLoop(transport)

	return <-established
}

// Disconnect closes the connection. Disconnecting without a connection is a
// no-op. All channels are marked unsubscribed at the moment of disconnect.
func (client *Client) Disconnect() error {
	client.manualDisconnect.Store(true)

	client.stateLock.Lock()
	hasTransport := client.transport != nil
	client.stateLock.Unlock()
	if !hasTransport {
		return nil
	}

	client.lock.Lock()
	defer client.lock.Unlock()

	client.stateLock.Lock()
	transport := client.transport
	client.transport = nil
	client.socketID = ""
	client.stateLock.Unlock()
	if transport == nil {
		return nil
	}

	client.setState(ConnectionStateDisconnecting)
	err := transport.Close()
	client.transitionDisconnected()
	if err != nil {
		return NewError(ConnectionError, err)
	}
	return nil
}

// Subscribe registers interest in a channel and returns its entity. The call
// is idempotent: while a subscription is pending or active, repeated calls
// return the same entity without further wire traffic. When the connection is
// not yet established the subscribe frame is deferred until it is. The
// subscription is complete only once the acknowledgement for the channel
// arrives.
func (client *Client) Subscribe(name string) (Channel, error) {
	if name == "" {
		return nil, NewError(InvalidChannelError, "a channel name must be specified")
	}
	if channelTypeOf(name) != ChannelTypePublic && client.authorizer == nil {
		return nil, NewError(ConfigurationError,
			fmt.Sprintf("an authorizer must be configured before subscribing to %q", name))
	}

	ch, send := client.registry.subscribeIntent(name, client.reportError)
	if !send {
		return ch, nil
	}

	if err := client.sendSubscribe(ch); err != nil {
		client.registry.clearPending(name)
		return nil, err
	}
	return ch, nil
}

// Unsubscribe tells the service to stop delivering events for the channel.
// Without a connection there is nothing to tell the service and the call is a
// no-op. The channel entity stays in the registry.
func (client *Client) Unsubscribe(name string) error {
	if client.State() != ConnectionStateConnected {
		return nil
	}

	client.registry.clearPending(name)
	if ch := client.registry.get(name); ch != nil {
		ch.setSubscribed(false)
	}
	return client.sendFrame(frame{Event: EventUnsubscribe, Data: unsubscribeData{Channel: name}})
}

// Trigger sends a client-originated event on a private or presence channel.
func (client *Client) Trigger(channelName string, eventName string, data interface{}) error {
	if !strings.HasPrefix(eventName, "client-") {
		return NewError(ConfigurationError,
			fmt.Sprintf("client event %q must be prefixed with client-", eventName))
	}
	if channelTypeOf(channelName) == ChannelTypePublic {
		return NewError(ConfigurationError,
			fmt.Sprintf("client events require a private or presence channel, got %q", channelName))
	}
	if client.State() != ConnectionStateConnected {
		return NewError(DisconnectedError, "client is not connected while trying to trigger an event")
	}

	return client.sendFrame(frame{Event: eventName, Channel: channelName, Data: data})
}

// sendSubscribe sends the subscribe frame for a channel, completing the
// authorization handshake first for protected types. Returns nil without
// sending when the connection is not established; the frame is replayed by
// the resubscribe sweep once it is. Transmission is claimed through the
// registry so the frame goes out at most once per pending subscription even
// when a Subscribe call races the sweep.
func (client *Client) sendSubscribe(ch Channel) error {
	if client.State() != ConnectionStateConnected {
		return nil
	}
	if !client.registry.claimSend(ch.Name()) {
		return nil
	}

	data := subscribeData{Channel: ch.Name()}
	if ch.Type() != ChannelTypePublic {
		authorizer := client.authorizer
		if authorizer == nil {
			return NewError(ConfigurationError,
				fmt.Sprintf("an authorizer must be configured before subscribing to %q", ch.Name()))
		}

		auth, channelData, err := authorizer.Authorize(ch.Name(), client.SocketID())
		if err != nil {
			return NewError(AuthorizationError,
				fmt.Sprintf("authorizing channel %q: %v", ch.Name(), err))
		}
		data.Auth = auth
		data.ChannelData = channelData
	}

	return client.sendFrame(frame{Event: EventSubscribe, Data: data})
}

// resubscribeAll replays a subscribe frame for every known channel. Each
// channel is handled independently; a failure is reported and does not stop
// the sweep.
func (client *Client) resubscribeAll() {
	for _, ch := range client.registry.all() {
		client.registry.markPending(ch.Name())
		if err := client.sendSubscribe(ch); err != nil {
			client.registry.clearPending(ch.Name())
			client.reportError(err)
		}
	}
}

func (client *Client) sendFrame(payload frame) error {
	client.stateLock.Lock()
	transport := client.transport
	client.stateLock.Unlock()
	if transport == nil {
		return NewError(DisconnectedError, "no active connection while trying to send a frame")
	}

	raw, err := marshalFrame(payload)
	if err != nil {
		return NewError(ProtocolError, err)
	}

	client.debugf("sending %s", raw)
	if err := transport.Send(raw); err != nil {
		return NewError(ConnectionError, err)
	}
	return nil
}

func (client *Client) readLoop(transport Transport) {
	for {
		raw, err := transport.Receive()
		if err != nil {
			client.handleTransportError(transport, err)
			return
		}
		client.handleFrame(raw)
	}
}

// handleTransportError runs on the receive goroutine when the connection
// drops out from under the client. Manual disconnects detach the transport
// first, so this path only fires for unexpected failures.
func (client *Client) handleTransportError(transport Transport, cause error) {
	client.stateLock.Lock()
	if client.transport != transport {
		client.stateLock.Unlock()
		return
	}
	client.transport = nil
	client.socketID = ""
	client.stateLock.Unlock()

	_ = transport.Close()

	err := NewError(ConnectionError, fmt.Sprintf("connection lost: %v", cause))
	client.signalEstablished(err)
	client.transitionDisconnected()
	client.reportError(err)
	client.maybeReconnect()
}

// failHandshake aborts a pending connect when the service handshake cannot
// complete. The transport is detached and closed so the read loop exits, and
// the blocked Connect call receives the error instead of waiting forever.
func (client *Client) failHandshake(err error) {
	client.stateLock.Lock()
	transport := client.transport
	client.transport = nil
	client.socketID = ""
	client.stateLock.Unlock()

	if transport != nil {
		_ = transport.Close()
	}

	client.signalEstablished(err)
	client.transitionDisconnected()
	client.reportError(err)
}

// transitionDisconnected marks every channel unsubscribed and moves the state
// machine to disconnected, notifying the application.
func (client *Client) transitionDisconnected() {
	client.registry.markAllUnsubscribed()
	client.setState(ConnectionStateDisconnected)
	client.safeCallback("disconnected handler", func() {
		if client.disconnectedHandler != nil {
			client.disconnectedHandler()
		}
	})
}

func (client *Client) setState(to ConnectionState) {
	client.stateLock.Lock()
	from := client.state
	if from == to {
		client.stateLock.Unlock()
		return
	}
	client.state = to
	client.stateLock.Unlock()

	client.debugf("connection state changed from %s to %s", from, to)
	client.safeCallback("state change handler", func() {
		if client.stateChangeHandler != nil {
			client.stateChangeHandler(from, to)
		}
	})
}

func (client *Client) signalEstablished(err error) {
	client.stateLock.Lock()
	established := client.established
	client.established = nil
	client.stateLock.Unlock()

	if established != nil {
		established <- err
	}
}

func (client *Client) maybeReconnect() {
	strategy := client.reconnectStrategy
	if strategy == nil || client.manualDisconnect.Load() {
		return
	}
	if !client.reconnecting.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer client.reconnecting.Store(false)
		for {
			if client.manualDisconnect.Load() {
				return
			}
			time.Sleep(strategy.ConnectWaitDuration())
			if client.manualDisconnect.Load() {
				return
			}
			if err := client.Connect(); err == nil {
				strategy.Reset()
				return
			}
		}
	}()
}

// safeCallback isolates an application-supplied notification: a panic is
// caught, wrapped with the callback name, and reported instead of propagated.
func (client *Client) safeCallback(name string, fn func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			client.reportError(NewError(CallbackError, fmt.Sprintf("%s panicked: %v", name, recovered)))
		}
	}()

	fn()
}

// reportError routes an error to the application's error handler. The handler
// itself is isolated; a panic inside it is swallowed and optionally logged.
func (client *Client) reportError(err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			client.debugf("error handler panicked: %v", recovered)
		}
	}()

	if client.errorHandler != nil {
		client.errorHandler(err)
		return
	}
	fmt.Println(time.Now().Local().String()+" ["+client.clientName+"] >>>", err)
}

func (client *Client) debugf(format string, args ...interface{}) {
	if client.log != nil {
		client.log.Debugf(format, args...)
	}
}
