package pusher

import (
	"fmt"
	"strings"
	"sync"
)

// ChannelType identifies the service-defined channel kind, resolved once from
// the channel name prefix.
type ChannelType int

const (
	ChannelTypePublic ChannelType = iota
	ChannelTypePrivate
	ChannelTypePresence
)

const (
	privatePrefix  = "private-"
	presencePrefix = "presence-"
)

// String returns the lowercase name of the channel type.
func (channelType ChannelType) String() string {
	switch channelType {
	case ChannelTypePrivate:
		return "private"
	case ChannelTypePresence:
		return "presence"
	default:
		return "public"
	}
}

func channelTypeOf(name string) ChannelType {
	lower := strings.ToLower(name)
	switch {
	case strings.HasPrefix(lower, privatePrefix):
		return ChannelTypePrivate
	case strings.HasPrefix(lower, presencePrefix):
		return ChannelTypePresence
	default:
		return ChannelTypePublic
	}
}

// Channel is one subscribed topic. Implementations are created by the client;
// the interface is closed to this package.
type Channel interface {
	// Name returns the immutable channel name.
	Name() string

	// Type returns the channel kind resolved from the name prefix.
	Type() ChannelType

	// IsSubscribed reports whether the subscription acknowledgement for the
	// current connection has arrived.
	IsSubscribed() bool

	// Bind registers a handler for one event name on this channel.
	Bind(event string, handler func(data string))

	// BindAll registers a handler invoked for every event on this channel.
	BindAll(handler func(event string, data string))

	// Unbind removes all handlers registered for the event name.
	Unbind(event string)

	setSubscribed(subscribed bool)
	dispatch(event string, data string)
}

type channelEntity struct {
	name        string
	channelType ChannelType

	lock       sync.Mutex
	subscribed bool
	bindings   map[string][]func(data string)
	catchAll   []func(event string, data string)

	report func(err error)
}

func newChannelEntity(name string, report func(err error)) *channelEntity {
	return &channelEntity{
		name:        name,
		channelType: channelTypeOf(name),
		bindings:    make(map[string][]func(data string)),
		report:      report,
	}
}

func (ch *channelEntity) Name() string { return ch.name }

func (ch *channelEntity) Type() ChannelType { return ch.channelType }

func (ch *channelEntity) IsSubscribed() bool {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	return ch.subscribed
}

func (ch *channelEntity) Bind(event string, handler func(data string)) {
	if handler == nil {
		return
	}
	ch.lock.Lock()
	ch.bindings[event] = append(ch.bindings[event], handler)
	ch.lock.Unlock()
}

func (ch *channelEntity) BindAll(handler func(event string, data string)) {
	if handler == nil {
		return
	}
	ch.lock.Lock()
	ch.catchAll = append(ch.catchAll, handler)
	ch.lock.Unlock()
}

func (ch *channelEntity) Unbind(event string) {
	ch.lock.Lock()
	delete(ch.bindings, event)
	ch.lock.Unlock()
}

func (ch *channelEntity) setSubscribed(subscribed bool) {
	ch.lock.Lock()
	ch.subscribed = subscribed
	ch.lock.Unlock()
}

// dispatch delivers one event to every matching binding. Each handler is
// isolated so a panicking handler cannot break delivery to the others.
func (ch *channelEntity) dispatch(event string, data string) {
	ch.lock.Lock()
	handlers := append([]func(string){}, ch.bindings[event]...)
	catchAll := append([]func(string, string){}, ch.catchAll...)
	ch.lock.Unlock()

	for _, handler := range handlers {
		boundHandler := handler
		ch.invoke(event, func() { boundHandler(data) })
	}
	for _, handler := range catchAll {
		boundHandler := handler
		ch.invoke(event, func() { boundHandler(event, data) })
	}
}

func (ch *channelEntity) invoke(event string, fn func()) {
	defer func() {
		if recovered := recover(); recovered != nil && ch.report != nil {
			ch.report(NewError(CallbackError,
				fmt.Sprintf("handler for %q on channel %q panicked: %v", event, ch.name, recovered)))
		}
	}()

	fn()
}
