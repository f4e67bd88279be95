package pusher

import (
	"reflect"
	"sort"
	"sync"
)

// channelRegistry is the shared map of channel name to channel entity, plus
// the pending-subscription set and the per-name member shape bindings. All
// operations are atomic per key; a single lock covers the whole registry so
// get-or-create cannot race into duplicate entities.
type channelRegistry struct {
	lock        sync.Mutex
	channels    map[string]Channel
	pending     map[string]struct{}
	sent        map[string]struct{}
	memberTypes map[string]reflect.Type
}

func newChannelRegistry() *channelRegistry {
	return &channelRegistry{
		channels:    make(map[string]Channel),
		pending:     make(map[string]struct{}),
		sent:        make(map[string]struct{}),
		memberTypes: make(map[string]reflect.Type),
	}
}

// subscribeIntent implements the idempotent half of the subscribe protocol:
// it returns the existing entity untouched when the name is already
// subscribed or pending, and otherwise marks the name pending, creating the
// entity first if absent. send reports whether the caller owns the subscribe
// frame for this intent.
func (registry *channelRegistry) subscribeIntent(name string, report func(err error)) (ch Channel, send bool) {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	existing, exists := registry.channels[name]
	if exists {
		if existing.IsSubscribed() {
			return existing, false
		}
		if _, pending := registry.pending[name]; pending {
			return existing, false
		}
		registry.pending[name] = struct{}{}
		return existing, true
	}

	created := registry.create(name, report)
	registry.channels[name] = created
	registry.pending[name] = struct{}{}
	return created, true
}

func (registry *channelRegistry) create(name string, report func(err error)) Channel {
	if channelTypeOf(name) == ChannelTypePresence {
		return newPresenceChannel(name, registry.memberTypes[name], report)
	}
	return newChannelEntity(name, report)
}

func (registry *channelRegistry) get(name string) Channel {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	return registry.channels[name]
}

// all returns the known channels in name order.
func (registry *channelRegistry) all() []Channel {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	names := make([]string, 0, len(registry.channels))
	for name := range registry.channels {
		names = append(names, name)
	}
	sort.Strings(names)

	channels := make([]Channel, 0, len(names))
	for _, name := range names {
		channels = append(channels, registry.channels[name])
	}
	return channels
}

func (registry *channelRegistry) markPending(name string) {
	registry.lock.Lock()
	registry.pending[name] = struct{}{}
	registry.lock.Unlock()
}

func (registry *channelRegistry) clearPending(name string) {
	registry.lock.Lock()
	delete(registry.pending, name)
	delete(registry.sent, name)
	registry.lock.Unlock()
}

// claimSend reports whether the caller owns transmission of the subscribe
// frame for the name. At most one claim succeeds per pending subscription, so
// a Subscribe call racing the resubscribe sweep cannot double-send.
func (registry *channelRegistry) claimSend(name string) bool {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	if _, pending := registry.pending[name]; !pending {
		return false
	}
	if _, claimed := registry.sent[name]; claimed {
		return false
	}
	registry.sent[name] = struct{}{}
	return true
}

func (registry *channelRegistry) isPending(name string) bool {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	_, pending := registry.pending[name]
	return pending
}

// markAllUnsubscribed flips every known channel to unsubscribed and clears
// the pending set. Called on every transition away from connected.
func (registry *channelRegistry) markAllUnsubscribed() {
	registry.lock.Lock()
	channels := make([]Channel, 0, len(registry.channels))
	for _, ch := range registry.channels {
		channels = append(channels, ch)
	}
	registry.pending = make(map[string]struct{})
	registry.sent = make(map[string]struct{})
	registry.lock.Unlock()

	for _, ch := range channels {
		ch.setSubscribed(false)
	}
}

// bindMemberType records the member shape for a presence channel name. The
// first binding wins for the lifetime of the registry; binding a different
// shape to the same name reports a conflict with the existing shape.
func (registry *channelRegistry) bindMemberType(name string, memberType reflect.Type) (bound reflect.Type, conflict bool) {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	if existing, exists := registry.memberTypes[name]; exists {
		if existing != memberType {
			return existing, true
		}
		return existing, false
	}
	registry.memberTypes[name] = memberType
	return memberType, false
}
