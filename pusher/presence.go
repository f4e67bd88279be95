package pusher

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// PresenceChannel is a Channel that additionally tracks which members are
// currently joined.
type PresenceChannel interface {
	Channel

	// Members returns a copy of the current member map, keyed by member id.
	// Values are the raw member info payloads as delivered by the service.
	Members() map[string]json.RawMessage

	// MemberCount returns the number of currently tracked members.
	MemberCount() int

	// HasMember reports whether the member id is currently tracked.
	HasMember(memberID string) bool
}

type presenceChannel struct {
	channelEntity

	// memberType is the member info shape bound at first typed subscription,
	// nil when the channel was created generically.
	memberType reflect.Type

	membersLock   sync.Mutex
	members       map[string]json.RawMessage
	memberAdded   []func(memberID string, info json.RawMessage)
	memberRemoved []func(memberID string, info json.RawMessage)
}

func newPresenceChannel(name string, memberType reflect.Type, report func(err error)) *presenceChannel {
	return &presenceChannel{
		channelEntity: channelEntity{
			name:        name,
			channelType: ChannelTypePresence,
			bindings:    make(map[string][]func(data string)),
			report:      report,
		},
		memberType: memberType,
		members:    make(map[string]json.RawMessage),
	}
}

func (ch *presenceChannel) Members() map[string]json.RawMessage {
	ch.membersLock.Lock()
	defer ch.membersLock.Unlock()

	members := make(map[string]json.RawMessage, len(ch.members))
	for memberID, info := range ch.members {
		members[memberID] = info
	}
	return members
}

func (ch *presenceChannel) MemberCount() int {
	ch.membersLock.Lock()
	defer ch.membersLock.Unlock()
	return len(ch.members)
}

func (ch *presenceChannel) HasMember(memberID string) bool {
	ch.membersLock.Lock()
	defer ch.membersLock.Unlock()
	_, exists := ch.members[memberID]
	return exists
}

func (ch *presenceChannel) bindMemberAdded(handler func(memberID string, info json.RawMessage)) {
	ch.membersLock.Lock()
	ch.memberAdded = append(ch.memberAdded, handler)
	ch.membersLock.Unlock()
}

func (ch *presenceChannel) bindMemberRemoved(handler func(memberID string, info json.RawMessage)) {
	ch.membersLock.Lock()
	ch.memberRemoved = append(ch.memberRemoved, handler)
	ch.membersLock.Unlock()
}

func (ch *presenceChannel) addMember(memberID string, info json.RawMessage) {
	if memberID == "" {
		return
	}
	ch.membersLock.Lock()
	ch.members[memberID] = info
	handlers := append([]func(string, json.RawMessage){}, ch.memberAdded...)
	ch.membersLock.Unlock()

	for _, handler := range handlers {
		boundHandler := handler
		ch.invoke(EventMemberAdded, func() { boundHandler(memberID, info) })
	}
}

func (ch *presenceChannel) removeMember(memberID string) {
	ch.membersLock.Lock()
	info, exists := ch.members[memberID]
	if exists {
		delete(ch.members, memberID)
	}
	handlers := append([]func(string, json.RawMessage){}, ch.memberRemoved...)
	ch.membersLock.Unlock()

	if !exists {
		return
	}
	for _, handler := range handlers {
		boundHandler := handler
		ch.invoke(EventMemberRemoved, func() { boundHandler(memberID, info) })
	}
}

// seedMembers replaces the member map from the subscription acknowledgement.
func (ch *presenceChannel) seedMembers(hash map[string]json.RawMessage) {
	ch.membersLock.Lock()
	ch.members = make(map[string]json.RawMessage, len(hash))
	for memberID, info := range hash {
		ch.members[memberID] = info
	}
	ch.membersLock.Unlock()
}

// TypedPresenceChannel wraps a presence channel whose member info shape was
// bound with SubscribePresence. Member payloads are decoded into Member.
type TypedPresenceChannel[Member any] struct {
	inner *presenceChannel
}

// Channel returns the underlying channel.
func (ch *TypedPresenceChannel[Member]) Channel() PresenceChannel { return ch.inner }

// Name returns the channel name.
func (ch *TypedPresenceChannel[Member]) Name() string { return ch.inner.Name() }

// IsSubscribed reports whether the subscription acknowledgement has arrived.
func (ch *TypedPresenceChannel[Member]) IsSubscribed() bool { return ch.inner.IsSubscribed() }

// Bind registers a handler for one event name on the underlying channel.
func (ch *TypedPresenceChannel[Member]) Bind(event string, handler func(data string)) {
	ch.inner.Bind(event, handler)
}

// Member returns the decoded member info for the id, if tracked.
func (ch *TypedPresenceChannel[Member]) Member(memberID string) (Member, bool) {
	var member Member

	ch.inner.membersLock.Lock()
	info, exists := ch.inner.members[memberID]
	ch.inner.membersLock.Unlock()
	if !exists {
		return member, false
	}

	if len(info) > 0 {
		if err := json.Unmarshal(info, &member); err != nil {
			ch.reportDecodeError(memberID, err)
			return member, false
		}
	}
	return member, true
}

// Members returns the decoded member map keyed by member id.
func (ch *TypedPresenceChannel[Member]) Members() map[string]Member {
	raw := ch.inner.Members()
	members := make(map[string]Member, len(raw))
	for memberID, info := range raw {
		var member Member
		if len(info) > 0 {
			if err := json.Unmarshal(info, &member); err != nil {
				ch.reportDecodeError(memberID, err)
				continue
			}
		}
		members[memberID] = member
	}
	return members
}

// MemberCount returns the number of currently tracked members.
func (ch *TypedPresenceChannel[Member]) MemberCount() int { return ch.inner.MemberCount() }

// BindMemberAdded registers a handler invoked when a member joins.
func (ch *TypedPresenceChannel[Member]) BindMemberAdded(handler func(memberID string, member Member)) {
	if handler == nil {
		return
	}
	ch.inner.bindMemberAdded(func(memberID string, info json.RawMessage) {
		var member Member
		if len(info) > 0 {
			if err := json.Unmarshal(info, &member); err != nil {
				ch.reportDecodeError(memberID, err)
				return
			}
		}
		handler(memberID, member)
	})
}

// BindMemberRemoved registers a handler invoked when a member leaves.
func (ch *TypedPresenceChannel[Member]) BindMemberRemoved(handler func(memberID string)) {
	if handler == nil {
		return
	}
	ch.inner.bindMemberRemoved(func(memberID string, info json.RawMessage) {
		handler(memberID)
	})
}

func (ch *TypedPresenceChannel[Member]) reportDecodeError(memberID string, err error) {
	if ch.inner.report == nil {
		return
	}
	ch.inner.report(NewError(ProtocolError,
		fmt.Sprintf("member info for %q on channel %q does not match the bound shape: %v", memberID, ch.inner.name, err)))
}

// SubscribePresence subscribes to a presence channel and binds the Member
// shape to the channel name. The shape is fixed at first use: a second call
// with a different Member type for the same name fails with a configuration
// error, while repeated calls with the same type return the same channel. A
// presence channel that was already created generically via Subscribe is not
// upgraded; the call fails instead.
func SubscribePresence[Member any](client *Client, name string) (*TypedPresenceChannel[Member], error) {
	if client == nil {
		return nil, NewError(ConfigurationError, "nil client")
	}
	if channelTypeOf(name) != ChannelTypePresence {
		return nil, NewError(InvalidChannelError, fmt.Sprintf("channel %q is not a presence channel", name))
	}

	memberType := reflect.TypeOf((*Member)(nil)).Elem()
	if bound, conflict := client.registry.bindMemberType(name, memberType); conflict {
		return nil, NewError(ConfigurationError,
			fmt.Sprintf("channel %q is already bound to member shape %s, cannot rebind to %s", name, bound, memberType))
	}

	subscribed, err := client.Subscribe(name)
	if err != nil {
		return nil, err
	}

	presence, ok := subscribed.(*presenceChannel)
	if !ok || presence.memberType != memberType {
		return nil, NewError(ProtocolError,
			fmt.Sprintf("channel %q already exists without member shape %s", name, memberType))
	}

	return &TypedPresenceChannel[Member]{inner: presence}, nil
}
