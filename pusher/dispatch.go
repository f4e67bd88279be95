package pusher

import (
	"encoding/json"
	"fmt"
)

// handleFrame is the single entry point for inbound protocol events. It runs
// on the receive goroutine and routes each event into the state machine, the
// registry, or the owning channel's bindings.
func (client *Client) handleFrame(raw []byte) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		client.reportError(NewError(ProtocolError, fmt.Sprintf("undecodable frame: %v", err)))
		return
	}
	client.debugf("received %s", raw)

	switch event.Event {
	case EventConnectionEstablished:
		client.handleConnectionEstablished(event)
	case EventPing:
		if err := client.sendFrame(frame{Event: EventPong}); err != nil {
			client.debugf("failed to answer ping: %v", err)
		}
	case EventPong:
		// nothing to do
	case EventError:
		client.handleServiceError(event)
	case EventSubscriptionSucceeded:
		client.handleSubscriptionSucceeded(event)
	case EventMemberAdded:
		client.handleMemberAdded(event)
	case EventMemberRemoved:
		client.handleMemberRemoved(event)
	default:
		client.handleChannelEvent(event)
	}
}

// handleConnectionEstablished captures the socket id and completes the
// transition to connected: resubscribe sweep first, then the application's
// connected notification, then release of any waiting Connect call.
func (client *Client) handleConnectionEstablished(event Event) {
	var data connectionData
	if err := json.Unmarshal([]byte(event.Payload()), &data); err != nil || data.SocketID == "" {
		client.failHandshake(NewError(ProtocolError, "connection_established frame carried no socket id"))
		return
	}

	client.stateLock.Lock()
	client.socketID = data.SocketID
	client.stateLock.Unlock()

	client.setState(ConnectionStateConnected)
	client.resubscribeAll()
	client.safeCallback("connected handler", func() {
		if client.connectedHandler != nil {
			client.connectedHandler()
		}
	})
	client.signalEstablished(nil)
}

func (client *Client) handleServiceError(event Event) {
	var data errorData
	_ = json.Unmarshal([]byte(event.Payload()), &data)
	if data.Message == "" {
		data.Message = event.Payload()
	}
	client.reportError(NewError(ProtocolError, fmt.Sprintf("service error %d: %s", data.Code, data.Message)))
}

// handleSubscriptionSucceeded completes one subscription: the name leaves the
// pending set exactly once and the channel flips to subscribed. For presence
// channels the acknowledgement also seeds the member map.
func (client *Client) handleSubscriptionSucceeded(event Event) {
	ch := client.registry.get(event.Channel)
	if ch == nil {
		client.reportError(NewError(ProtocolError,
			fmt.Sprintf("subscription acknowledgement for unknown channel %q", event.Channel)))
		return
	}

	client.registry.clearPending(event.Channel)

	if presence, ok := ch.(*presenceChannel); ok {
		var data presenceData
		if err := json.Unmarshal([]byte(event.Payload()), &data); err == nil && data.Presence.Hash != nil {
			presence.seedMembers(data.Presence.Hash)
		}
	}

	ch.setSubscribed(true)
	ch.dispatch(event.Event, event.Payload())
}

// presenceChannelFor returns the presence channel for the name, or nil when
// the channel is unknown or not a presence channel.
func (client *Client) presenceChannelFor(name string) *presenceChannel {
	presence, _ := client.registry.get(name).(*presenceChannel)
	return presence
}

func (client *Client) handleMemberAdded(event Event) {
	presence := client.presenceChannelFor(event.Channel)
	if presence == nil {
		// membership events for untracked channels are not errors
		return
	}

	var member memberData
	if err := json.Unmarshal([]byte(event.Payload()), &member); err != nil || member.UserID == "" {
		client.reportError(NewError(ProtocolError,
			fmt.Sprintf("member_added on channel %q carried no member id", event.Channel)))
		return
	}

	presence.addMember(member.UserID, member.UserInfo)
	presence.dispatch(event.Event, event.Payload())
}

func (client *Client) handleMemberRemoved(event Event) {
	presence := client.presenceChannelFor(event.Channel)
	if presence == nil {
		return
	}

	var member memberData
	if err := json.Unmarshal([]byte(event.Payload()), &member); err != nil || member.UserID == "" {
		client.reportError(NewError(ProtocolError,
			fmt.Sprintf("member_removed on channel %q carried no member id", event.Channel)))
		return
	}

	presence.removeMember(member.UserID)
	presence.dispatch(event.Event, event.Payload())
}

// handleChannelEvent fans an application event out to the owning channel's
// bindings. Events for unknown channels are dropped.
func (client *Client) handleChannelEvent(event Event) {
	if event.Channel == "" {
		client.debugf("dropping event %q without a channel", event.Event)
		return
	}

	ch := client.registry.get(event.Channel)
	if ch == nil {
		return
	}
	ch.dispatch(event.Event, event.Payload())
}
