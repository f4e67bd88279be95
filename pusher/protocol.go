package pusher

import "encoding/json"

// protocolVersion is the Pusher wire protocol revision this client speaks.
const protocolVersion = "5"

// Protocol-level event names exchanged with the service.
const (
	EventConnectionEstablished = "pusher:connection_established"
	EventSubscribe             = "pusher:subscribe"
	EventUnsubscribe           = "pusher:unsubscribe"
	EventPing                  = "pusher:ping"
	EventPong                  = "pusher:pong"
	EventError                 = "pusher:error"

	EventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	EventMemberAdded           = "pusher_internal:member_added"
	EventMemberRemoved         = "pusher_internal:member_removed"
)

// Event is one inbound protocol message. Data arrives either as a JSON
// object or as a JSON-encoded string containing an object, depending on the
// event; Payload normalizes both forms.
type Event struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Payload returns the event data with one level of string encoding removed.
func (event Event) Payload() string {
	if len(event.Data) == 0 {
		return ""
	}

	var quoted string
	if err := json.Unmarshal(event.Data, &quoted); err == nil {
		return quoted
	}
	return string(event.Data)
}

// frame is an outbound protocol message.
type frame struct {
	Event   string      `json:"event"`
	Channel string      `json:"channel,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func marshalFrame(payload frame) ([]byte, error) {
	return json.Marshal(payload)
}

type subscribeData struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

type unsubscribeData struct {
	Channel string `json:"channel"`
}

type connectionData struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

type memberData struct {
	UserID   string          `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
}

type presenceData struct {
	Presence struct {
		Count int                        `json:"count"`
		IDs   []string                   `json:"ids"`
		Hash  map[string]json.RawMessage `json:"hash"`
	} `json:"presence"`
}

type errorData struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}
