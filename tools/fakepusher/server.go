package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// clientMessage is one inbound frame from a connected client.
type clientMessage struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type subscribePayload struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

type unsubscribePayload struct {
	Channel string `json:"channel"`
}

type memberPayload struct {
	UserID   string          `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
}

// server is an in-memory Pusher-protocol websocket responder. One instance
// serves one application key.
type server struct {
	appKey          string
	secret          string
	activityTimeout int
	logConn         bool

	upgrader websocket.Upgrader
	http     *http.Server
	listener net.Listener

	nextSocket atomic.Uint64

	lock     sync.Mutex
	conns    map[*connection]struct{}
	channels map[string]map[*connection]struct{}
	// members tracks presence membership per channel, keyed by member id.
	members map[string]map[string]json.RawMessage
}

type connection struct {
	server   *server
	ws       *websocket.Conn
	socketID string

	writeLock sync.Mutex

	lock sync.Mutex
	// subscribed maps channel name to the member id announced in
	// channel_data, empty for non-presence channels.
	subscribed map[string]string
}

func newServer(appKey string, secret string, activityTimeout int, logConn bool) *server {
	return &server{
		appKey:          appKey,
		secret:          secret,
		activityTimeout: activityTimeout,
		logConn:         logConn,
		upgrader:        websocket.Upgrader{},
		conns:           make(map[*connection]struct{}),
		channels:        make(map[string]map[*connection]struct{}),
		members:         make(map[string]map[string]json.RawMessage),
	}
}

// start binds the listener and serves until close is called. The bound
// address is available from addr once start returns.
func (srv *server) start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/app/", srv.handleWebsocket)
	srv.http = &http.Server{Handler: mux}

	go func() {
		if serveErr := srv.http.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			log.Printf("fakepusher: serve: %v", serveErr)
		}
	}()
	return nil
}

func (srv *server) addr() string {
	if srv.listener == nil {
		return ""
	}
	return srv.listener.Addr().String()
}

func (srv *server) close() {
	if srv.http != nil {
		_ = srv.http.Close()
	}

	srv.lock.Lock()
	conns := make([]*connection, 0, len(srv.conns))
	for conn := range srv.conns {
		conns = append(conns, conn)
	}
	srv.lock.Unlock()

	for _, conn := range conns {
		_ = conn.ws.Close()
	}
}

// dropConnections closes every client connection without stopping the
// listener, simulating a network fault.
func (srv *server) dropConnections() {
	srv.lock.Lock()
	conns := make([]*connection, 0, len(srv.conns))
	for conn := range srv.conns {
		conns = append(conns, conn)
	}
	srv.lock.Unlock()

	for _, conn := range conns {
		_ = conn.ws.Close()
	}
}

func (srv *server) connectionCount() int {
	srv.lock.Lock()
	defer srv.lock.Unlock()
	return len(srv.conns)
}

func (srv *server) subscriberCount(channel string) int {
	srv.lock.Lock()
	defer srv.lock.Unlock()
	return len(srv.channels[channel])
}

func (srv *server) handleWebsocket(writer http.ResponseWriter, request *http.Request) {
	if request.URL.Path != "/app/"+srv.appKey {
		http.NotFound(writer, request)
		return
	}

	ws, err := srv.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		log.Printf("fakepusher: upgrade: %v", err)
		return
	}

	socketNumber := srv.nextSocket.Add(1)
	conn := &connection{
		server:     srv,
		ws:         ws,
		socketID:   fmt.Sprintf("%d.%d", socketNumber, socketNumber*7919),
		subscribed: make(map[string]string),
	}

	srv.lock.Lock()
	srv.conns[conn] = struct{}{}
	srv.lock.Unlock()

	if srv.logConn {
		log.Printf("fakepusher: connection %s established", conn.socketID)
	}

	conn.send("pusher:connection_established", "",
		fmt.Sprintf(`{"socket_id":%q,"activity_timeout":%d}`, conn.socketID, srv.activityTimeout))

	conn.readLoop()
}

func (conn *connection) readLoop() {
	defer conn.server.detach(conn)

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}

		var message clientMessage
		if err := json.Unmarshal(raw, &message); err != nil {
			conn.sendError(4000, fmt.Sprintf("undecodable frame: %v", err))
			continue
		}
		conn.server.handleMessage(conn, message)
	}
}

func (srv *server) handleMessage(conn *connection, message clientMessage) {
	switch message.Event {
	case "pusher:subscribe":
		var payload subscribePayload
		if err := json.Unmarshal(message.Data, &payload); err != nil || payload.Channel == "" {
			conn.sendError(4000, "subscribe frame carried no channel")
			return
		}
		srv.handleSubscribe(conn, payload)
	case "pusher:unsubscribe":
		var payload unsubscribePayload
		if err := json.Unmarshal(message.Data, &payload); err != nil || payload.Channel == "" {
			return
		}
		srv.handleUnsubscribe(conn, payload.Channel)
	case "pusher:ping":
		conn.send("pusher:pong", "", "{}")
	case "pusher:pong":
		// nothing to do
	default:
		if strings.HasPrefix(message.Event, "client-") {
			srv.handleClientEvent(conn, message)
			return
		}
		conn.sendError(4000, fmt.Sprintf("unexpected event %q", message.Event))
	}
}

func (srv *server) handleSubscribe(conn *connection, payload subscribePayload) {
	channel := payload.Channel
	protected := strings.HasPrefix(channel, "private-") || strings.HasPrefix(channel, "presence-")

	if protected && srv.secret != "" {
		want := authSignature(srv.appKey, srv.secret, conn.socketID, channel, payload.ChannelData)
		if payload.Auth != want {
			conn.sendError(4009, fmt.Sprintf("invalid signature for channel %q", channel))
			return
		}
	}

	memberID := ""
	var memberInfo json.RawMessage
	if strings.HasPrefix(channel, "presence-") {
		var member memberPayload
		if err := json.Unmarshal([]byte(payload.ChannelData), &member); err != nil || member.UserID == "" {
			conn.sendError(4009, fmt.Sprintf("presence channel %q requires channel_data with a user_id", channel))
			return
		}
		memberID = member.UserID
		memberInfo = member.UserInfo
	}

	srv.lock.Lock()
	subscribers := srv.channels[channel]
	if subscribers == nil {
		subscribers = make(map[*connection]struct{})
		srv.channels[channel] = subscribers
	}
	subscribers[conn] = struct{}{}

	if memberID != "" {
		members := srv.members[channel]
		if members == nil {
			members = make(map[string]json.RawMessage)
			srv.members[channel] = members
		}
		_, rejoining := members[memberID]
		members[memberID] = memberInfo

		if !rejoining {
			added, _ := json.Marshal(memberPayload{UserID: memberID, UserInfo: memberInfo})
			for subscriber := range subscribers {
				if subscriber != conn {
					subscriber.send("pusher_internal:member_added", channel, string(added))
				}
			}
		}
	}
	ackData := srv.acknowledgementDataLocked(channel)
	srv.lock.Unlock()

	conn.lock.Lock()
	conn.subscribed[channel] = memberID
	conn.lock.Unlock()

	conn.send("pusher_internal:subscription_succeeded", channel, ackData)
}

// acknowledgementDataLocked builds the subscription_succeeded body. Callers
// hold srv.lock.
func (srv *server) acknowledgementDataLocked(channel string) string {
	members, tracked := srv.members[channel]
	if !tracked {
		return "{}"
	}

	ids := make([]string, 0, len(members))
	hash := make(map[string]json.RawMessage, len(members))
	for memberID, info := range members {
		ids = append(ids, memberID)
		if len(info) == 0 {
			info = json.RawMessage("{}")
		}
		hash[memberID] = info
	}

	body, _ := json.Marshal(map[string]interface{}{
		"presence": map[string]interface{}{
			"count": len(ids),
			"ids":   ids,
			"hash":  hash,
		},
	})
	return string(body)
}

func (srv *server) handleUnsubscribe(conn *connection, channel string) {
	conn.lock.Lock()
	memberID := conn.subscribed[channel]
	delete(conn.subscribed, channel)
	conn.lock.Unlock()

	srv.lock.Lock()
	srv.removeSubscriberLocked(conn, channel, memberID)
	srv.lock.Unlock()
}

// removeSubscriberLocked drops the connection from the channel and, for a
// presence member, announces the departure. Callers hold srv.lock.
func (srv *server) removeSubscriberLocked(conn *connection, channel string, memberID string) {
	subscribers := srv.channels[channel]
	if subscribers == nil {
		return
	}
	delete(subscribers, conn)
	if len(subscribers) == 0 {
		delete(srv.channels, channel)
	}

	if memberID == "" {
		return
	}
	members := srv.members[channel]
	if members == nil {
		return
	}
	delete(members, memberID)
	if len(members) == 0 {
		delete(srv.members, channel)
	}

	removed, _ := json.Marshal(memberPayload{UserID: memberID})
	for subscriber := range subscribers {
		subscriber.send("pusher_internal:member_removed", channel, string(removed))
	}
}

func (srv *server) handleClientEvent(conn *connection, message clientMessage) {
	if !strings.HasPrefix(message.Channel, "private-") && !strings.HasPrefix(message.Channel, "presence-") {
		conn.sendError(4009, fmt.Sprintf("client events are not allowed on channel %q", message.Channel))
		return
	}

	conn.lock.Lock()
	_, subscribed := conn.subscribed[message.Channel]
	conn.lock.Unlock()
	if !subscribed {
		conn.sendError(4009, fmt.Sprintf("client event on unsubscribed channel %q", message.Channel))
		return
	}

	data := string(message.Data)
	srv.lock.Lock()
	for subscriber := range srv.channels[message.Channel] {
		if subscriber != conn {
			subscriber.send(message.Event, message.Channel, data)
		}
	}
	srv.lock.Unlock()
}

// publish fans a server-originated event out to every subscriber of the
// channel.
func (srv *server) publish(channel string, event string, data string) {
	srv.lock.Lock()
	subscribers := make([]*connection, 0, len(srv.channels[channel]))
	for subscriber := range srv.channels[channel] {
		subscribers = append(subscribers, subscriber)
	}
	srv.lock.Unlock()

	for _, subscriber := range subscribers {
		subscriber.send(event, channel, data)
	}
}

func (srv *server) detach(conn *connection) {
	conn.lock.Lock()
	subscribed := make(map[string]string, len(conn.subscribed))
	for channel, memberID := range conn.subscribed {
		subscribed[channel] = memberID
	}
	conn.subscribed = make(map[string]string)
	conn.lock.Unlock()

	srv.lock.Lock()
	delete(srv.conns, conn)
	for channel, memberID := range subscribed {
		srv.removeSubscriberLocked(conn, channel, memberID)
	}
	srv.lock.Unlock()

	_ = conn.ws.Close()
	if srv.logConn {
		log.Printf("fakepusher: connection %s closed", conn.socketID)
	}
}

// send writes one frame with the data embedded as a JSON-encoded string, the
// way the hosted service delivers event payloads.
func (conn *connection) send(event string, channel string, data string) {
	frame := map[string]string{"event": event, "data": data}
	if channel != "" {
		frame["channel"] = channel
	}
	raw, _ := json.Marshal(frame)

	conn.writeLock.Lock()
	defer conn.writeLock.Unlock()
	_ = conn.ws.WriteMessage(websocket.TextMessage, raw)
}

func (conn *connection) sendError(code int, message string) {
	conn.send("pusher:error", "", fmt.Sprintf(`{"message":%q,"code":%d}`, message, code))
}

// authSignature computes the subscription signature the service expects for
// protected channels: an HMAC-SHA256 over "socket_id:channel" (with the
// channel_data appended for presence channels), keyed with the app secret.
func authSignature(appKey string, secret string, socketID string, channel string, channelData string) string {
	signed := socketID + ":" + channel
	if channelData != "" {
		signed += ":" + channelData
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signed))
	return appKey + ":" + hex.EncodeToString(mac.Sum(nil))
}
