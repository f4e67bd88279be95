// Package pusher provides a Go client for Pusher-protocol realtime services.
//
// The primary lifecycle is:
//   - construct a Client with NewClient
//   - Connect to establish the websocket session
//   - Subscribe to public, private, or presence channels
//   - Bind handlers on the returned channels to receive events
//   - Disconnect when finished
//
// Subscriptions made before Connect are deferred and sent automatically once
// the connection is established. After an unexpected disconnect, a subsequent
// Connect replays a subscribe frame for every known channel; a channel is
// reported as subscribed again only once its own acknowledgement arrives.
//
// Private and presence channels require an Authorizer. The client invokes it
// with the channel name and the socket id assigned by the service, and embeds
// the returned signature into the subscribe frame. HTTPAuthorizer implements
// the conventional application auth endpoint exchange.
//
// The exported Client APIs synchronize internal state and are safe for
// concurrent use. Application callbacks (connected, disconnected, state
// change, channel bindings) run synchronously on whichever goroutine triggers
// them, including the inbound receive path; a panicking callback is caught,
// wrapped as a CallbackError, and routed to the error handler rather than
// propagated.
//
// Errors are reported as typed errors created with NewError and identify
// configuration, authorization, protocol, connection, or callback causes.
package pusher
