// Package sse implements the classic two-endpoint Server-Sent Events
// transport for JSON-RPC: a long-lived GET stream carrying server-to-client
// messages and a POST endpoint accepting one client-to-server message per
// request.
//
// Responsibilities
//   - Event stream lifecycle (endpoint event, message events, teardown)
//   - Single active session register (Binding)
//   - Inbound validation (content type, size limit, JSON-RPC envelope)
//
// # Session Model
//
// Exactly one session is active at a time. A new GET stream replaces the
// previous one in the Binding; by default the displaced stream stays open
// but no longer receives messages. WithCloseSuperseded ends it instead.
// POSTed messages are routed to whichever session is active, regardless of
// the sessionId query parameter, which is only checked for logging.
//
// Every event write carries a deadline (WithWriteTimeout). A client that
// stops reading fails the send, and its session is closed and cleared.
//
// # Wire Format
//
// The first event on every stream announces where to POST:
//
//	event: endpoint
//	data: https://gw.example.com/message?sessionId=5f0c...
//
// Each relayed message follows as a single-line event:
//
//	event: message
//	data: {"jsonrpc":"2.0","id":1,"result":{}}
//
// Example (mount in net/http):
//
//	b := sse.NewBinding()
//	h, err := sse.NewHandler(b, relay, sse.WithBaseURL("https://gw.example.com"))
//	if err != nil { ... }
//	http.ListenAndServe(":8000", h)
package sse
