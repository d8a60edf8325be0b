// Package gateway relays JSON-RPC messages between a child process speaking
// line-delimited JSON on stdio and a remote client connected over SSE.
//
// A Relay owns the routing. Messages POSTed by the client arrive through
// Receive and are written to the child's stdin. Lines the child prints are
// decoded and forwarded to the active session; lines that are not JSON are
// logged and dropped, as are messages produced while no client is connected.
//
// The child is the gateway's only reason to exist, so its exit ends Run with
// an *ExitError. Callers translate that into the process status:
//
//	err := relay.Run(ctx)
//	os.Exit(gateway.ExitCode(err))
package gateway
