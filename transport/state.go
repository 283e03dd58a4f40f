// Package transport owns the upstream connection: a primary duplex NATS
// channel with a push-only SSE fallback. Exactly one channel is active at
// a time. Connection failures degrade to cached data; they are never
// surfaced to callers as errors.
package transport

// State is the connector's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
