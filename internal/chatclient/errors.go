package chatclient

import "errors"

var (
	// ErrTransportUnavailable is returned when an outbound event cannot be
	// sent and, per policy, cannot be queued either: ephemeral signals while
	// disconnected, or message sends once the bounded queue is full.
	ErrTransportUnavailable = errors.New("chatclient: transport unavailable")

	// ErrDeliveryTimeout marks a send whose relay ack did not arrive within
	// the configured bound. The message is failed and user-retriable.
	ErrDeliveryTimeout = errors.New("chatclient: delivery ack timeout")

	// ErrHistoryFetchFailed wraps REST history failures. The room renders an
	// empty state with a retry affordance, never a global error.
	ErrHistoryFetchFailed = errors.New("chatclient: history fetch failed")
)
