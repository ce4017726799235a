package transport

import "errors"

// Error classes brokers wrap their client errors in, so the runtime can react
// with errors.Is without knowing the client library.
var (
	// ErrQueueDoesNotExist means the queue vanished underneath a consumer.
	// The runtime re-binds (topic, queue, subscription) and resumes.
	ErrQueueDoesNotExist = errors.New("transport: queue does not exist")
	// ErrDisconnected covers broker unreachable, timeouts and expired
	// credentials. Consumers back off and retry indefinitely.
	ErrDisconnected = errors.New("transport: broker disconnected")
	// ErrClosed is returned by brokers and queues after Close.
	ErrClosed = errors.New("transport: broker closed")
	// ErrUnknownDelivery is returned when a delivery did not come from the queue.
	ErrUnknownDelivery = errors.New("transport: unknown delivery")
)

// IsTransient reports whether err is worth retrying after a pause.
func IsTransient(err error) bool {
	return errors.Is(err, ErrDisconnected)
}
