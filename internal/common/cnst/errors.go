package cnst

import "errors"

var (
	// ErrNotConnected is returned when an outbound call requires an active connection
	ErrNotConnected = errors.New("not connected")
	// ErrAuthFailed is returned when the server rejects the connect handshake
	ErrAuthFailed = errors.New("authentication failed")
	// ErrMaxReconnect is returned once the reconnect attempt budget is exhausted
	ErrMaxReconnect = errors.New("max reconnect attempts exceeded")
	// ErrQueueClosed is returned when sending on a torn-down connection
	ErrQueueClosed = errors.New("outbound queue closed")

	// ErrDocumentNotJoined is returned when applying an operation to a document the client has not joined
	ErrDocumentNotJoined = errors.New("document not joined")
	// ErrUnknownOperationType is returned for operation types outside insert/delete/replace
	ErrUnknownOperationType = errors.New("unknown operation type")

	// ErrSessionNotFound is returned when a session id is not registered
	ErrSessionNotFound = errors.New("session not found")
	// ErrPollNotFound is returned when a poll id is not registered in the session
	ErrPollNotFound = errors.New("poll not found")
	// ErrPollClosed is returned when casting a vote after the poll end time
	ErrPollClosed = errors.New("poll closed")
	// ErrNotHost is returned when a non-host attempts a host-only session action
	ErrNotHost = errors.New("only the session host may perform this action")
	// ErrSessionEnded is returned when mutating a session that has ended
	ErrSessionEnded = errors.New("session ended")

	// ErrNotificationNotFound is returned when marking an unknown notification id
	ErrNotificationNotFound = errors.New("notification not found")

	// ErrPresenceNotFound is returned when no record exists for the user
	ErrPresenceNotFound = errors.New("presence record not found")
)
