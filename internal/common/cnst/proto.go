package cnst

// MessageType identifies the kind of traffic carried by an envelope.
type MessageType string

const (
	MsgPresenceUpdate    MessageType = "presence:update"
	MsgPresenceJoin      MessageType = "presence:join"
	MsgPresenceLeave     MessageType = "presence:leave"
	MsgDocumentOperation MessageType = "document:operation"
	MsgDocumentCursor    MessageType = "document:cursor"
	MsgSessionVote       MessageType = "session:vote"
	MsgSessionChat       MessageType = "session:chat"
	MsgNotificationPush  MessageType = "notification:push"
	MsgSystemHeartbeat   MessageType = "system:heartbeat"
)

func (t MessageType) String() string {
	return string(t)
}

// ConnState is the lifecycle state of the logical connection.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
	ConnClosed       ConnState = "closed"
	// ConnError is the terminal state after the reconnect budget is
	// exhausted; recovery requires a caller-initiated Connect.
	ConnError ConnState = "connectionError"
)

func (s ConnState) String() string {
	return string(s)
}

// PresenceStatus is the broadcast availability of a user.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// SessionStatus is the lifecycle state of a collaborative session.
type SessionStatus string

const (
	SessionScheduled SessionStatus = "scheduled"
	SessionActive    SessionStatus = "active"
	SessionEnded     SessionStatus = "ended"
)

// NotificationPriority orders notifications for display.
type NotificationPriority string

const (
	PriorityLow    NotificationPriority = "low"
	PriorityMedium NotificationPriority = "medium"
	PriorityHigh   NotificationPriority = "high"
)
