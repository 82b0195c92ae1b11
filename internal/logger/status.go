package logger

// Status is a coarse state the session reports to a UI shell, separate
// from structured log output - the "status reporting via callback"
// pattern UNCaGED's Client.UpdateStatus follows.
type Status int

const (
	StatusDisconnected Status = iota
	StatusHandshaking
	StatusReady
	StatusReceivingBook
	StatusSendingBook
	StatusSyncingCollections
)

// StatusUpdate is one message sent on a session's status channel.
type StatusUpdate struct {
	Status   Status
	Progress int // 0-100, or -1 if not applicable
	Detail   string
}

// StatusReporter delivers StatusUpdate values to a UI shell. The
// protocol session calls Report; a nil StatusReporter is valid and
// simply drops updates.
type StatusReporter interface {
	Report(StatusUpdate)
}

// ChannelReporter is a StatusReporter backed by a buffered channel, for
// callers that want to poll rather than implement the interface.
type ChannelReporter chan StatusUpdate

// Report sends u, dropping it if the channel is full rather than
// blocking the protocol session on a slow UI consumer.
func (c ChannelReporter) Report(u StatusUpdate) {
	select {
	case c <- u:
	default:
	}
}
