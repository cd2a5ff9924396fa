package rosbridge

import "encoding/json"

// Status levels accepted by SetStatusLevel.
const (
	StatusLevelNone    = "none"
	StatusLevelError   = "error"
	StatusLevelWarning = "warning"
	StatusLevelInfo    = "info"
)

// Status is a rosbridge status frame: operational diagnostics emitted by the
// server, distinct from topic traffic.
type Status struct {
	Level string
	Text  string
	ID    string
}

// SetStatusHandler registers a handler for inbound status frames. Without
// one, status frames are logged and dropped.
func (client *Client) SetStatusHandler(handler func(Status)) *Client {
	client.lock.Lock()
	client.statusHandler = handler
	client.lock.Unlock()
	return client
}

// SetStatusLevel asks the bridge to filter the status frames it emits to the
// given verbosity. The level is remembered and re-applied on every
// reconnect.
func (client *Client) SetStatusLevel(level string) error {
	switch level {
	case StatusLevelNone, StatusLevelError, StatusLevelWarning, StatusLevelInfo:
	default:
		return NewError(CommandError, "invalid status level: "+level)
	}

	frame, err := encodeSetLevel(level)
	if err != nil {
		return NewError(CommandError, err)
	}

	client.lock.Lock()
	client.statusLevel = level
	client.lock.Unlock()

	client.sendBestEffort(frame)
	return nil
}

func (client *Client) handleStatus(frame *inboundFrame) {
	status := Status{Level: frame.Level, ID: frame.ID}
	if len(frame.Msg) > 0 {
		// The status text rides in "msg" as a plain JSON string.
		_ = json.Unmarshal(frame.Msg, &status.Text)
	}

	client.lock.Lock()
	handler := client.statusHandler
	client.lock.Unlock()

	if handler == nil {
		client.logger.Info("bridge status", "level", status.Level, "msg", status.Text)
		return
	}
	client.invoke("status", func() { handler(status) })
}
