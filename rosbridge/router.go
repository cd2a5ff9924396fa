package rosbridge

// route decodes one inbound frame and dispatches it: topic frames to the
// matching subscription handler, service_response frames to their one-shot
// pending handler, status frames to the status handler. Malformed frames and
// frames matching no local consumer are dropped silently; they are never
// fatal to the receive loop.
func (client *Client) route(data []byte) {
	frame, err := decodeInbound(data)
	if err != nil {
		client.logger.Debug("dropping malformed frame", "error", NewError(ProtocolError, err))
		return
	}

	switch {
	case frame.Topic != "":
		if len(frame.Msg) == 0 {
			client.logger.Debug("dropping topic frame without msg", "topic", frame.Topic)
			return
		}
		entry := client.subscriptions.find(frame.Topic)
		if entry == nil {
			client.logger.Debug("dropping frame for unsubscribed topic", "topic", frame.Topic)
			return
		}
		client.invoke(frame.Topic, func() { entry.handler(frame.Msg) })

	case frame.Op == opServiceResponse:
		if frame.ID == "" {
			client.logger.Debug("dropping service response without id")
			return
		}
		handler, exists := client.pendingCalls.take(frame.ID)
		if !exists {
			client.logger.Debug("dropping service response with unknown id", "id", frame.ID)
			return
		}
		client.invoke("service:"+frame.ID, func() { handler(frame.Values) })

	case frame.Op == opStatus:
		client.handleStatus(frame)

	default:
		client.logger.Debug("dropping unroutable frame", "op", frame.Op)
	}
}

// invoke runs one handler with panic isolation. A slow handler still delays
// subsequent deliveries (frames are handed off in receive order), but a
// faulting one must never stop the receive loop.
func (client *Client) invoke(route string, handler func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			client.logger.Error("handler panicked",
				"route", route,
				"error", NewError(MessageHandlerError, recovered))
		}
	}()
	handler()
}
