package rosbridge

import (
	"encoding/json"
	"errors"
)

// rosbridge v2.0 operation names.
const (
	opAdvertise       = "advertise"
	opUnadvertise     = "unadvertise"
	opPublish         = "publish"
	opSubscribe       = "subscribe"
	opUnsubscribe     = "unsubscribe"
	opCallService     = "call_service"
	opServiceResponse = "service_response"
	opStatus          = "status"
	opSetLevel        = "set_level"
)

// outboundFrame is the JSON envelope shared by every client-originated
// operation. Optional fields are omitted so each op keeps its minimal
// v2.0 shape on the wire.
type outboundFrame struct {
	Op           string          `json:"op"`
	ID           string          `json:"id,omitempty"`
	Topic        string          `json:"topic,omitempty"`
	Type         string          `json:"type,omitempty"`
	Msg          json.RawMessage `json:"msg,omitempty"`
	Service      string          `json:"service,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	ThrottleRate uint            `json:"throttle_rate,omitempty"`
	Level        string          `json:"level,omitempty"`
}

func encodeAdvertise(topic string, messageType string) ([]byte, error) {
	return json.Marshal(outboundFrame{Op: opAdvertise, Topic: topic, Type: messageType})
}

func encodeUnadvertise(topic string) ([]byte, error) {
	return json.Marshal(outboundFrame{Op: opUnadvertise, Topic: topic})
}

func encodePublish(topic string, message interface{}) ([]byte, error) {
	raw, err := marshalPayload(message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(outboundFrame{Op: opPublish, Topic: topic, Msg: raw})
}

func encodeSubscribe(id string, topic string, messageType string, throttleRate uint) ([]byte, error) {
	return json.Marshal(outboundFrame{
		Op:           opSubscribe,
		ID:           id,
		Topic:        topic,
		Type:         messageType,
		ThrottleRate: throttleRate,
	})
}

func encodeUnsubscribe(topic string, id string) ([]byte, error) {
	return json.Marshal(outboundFrame{Op: opUnsubscribe, Topic: topic, ID: id})
}

func encodeCallService(id string, service string, args interface{}) ([]byte, error) {
	frame := outboundFrame{Op: opCallService, ID: id, Service: service}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		frame.Args = raw
	}
	return json.Marshal(frame)
}

func encodeSetLevel(level string) ([]byte, error) {
	return json.Marshal(outboundFrame{Op: opSetLevel, Level: level})
}

// marshalPayload serializes an opaque message body. A nil body becomes the
// empty object because publish requires a msg object on the wire.
func marshalPayload(message interface{}) (json.RawMessage, error) {
	if message == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(message)
}

// inboundFrame is the decoded generic envelope of a server frame. Routing
// keys off field presence as much as op: topic delivery frames are matched
// by their topic field.
type inboundFrame struct {
	Op     string          `json:"op"`
	ID     string          `json:"id"`
	Topic  string          `json:"topic"`
	Msg    json.RawMessage `json:"msg"`
	Values json.RawMessage `json:"values"`
	Level  string          `json:"level"`
}

// decodeInbound parses one server frame. Both text and binary WebSocket
// frames carry UTF-8 JSON, so the caller passes raw payload bytes either way.
func decodeInbound(data []byte) (*inboundFrame, error) {
	if len(data) == 0 {
		return nil, errors.New("empty frame")
	}

	frame := new(inboundFrame)
	if err := json.Unmarshal(data, frame); err != nil {
		return nil, err
	}
	return frame, nil
}
