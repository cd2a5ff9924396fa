package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// statusRank orders the status levels for set_level filtering. Frames below
// the session's level are suppressed.
var statusRank = map[string]int{
	"none":    0,
	"error":   1,
	"warning": 2,
	"info":    3,
}

// frame is the superset of every rosbridge v2.0 frame this responder handles,
// inbound and outbound.
type frame struct {
	Op           string          `json:"op,omitempty"`
	ID           string          `json:"id,omitempty"`
	Topic        string          `json:"topic,omitempty"`
	Type         string          `json:"type,omitempty"`
	Msg          json.RawMessage `json:"msg,omitempty"`
	Service      string          `json:"service,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	Values       json.RawMessage `json:"values,omitempty"`
	ThrottleRate uint            `json:"throttle_rate,omitempty"`
	Level        string          `json:"level,omitempty"`
}

// topicSub is one session's subscription to one topic.
type topicSub struct {
	id           string
	throttleRate uint
	lastDelivery time.Time
}

// session is one connected client.
type session struct {
	conn      *websocket.Conn
	writeLock sync.Mutex

	lock          sync.Mutex
	subscriptions map[string]*topicSub
	advertised    map[string]string
	statusLevel   string
}

func (s *session) writeFrame(out *frame) error {
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// bridge is the shared server state: every live session plus the canned
// service table.
type bridge struct {
	upgrader websocket.Upgrader

	logConn bool
	latency time.Duration
	strict  bool

	lock     sync.Mutex
	sessions map[*session]struct{}
	services map[string]json.RawMessage
}

func newBridge() *bridge {
	return &bridge{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[*session]struct{}),
		services: make(map[string]json.RawMessage),
	}
}

// registerService parses a 'name=jsonValues' spec into the canned response
// table.
func (b *bridge) registerService(spec string) error {
	name, values, ok := strings.Cut(spec, "=")
	if !ok || name == "" {
		return fmt.Errorf("want 'name=jsonValues'")
	}
	if !json.Valid([]byte(values)) {
		return fmt.Errorf("values are not valid JSON")
	}
	b.lock.Lock()
	b.services[name] = json.RawMessage(values)
	b.lock.Unlock()
	return nil
}

func (b *bridge) closeAll() {
	b.lock.Lock()
	defer b.lock.Unlock()
	for s := range b.sessions {
		_ = s.conn.Close()
	}
}

func (b *bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s := &session{
		conn:          conn,
		subscriptions: make(map[string]*topicSub),
		advertised:    make(map[string]string),
		statusLevel:   "error",
	}
	b.lock.Lock()
	b.sessions[s] = struct{}{}
	b.lock.Unlock()
	if b.logConn {
		log.Printf("fakebridge: client connected from %s", conn.RemoteAddr())
	}

	defer func() {
		b.lock.Lock()
		delete(b.sessions, s)
		b.lock.Unlock()
		_ = conn.Close()
		if b.logConn {
			log.Printf("fakebridge: client from %s disconnected", conn.RemoteAddr())
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		b.dispatch(s, data)
	}
}

func (b *bridge) dispatch(s *session, data []byte) {
	var in frame
	if err := json.Unmarshal(data, &in); err != nil {
		b.status(s, "error", "", "Unable to parse frame: "+err.Error())
		return
	}
	if b.latency > 0 {
		time.Sleep(b.latency)
	}

	switch in.Op {
	case "advertise":
		s.lock.Lock()
		s.advertised[in.Topic] = in.Type
		s.lock.Unlock()
	case "unadvertise":
		s.lock.Lock()
		delete(s.advertised, in.Topic)
		s.lock.Unlock()
	case "publish":
		b.publish(s, &in)
	case "subscribe":
		s.lock.Lock()
		s.subscriptions[in.Topic] = &topicSub{id: in.ID, throttleRate: in.ThrottleRate}
		s.lock.Unlock()
	case "unsubscribe":
		s.lock.Lock()
		delete(s.subscriptions, in.Topic)
		s.lock.Unlock()
	case "call_service":
		b.callService(s, &in)
	case "set_level":
		if _, known := statusRank[in.Level]; !known {
			b.status(s, "error", in.ID, "Unknown status level: "+in.Level)
			return
		}
		s.lock.Lock()
		s.statusLevel = in.Level
		s.lock.Unlock()
	default:
		b.status(s, "error", in.ID, "Unknown operation: "+in.Op)
	}
}

// publish fans the message out to every session subscribed to the topic,
// honoring each subscription's throttle_rate.
func (b *bridge) publish(from *session, in *frame) {
	if b.strict {
		from.lock.Lock()
		_, advertised := from.advertised[in.Topic]
		from.lock.Unlock()
		if !advertised {
			b.status(from, "error", in.ID, "Cannot publish on unadvertised topic: "+in.Topic)
			return
		}
	}

	msg := in.Msg
	if msg == nil {
		msg = json.RawMessage(`{}`)
	}

	b.lock.Lock()
	targets := make([]*session, 0, len(b.sessions))
	for s := range b.sessions {
		targets = append(targets, s)
	}
	b.lock.Unlock()

	now := time.Now()
	for _, s := range targets {
		s.lock.Lock()
		sub, subscribed := s.subscriptions[in.Topic]
		if subscribed && sub.throttleRate > 0 {
			if now.Sub(sub.lastDelivery) < time.Duration(sub.throttleRate)*time.Millisecond {
				subscribed = false
			}
		}
		if subscribed {
			sub.lastDelivery = now
		}
		s.lock.Unlock()
		if !subscribed {
			continue
		}
		_ = s.writeFrame(&frame{Topic: in.Topic, Msg: msg})
	}
}

// callService answers with the canned values registered for the service, or
// echoes the request args when none are. The response carries the request id
// so clients can correlate.
func (b *bridge) callService(s *session, in *frame) {
	if in.Service == "" {
		b.status(s, "error", in.ID, "call_service without a service name")
		return
	}

	b.lock.Lock()
	values, canned := b.services[in.Service]
	b.lock.Unlock()
	if !canned {
		values = in.Args
		if values == nil {
			values = json.RawMessage(`{}`)
		}
	}

	_ = s.writeFrame(&frame{Op: "service_response", ID: in.ID, Values: values})
}

// status emits a status frame unless the session's set_level filters it out.
func (b *bridge) status(s *session, level string, id string, text string) {
	s.lock.Lock()
	threshold := statusRank[s.statusLevel]
	s.lock.Unlock()
	if rank := statusRank[level]; rank == 0 || rank > threshold {
		return
	}

	msg, _ := json.Marshal(text)
	_ = s.writeFrame(&frame{Op: "status", ID: id, Level: level, Msg: msg})
}
