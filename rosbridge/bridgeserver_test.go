package rosbridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// recordedFrame is one client frame as seen by the fake bridge, tagged with
// the ordinal of the connection that carried it.
type recordedFrame struct {
	conn  int
	frame map[string]interface{}
}

// bridgeServer is an in-process stand-in for a rosbridge endpoint. It records
// every frame the client sends and can push frames or kill connections to
// exercise the reconnect machinery. The WebSocket layer answers pings with
// pongs, which satisfies the client's liveness probe.
type bridgeServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	lock      sync.Mutex
	conns     []*websocket.Conn
	connCount int
	attempts  int
	frames    []recordedFrame
	reject    bool
	frameCh   chan recordedFrame
}

func newBridgeServer(t *testing.T) *bridgeServer {
	t.Helper()
	bridge := &bridgeServer{frameCh: make(chan recordedFrame, 256)}
	bridge.server = httptest.NewServer(http.HandlerFunc(bridge.handle))
	t.Cleanup(bridge.close)
	return bridge
}

func (bridge *bridgeServer) url() string {
	return "ws" + strings.TrimPrefix(bridge.server.URL, "http")
}

func (bridge *bridgeServer) close() {
	bridge.dropConnections()
	bridge.server.Close()
}

func (bridge *bridgeServer) handle(w http.ResponseWriter, r *http.Request) {
	bridge.lock.Lock()
	bridge.attempts++
	if bridge.reject {
		bridge.lock.Unlock()
		http.Error(w, "bridge unavailable", http.StatusServiceUnavailable)
		return
	}
	bridge.lock.Unlock()

	conn, err := bridge.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	bridge.lock.Lock()
	bridge.connCount++
	ordinal := bridge.connCount
	bridge.conns = append(bridge.conns, conn)
	bridge.lock.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame map[string]interface{}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		recorded := recordedFrame{conn: ordinal, frame: frame}
		bridge.lock.Lock()
		bridge.frames = append(bridge.frames, recorded)
		bridge.lock.Unlock()
		select {
		case bridge.frameCh <- recorded:
		default:
		}
	}
}

// push writes a raw frame to the newest live connection.
func (bridge *bridgeServer) push(t *testing.T, frame string) {
	t.Helper()
	bridge.lock.Lock()
	var conn *websocket.Conn
	if len(bridge.conns) > 0 {
		conn = bridge.conns[len(bridge.conns)-1]
	}
	bridge.lock.Unlock()

	if conn == nil {
		t.Fatalf("push: no live bridge connection")
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("push failed: %v", err)
	}
}

// dropConnections closes every server-side socket, simulating a link drop.
func (bridge *bridgeServer) dropConnections() {
	bridge.lock.Lock()
	conns := bridge.conns
	bridge.conns = nil
	bridge.lock.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (bridge *bridgeServer) setReject(reject bool) {
	bridge.lock.Lock()
	bridge.reject = reject
	bridge.lock.Unlock()
}

func (bridge *bridgeServer) connections() int {
	bridge.lock.Lock()
	defer bridge.lock.Unlock()
	return bridge.connCount
}

// dialAttempts counts every handshake the client tried, rejected ones
// included.
func (bridge *bridgeServer) dialAttempts() int {
	bridge.lock.Lock()
	defer bridge.lock.Unlock()
	return bridge.attempts
}

func (bridge *bridgeServer) recorded() []recordedFrame {
	bridge.lock.Lock()
	defer bridge.lock.Unlock()
	return append([]recordedFrame(nil), bridge.frames...)
}

// waitFrame blocks until the client sends a frame matching the predicate.
func (bridge *bridgeServer) waitFrame(t *testing.T, what string, match func(map[string]interface{}) bool) map[string]interface{} {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case recorded := <-bridge.frameCh:
			if match(recorded.frame) {
				return recorded.frame
			}
		case <-deadline:
			t.Fatalf("timed out waiting for frame: %s", what)
			return nil
		}
	}
}

func opMatcher(op string, topic string) func(map[string]interface{}) bool {
	return func(frame map[string]interface{}) bool {
		if frame["op"] != op {
			return false
		}
		return topic == "" || frame["topic"] == topic
	}
}

// newTestClient builds a client pointed at the fake bridge with fast
// reconnect timing and guarantees teardown before the server closes.
func newTestClient(t *testing.T, bridge *bridgeServer) *Client {
	t.Helper()
	client, err := NewClient(bridge.url())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	client.SetReconnectPolicy(ReconnectPolicy{
		Enabled:      true,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2,
	})
	client.SetProbeTimeout(2 * time.Second)
	t.Cleanup(client.Disconnect)
	return client
}

// stateRecorder captures every state transition on a buffered channel.
func stateRecorder(client *Client) <-chan ConnectionState {
	states := make(chan ConnectionState, 256)
	client.SetStateHandler(func(state ConnectionState) {
		select {
		case states <- state:
		default:
		}
	})
	return states
}

// waitState blocks until the recorder observes the wanted state kind.
func waitState(t *testing.T, states <-chan ConnectionState, kind ConnectionStateKind) ConnectionState {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case state := <-states:
			if state.Kind == kind {
				return state
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state kind %d", kind)
			return ConnectionState{}
		}
	}
}
