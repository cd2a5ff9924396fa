package main

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type testConn struct {
	conn   *websocket.Conn
	frames chan frame
}

func dialBridge(t *testing.T, server *httptest.Server) *testConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	tc := &testConn{conn: conn, frames: make(chan frame, 64)}
	go func() {
		for {
			var in frame
			if err := conn.ReadJSON(&in); err != nil {
				close(tc.frames)
				return
			}
			tc.frames <- in
		}
	}()
	return tc
}

func (tc *testConn) send(t *testing.T, raw string) {
	t.Helper()
	if err := tc.conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func (tc *testConn) next(t *testing.T, what string) frame {
	t.Helper()
	select {
	case in, ok := <-tc.frames:
		if !ok {
			t.Fatalf("connection closed while waiting for %s", what)
		}
		return in
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return frame{}
	}
}

func (tc *testConn) expectSilence(t *testing.T, what string) {
	t.Helper()
	select {
	case in := <-tc.frames:
		t.Fatalf("unexpected frame while expecting %s: %+v", what, in)
	case <-time.After(100 * time.Millisecond):
	}
}

func newTestServer(t *testing.T, configure func(*bridge)) *httptest.Server {
	t.Helper()
	b := newBridge()
	if configure != nil {
		configure(b)
	}
	server := httptest.NewServer(b)
	t.Cleanup(server.Close)
	return server
}

func TestPublishFansOutToSubscribers(t *testing.T) {
	server := newTestServer(t, nil)
	publisher := dialBridge(t, server)
	subscriber := dialBridge(t, server)
	bystander := dialBridge(t, server)

	subscriber.send(t, `{"op":"subscribe","id":"s1","topic":"/scan"}`)
	bystander.send(t, `{"op":"subscribe","id":"s2","topic":"/odom"}`)
	time.Sleep(50 * time.Millisecond)

	publisher.send(t, `{"op":"publish","topic":"/scan","msg":{"ranges":[1.5]}}`)

	delivered := subscriber.next(t, "topic delivery")
	if delivered.Topic != "/scan" || string(delivered.Msg) != `{"ranges":[1.5]}` {
		t.Fatalf("delivery frame = %+v", delivered)
	}
	bystander.expectSilence(t, "no cross-topic delivery")
	publisher.expectSilence(t, "no echo to the publisher")
}

func TestUnsubscribeStopsFanout(t *testing.T) {
	server := newTestServer(t, nil)
	publisher := dialBridge(t, server)
	subscriber := dialBridge(t, server)

	subscriber.send(t, `{"op":"subscribe","id":"s1","topic":"/scan"}`)
	time.Sleep(50 * time.Millisecond)
	publisher.send(t, `{"op":"publish","topic":"/scan","msg":{"n":1}}`)
	subscriber.next(t, "first delivery")

	subscriber.send(t, `{"op":"unsubscribe","id":"s1","topic":"/scan"}`)
	time.Sleep(50 * time.Millisecond)
	publisher.send(t, `{"op":"publish","topic":"/scan","msg":{"n":2}}`)
	subscriber.expectSilence(t, "delivery after unsubscribe")
}

func TestThrottleRateSuppressesBursts(t *testing.T) {
	server := newTestServer(t, nil)
	publisher := dialBridge(t, server)
	subscriber := dialBridge(t, server)

	subscriber.send(t, `{"op":"subscribe","id":"s1","topic":"/scan","throttle_rate":5000}`)
	time.Sleep(50 * time.Millisecond)

	publisher.send(t, `{"op":"publish","topic":"/scan","msg":{"n":1}}`)
	publisher.send(t, `{"op":"publish","topic":"/scan","msg":{"n":2}}`)

	first := subscriber.next(t, "first delivery")
	if string(first.Msg) != `{"n":1}` {
		t.Fatalf("first delivery = %+v", first)
	}
	subscriber.expectSilence(t, "throttled second delivery")
}

func TestCallServiceEchoesArgsByDefault(t *testing.T) {
	server := newTestServer(t, nil)
	client := dialBridge(t, server)

	client.send(t, `{"op":"call_service","id":"c1","service":"/anything","args":{"x":1}}`)
	response := client.next(t, "service_response")
	if response.Op != "service_response" || response.ID != "c1" {
		t.Fatalf("response = %+v", response)
	}
	if string(response.Values) != `{"x":1}` {
		t.Fatalf("echoed values = %s", response.Values)
	}

	// Without args the response values default to an empty object.
	client.send(t, `{"op":"call_service","id":"c2","service":"/anything"}`)
	if response := client.next(t, "service_response"); string(response.Values) != `{}` {
		t.Fatalf("argless values = %s", response.Values)
	}
}

func TestCallServiceCannedResponse(t *testing.T) {
	server := newTestServer(t, func(b *bridge) {
		if err := b.registerService(`/rosapi/topics={"topics":["/scan","/odom"]}`); err != nil {
			t.Fatalf("registerService: %v", err)
		}
	})
	client := dialBridge(t, server)

	client.send(t, `{"op":"call_service","id":"c1","service":"/rosapi/topics","args":{"ignored":true}}`)
	response := client.next(t, "service_response")
	if string(response.Values) != `{"topics":["/scan","/odom"]}` {
		t.Fatalf("canned values = %s", response.Values)
	}
}

func TestRegisterServiceRejectsBadSpecs(t *testing.T) {
	b := newBridge()
	for _, spec := range []string{"", "no-equals", "=missing-name", `/svc=not json`} {
		if err := b.registerService(spec); err == nil {
			t.Fatalf("registerService(%q) should fail", spec)
		}
	}
}

func TestStatusFilteringFollowsSetLevel(t *testing.T) {
	server := newTestServer(t, nil)
	client := dialBridge(t, server)

	// Default level is error: an unknown op is reported.
	client.send(t, `{"op":"bogus"}`)
	status := client.next(t, "error status")
	if status.Op != "status" || status.Level != "error" {
		t.Fatalf("status = %+v", status)
	}
	var text string
	if err := json.Unmarshal(status.Msg, &text); err != nil || !strings.Contains(text, "bogus") {
		t.Fatalf("status text = %s", status.Msg)
	}

	// After set_level none, the same violation is silent.
	client.send(t, `{"op":"set_level","level":"none"}`)
	time.Sleep(50 * time.Millisecond)
	client.send(t, `{"op":"bogus"}`)
	client.expectSilence(t, "status after set_level none")
}

func TestStrictModeRejectsUnadvertisedPublish(t *testing.T) {
	server := newTestServer(t, func(b *bridge) { b.strict = true })
	client := dialBridge(t, server)

	client.send(t, `{"op":"subscribe","id":"s1","topic":"/scan"}`)
	time.Sleep(50 * time.Millisecond)

	client.send(t, `{"op":"publish","topic":"/scan","msg":{"n":1}}`)
	status := client.next(t, "unadvertised publish status")
	if status.Op != "status" || status.Level != "error" {
		t.Fatalf("status = %+v", status)
	}

	client.send(t, `{"op":"advertise","topic":"/scan","type":"sensor_msgs/LaserScan"}`)
	time.Sleep(50 * time.Millisecond)
	client.send(t, `{"op":"publish","topic":"/scan","msg":{"n":2}}`)
	delivered := client.next(t, "delivery after advertise")
	if delivered.Topic != "/scan" || string(delivered.Msg) != `{"n":2}` {
		t.Fatalf("delivery = %+v", delivered)
	}
}
