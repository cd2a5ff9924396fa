package rosbridge

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultProbeTimeout = 5 * time.Second
	writeWait           = 10 * time.Second
	closeGrace          = 500 * time.Millisecond

	// maxFrameSize bounds a single inbound frame against a misbehaving
	// server. Camera frames over rosbridge can be large, so the limit is
	// generous.
	maxFrameSize = 64 << 20

	// frameChannelDepth buffers inbound frames between the read pump and the
	// delivery goroutine. A full channel applies backpressure to the socket.
	frameChannelDepth = 256
)

// SubscribeOptions carries the optional fields of a subscribe operation.
// MessageType lets rosbridge resolve a topic before its first publisher
// exists; ThrottleRate is the minimum interval between deliveries in
// milliseconds.
type SubscribeOptions struct {
	MessageType  string
	ThrottleRate uint
}

// Client manages a single logical rosbridge connection, its registries, and
// the reconnect machinery that replays them after a dropped socket.
type Client struct {
	endpoint *url.URL
	clientID string
	logger   *slog.Logger

	// lock serializes the state machine: socket ownership, the attempt
	// counter, the intentional-disconnect flag, the connect epoch, and the
	// reconnect timer. Receive-driven and caller-driven transitions both
	// take it, so whichever observes the intentional flag set skips
	// scheduling a reconnect.
	lock           sync.Mutex
	conn           *websocket.Conn
	policy         ReconnectPolicy
	probeTimeout   time.Duration
	attempt        uint
	intentional    bool
	epoch          uint64
	reconnectTimer *time.Timer
	statusHandler  func(Status)
	statusLevel    string

	// writeLock serializes frame writes on the duplex socket; reads and
	// writes may otherwise run concurrently.
	writeLock sync.Mutex

	nextID uint64

	states         *stateCell
	subscriptions  *subscriptionRegistry
	advertisements *advertisementRegistry
	pendingCalls   *pendingCallTable
}

// NewClient validates the endpoint and returns a disconnected client. The
// endpoint must be an absolute ws:// or wss:// URL; anything else fails
// construction because no later operation could succeed against it.
func NewClient(endpoint string) (*Client, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, NewError(InvalidURIError, err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, NewError(InvalidURIError, "endpoint scheme must be ws or wss: "+endpoint)
	}
	if parsed.Host == "" {
		return nil, NewError(InvalidURIError, "endpoint host missing: "+endpoint)
	}

	clientID := uuid.NewString()
	return &Client{
		endpoint:       parsed,
		clientID:       clientID,
		logger:         slog.Default().With("rosbridge_client", clientID),
		policy:         DefaultReconnectPolicy(),
		probeTimeout:   defaultProbeTimeout,
		states:         &stateCell{current: ConnectionState{Kind: StateDisconnected}},
		subscriptions:  newSubscriptionRegistry(),
		advertisements: newAdvertisementRegistry(),
		pendingCalls:   newPendingCallTable(),
	}, nil
}

// ClientID returns the process-unique identifier attached to this client's
// log lines.
func (client *Client) ClientID() string { return client.clientID }

// Endpoint returns the configured bridge endpoint.
func (client *Client) Endpoint() string { return client.endpoint.String() }

// State returns the current connection state.
func (client *Client) State() ConnectionState { return client.states.get() }

// SetStateHandler registers an observer for connection state changes. The
// handler runs synchronously on the state machine's critical path: it
// observes Reconnecting(n) before the backoff timer is armed and Connected
// only after registry replay completes. It must not call back into the
// client's lifecycle or data-flow methods.
func (client *Client) SetStateHandler(handler func(ConnectionState)) *Client {
	if handler != nil {
		client.states.watch(handler)
	}
	return client
}

// SetLogger sets the logger used for dropped frames, transport errors, and
// reconnect activity.
func (client *Client) SetLogger(logger *slog.Logger) *Client {
	if logger != nil {
		client.logger = logger.With("rosbridge_client", client.clientID)
	}
	return client
}

// SetReconnectPolicy replaces the backoff parameters. The policy is
// immutable once a connect sequence starts; calls made after that are
// ignored until the client is back in Disconnected or Failed.
func (client *Client) SetReconnectPolicy(policy ReconnectPolicy) *Client {
	client.lock.Lock()
	defer client.lock.Unlock()

	switch client.states.get().Kind {
	case StateDisconnected, StateFailed:
		client.policy = policy
	default:
		client.logger.Warn("ignoring reconnect policy change during active connect sequence")
	}
	return client
}

// SetProbeTimeout sets how long the liveness probe waits for the server's
// pong before the connection attempt is treated as failed.
func (client *Client) SetProbeTimeout(timeout time.Duration) *Client {
	if timeout > 0 {
		client.lock.Lock()
		client.probeTimeout = timeout
		client.lock.Unlock()
	}
	return client
}

// makeID returns the next correlation id. Subscriptions and service calls
// share the counter space; their registries tell them apart.
func (client *Client) makeID() string {
	return strconv.FormatUint(atomic.AddUint64(&client.nextID, 1), 10)
}

// Connect opens the WebSocket, probes it end to end, replays registered
// state, and starts the receive loop. It resets the attempt counter and
// clears any intentional-disconnect flag; a pending reconnect timer is
// cancelled so the fresh sequence owns the retry schedule. On failure the
// reconnect machinery is armed per the policy and the first attempt's error
// is returned; later transient errors surface only through the state.
func (client *Client) Connect() error {
	client.lock.Lock()
	if client.conn != nil {
		client.lock.Unlock()
		return NewError(AlreadyConnectedError)
	}
	client.intentional = false
	client.attempt = 0
	client.epoch++
	epoch := client.epoch
	client.stopReconnectTimerLocked()
	client.lock.Unlock()

	return client.establish(epoch)
}

// Disconnect is idempotent: it sets the intentional-disconnect flag, cancels
// any pending reconnect timer, closes the socket if open, and forces the
// state to Disconnected. No background activity can mutate client state
// afterward until the next Connect.
func (client *Client) Disconnect() {
	client.lock.Lock()
	client.intentional = true
	client.epoch++
	client.stopReconnectTimerLocked()
	conn := client.conn
	client.conn = nil
	client.states.set(ConnectionState{Kind: StateDisconnected})
	client.lock.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(closeGrace))
		_ = conn.Close()
	}
}

// establish runs one full connect attempt: dial, liveness probe, registry
// replay, then frame delivery. Connect and the reconnect timer share it; the
// epoch ties the attempt to the sequence that started it so a stale attempt
// can never disturb a newer one.
func (client *Client) establish(epoch uint64) error {
	client.lock.Lock()
	if client.intentional || client.epoch != epoch {
		client.lock.Unlock()
		return NewError(DisconnectedError, "connect cancelled")
	}
	client.states.set(ConnectionState{Kind: StateConnecting})
	client.lock.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(client.endpoint.String(), nil)
	if err != nil {
		dialErr := NewError(ConnectionRefusedError, err)
		client.logger.Warn("dial failed", "endpoint", client.endpoint.String(), "error", err)
		client.connDown(nil, epoch, dialErr)
		return dialErr
	}
	conn.SetReadLimit(maxFrameSize)

	probed := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case probed <- struct{}{}:
		default:
		}
		return nil
	})

	client.lock.Lock()
	if client.intentional || client.epoch != epoch {
		client.lock.Unlock()
		_ = conn.Close()
		return NewError(DisconnectedError, "connect cancelled")
	}
	probeTimeout := client.probeTimeout
	client.conn = conn
	client.lock.Unlock()

	ready := make(chan struct{})
	abort := make(chan struct{})
	established := false
	defer func() {
		if !established {
			close(abort)
		}
	}()
	go client.readLoop(conn, epoch, ready, abort)

	// A completed WebSocket handshake does not prove the bridge is reachable
	// end to end; require a pong before declaring the connection live.
	if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		probeErr := NewError(ConnectionError, fmt.Sprintf("liveness probe send failed: %v", err))
		client.connDown(conn, epoch, probeErr)
		return probeErr
	}

	probeTimer := time.NewTimer(probeTimeout)
	defer probeTimer.Stop()
	select {
	case <-probed:
	case <-probeTimer.C:
		probeErr := NewError(ConnectionError, "liveness probe timed out")
		client.connDown(conn, epoch, probeErr)
		return probeErr
	}

	client.lock.Lock()
	if client.intentional || client.epoch != epoch || client.conn != conn {
		client.lock.Unlock()
		_ = conn.Close()
		return NewError(DisconnectedError, "connect cancelled")
	}
	if err := client.replayLocked(conn); err != nil {
		client.conn = nil
		client.lock.Unlock()
		_ = conn.Close()
		client.connDown(nil, epoch, err)
		return err
	}
	client.attempt = 0
	client.lock.Unlock()

	established = true
	close(ready)
	client.states.set(ConnectionState{Kind: StateConnected})
	client.logger.Info("connected", "endpoint", client.endpoint.String())
	return nil
}

// replayLocked resynchronizes a fresh socket: the stored status level first,
// then every advertisement, then every subscription with its original id,
// type, and throttle. Full replay, deterministic order, no partial state.
// Caller holds client.lock.
func (client *Client) replayLocked(conn *websocket.Conn) error {
	if client.statusLevel != "" {
		frame, err := encodeSetLevel(client.statusLevel)
		if err != nil {
			return NewError(CommandError, err)
		}
		if err := client.writeFrame(conn, frame); err != nil {
			return NewError(ConnectionError, err)
		}
	}

	for _, entry := range client.advertisements.snapshot() {
		frame, err := encodeAdvertise(entry.topic, entry.messageType)
		if err != nil {
			return NewError(CommandError, err)
		}
		if err := client.writeFrame(conn, frame); err != nil {
			return NewError(ConnectionError, err)
		}
	}

	for _, entry := range client.subscriptions.snapshot() {
		frame, err := encodeSubscribe(entry.id, entry.topic, entry.messageType, entry.throttleRate)
		if err != nil {
			return NewError(CommandError, err)
		}
		if err := client.writeFrame(conn, frame); err != nil {
			return NewError(ConnectionError, err)
		}
	}

	return nil
}

// readLoop pumps inbound frames for one socket into the delivery channel and
// reports the first read error. Pumping continuously keeps pong processing
// alive while the liveness probe and registry replay are still in flight;
// delivery itself is gated in deliverFrames.
func (client *Client) readLoop(conn *websocket.Conn, epoch uint64, ready <-chan struct{}, abort <-chan struct{}) {
	frames := make(chan []byte, frameChannelDepth)
	go client.deliverFrames(frames, ready, abort)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			close(frames)
			client.connDown(conn, epoch, NewError(ConnectionError, fmt.Sprintf("socket read error: %v", err)))
			return
		}
		frames <- data
	}
}

// deliverFrames hands inbound frames to the router in receive order once
// registry replay completes, including frames that arrived while setup was
// still in flight. Frames received on a connection whose setup failed are
// discarded with it.
func (client *Client) deliverFrames(frames <-chan []byte, ready <-chan struct{}, abort <-chan struct{}) {
	select {
	case <-ready:
	case <-abort:
		for range frames {
		}
		return
	}
	for data := range frames {
		client.route(data)
	}
}

// connDown tears down one socket and, unless the disconnect was
// caller-initiated or belongs to a stale connect sequence, consults the
// reconnect policy. The receive loop, the connect path, and failed sends all
// funnel here, so one socket produces at most one reconnect schedule.
func (client *Client) connDown(conn *websocket.Conn, epoch uint64, cause error) {
	client.lock.Lock()
	if client.epoch != epoch {
		client.lock.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if conn != nil {
		if client.conn != conn {
			client.lock.Unlock()
			_ = conn.Close()
			return
		}
		client.conn = nil
	}
	if client.intentional {
		client.lock.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	client.logger.Warn("connection lost", "error", cause)
	client.scheduleReconnectLocked(cause)
	client.lock.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// scheduleReconnectLocked advances the reconnect state machine after a
// failure. Caller holds client.lock.
func (client *Client) scheduleReconnectLocked(cause error) {
	detail := "connection lost"
	if cause != nil {
		detail = cause.Error()
	}

	if !client.policy.Enabled {
		client.states.set(ConnectionState{Kind: StateFailed, Message: "automatic reconnect disabled: " + detail})
		return
	}
	if client.policy.exhausted(client.attempt) {
		message := NewError(ReconnectExhaustedError,
			fmt.Sprintf("reconnect attempts exhausted after %d: %s", client.attempt, detail)).Error()
		client.logger.Error("giving up", "attempts", client.attempt, "error", cause)
		client.states.set(ConnectionState{Kind: StateFailed, Message: message})
		return
	}

	client.attempt++
	attempt := client.attempt
	delay := client.policy.Delay(attempt)
	epoch := client.epoch

	client.states.set(ConnectionState{Kind: StateReconnecting, Attempt: attempt})
	client.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)

	client.stopReconnectTimerLocked()
	client.reconnectTimer = time.AfterFunc(delay, func() {
		client.reconnectElapsed(epoch)
	})
}

// reconnectElapsed is the backoff timer callback. It reuses the connect path
// without resetting the attempt counter and steps aside if a disconnect or a
// fresh connect superseded it while it slept.
func (client *Client) reconnectElapsed(epoch uint64) {
	client.lock.Lock()
	if client.epoch != epoch || client.intentional || client.conn != nil {
		client.lock.Unlock()
		return
	}
	client.reconnectTimer = nil
	client.lock.Unlock()

	_ = client.establish(epoch)
}

func (client *Client) stopReconnectTimerLocked() {
	if client.reconnectTimer != nil {
		client.reconnectTimer.Stop()
		client.reconnectTimer = nil
	}
}

// writeFrame writes one text frame under the write lock with a deadline so a
// wedged peer cannot block the caller indefinitely.
func (client *Client) writeFrame(conn *websocket.Conn, frame []byte) error {
	client.writeLock.Lock()
	defer client.writeLock.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// sendBestEffort writes the frame if a socket exists. Sends are
// fire-and-forget: a write failure only tears the socket down and arms the
// reconnect policy; registry state is replayed on the next connection.
func (client *Client) sendBestEffort(frame []byte) {
	client.lock.Lock()
	conn := client.conn
	epoch := client.epoch
	client.lock.Unlock()

	if conn == nil {
		return
	}
	if err := client.writeFrame(conn, frame); err != nil {
		client.connDown(conn, epoch, NewError(ConnectionError, fmt.Sprintf("socket error while sending frame: %v", err)))
	}
}

// Advertise records the (topic, type) pair in the advertisement registry and
// sends an advertise frame. Safe to call repeatedly and while disconnected;
// the registry is replayed on every reconnect.
func (client *Client) Advertise(topic string, messageType string) error {
	if topic == "" {
		return NewError(InvalidTopicError, "a topic must be specified")
	}
	if messageType == "" {
		return NewError(CommandError, "a message type must be specified")
	}

	frame, err := encodeAdvertise(topic, messageType)
	if err != nil {
		return NewError(CommandError, err)
	}

	client.advertisements.put(topic, messageType)
	client.sendBestEffort(frame)
	return nil
}

// Unadvertise removes the topic from the advertisement registry and sends an
// unadvertise frame.
func (client *Client) Unadvertise(topic string) error {
	if topic == "" {
		return NewError(InvalidTopicError, "a topic must be specified")
	}

	frame, err := encodeUnadvertise(topic)
	if err != nil {
		return NewError(CommandError, err)
	}

	client.advertisements.remove(topic)
	client.sendBestEffort(frame)
	return nil
}

// Publish sends one message on a topic. The message is an opaque
// JSON-serializable value; delivery is fire-and-forget and not guaranteed
// while no connection exists.
func (client *Client) Publish(topic string, message interface{}) error {
	if topic == "" {
		return NewError(InvalidTopicError, "a topic must be specified")
	}

	frame, err := encodePublish(topic, message)
	if err != nil {
		return NewError(CommandError, err)
	}

	client.sendBestEffort(frame)
	return nil
}

// Subscribe registers a handler for a topic and sends a subscribe frame,
// returning the subscription's correlation id. At most one handler is live
// per topic: a second Subscribe for the same topic replaces the first. The
// subscription survives reconnects until Unsubscribe.
func (client *Client) Subscribe(topic string, handler MessageHandler, options ...SubscribeOptions) (string, error) {
	if topic == "" {
		return "", NewError(InvalidTopicError, "a topic must be specified")
	}
	if handler == nil {
		return "", NewError(CommandError, "a message handler must be specified")
	}

	var opts SubscribeOptions
	if len(options) > 0 {
		opts = options[0]
	}

	id := client.makeID()
	frame, err := encodeSubscribe(id, topic, opts.MessageType, opts.ThrottleRate)
	if err != nil {
		return "", NewError(CommandError, err)
	}

	client.subscriptions.put(&subscription{
		id:           id,
		topic:        topic,
		messageType:  opts.MessageType,
		throttleRate: opts.ThrottleRate,
		handler:      handler,
	})
	client.sendBestEffort(frame)
	return id, nil
}

// Unsubscribe removes the topic's registry entry and sends an unsubscribe
// frame. The optional id is passed through for callers that tracked it;
// removal is keyed by topic regardless.
func (client *Client) Unsubscribe(topic string, id ...string) error {
	if topic == "" {
		return NewError(InvalidTopicError, "a topic must be specified")
	}

	var idInternal string
	if len(id) > 0 {
		idInternal = id[0]
	}

	frame, err := encodeUnsubscribe(topic, idInternal)
	if err != nil {
		return NewError(CommandError, err)
	}

	client.subscriptions.remove(topic)
	client.sendBestEffort(frame)
	return nil
}

// CallService issues a remote service call and registers a one-shot handler
// for its response, returning the call's correlation id. There is no
// timeout: a call whose response never arrives stays pending for the
// client's lifetime, and callers needing a deadline must impose their own.
func (client *Client) CallService(service string, args interface{}, handler ServiceHandler) (string, error) {
	if service == "" {
		return "", NewError(CommandError, "a service must be specified")
	}

	id := client.makeID()
	frame, err := encodeCallService(id, service, args)
	if err != nil {
		return "", NewError(CommandError, err)
	}

	if handler != nil {
		client.pendingCalls.put(id, handler)
	}
	client.sendBestEffort(frame)
	return id, nil
}
