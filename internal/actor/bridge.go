package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/bulkrelay/internal/protocol"
	"github.com/markus-barta/bulkrelay/internal/sessionstore"
	"github.com/rs/zerolog"
)

// Connection parameters
const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMessageSize  = 16 * 1024 * 1024 // session blobs can be large
	storeOpTimeout  = 30 * time.Second
	localDialPeriod = 250 * time.Millisecond
)

// BridgeFactory builds actors that talk to an automation bridge.
type BridgeFactory struct {
	log      zerolog.Logger
	clientID string
	headless bool
}

// NewBridgeFactory creates a factory. clientID keys the persisted session.
func NewBridgeFactory(log zerolog.Logger, clientID string) *BridgeFactory {
	return &BridgeFactory{
		log:      log.With().Str("component", "actor").Logger(),
		clientID: clientID,
		headless: true,
	}
}

// New implements Factory.
func (f *BridgeFactory) New(strategy Strategy, store sessionstore.Store, h Handlers) (Actor, error) {
	switch strategy.Kind {
	case KindRemote:
		if strategy.Endpoint == "" {
			return nil, errors.New("remote strategy requires an endpoint")
		}
	case KindLocal:
		if strategy.Command == "" {
			return nil, errors.New("local strategy requires a bridge command")
		}
	default:
		return nil, fmt.Errorf("unknown strategy kind %q", strategy.Kind)
	}

	return &bridge{
		log:      f.log.With().Str("strategy", strategy.String()).Logger(),
		strategy: strategy,
		clientID: f.clientID,
		headless: f.headless,
		store:    store,
		handlers: h,
		pending:  make(map[string]chan *protocol.ResultPayload),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// bridge is an Actor backed by one WebSocket connection.
type bridge struct {
	log      zerolog.Logger
	strategy Strategy
	clientID string
	headless bool
	store    sessionstore.Store
	handlers Handlers

	mu      sync.Mutex
	conn    *websocket.Conn
	proc    *localProcess
	pending map[string]chan *protocol.ResultPayload
	lost    bool // transport failed outside Destroy

	writeMu sync.Mutex

	// Lifecycle events queue; drained serially by eventLoop.
	queueMu sync.Mutex
	queue   []*protocol.Message
	notify  chan struct{}

	destroyOnce sync.Once
	done        chan struct{}
}

// ═══════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════

// Initialize connects to the bridge and asks it to start the client.
// The whole sequence is bounded by the strategy's connect timeout.
func (b *bridge) Initialize(ctx context.Context) error {
	if b.isDestroyed() {
		return ErrClosed
	}
	if b.strategy.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.strategy.ConnectTimeout)
		defer cancel()
	}

	var (
		conn        *websocket.Conn
		browserPath string
		err         error
	)
	switch b.strategy.Kind {
	case KindRemote:
		conn, err = b.dialRemote(ctx)
	case KindLocal:
		browserPath, err = FindBrowser(b.strategy.BrowserPath)
		if err != nil {
			return err
		}
		conn, err = b.dialLocal(ctx, browserPath)
	}
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.isDestroyed() {
		b.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	b.conn = conn
	b.mu.Unlock()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	go b.readLoop(conn)
	go b.eventLoop()
	go b.pingLoop(conn)

	payload := protocol.InitializePayload{
		ClientID:    b.clientID,
		Headless:    b.headless,
		BrowserPath: browserPath,
	}
	if b.strategy.Kind == KindLocal {
		payload.BrowserArgs = protocol.BrowserArgs
	}
	if _, err := b.request(ctx, protocol.TypeInitialize, payload); err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}

	b.log.Info().Msg("client initialize accepted")
	return nil
}

func (b *bridge) dialRemote(ctx context.Context) (*websocket.Conn, error) {
	b.log.Debug().Str("url", b.strategy.Endpoint).Msg("connecting")

	dialer := websocket.Dialer{
		HandshakeTimeout: b.strategy.ConnectTimeout,
	}
	header := http.Header{}
	header.Set("X-Client-ID", b.clientID)

	conn, resp, err := dialer.DialContext(ctx, b.strategy.Endpoint, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("dial %s: %w", b.strategy.Endpoint, ErrTooManyRequests)
		}
		return nil, fmt.Errorf("dial %s: %w", b.strategy.Endpoint, err)
	}
	return conn, nil
}

// dialLocal starts the bridge process and dials it until it accepts or ctx ends.
func (b *bridge) dialLocal(ctx context.Context, browserPath string) (*websocket.Conn, error) {
	proc, err := startLocal(b.log, b.strategy.Command, browserPath)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.proc = proc
	b.mu.Unlock()

	b.log.Debug().Str("url", proc.url).Str("browser", browserPath).Msg("waiting for local bridge")

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	ticker := time.NewTicker(localDialPeriod)
	defer ticker.Stop()

	for {
		conn, _, err := dialer.DialContext(ctx, proc.url, nil)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			proc.stop()
			return nil, fmt.Errorf("local bridge did not come up: %w", ctx.Err())
		case <-proc.exited:
			return nil, fmt.Errorf("local bridge exited: %w", proc.err())
		case <-ticker.C:
		}
	}
}

// Destroy tears the client down. Calling it again is a no-op.
func (b *bridge) Destroy(ctx context.Context) error {
	var err error
	b.destroyOnce.Do(func() {
		b.mu.Lock()
		conn := b.conn
		lost := b.lost
		b.mu.Unlock()

		if conn != nil && !lost {
			if _, rerr := b.request(ctx, protocol.TypeDestroy, nil); rerr != nil {
				err = fmt.Errorf("destroy client: %w", rerr)
			}
		}

		b.mu.Lock()
		close(b.done)
		proc := b.proc
		b.mu.Unlock()

		if conn != nil {
			b.writeMu.Lock()
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "destroy"),
				time.Now().Add(writeWait),
			)
			b.writeMu.Unlock()
			_ = conn.Close()
		}
		if proc != nil {
			proc.stop()
		}
		b.failPending()
		b.log.Debug().Msg("actor destroyed")
	})
	return err
}

func (b *bridge) isDestroyed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// CAPABILITIES
// ═══════════════════════════════════════════════════════════════════════════

func (b *bridge) State(ctx context.Context) (State, error) {
	res, err := b.request(ctx, protocol.TypeGetState, nil)
	if err != nil {
		return "", err
	}
	return State(res.State), nil
}

func (b *bridge) SendMessage(ctx context.Context, to, body string) error {
	_, err := b.request(ctx, protocol.TypeSendMessage, protocol.SendMessagePayload{To: to, Body: body})
	return err
}

func (b *bridge) Logout(ctx context.Context) error {
	_, err := b.request(ctx, protocol.TypeLogout, nil)
	return err
}

// request sends a message and waits for the matching result.
func (b *bridge) request(ctx context.Context, msgType string, payload any) (*protocol.ResultPayload, error) {
	id := uuid.NewString()
	msg, err := protocol.NewRequest(msgType, id, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.ResultPayload, 1)
	b.mu.Lock()
	if b.conn == nil || b.lost {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.pending[id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	if err := b.write(msg); err != nil {
		return nil, fmt.Errorf("%s: %w", msgType, err)
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if !res.OK {
			if res.Code == protocol.CodeTooManyRequests {
				return nil, fmt.Errorf("%s: %w", msgType, ErrTooManyRequests)
			}
			return nil, fmt.Errorf("%s: %s", msgType, res.Error)
		}
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *bridge) write(msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (b *bridge) reply(id string, res protocol.ResultPayload) {
	msg, err := protocol.NewMessage(protocol.TypeResult, res)
	if err != nil {
		return
	}
	msg.ID = id
	if err := b.write(msg); err != nil {
		b.log.Debug().Err(err).Msg("failed to send result")
	}
}

// failPending closes every outstanding request channel.
func (b *bridge) failPending() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// PUMPS
// ═══════════════════════════════════════════════════════════════════════════

func (b *bridge) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if b.isDestroyed() {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.log.Warn().Err(err).Msg("bridge read error")
			}
			b.mu.Lock()
			b.lost = true
			b.mu.Unlock()
			b.failPending()
			b.enqueue(&protocol.Message{Type: protocol.TypeDisconnected, Payload: mustJSON(protocol.ReasonPayload{Reason: "connection lost"})})
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			b.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse message")
			continue
		}

		switch msg.Type {
		case protocol.TypeResult:
			b.resolve(&msg)
		case protocol.TypeSessionExists, protocol.TypeSessionGet, protocol.TypeSessionSet, protocol.TypeSessionRemove:
			go b.handleSession(&msg)
		case protocol.TypeQR, protocol.TypeReady, protocol.TypeAuthFailure, protocol.TypeDisconnected:
			b.enqueue(&msg)
		default:
			b.log.Debug().Str("type", msg.Type).Msg("ignoring unknown message")
		}
	}
}

func (b *bridge) resolve(msg *protocol.Message) {
	var res protocol.ResultPayload
	if err := msg.ParsePayload(&res); err != nil {
		res = protocol.ResultPayload{Error: "malformed result: " + err.Error()}
	}
	b.mu.Lock()
	ch, ok := b.pending[msg.ID]
	delete(b.pending, msg.ID)
	b.mu.Unlock()
	if ok {
		ch <- &res
	}
}

func (b *bridge) enqueue(msg *protocol.Message) {
	b.queueMu.Lock()
	b.queue = append(b.queue, msg)
	b.queueMu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// eventLoop delivers lifecycle events to the handlers one at a time.
// The queue is unbounded so a handler that calls back into the actor
// never stalls the read loop.
func (b *bridge) eventLoop() {
	for {
		b.queueMu.Lock()
		var msg *protocol.Message
		if len(b.queue) > 0 {
			msg = b.queue[0]
			b.queue = b.queue[1:]
		}
		b.queueMu.Unlock()

		if msg == nil {
			select {
			case <-b.done:
				return
			case <-b.notify:
				continue
			}
		}
		if b.isDestroyed() {
			return
		}
		b.dispatch(msg)
	}
}

func (b *bridge) dispatch(msg *protocol.Message) {
	h := b.handlers
	switch msg.Type {
	case protocol.TypeQR:
		var p protocol.QRPayload
		if err := msg.ParsePayload(&p); err != nil {
			b.log.Error().Err(err).Msg("bad qr payload")
			return
		}
		if h.OnAuthCode != nil {
			h.OnAuthCode(p.Code)
		}
	case protocol.TypeReady:
		if h.OnReady != nil {
			h.OnReady()
		}
	case protocol.TypeAuthFailure:
		var p protocol.ReasonPayload
		_ = msg.ParsePayload(&p)
		if h.OnAuthFailure != nil {
			h.OnAuthFailure(p.Reason)
		}
	case protocol.TypeDisconnected:
		var p protocol.ReasonPayload
		_ = msg.ParsePayload(&p)
		if h.OnDisconnected != nil {
			h.OnDisconnected(p.Reason)
		}
	}
}

func (b *bridge) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				b.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// SESSION STORE REQUESTS
// ═══════════════════════════════════════════════════════════════════════════

func (b *bridge) handleSession(msg *protocol.Message) {
	var p protocol.SessionPayload
	if err := msg.ParsePayload(&p); err != nil || p.Session == "" {
		b.reply(msg.ID, protocol.ResultPayload{Code: protocol.CodeBadRequest, Error: "session id required"})
		return
	}
	if b.store == nil {
		b.reply(msg.ID, protocol.ResultPayload{Code: protocol.CodeStoreError, Error: "no session store configured"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	var (
		res protocol.ResultPayload
		err error
	)
	switch msg.Type {
	case protocol.TypeSessionExists:
		res.Exists, err = b.store.Exists(ctx, p.Session)
	case protocol.TypeSessionGet:
		res.Data, err = b.store.Get(ctx, p.Session)
	case protocol.TypeSessionSet:
		err = b.store.Set(ctx, p.Session, p.Data)
	case protocol.TypeSessionRemove:
		err = b.store.Remove(ctx, p.Session)
	}
	if err != nil {
		b.log.Error().Err(err).Str("op", msg.Type).Msg("session store request failed")
		b.reply(msg.ID, protocol.ResultPayload{Code: protocol.CodeStoreError, Error: err.Error()})
		return
	}
	res.OK = true
	b.reply(msg.ID, res)
}

func mustJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
