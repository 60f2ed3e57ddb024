package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"gigconnect-chat/internal/apperr"
	"gigconnect-chat/internal/logging"
	"gigconnect-chat/internal/models"
)

// ConnState is the realtime connection state.
type ConnState int

const (
	ConnConnecting ConnState = iota
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	}
	return "unknown"
}

var ErrChannelClosed = apperr.New(apperr.KindTransport, "realtime channel closed")

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	URL   string
	Token string
	// MaxRetries bounds reconnect attempts after a drop.
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Dialer          *websocket.Dialer
}

func (c ChannelConfig) withDefaults() ChannelConfig {
	if c.MaxRetries == 0 {
		c.MaxRetries = 8
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	return c
}

// Handler receives realtime events. Handlers run on the channel's read
// goroutine and must not block.
type Handler func(models.Event)

// Channel is a realtime connection that reconnects on drop and re-joins the
// chats it was in. Listener registries belong to the instance.
type Channel struct {
	cfg ChannelConfig

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	userID    int
	state     ConnState
	rooms     map[int]struct{}
	handlers  map[string]map[int]Handler
	reconnect map[int]func()
	stateFns  map[int]func(ConnState)
	nextID    int

	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// Dial connects and waits for the session binding.
func Dial(ctx context.Context, cfg ChannelConfig) (*Channel, error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Channel{
		cfg:       cfg.withDefaults(),
		state:     ConnConnecting,
		rooms:     make(map[int]struct{}),
		handlers:  make(map[string]map[int]Handler),
		reconnect: make(map[int]func()),
		stateFns:  make(map[int]func(ConnState)),
		ctx:       runCtx,
		cancel:    cancel,
	}
	conn, err := c.connect(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	c.setState(ConnConnected)
	go c.readLoop(conn)
	return c, nil
}

// connect dials, reads the first event and installs the connection.
func (c *Channel) connect(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)
	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, "realtime dial failed", err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var first models.Event
	if err := conn.ReadJSON(&first); err != nil {
		conn.Close()
		return nil, apperr.Wrap(apperr.KindTransport, "realtime handshake failed", err)
	}
	conn.SetReadDeadline(time.Time{})

	switch first.Type {
	case models.EventSessionReady:
	case models.EventAuthFailed:
		conn.Close()
		msg := "authentication failed"
		if first.Error != nil && first.Error.Message != "" {
			msg = first.Error.Message
		}
		return nil, apperr.New(apperr.KindUnauthenticated, msg)
	default:
		conn.Close()
		return nil, apperr.New(apperr.KindTransport, "unexpected handshake event "+first.Type)
	}

	c.mu.Lock()
	c.conn = conn
	c.sessionID = first.SessionID
	c.userID = first.UserID
	c.mu.Unlock()
	return conn, nil
}

func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Channel) UserID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Channel) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// On registers h for eventType and returns its unsubscribe function.
func (c *Channel) On(eventType string, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[eventType] == nil {
		c.handlers[eventType] = make(map[int]Handler)
	}
	c.handlers[eventType][id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[eventType], id)
	}
}

// OnReconnect runs fn after every successful reconnect, once rooms are re-joined.
func (c *Channel) OnReconnect(fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.reconnect[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.reconnect, id)
	}
}

func (c *Channel) OnStateChange(fn func(ConnState)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.stateFns[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.stateFns, id)
	}
}

// Join subscribes to a chat and waits for the server to accept or refuse it.
// Accepted chats are re-joined after every reconnect.
func (c *Channel) Join(ctx context.Context, chatID int) error {
	result := make(chan error, 1)
	reply := func(err error) {
		select {
		case result <- err:
		default:
		}
	}
	unsubJoined := c.On(models.EventChatJoined, func(evt models.Event) {
		if evt.ChatID == chatID {
			reply(nil)
		}
	})
	unsubError := c.On(models.EventError, func(evt models.Event) {
		if evt.ChatID == chatID && evt.Error != nil {
			reply(apperr.New(apperr.Kind(evt.Error.Code), evt.Error.Message))
		}
	})
	defer unsubJoined()
	defer unsubError()

	if err := c.send(models.ClientFrame{Type: models.FrameChatJoin, ChatID: chatID}); err != nil {
		return err
	}
	select {
	case err := <-result:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrChannelClosed
	}

	c.mu.Lock()
	c.rooms[chatID] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *Channel) Leave(chatID int) error {
	c.mu.Lock()
	delete(c.rooms, chatID)
	c.mu.Unlock()
	return c.send(models.ClientFrame{Type: models.FrameChatLeave, ChatID: chatID})
}

func (c *Channel) Typing(chatID int, started bool) error {
	frame := models.FrameTypingStopped
	if started {
		frame = models.FrameTypingStarted
	}
	return c.send(models.ClientFrame{Type: frame, ChatID: chatID})
}

func (c *Channel) MarkRead(chatID, upToID int) error {
	return c.send(models.ClientFrame{Type: models.FrameReadMark, ChatID: chatID, UpToID: upToID})
}

// Close stops reconnecting and closes the connection.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == ConnClosed {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	c.setState(ConnClosed)
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Channel) send(frame models.ClientFrame) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.state == ConnClosed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	if conn == nil {
		return apperr.New(apperr.KindTransport, "realtime channel not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(frame); err != nil {
		return apperr.Wrap(apperr.KindTransport, "realtime write failed", err)
	}
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		var evt models.Event
		if err := conn.ReadJSON(&evt); err != nil {
			conn.Close()
			c.mu.Lock()
			closed := c.state == ConnClosed
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			if closed {
				return
			}
			logging.L().Debug().Err(err).Msg("realtime connection dropped")
			c.setState(ConnDisconnected)
			go c.reconnectLoop()
			return
		}
		c.dispatch(evt)
	}
}

func (c *Channel) dispatch(evt models.Event) {
	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.handlers[evt.Type]))
	for _, h := range c.handlers[evt.Type] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

func (c *Channel) reconnectLoop() {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.InitialInterval
	policy.MaxInterval = c.cfg.MaxInterval
	policy.MaxElapsedTime = 0

	var conn *websocket.Conn
	err := backoff.Retry(func() error {
		c.setState(ConnConnecting)
		var err error
		conn, err = c.connect(c.ctx)
		if apperr.KindOf(err) == apperr.KindUnauthenticated {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, c.cfg.MaxRetries), c.ctx))
	if err != nil {
		if errors.Is(err, context.Canceled) || c.ctx.Err() != nil {
			return
		}
		logging.L().Warn().Err(err).Msg("realtime reconnect gave up")
		c.setState(ConnFailed)
		return
	}

	c.mu.Lock()
	if c.state == ConnClosed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	rooms := make([]int, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	c.mu.Unlock()

	go c.readLoop(conn)
	if !c.rejoin(rooms) {
		return
	}
	c.setState(ConnConnected)

	c.mu.Lock()
	hooks := make([]func(), 0, len(c.reconnect))
	for _, fn := range c.reconnect {
		hooks = append(hooks, fn)
	}
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// rejoin re-sends chat.join for rooms and waits for each to be acknowledged
// (joined or refused) so reconnect hooks run with subscriptions in place.
func (c *Channel) rejoin(rooms []int) bool {
	if len(rooms) == 0 {
		return true
	}
	acks := make(chan struct{}, len(rooms))
	ack := func(evt models.Event) {
		if evt.ChatID == 0 {
			return
		}
		select {
		case acks <- struct{}{}:
		default:
		}
	}
	unsubJoined := c.On(models.EventChatJoined, ack)
	unsubError := c.On(models.EventError, ack)
	defer unsubJoined()
	defer unsubError()

	waiting := 0
	for _, id := range rooms {
		if err := c.send(models.ClientFrame{Type: models.FrameChatJoin, ChatID: id}); err != nil {
			logging.L().Warn().Err(err).Int(logging.FieldChatID, id).Msg("re-join failed")
			continue
		}
		waiting++
	}

	timeout := time.NewTimer(5 * time.Second)
	defer timeout.Stop()
	for ; waiting > 0; waiting-- {
		select {
		case <-acks:
		case <-timeout.C:
			logging.L().Warn().Int("pending", waiting).Msg("re-join not acknowledged")
			return true
		case <-c.ctx.Done():
			return false
		}
	}
	return true
}

func (c *Channel) setState(state ConnState) {
	c.mu.Lock()
	if c.state == ConnClosed || c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	fns := make([]func(ConnState), 0, len(c.stateFns))
	for _, fn := range c.stateFns {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}
