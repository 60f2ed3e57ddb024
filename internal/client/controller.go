package client

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"gigconnect-chat/internal/apperr"
	"gigconnect-chat/internal/models"
)

// State is the lifecycle of an open chat view.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateSending
	StateReconciling
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateSending:
		return "sending"
	case StateReconciling:
		return "reconciling"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// EntryStatus marks whether a message is confirmed by the server.
type EntryStatus string

const (
	EntryConfirmed EntryStatus = "confirmed"
	EntryPending   EntryStatus = "pending"
	EntryFailed    EntryStatus = "failed"
)

// Entry is one row of the rendered message list. LocalID is set only for
// messages sent from this controller that are not yet confirmed.
type Entry struct {
	models.Message
	LocalID string
	Status  EntryStatus
	Err     error

	echoID int // id of the stored message once its realtime echo arrived
}

var (
	ErrControllerClosed = apperr.New(apperr.KindValidation, "chat view is closed")
	errAlreadyOpen      = apperr.New(apperr.KindValidation, "chat view already opened")
	errNotReady         = apperr.New(apperr.KindValidation, "chat view is not ready")

	// ErrRealtimeLost is reported when the channel stops reconnecting.
	ErrRealtimeLost = apperr.New(apperr.KindTransport, "realtime connection lost")
)

// Realtime is the part of Channel the controller uses.
type Realtime interface {
	On(eventType string, h Handler) func()
	OnReconnect(fn func()) func()
	OnStateChange(fn func(ConnState)) func()
	Join(ctx context.Context, chatID int) error
	Leave(chatID int) error
}

type ControllerConfig struct {
	PageSize         int
	ReconcileRetries uint64
	RetryInterval    time.Duration
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.ReconcileRetries == 0 {
		c.ReconcileRetries = 5
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 200 * time.Millisecond
	}
	return c
}

// Controller keeps one chat's message list consistent across REST calls,
// realtime events and reconnects.
type Controller struct {
	api    *API
	rt     Realtime
	userID int
	cfg    ControllerConfig

	mu         sync.Mutex
	state      State
	chatID     int
	detail     models.ChatDetail
	confirmed  map[int]models.Message
	pending    []*Entry
	inFlight   int
	lastReadID int
	unsubs     []func()
	cancelOpen context.CancelFunc

	onState func(State)
	onError func(error)
	notify  []State
}

// NewController builds a controller for the user behind api and rt.
func NewController(api *API, rt Realtime, userID int, cfg ControllerConfig) *Controller {
	return &Controller{
		api:       api,
		rt:        rt,
		userID:    userID,
		cfg:       cfg.withDefaults(),
		confirmed: make(map[int]models.Message),
	}
}

// OnStateChange and OnError must be set before Open.
func (c *Controller) OnStateChange(fn func(State)) { c.onState = fn }
func (c *Controller) OnError(fn func(error))       { c.onError = fn }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Chat() models.ChatDetail {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detail
}

// Open loads the chat and its latest page, then joins the realtime room.
// Closing the controller while Open runs cancels the fetch and drops its result.
func (c *Controller) Open(ctx context.Context, chatID int) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.unlock()
		return errAlreadyOpen
	}
	openCtx, cancel := context.WithCancel(ctx)
	c.cancelOpen = cancel
	c.chatID = chatID
	c.unsubs = append(c.unsubs,
		c.rt.On(models.EventMessageCreated, c.handleCreated),
		c.rt.On(models.EventMessageRead, c.handleRead),
		c.rt.OnReconnect(func() { c.reconcile(context.Background()) }),
		c.rt.OnStateChange(c.handleConn),
	)
	c.setStateLocked(StateLoading)
	c.unlock()
	defer cancel()

	// Join before fetching so nothing appended in between is missed; events
	// that overlap the fetched page are merged by id.
	err := c.rt.Join(openCtx, chatID)
	var detail models.ChatDetail
	if err == nil {
		detail, err = c.api.GetChat(openCtx, chatID)
	}
	var page models.MessagePage
	if err == nil {
		page, err = c.api.Page(openCtx, chatID, 0, c.cfg.PageSize, models.DirectionBackward)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.unlock()
		return ErrControllerClosed
	}
	if err != nil {
		c.unsubscribeLocked()
		c.setStateLocked(StateIdle)
		c.unlock()
		c.rt.Leave(chatID)
		return err
	}
	c.detail = detail
	for _, m := range page.Messages {
		c.mergeLocked(m)
	}
	c.setStateLocked(StateReady)
	c.unlock()
	return nil
}

// Send appends content optimistically. The returned entry is pending until
// the server confirms it; on failure it stays in the list marked failed.
func (c *Controller) Send(ctx context.Context, content string) (Entry, error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.unlock()
		return Entry{}, ErrControllerClosed
	}
	if c.state == StateIdle || c.state == StateLoading {
		c.unlock()
		return Entry{}, errNotReady
	}
	entry := &Entry{
		LocalID: uuid.NewString(),
		Status:  EntryPending,
		Message: models.Message{
			ChatID:    c.chatID,
			SenderID:  c.userID,
			Type:      models.MessageTypeText,
			Content:   content,
			CreatedAt: time.Now(),
		},
	}
	c.pending = append(c.pending, entry)
	c.unlock()

	return c.deliver(ctx, entry)
}

// Retry resends a failed entry.
func (c *Controller) Retry(ctx context.Context, localID string) (Entry, error) {
	c.mu.Lock()
	var entry *Entry
	for _, e := range c.pending {
		if e.LocalID == localID && e.Status == EntryFailed {
			entry = e
			break
		}
	}
	if entry == nil {
		c.unlock()
		return Entry{}, apperr.NotFound("no failed message with that id")
	}
	entry.Status = EntryPending
	entry.Err = nil
	c.unlock()

	return c.deliver(ctx, entry)
}

func (c *Controller) deliver(ctx context.Context, entry *Entry) (Entry, error) {
	c.mu.Lock()
	c.inFlight++
	if c.state == StateReady {
		c.setStateLocked(StateSending)
	}
	chatID, content := c.chatID, entry.Content
	c.unlock()

	msg, err := c.api.Send(ctx, SendRequest{ChatID: chatID, Content: content, ClientNonce: entry.LocalID})

	c.mu.Lock()
	c.inFlight--
	var result Entry
	if err != nil && entry.echoID != 0 {
		// Stored and echoed; only the response was lost.
		msg, err = c.confirmed[entry.echoID], nil
	}
	if err != nil {
		entry.Status = EntryFailed
		entry.Err = err
		result = *entry
	} else {
		c.removePendingLocked(entry)
		c.mergeLocked(msg)
		result = Entry{Message: msg, Status: EntryConfirmed}
	}
	if c.inFlight == 0 && c.state == StateSending {
		c.setStateLocked(StateReady)
	}
	c.unlock()

	if err != nil {
		c.reportError(err)
		return result, err
	}
	return result, nil
}

// MarkRead marks every message from the other participant as read.
func (c *Controller) MarkRead(ctx context.Context) error {
	c.mu.Lock()
	chatID := c.chatID
	newest := c.newestIncomingLocked()
	if newest == 0 || newest <= c.lastReadID {
		c.unlock()
		return nil
	}
	c.unlock()

	if _, err := c.api.MarkRead(ctx, chatID, newest); err != nil {
		return err
	}
	c.mu.Lock()
	if newest > c.lastReadID {
		c.lastReadID = newest
	}
	c.unlock()
	return nil
}

// Close flushes the read mark, leaves the room and drops listeners.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.unlock()
		return nil
	}
	wasOpen := c.state != StateIdle && c.state != StateLoading
	if c.cancelOpen != nil {
		c.cancelOpen()
	}
	c.unsubscribeLocked()
	c.setStateLocked(StateClosed)
	chatID := c.chatID
	c.unlock()

	var err error
	if wasOpen {
		err = c.MarkRead(ctx)
	}
	if chatID == 0 {
		return err
	}
	if leaveErr := c.rt.Leave(chatID); leaveErr != nil && err == nil && apperr.KindOf(leaveErr) != apperr.KindTransport {
		err = leaveErr
	}
	return err
}

// Messages returns confirmed messages ordered by (seq, id), followed by
// pending and failed entries in send order.
func (c *Controller) Messages() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.confirmed)+len(c.pending))
	for _, m := range c.confirmed {
		out = append(out, Entry{Message: m, Status: EntryConfirmed})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j].Message) })
	for _, e := range c.pending {
		out = append(out, *e)
	}
	return out
}

func (c *Controller) handleCreated(evt models.Event) {
	if evt.Message == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if evt.Message.ChatID != c.chatID || c.state == StateClosed || c.state == StateIdle {
		return
	}
	msg := *evt.Message
	if evt.Nonce != "" && msg.SenderID == c.userID {
		// Echo of our own send may beat the REST response.
		for _, e := range c.pending {
			if e.LocalID == evt.Nonce {
				e.echoID = msg.ID
				c.removePendingLocked(e)
				break
			}
		}
	}
	c.mergeLocked(msg)
}

func (c *Controller) handleRead(evt models.Event) {
	if evt.Read == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if evt.Read.ChatID != c.chatID {
		return
	}
	for id, m := range c.confirmed {
		if m.SenderID != evt.Read.ReaderID && m.Seq <= evt.Read.UpToSeq && !m.Read {
			m.Read = true
			c.confirmed[id] = m
		}
	}
	if evt.Read.ReaderID == c.userID && evt.Read.UpToID > c.lastReadID {
		c.lastReadID = evt.Read.UpToID
	}
}

// handleConn marks the view stale as soon as the socket drops. If the channel
// gives up, REST keeps working and the loss is reported once.
func (c *Controller) handleConn(state ConnState) {
	c.mu.Lock()
	switch state {
	case ConnDisconnected:
		if c.state == StateReady || c.state == StateSending {
			c.setStateLocked(StateReconciling)
		}
		c.unlock()
	case ConnFailed:
		if c.state != StateReconciling {
			c.unlock()
			return
		}
		c.setStateLocked(c.settledLocked())
		c.unlock()
		c.reportError(ErrRealtimeLost)
	default:
		c.unlock()
	}
}

// reconcile fetches everything after the newest confirmed message. Failures
// are retried a bounded number of times and then reported.
func (c *Controller) reconcile(ctx context.Context) {
	c.mu.Lock()
	switch c.state {
	case StateReady, StateSending, StateReconciling:
	default:
		c.unlock()
		return
	}
	c.setStateLocked(StateReconciling)
	chatID := c.chatID
	c.unlock()

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryInterval), c.cfg.ReconcileRetries), ctx)
	err := backoff.Retry(func() error {
		cursor := c.highestSeq()
		for {
			page, err := c.api.Page(ctx, chatID, cursor, c.cfg.PageSize, models.DirectionForward)
			if err != nil {
				if kind := apperr.KindOf(err); kind == apperr.KindForbidden || kind == apperr.KindNotFound {
					return backoff.Permanent(err)
				}
				return err
			}
			c.mu.Lock()
			if c.state == StateClosed {
				c.unlock()
				return nil
			}
			for _, m := range page.Messages {
				c.mergeLocked(m)
			}
			c.unlock()
			if !page.HasMore || page.NextCursor <= cursor {
				return nil
			}
			cursor = page.NextCursor
		}
	}, policy)

	c.mu.Lock()
	if c.state == StateReconciling {
		c.setStateLocked(c.settledLocked())
	}
	c.unlock()
	if err != nil {
		c.reportError(err)
	}
}

func (c *Controller) settledLocked() State {
	if c.inFlight > 0 {
		return StateSending
	}
	return StateReady
}

func (c *Controller) highestSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var seq int64
	for _, m := range c.confirmed {
		if m.Seq > seq {
			seq = m.Seq
		}
	}
	return seq
}

func (c *Controller) mergeLocked(m models.Message) {
	if existing, ok := c.confirmed[m.ID]; ok && existing.Read && !m.Read {
		m.Read = true
	}
	c.confirmed[m.ID] = m
}

func (c *Controller) removePendingLocked(entry *Entry) {
	for i, e := range c.pending {
		if e == entry {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

func (c *Controller) newestIncomingLocked() int {
	var newest models.Message
	for _, m := range c.confirmed {
		if m.SenderID != c.userID && newest.Before(m) {
			newest = m
		}
	}
	return newest.ID
}

func (c *Controller) unsubscribeLocked() {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
}

func (c *Controller) setStateLocked(state State) {
	if c.state == state {
		return
	}
	c.state = state
	c.notify = append(c.notify, state)
}

// unlock releases c.mu and then reports queued state changes in order.
func (c *Controller) unlock() {
	changes := c.notify
	c.notify = nil
	c.mu.Unlock()
	if c.onState == nil {
		return
	}
	for _, state := range changes {
		c.onState(state)
	}
}

func (c *Controller) reportError(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}
