package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sidethreads/internal/logger"
	"github.com/sidethreads/internal/model"
	"github.com/sidethreads/internal/sanitize"
	"github.com/sidethreads/internal/service"
	"github.com/sidethreads/internal/stream"
	"github.com/sidethreads/internal/thread"
)

const (
	opTimeout        = 5 * time.Second
	maxSubsPerClient = 64
)

var (
	errUnknownEvent  = errors.New("unknown event type")
	errTooManySubs   = errors.New("too many subscriptions")
	errNotSubscribed = errors.New("not subscribed")
)

// Threads — операции сервиса тредов, доступные по WebSocket.
type Threads interface {
	StreamThreads(ctx context.Context, channelID string, limit int) (<-chan []model.Thread, error)
	StreamMessages(ctx context.Context, threadID string) (<-chan []model.ThreadMessage, error)
	PostMessage(ctx context.Context, threadID string, in service.PostInput) (*service.PostResult, error)
	MarkRead(ctx context.Context, userID, threadID string, at *time.Time, lastMessageID string) error
	ToggleMute(ctx context.Context, userID, threadID string, muted bool) error
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*Client]struct{}
	total      int
	maxConns   int
	limits     Limits
	threads    Threads
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(threads Threads, maxConns int, limits Limits) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		limits:     limits.withDefaults(),
		threads:    threads,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

// Connections — число активных соединений.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if ok {
		if _, exists := clients[c]; exists {
			delete(clients, c)
			h.total--
			if len(clients) == 0 {
				delete(h.clients, c.userID)
			}
		}
	}
	h.mu.Unlock()

	// Закрытие отменяет контекст клиента, а с ним все подписки.
	c.Close()
}

// HandleMessage dispatches incoming WebSocket messages.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case EventSubscribeThreads:
		h.handleSubscribeThreads(ctx, c, msg)
	case EventSubscribeMessages:
		h.handleSubscribeMessages(ctx, c, msg)
	case EventUnsubscribe:
		h.handleUnsubscribe(c, msg)
	case EventPostMessage:
		h.handlePostMessage(ctx, c, msg)
	case EventMarkRead:
		h.handleMarkRead(ctx, c, msg)
	case EventToggleMute:
		h.handleToggleMute(ctx, c, msg)
	default:
		h.sendError(c, msg.Type, errUnknownEvent)
	}
}

func (h *Hub) handleSubscribeThreads(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleSubscribeThreads", time.Now())()
	if c.subCount() >= maxSubsPerClient {
		h.sendError(c, msg.Type, errTooManySubs)
		return
	}
	topic := stream.ThreadsTopic(msg.ChannelID)
	subCtx, cancel := context.WithCancel(ctx)
	snapshots, err := h.threads.StreamThreads(subCtx, msg.ChannelID, msg.Limit)
	if err != nil {
		cancel()
		h.sendError(c, msg.Type, err)
		return
	}
	sub := c.addSub(topic, cancel)
	forward(c, subCtx, topic, sub, snapshots, func(list []model.Thread) OutgoingMessage {
		return OutgoingMessage{Type: EventThreadsSnapshot, Payload: ThreadsSnapshotPayload{
			Topic: topic, ChannelID: msg.ChannelID, Threads: list,
		}}
	})
}

func (h *Hub) handleSubscribeMessages(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleSubscribeMessages", time.Now())()
	if c.subCount() >= maxSubsPerClient {
		h.sendError(c, msg.Type, errTooManySubs)
		return
	}
	topic := stream.MessagesTopic(msg.ThreadID)
	subCtx, cancel := context.WithCancel(ctx)
	snapshots, err := h.threads.StreamMessages(subCtx, msg.ThreadID)
	if err != nil {
		cancel()
		h.sendError(c, msg.Type, err)
		return
	}
	sub := c.addSub(topic, cancel)
	forward(c, subCtx, topic, sub, snapshots, func(list []model.ThreadMessage) OutgoingMessage {
		return OutgoingMessage{Type: EventMessagesSnapshot, Payload: MessagesSnapshotPayload{
			Topic: topic, ThreadID: msg.ThreadID, Messages: list,
		}}
	})
}

// forward перекладывает снапшоты подписки в очередь клиента до отмены subCtx.
// Если поток закрылся сам (например, оборвалась подписка Redis), подписка
// снимается и клиент получает unsubscribed.
func forward[T any](c *Client, subCtx context.Context, topic string, sub *subscription, snapshots <-chan T, wrap func(T) OutgoingMessage) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-subCtx.Done():
				return
			case snap, ok := <-snapshots:
				if !ok {
					if subCtx.Err() != nil {
						return
					}
					if c.releaseSub(topic, sub) {
						logger.Warnf("ws stream %s closed, user=%s", topic, c.userID)
						c.hub.sendToClient(c, OutgoingMessage{Type: EventUnsubscribed, Payload: UnsubscribedPayload{Topic: topic, Reason: "stream closed"}})
					}
					return
				}
				c.hub.sendToClient(c, wrap(snap))
			}
		}
	}()
}

func (h *Hub) handleUnsubscribe(c *Client, msg IncomingMessage) {
	if !c.dropSub(msg.Topic) {
		h.sendError(c, msg.Type, errNotSubscribed)
		return
	}
	h.sendToClient(c, OutgoingMessage{Type: EventUnsubscribed, Payload: UnsubscribedPayload{Topic: msg.Topic}})
}

func (h *Hub) handlePostMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handlePostMessage", time.Now())()
	if msg.Message == nil || msg.Message.Payload == nil {
		h.sendError(c, msg.Type, &thread.ValidationError{Field: "message", Message: "message is required"})
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := h.threads.PostMessage(ctx, msg.ThreadID, service.PostInput{
		AuthorID:   c.userID,
		AuthorName: c.userName,
		Payload:    sanitize.Payload(msg.Message.Payload),
		Mentions:   sanitize.Mentions(msg.Message.Mentions),
	})
	if err != nil {
		h.sendError(c, msg.Type, err)
		return
	}
	h.sendToClient(c, OutgoingMessage{Type: EventMessagePosted, Payload: MessagePostedPayload{
		ThreadID: msg.ThreadID,
		Message:  res.Message,
		System:   res.System,
		Admitted: res.Admitted,
		Dropped:  res.Dropped,
	}})
}

func (h *Hub) handleMarkRead(ctx context.Context, c *Client, msg IncomingMessage) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := h.threads.MarkRead(ctx, c.userID, msg.ThreadID, msg.At, msg.MessageID); err != nil {
		h.sendError(c, msg.Type, err)
	}
}

func (h *Hub) handleToggleMute(ctx context.Context, c *Client, msg IncomingMessage) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := h.threads.ToggleMute(ctx, c.userID, msg.ThreadID, msg.Muted); err != nil {
		h.sendError(c, msg.Type, err)
	}
}

func (h *Hub) sendError(c *Client, event EventType, err error) {
	p := ErrorPayload{Error: errorText(err), Event: event}
	var ve *thread.ValidationError
	if errors.As(err, &ve) {
		p.Field = ve.Field
	}
	h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: p})
}

// errorText не отдаёт клиенту детали сбоев хранилища.
func errorText(err error) string {
	var ve *thread.ValidationError
	var ce *thread.CreationError
	var se *thread.StoreError
	switch {
	case errors.As(err, &ce):
		return "thread creation incomplete"
	case errors.As(err, &ve):
		return ve.Error()
	case errors.Is(err, thread.ErrNotFound):
		return "not found"
	case errors.Is(err, thread.ErrForbidden):
		return "forbidden"
	case errors.As(err, &se):
		logger.Errorf("ws store error: %v", err)
		return "temporarily unavailable"
	case errors.Is(err, errUnknownEvent), errors.Is(err, errTooManySubs), errors.Is(err, errNotSubscribed):
		return err.Error()
	}
	logger.Errorf("ws error: %v", err)
	return "internal error"
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
