package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-dmchat/internal/auth"
	"github.com/npezzotti/go-dmchat/internal/database"
	"github.com/npezzotti/go-dmchat/internal/notify"
	"github.com/npezzotti/go-dmchat/internal/presence"
	"github.com/npezzotti/go-dmchat/internal/stats"
	"github.com/npezzotti/go-dmchat/internal/types"
	"github.com/npezzotti/go-dmchat/internal/typing"
)

const (
	DefaultStoreTimeout = 5 * time.Second
	eventQueueSize      = 1024
)

// Presence tracks which users have at least one live connection. IsOnline
// and LastSeen are also called from connection goroutines.
type Presence interface {
	Attach(user types.UserId, connId string) (bool, error)
	Detach(connId string) (types.UserId, bool)
	IsOnline(user types.UserId) bool
	LastSeen(user types.UserId) (time.Time, bool)
	OnlineUsers() []types.UserId
}

// TypingState holds the ephemeral typing indicators.
type TypingState interface {
	Start(conv types.ConversationId, user types.UserId, connId string) error
	Stop(conv types.ConversationId, user types.UserId) error
	Typing(conv types.ConversationId) []types.UserId
	ClearConnection(connId string) []typing.Indicator
}

type Deps struct {
	Store        database.Repository
	Auth         auth.Authenticator
	Notifier     notify.Notifier
	Stats        stats.StatsProvider
	Presence     Presence
	Typing       TypingState
	StoreTimeout time.Duration
}

// ChatServer owns every connection and the routing state shared between
// them. All of that state is mutated by the Run loop only; store and
// authentication I/O happens on the connection goroutines.
type ChatServer struct {
	log          *log.Logger
	db           database.Repository
	auth         auth.Authenticator
	notifier     notify.Notifier
	stats        stats.StatsProvider
	presence     Presence
	typing       TypingState
	router       *ConversationRouter
	receipts     *ReadReceiptTracker
	storeTimeout time.Duration

	events   chan event
	clients  map[*Client]struct{}
	attached map[*Client]types.UserId
	channels map[types.ConversationId]map[*Client]struct{}
	joined   map[*Client]map[types.ConversationId]struct{}
	pending  *pendingQueue

	stop     chan stopReq
	stopOnce sync.Once
	done     chan struct{}
}

type stopReq struct {
	done chan struct{}
}

func NewChatServer(logger *log.Logger, deps Deps) (*ChatServer, error) {
	if deps.Store == nil {
		return nil, errors.New("message store is required")
	}
	if deps.Auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if deps.Stats == nil {
		return nil, errors.New("stats provider is required")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier(logger)
	}
	if deps.Presence == nil {
		deps.Presence = presence.NewRegistry()
	}
	if deps.Typing == nil {
		deps.Typing = typing.NewCoordinator()
	}
	if deps.StoreTimeout <= 0 {
		deps.StoreTimeout = DefaultStoreTimeout
	}

	cs := &ChatServer{
		log:          logger,
		db:           deps.Store,
		auth:         deps.Auth,
		notifier:     deps.Notifier,
		stats:        deps.Stats,
		presence:     deps.Presence,
		typing:       deps.Typing,
		storeTimeout: deps.StoreTimeout,
		events:       make(chan event, eventQueueSize),
		clients:      make(map[*Client]struct{}),
		attached:     make(map[*Client]types.UserId),
		channels:     make(map[types.ConversationId]map[*Client]struct{}),
		joined:       make(map[*Client]map[types.ConversationId]struct{}),
		pending:      newPendingQueue(maxPendingNotifications, maxPendingUsers),
		stop:         make(chan stopReq),
		done:         make(chan struct{}),
	}

	cs.router = NewConversationRouter(logger, deps.Store, cs, deps.StoreTimeout)
	cs.receipts = NewReadReceiptTracker(logger, deps.Store, cs, deps.StoreTimeout)

	cs.stats.RegisterMetric(stats.NumActiveConnections)
	cs.stats.RegisterMetric(stats.NumOnlineUsers)
	cs.stats.RegisterMetric(stats.NumMessagesSent)
	cs.stats.RegisterMetric(stats.NumNotificationsQueued)

	return cs, nil
}

func (cs *ChatServer) Router() *ConversationRouter {
	return cs.router
}

func (cs *ChatServer) Receipts() *ReadReceiptTracker {
	return cs.receipts
}

func (cs *ChatServer) Run() {
	for {
		select {
		case ev := <-cs.events:
			ev.apply(cs)
		case req := <-cs.stop:
			cs.log.Println("shutting down chat server")
			for c := range cs.clients {
				c.stopClient()
			}
			close(cs.done)
			close(req.done)
			return
		}
	}
}

// Shutdown stops the Run loop and closes every connection.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")
	req := stopReq{done: make(chan struct{})}

	var err error
	cs.stopOnce.Do(func() {
		select {
		case cs.stop <- req:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	if err != nil {
		return err
	}

	select {
	case <-req.done:
		return nil
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterClient hands a new, unauthenticated connection to the Run loop.
func (cs *ChatServer) RegisterClient(c *Client) error {
	if !cs.post(registerEvent{client: c}) {
		return errServerStopped
	}
	return nil
}

// post queues an event for the Run loop. It blocks while the queue is full
// and fails once the loop has exited.
func (cs *ChatServer) post(ev event) bool {
	select {
	case <-cs.done:
		return false
	default:
	}

	select {
	case cs.events <- ev:
		return true
	case <-cs.done:
		return false
	}
}

func (cs *ChatServer) deliver(msg types.Message) error {
	if !cs.post(deliverEvent{msg: msg}) {
		return errServerStopped
	}
	return nil
}

func (cs *ChatServer) messagesRead(conv types.ConversationId, reader, other types.UserId) error {
	if !cs.post(readEvent{conv: conv, reader: reader, other: other}) {
		return errServerStopped
	}
	return nil
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clients[c] = struct{}{}
	cs.stats.Incr(stats.NumActiveConnections)
	cs.log.Printf("registered connection %q", c.id)
}

// removeClient releases everything a connection holds: its typing
// indicators, its channel memberships and its presence.
func (cs *ChatServer) removeClient(c *Client) {
	if _, ok := cs.clients[c]; !ok {
		return
	}

	for _, ind := range cs.typing.ClearConnection(c.id) {
		cs.broadcast(ind.ConversationId, typingChanged(ind.ConversationId, ind.UserId, false, c))
	}

	for conv := range cs.joined[c] {
		cs.leaveChannel(conv, c)
	}
	delete(cs.joined, c)

	user, wentOffline := cs.presence.Detach(c.id)
	delete(cs.attached, c)
	if wentOffline {
		cs.stats.Decr(stats.NumOnlineUsers)
		var lastSeen *time.Time
		if at, ok := cs.presence.LastSeen(user); ok {
			lastSeen = &at
		}
		cs.broadcastPresence(user, false, lastSeen, nil)
		cs.log.Printf("user %q went offline", user)
	}

	delete(cs.clients, c)
	cs.stats.Decr(stats.NumActiveConnections)
	cs.log.Printf("removed connection %q", c.id)
}

func (cs *ChatServer) attachClient(c *Client, user types.UserId) attachResult {
	if _, ok := cs.clients[c]; !ok {
		return attachResult{err: fmt.Errorf("%w: connection is not registered", types.ErrInvalidState)}
	}

	cameOnline, err := cs.presence.Attach(user, c.id)
	if err != nil {
		return attachResult{err: err}
	}
	cs.attached[c] = user

	if cameOnline {
		cs.stats.Incr(stats.NumOnlineUsers)
		cs.broadcastPresence(user, true, nil, c)
		cs.log.Printf("user %q came online", user)
	}

	return attachResult{
		online:  cs.presence.OnlineUsers(),
		pending: cs.pending.flush(user),
	}
}

func (cs *ChatServer) joinChannel(conv types.ConversationId, c *Client) {
	members, ok := cs.channels[conv]
	if !ok {
		members = make(map[*Client]struct{})
		cs.channels[conv] = members
	}
	members[c] = struct{}{}

	convs, ok := cs.joined[c]
	if !ok {
		convs = make(map[types.ConversationId]struct{})
		cs.joined[c] = convs
	}
	convs[conv] = struct{}{}
}

func (cs *ChatServer) leaveChannel(conv types.ConversationId, c *Client) {
	if members, ok := cs.channels[conv]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(cs.channels, conv)
		}
	}
	if convs, ok := cs.joined[c]; ok {
		delete(convs, conv)
	}
}

// route fans a committed message out to the connections joined to its
// conversation and queues a notification when the recipient is offline.
func (cs *ChatServer) route(msg types.Message) {
	for c := range cs.channels[msg.ConversationId] {
		c.queueMessage(messageDelivered(msg))
	}
	cs.stats.Incr(stats.NumMessagesSent)

	if cs.presence.IsOnline(msg.To) {
		return
	}

	n := types.MessageNotification{
		To: msg.To,
		Message: types.MessageSummary{
			Id:        msg.Id,
			From:      msg.From,
			Body:      msg.Body,
			Read:      msg.Read,
			CreatedAt: msg.CreatedAt,
		},
	}
	if evicted, ok := cs.pending.push(n); ok {
		cs.log.Printf("pending queue full, dropped notifications for %q", evicted)
	}
	cs.stats.Incr(stats.NumNotificationsQueued)

	go cs.notifyOffline(n)
}

func (cs *ChatServer) notifyOffline(n types.MessageNotification) {
	ctx, cancel := context.WithTimeout(context.Background(), cs.storeTimeout)
	defer cancel()

	if err := cs.notifier.Notify(ctx, n); err != nil {
		cs.log.Printf("notify %q: %v", n.To, err)
	}
}

func (cs *ChatServer) broadcast(conv types.ConversationId, msg *ServerMessage) {
	for c := range cs.channels[conv] {
		if c == msg.SkipClient {
			continue
		}
		c.queueMessage(msg)
	}
}

func (cs *ChatServer) broadcastPresence(user types.UserId, online bool, lastSeen *time.Time, skip *Client) {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			Presence: &PresenceChanged{UserId: user, Online: online, LastSeen: lastSeen},
		},
		SkipClient: skip,
	}

	for c := range cs.attached {
		if c == skip {
			continue
		}
		c.queueMessage(msg)
	}
}

func messageDelivered(msg types.Message) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Message:     &msg,
	}
}

func typingChanged(conv types.ConversationId, user types.UserId, isTyping bool, skip *Client) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			Typing: &TypingChanged{
				UserId:         user,
				ConversationId: conv,
				Typing:         isTyping,
			},
		},
		SkipClient: skip,
	}
}
