package chat

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"proconnect/internal/registry"
	"proconnect/pkg/logger"
	"proconnect/pkg/metrics"
)

// Gateway is the orchestrator on the critical path: it accepts channel
// commands, validates and persists through the Store, keeps unread
// accounting current, and fans resulting events out to every live
// session of the affected identities.
type Gateway struct {
	store    Store
	registry *registry.Registry
	unread   *UnreadCounter
	broker   Broker
	log      *logger.Logger

	sendBuffer     int
	maxMessageSize int

	ctx context.Context
}

// NewGateway builds the orchestrator. ctx bounds every store call and
// the broker subscription; it is fixed at construction so command
// handlers never race a later write.
func NewGateway(ctx context.Context, store Store, reg *registry.Registry, unread *UnreadCounter, broker Broker, log *logger.Logger) *Gateway {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Gateway{
		store:          store,
		registry:       reg,
		unread:         unread,
		broker:         broker,
		log:            log,
		sendBuffer:     256,
		maxMessageSize: 4096,
		ctx:            ctx,
	}
}

// SetLimits overrides the per-session buffer sizes. Call before Run.
func (g *Gateway) SetLimits(sendBuffer, maxMessageSize int) {
	if sendBuffer > 0 {
		g.sendBuffer = sendBuffer
	}
	if maxMessageSize > 0 {
		g.maxMessageSize = maxMessageSize
	}
}

// Run subscribes the gateway to the broker. Deliveries received from any
// instance are fanned out to this instance's local sessions.
func (g *Gateway) Run() error {
	return g.broker.Start(g.ctx, g.deliverLocal)
}

// Attach turns an upgraded websocket into an active session: registers
// it for fan-out and starts its pumps. The caller has already
// authenticated the identity.
func (g *Gateway) Attach(conn *websocket.Conn, userID int, username string) *Session {
	s := newSession(g, conn, userID, username)
	g.registry.Register(userID, s)
	s.state.Store(stateActive)
	metrics.ConnectionsActive.Inc()

	g.log.Info("session attached",
		zap.String("session_id", s.id),
		zap.Int("user_id", userID),
	)

	go s.writePump()
	go s.readPump()
	return s
}

// dropSession tears down a session after its transport disconnects.
// Idempotent, and invisible to every other identity's sessions. The
// guard is its own flag: a session may already be closed (send buffer
// overflow) and still needs its registry cleanup here.
func (g *Gateway) dropSession(s *Session) {
	if s.dropped.Swap(true) {
		return
	}
	s.close()
	g.registry.Unregister(s)
	metrics.ConnectionsActive.Dec()

	g.log.Info("session detached",
		zap.String("session_id", s.id),
		zap.Int("user_id", s.userID),
	)
}

// handleCommand dispatches one inbound envelope. Malformed or invalid
// commands produce an error event on the originating session only; the
// channel stays open.
func (g *Gateway) handleCommand(s *Session, raw []byte) {
	if !s.active() {
		return
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		g.sendError(s, CodeMalformedCommand, "could not parse command")
		return
	}

	var cmd Command
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			g.sendError(s, CodeMalformedCommand, "could not parse command payload")
			return
		}
	}

	switch env.Event {
	case CommandJoinConversation:
		g.handleJoin(s, cmd)
	case CommandSendMessage:
		g.handleSend(s, cmd)
	case CommandTypingStart, CommandTypingStop:
		g.handleTyping(s, env.Event, cmd)
	default:
		g.sendError(s, CodeMalformedCommand, "unknown command: "+env.Event)
	}
}

// handleJoin marks the session as watching a conversation. A join by a
// non-participant is logged and dropped without leaking anything back.
func (g *Gateway) handleJoin(s *Session, cmd Command) {
	conv, err := g.store.GetConversation(g.ctx, cmd.ConversationID)
	if err != nil || !conv.HasParticipant(s.userID) {
		g.log.Warn("join rejected",
			zap.String("session_id", s.id),
			zap.Int("user_id", s.userID),
			zap.Int("conversation_id", cmd.ConversationID),
			zap.Error(err),
		)
		return
	}
	s.markJoined(conv.ID)
}

// handleSend is the send-message critical path: persist, then fan out to
// the recipient's sessions and the sender's other sessions.
func (g *Gateway) handleSend(s *Session, cmd Command) {
	conv, err := g.store.GetConversation(g.ctx, cmd.ConversationID)
	if err != nil {
		g.sendError(s, errorCode(err), "cannot send to this conversation")
		return
	}

	msg, err := g.store.AppendMessage(g.ctx, cmd.ConversationID, s.userID, cmd.Content)
	if err != nil {
		g.log.Warn("append message failed",
			zap.Int("user_id", s.userID),
			zap.Int("conversation_id", cmd.ConversationID),
			zap.Error(err),
		)
		g.sendError(s, errorCode(err), "message was not sent")
		return
	}
	metrics.MessagesTotal.Inc()

	payload, err := encodeEvent(EventMessage, msg)
	if err != nil {
		g.sendError(s, CodeBackendUnavailable, "message stored but not delivered")
		return
	}

	recipient := conv.OtherParticipant(s.userID)

	// Recipient: every live session gets the message; sessions not
	// watching the thread additionally get a notification. The unread
	// badge is bumped optimistically; the Store remains authoritative.
	notify, _ := encodeEvent(EventNotification, Notification{
		ID:        uuid.NewString(),
		Type:      "chat_message",
		Title:     "New message",
		Message:   msg.Sender + " sent you a message",
		ActionURL: "/chat/conversations/" + strconv.Itoa(conv.ID),
		CreatedAt: msg.CreatedAt,
	})
	g.publish(Delivery{
		TargetID:       recipient,
		ConversationID: conv.ID,
		Event:          EventMessage,
		Payload:        payload,
		Notify:         notify,
	})
	g.unread.Increment(g.ctx, recipient)

	// Sender: echo to the other open devices so every tab renders the
	// sent message without a re-fetch. The originating session already
	// has it.
	g.publish(Delivery{
		TargetID:       s.userID,
		ConversationID: conv.ID,
		ExcludeSession: s.id,
		Event:          EventMessage,
		Payload:        payload,
	})
}

// handleTyping relays an ephemeral typing indicator to the sessions
// watching the room. Nothing is persisted and failures are silent.
func (g *Gateway) handleTyping(s *Session, event string, cmd Command) {
	conv, err := g.store.GetConversation(g.ctx, cmd.GroupID)
	if err != nil || !conv.HasParticipant(s.userID) {
		return
	}

	payload, err := encodeEvent(event, TypingEvent{
		GroupID: conv.ID,
		UserID:  s.userID,
		User:    s.username,
	})
	if err != nil {
		return
	}

	g.publish(Delivery{
		TargetID:       conv.OtherParticipant(s.userID),
		ConversationID: conv.ID,
		WatchingOnly:   true,
		Event:          event,
		Payload:        payload,
	})
	g.publish(Delivery{
		TargetID:       s.userID,
		ConversationID: conv.ID,
		ExcludeSession: s.id,
		WatchingOnly:   true,
		Event:          event,
		Payload:        payload,
	})
}

// publish hands a delivery to the broker. When the target has no live
// sessions anywhere this is a no-op downstream; the message is already
// durable and will surface on the next listing.
func (g *Gateway) publish(d Delivery) {
	if err := g.broker.Publish(g.ctx, d); err != nil {
		g.log.Error("delivery publish failed",
			zap.Int("target_id", d.TargetID),
			zap.String("event", d.Event),
			zap.Error(err),
		)
	}
}

// deliverLocal fans one delivery out to this instance's sessions for the
// target identity.
func (g *Gateway) deliverLocal(d Delivery) {
	for _, p := range g.registry.SessionsFor(d.TargetID) {
		if p.SessionID() == d.ExcludeSession {
			continue
		}
		watching := p.Watching(d.ConversationID)
		if d.WatchingOnly && !watching {
			continue
		}
		if err := p.Push(d.Payload); err != nil {
			continue
		}
		metrics.RecordDelivery(d.Event)

		if len(d.Notify) > 0 && !watching {
			if err := p.Push(d.Notify); err == nil {
				metrics.RecordDelivery(EventNotification)
			}
		}
	}
}

// sendError reports a failed command to its originator only.
func (g *Gateway) sendError(s *Session, code, message string) {
	metrics.RecordCommandError(code)
	payload, err := encodeEvent(EventError, ErrorEvent{Code: code, Message: message})
	if err != nil {
		return
	}
	s.Push(payload)
}
