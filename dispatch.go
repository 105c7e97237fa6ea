package main

import (
	"context"
	"errors"
	"time"

	"tableside/notify/internal/auth"
	"tableside/notify/internal/logging"
	"tableside/notify/internal/order"
	"tableside/notify/internal/protocol"
	"tableside/notify/internal/registry"
)

// storeCallTimeout bounds the order-store round trip triggered by one envelope.
const storeCallTimeout = 5 * time.Second

// dispatch routes one inbound envelope. Unexpected panics in a handler are
// converted to an error envelope so a single bad message can never tear down
// the accept loop.
func (s *Server) dispatch(session *wsSession, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic",
				logging.Uint64("conn_id", session.handle),
				logging.String("payload", string(raw)),
				logging.Field{Key: "panic", Value: r})
			session.replyError("", protocol.CodeInternal, "internal error")
		}
	}()

	env, err := protocol.Decode(raw)
	if err != nil {
		session.replyError("", protocol.CodeMalformedEnvelope, err.Error())
		return
	}

	switch env.Type {
	case protocol.TypeAuthenticate:
		s.handleAuthenticate(session, env)
	case protocol.TypePing:
		s.handlePing(session, env)
	case protocol.TypeSubscribeOrders:
		identity, ok := s.requireAuth(session, env)
		if !ok {
			return
		}
		s.handleSubscribe(session, env, identity)
	case protocol.TypeStatusUpdate, protocol.TypeOrderUpdate:
		identity, ok := s.requireAuth(session, env)
		if !ok {
			return
		}
		s.handleStatusUpdate(session, env, identity)
	default:
		// Unknown or server-originated types get an error reply; the
		// connection stays open.
		s.logger.Debug("unhandled envelope type",
			logging.Uint64("conn_id", session.handle),
			logging.String("type", string(env.Type)))
		session.replyError(env.ID, protocol.CodeMalformedEnvelope, "unsupported envelope type "+string(env.Type))
	}
}

// requireAuth enforces that only authenticate and ping may arrive before the
// connection holds an identity.
func (s *Server) requireAuth(session *wsSession, env *protocol.Envelope) (auth.Identity, bool) {
	identity, ok := s.registry.Identity(session.handle)
	if !ok {
		session.replyError(env.ID, protocol.CodeAuthRequired, "authenticate first")
		return auth.Identity{}, false
	}
	return identity, true
}

func (s *Server) handleAuthenticate(session *wsSession, env *protocol.Envelope) {
	var payload protocol.AuthenticatePayload
	if err := env.DecodePayload(&payload); err != nil {
		session.replyError(env.ID, protocol.CodeMalformedEnvelope, err.Error())
		return
	}
	identity, err := s.verifier.Verify(payload.Token)
	if err != nil {
		s.logger.Warn("authentication rejected",
			logging.Uint64("conn_id", session.handle),
			logging.Error(err))
		session.reply(protocol.TypeAuthenticateError, protocol.ErrorPayload{
			Code:    protocol.CodeInvalidToken,
			Message: "token rejected",
		}, env.ID)
		// An invalid token closes the connection and forces a fresh
		// reconnect plus re-auth from the client.
		_ = session.Close()
		return
	}
	if payload.Role != "" {
		claimed, roleErr := auth.ParseRole(payload.Role)
		if roleErr != nil || claimed != identity.Role {
			session.reply(protocol.TypeAuthenticateError, protocol.ErrorPayload{
				Code:    protocol.CodeInvalidToken,
				Message: "role does not match token",
			}, env.ID)
			_ = session.Close()
			return
		}
	}
	if err := s.registry.Authenticate(session.handle, *identity); err != nil {
		session.replyError(env.ID, protocol.CodeMalformedEnvelope, err.Error())
		return
	}
	s.logger.Info("connection authenticated",
		logging.Uint64("conn_id", session.handle),
		logging.String("user_id", identity.UserID),
		logging.String("role", string(identity.Role)))
	session.reply(protocol.TypeAuthenticateOK, protocol.AuthenticatedPayload{
		UserID: identity.UserID,
		Role:   string(identity.Role),
	}, env.ID)
}

func (s *Server) handlePing(session *wsSession, env *protocol.Envelope) {
	session.reply(protocol.TypePong, protocol.PongPayload{
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
	}, env.ID)
}

func (s *Server) handleSubscribe(session *wsSession, env *protocol.Envelope, identity auth.Identity) {
	if err := s.registry.MarkSubscribed(session.handle); err != nil {
		session.replyError(env.ID, protocol.CodeInternal, err.Error())
		return
	}
	s.logger.Debug("subscribed to order stream",
		logging.Uint64("conn_id", session.handle),
		logging.String("user_id", identity.UserID))
}

func (s *Server) handleStatusUpdate(session *wsSession, env *protocol.Envelope, identity auth.Identity) {
	// Status writes are a back-of-house operation, matching the REST surface:
	// customers observe transitions but never drive them.
	if identity.Role == auth.RoleCustomer {
		session.replyError(env.ID, protocol.CodeForbidden, "crew or admin role required")
		return
	}
	var payload protocol.StatusUpdatePayload
	if err := env.DecodePayload(&payload); err != nil {
		session.replyError(env.ID, protocol.CodeMalformedEnvelope, err.Error())
		return
	}
	next, err := order.ParseStatus(payload.Status)
	if err != nil {
		session.replyError(env.ID, protocol.CodeInvalidTransition, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeCallTimeout)
	snapshot, err := s.machine.ApplyTransition(ctx, payload.OrderID, next, identity.UserID)
	cancel()
	if err != nil {
		// Domain failures go back to the sender only; the audience never
		// observes a rejected transition.
		code := protocol.CodeInternal
		switch {
		case errors.Is(err, order.ErrInvalidTransition), errors.Is(err, order.ErrUnknownStatus):
			code = protocol.CodeInvalidTransition
		case errors.Is(err, order.ErrNotFound):
			code = protocol.CodeOrderNotFound
		case errors.Is(err, order.ErrConflict):
			code = protocol.CodeConflictingUpdate
		default:
			s.logger.Error("transition failed",
				logging.Uint64("conn_id", session.handle),
				logging.String("order_id", payload.OrderID),
				logging.Error(err))
		}
		session.replyError(env.ID, code, err.Error())
		return
	}

	s.fanOut(protocol.TypeOrderStatusChanged, *snapshot, identity.UserID, session.handle, env.ID)
}

// BroadcastStatusChanged fans a successful transition out to the audience. It
// backs the polling surface, which applies writes outside any websocket
// session.
func (s *Server) BroadcastStatusChanged(snapshot order.Snapshot, actorID string) {
	s.fanOut(protocol.TypeOrderStatusChanged, snapshot, actorID, 0, "")
}

// BroadcastNewOrder announces a storefront order to the audience. It backs the
// AMQP intake.
func (s *Server) BroadcastNewOrder(snapshot order.Snapshot) {
	s.fanOut(protocol.TypeNewOrder, snapshot, "", 0, "")
}

// fanOut delivers one event to every crew and admin connection plus the
// subscribed connections of the order's customer. The audience is a registry
// snapshot taken up front, so a send failure that detaches a member cannot
// disturb delivery to the rest. Each send is best effort and independently
// logged; the sender's copy carries the correlation id so it doubles as the
// acknowledgment.
func (s *Server) fanOut(eventType protocol.Type, snapshot order.Snapshot, actorID string, senderHandle uint64, ackID string) {
	payload := protocol.OrderEventPayload{
		OrderID:    snapshot.ID,
		CustomerID: snapshot.CustomerID,
		Status:     string(snapshot.Status),
		ChangedBy:  actorID,
		Timestamp:  snapshot.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	frame, err := protocol.Encode(eventType, payload, "")
	if err != nil {
		s.logger.Error("encode broadcast failed", logging.Error(err))
		return
	}
	var ackFrame []byte
	if senderHandle != 0 && ackID != "" {
		if ackFrame, err = protocol.Encode(eventType, payload, ackID); err != nil {
			ackFrame = frame
		}
	}

	audience := s.registry.ByRole(auth.RoleCrew)
	audience = append(audience, s.registry.ByRole(auth.RoleAdmin)...)
	for _, entry := range s.registry.ByUser(snapshot.CustomerID) {
		if entry.Subscribed {
			audience = append(audience, entry)
		}
	}

	seen := make(map[uint64]struct{}, len(audience))
	delivered, failed := 0, 0
	for _, entry := range audience {
		if _, dup := seen[entry.ID]; dup {
			continue
		}
		seen[entry.ID] = struct{}{}
		out := frame
		if entry.ID == senderHandle && ackFrame != nil {
			out = ackFrame
		}
		if entry.Sink == nil {
			continue
		}
		if err := entry.Sink.Deliver(out); err != nil {
			failed++
			s.logger.Warn("broadcast delivery failed",
				logging.Uint64("conn_id", entry.ID),
				logging.String("order_id", snapshot.ID),
				logging.Error(err))
			continue
		}
		delivered++
	}
	s.metrics.ObserveBroadcast(delivered, failed)
	s.logger.Debug("broadcast complete",
		logging.String("event", string(eventType)),
		logging.String("order_id", snapshot.ID),
		logging.Int("delivered", delivered),
		logging.Int("failed", failed))
}

// reply sends an envelope back to this session only.
func (c *wsSession) reply(t protocol.Type, payload any, id string) {
	frame, err := protocol.Encode(t, payload, id)
	if err != nil {
		c.server.logger.Error("encode reply failed", logging.Error(err))
		return
	}
	if err := c.Deliver(frame); err != nil {
		c.server.logger.Warn("reply delivery failed",
			logging.Uint64("conn_id", c.handle),
			logging.Error(err))
	}
}

func (c *wsSession) replyError(id, code, message string) {
	c.reply(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message}, id)
}

// ensure wsSession satisfies the registry contract.
var _ registry.Sink = (*wsSession)(nil)
