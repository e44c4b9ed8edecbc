package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/auth"
	"github.com/fathima-sithara/realtime-service/internal/domain"
	"github.com/fathima-sithara/realtime-service/internal/hub"
	"github.com/fathima-sithara/realtime-service/internal/metrics"
)

// Enqueuer hands validated client actions to the durable queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, opType string, payload any) (*domain.Envelope, error)
}

// CallService is the call state machine and relay.
type CallService interface {
	Initiate(ctx context.Context, callerID, recipientID string, ctype domain.CallType, offer json.RawMessage) (*domain.Call, error)
	Accept(ctx context.Context, callID, by string) (*domain.Call, error)
	Reject(ctx context.Context, callID, by string) (*domain.Call, error)
	End(ctx context.Context, callID, by string) (*domain.Call, error)
	Signal(ctx context.Context, callID, from string, signal json.RawMessage) error
	ICECandidate(ctx context.Context, callID, from string, candidate json.RawMessage) error
}

type TypingStore interface {
	Start(ctx context.Context, userID, conversationKey string) error
	Stop(ctx context.Context, userID, conversationKey string) error
}

// PresenceRegistrar tracks connect/disconnect in the shared store and
// keeps the presence lease alive between pings.
type PresenceRegistrar interface {
	Register(ctx context.Context, userID string) error
	Unregister(ctx context.Context, userID string) error
	Touch(ctx context.Context, userID string) error
}

type RateLimiter interface {
	Allow(ctx context.Context, scope, identity string) bool
}

type Membership interface {
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
}

type HandlerConfig struct {
	JWTSecret     string
	PingInterval  time.Duration
	WriteDeadline time.Duration
	MaxMsgSize    int64
}

// Handler owns the websocket lifecycle: authenticate, register, pump,
// dispatch, clean up. Per-connection failures stay on that connection.
type Handler struct {
	cfg      HandlerConfig
	hub      *hub.Hub
	presence PresenceRegistrar
	typing   TypingStore
	limiter  RateLimiter
	queue    Enqueuer
	calls    CallService
	groups   Membership
	log      *zap.SugaredLogger
}

func NewHandler(cfg HandlerConfig, h *hub.Hub, presence PresenceRegistrar, typing TypingStore,
	limiter RateLimiter, queue Enqueuer, calls CallService, groups Membership, log *zap.SugaredLogger) *Handler {
	return &Handler{
		cfg: cfg, hub: h, presence: presence, typing: typing,
		limiter: limiter, queue: queue, calls: calls, groups: groups, log: log,
	}
}

// Serve runs one connection until it closes.
func (h *Handler) Serve(c *websocket.Conn) {
	token := c.Query("token")
	claims, err := auth.ParseAndValidateToken(h.cfg.JWTSecret, token)
	if err != nil {
		h.writeClose(c, "invalid token")
		return
	}
	userID := claims.UserID

	client := hub.NewClient(c, userID)
	h.hub.Add(client)
	metrics.ConnectedClients.Inc()

	regCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := h.presence.Register(regCtx, userID); err != nil {
		h.log.Warnw("presence register failed", "user", userID, "error", err)
	}
	cancel()

	go h.writePump(client)

	h.readLoop(client)

	h.hub.Remove(client)
	metrics.ConnectedClients.Dec()
	unregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := h.presence.Unregister(unregCtx, userID); err != nil {
		h.log.Warnw("presence unregister failed", "user", userID, "error", err)
	}
	cancel()
	client.Close()
}

func (h *Handler) readLoop(client *hub.Client) {
	c := client.Conn
	c.SetReadLimit(h.cfg.MaxMsgSize)
	_ = c.SetReadDeadline(time.Now().Add(2 * h.cfg.PingInterval))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(2 * h.cfg.PingInterval))
	})

	for {
		mt, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var frame ClientFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			h.sendError(client, "", apperr.InvalidArg("malformed frame"))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		reply, err := h.Dispatch(ctx, client.UserID, &frame)
		cancel()
		if err != nil {
			h.sendError(client, frame.Event, err)
			continue
		}
		if reply != nil {
			client.Push(reply)
		}
	}
}

func (h *Handler) writePump(client *hub.Client) {
	c := client.Conn
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()
	for {
		select {
		case msg, ok := <-client.Send:
			if !ok {
				_ = c.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}
			_ = c.SetWriteDeadline(time.Now().Add(h.cfg.WriteDeadline))
			if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.SetWriteDeadline(time.Now().Add(h.cfg.WriteDeadline))
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
			// The ping tick doubles as the presence lease refresh: a
			// dead replica stops ticking and its entries expire.
			touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := h.presence.Touch(touchCtx, client.UserID); err != nil {
				h.log.Warnw("presence touch failed", "user", client.UserID, "error", err)
			}
			cancel()
		}
	}
}

// Dispatch routes one inbound frame to its domain operation and returns
// the optional direct reply frame. Domain errors come back as coded
// errors; translating them onto the wire is the caller's job.
func (h *Handler) Dispatch(ctx context.Context, userID string, frame *ClientFrame) ([]byte, error) {
	switch frame.Event {
	case evSendMessage:
		return h.onSendMessage(ctx, userID, frame.Payload)
	case evMessageDelivered:
		return h.onStatus(ctx, userID, frame.Payload, domain.OpStatusDelivered)
	case evMessageRead:
		return h.onStatus(ctx, userID, frame.Payload, domain.OpStatusRead)
	case evEditMessage:
		return h.onEditMessage(ctx, userID, frame.Payload)
	case evDeleteMessage:
		return h.onDeleteMessage(ctx, userID, frame.Payload)
	case evStartTyping:
		return h.onTyping(ctx, userID, frame.Payload, true)
	case evStopTyping:
		return h.onTyping(ctx, userID, frame.Payload, false)
	case evJoinGroup, evLeaveGroup:
		return h.onGroupSubscription(ctx, userID, frame)
	case evCallInitiate:
		return h.onCallInitiate(ctx, userID, frame.Payload)
	case evCallAccept, evCallReject, evCallEnd:
		return h.onCallTransition(ctx, userID, frame)
	case evCallSignal:
		return h.onCallSignal(ctx, userID, frame.Payload)
	case evCallICECandidate:
		return h.onCallCandidate(ctx, userID, frame.Payload)
	}
	return nil, apperr.InvalidArg("unknown event: " + frame.Event)
}

func (h *Handler) onSendMessage(ctx context.Context, userID string, payload json.RawMessage) ([]byte, error) {
	var in sendMessageIn
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, "bad payload", err)
	}
	if in.Content == "" {
		return nil, apperr.InvalidArg("content is required")
	}
	if (in.RecipientID == "") == (in.GroupID == "") {
		return nil, apperr.InvalidArg("exactly one of recipient_id or group_id must be set")
	}
	if !h.limiter.Allow(ctx, "send_message", userID) {
		return nil, apperr.RateLimited("message rate limit exceeded")
	}

	env, err := h.queue.Enqueue(ctx, domain.OpMessageSend, domain.SendMessagePayload{
		SenderID:    userID,
		RecipientID: in.RecipientID,
		GroupID:     in.GroupID,
		Content:     in.Content,
		Type:        in.Type,
	})
	if err != nil {
		return nil, err
	}
	return domain.EncodeFrame("ack", ackOut{Ref: evSendMessage, ID: env.ID})
}

func (h *Handler) onStatus(ctx context.Context, userID string, payload json.RawMessage, op string) ([]byte, error) {
	var in messageRefIn
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, "bad payload", err)
	}
	if in.MessageID == "" {
		return nil, apperr.InvalidArg("message_id is required")
	}
	_, err := h.queue.Enqueue(ctx, op, domain.StatusUpdatePayload{MessageID: in.MessageID, UserID: userID})
	return nil, err
}

func (h *Handler) onEditMessage(ctx context.Context, userID string, payload json.RawMessage) ([]byte, error) {
	var in editMessageIn
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, "bad payload", err)
	}
	if in.MessageID == "" || in.Content == "" {
		return nil, apperr.InvalidArg("message_id and content are required")
	}
	_, err := h.queue.Enqueue(ctx, domain.OpMessageEdit, domain.EditMessagePayload{
		MessageID: in.MessageID, SenderID: userID, Content: in.Content,
	})
	return nil, err
}

func (h *Handler) onDeleteMessage(ctx context.Context, userID string, payload json.RawMessage) ([]byte, error) {
	var in messageRefIn
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, "bad payload", err)
	}
	if in.MessageID == "" {
		return nil, apperr.InvalidArg("message_id is required")
	}
	_, err := h.queue.Enqueue(ctx, domain.OpMessageDelete, domain.DeleteMessagePayload{
		MessageID: in.MessageID, SenderID: userID,
	})
	return nil, err
}

func (h *Handler) onTyping(ctx context.Context, userID string, payload json.RawMessage, start bool) ([]byte, error) {
	var in typingIn
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, "bad payload", err)
	}
	key, err := h.conversationKey(ctx, userID, in.RecipientID, in.GroupID)
	if err != nil {
		return nil, err
	}
	if start {
		return nil, h.typing.Start(ctx, userID, key)
	}
	return nil, h.typing.Stop(ctx, userID, key)
}

func (h *Handler) onGroupSubscription(ctx context.Context, userID string, frame *ClientFrame) ([]byte, error) {
	var in groupIn
	if err := json.Unmarshal(frame.Payload, &in); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, "bad payload", err)
	}
	if in.GroupID == "" {
		return nil, apperr.InvalidArg("group_id is required")
	}
	// Membership itself is owned by the group service; the realtime
	// side only verifies and acknowledges, since fan-out resolves the
	// member set per event.
	ok, err := h.groups.IsMember(ctx, in.GroupID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Forbidden("not a member of the group")
	}
	return domain.EncodeFrame("ack", ackOut{Ref: frame.Event, ID: in.GroupID})
}

func (h *Handler) onCallInitiate(ctx context.Context, userID string, payload json.RawMessage) ([]byte, error) {
	var in callInitiateIn
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, "bad payload", err)
	}
	if !h.limiter.Allow(ctx, "call_initiate", userID) {
		return nil, apperr.RateLimited("call rate limit exceeded")
	}
	c, err := h.calls.Initiate(ctx, userID, in.RecipientID, in.Type, in.Offer)
	if err != nil {
		return nil, err
	}
	return domain.EncodeFrame("ack", ackOut{Ref: evCallInitiate, ID: c.ID})
}

func (h *Handler) onCallTransition(ctx context.Context, userID string, frame *ClientFrame) ([]byte, error) {
	var in callRefIn
	if err := json.Unmarshal(frame.Payload, &in); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, "bad payload", err)
	}
	if in.CallID == "" {
		return nil, apperr.InvalidArg("call_id is required")
	}
	var err error
	switch frame.Event {
	case evCallAccept:
		_, err = h.calls.Accept(ctx, in.CallID, userID)
	case evCallReject:
		_, err = h.calls.Reject(ctx, in.CallID, userID)
	case evCallEnd:
		_, err = h.calls.End(ctx, in.CallID, userID)
	}
	return nil, err
}

func (h *Handler) onCallSignal(ctx context.Context, userID string, payload json.RawMessage) ([]byte, error) {
	var in callSignalIn
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, "bad payload", err)
	}
	if in.CallID == "" {
		return nil, apperr.InvalidArg("call_id is required")
	}
	return nil, h.calls.Signal(ctx, in.CallID, userID, in.Signal)
}

func (h *Handler) onCallCandidate(ctx context.Context, userID string, payload json.RawMessage) ([]byte, error) {
	var in callCandidateIn
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, "bad payload", err)
	}
	if in.CallID == "" {
		return nil, apperr.InvalidArg("call_id is required")
	}
	return nil, h.calls.ICECandidate(ctx, in.CallID, userID, in.Candidate)
}

// conversationKey validates the typing target and derives its key.
func (h *Handler) conversationKey(ctx context.Context, userID, recipientID, groupID string) (string, error) {
	if (recipientID == "") == (groupID == "") {
		return "", apperr.InvalidArg("exactly one of recipient_id or group_id must be set")
	}
	if groupID != "" {
		ok, err := h.groups.IsMember(ctx, groupID, userID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", apperr.Forbidden("not a member of the group")
		}
		return domain.GroupKey(groupID), nil
	}
	return domain.DirectKey(userID, recipientID), nil
}

func (h *Handler) sendError(client *hub.Client, ref string, err error) {
	code := apperr.CodeOf(err)
	msg := err.Error()
	if code == apperr.CodeInternal || code == apperr.CodeUnavailable {
		// do not leak infrastructure details to clients
		msg = "internal error"
	}
	frame, ferr := domain.EncodeFrame(domain.EventError, errorOut{Code: string(code), Message: msg, Ref: ref})
	if ferr != nil {
		return
	}
	client.Push(frame)
}

func (h *Handler) writeClose(c *websocket.Conn, reason string) {
	_ = c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second))
	_ = c.Close()
}
