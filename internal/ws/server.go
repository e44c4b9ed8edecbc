package ws

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/auth"
	"github.com/fathima-sithara/realtime-service/internal/domain"
)

// HistoryStore reads persisted messages.
type HistoryStore interface {
	History(ctx context.Context, conversationKey string, limit int64, before time.Time) ([]*domain.Message, error)
	FindByID(ctx context.Context, id string) (*domain.Message, error)
}

// DeliveryReader reads per-recipient delivery state for a message.
type DeliveryReader interface {
	ForMessage(ctx context.Context, messageID string) ([]*domain.DeliveryStatus, error)
}

// PresenceReader exposes the shared presence record.
type PresenceReader interface {
	Get(ctx context.Context, userID string) (*domain.PresenceRecord, error)
}

// TypingReader lists who is currently typing in a conversation.
type TypingReader interface {
	Active(ctx context.Context, conversationKey string) ([]string, error)
}

// CallReader reads the durable call history.
type CallReader interface {
	FindByID(ctx context.Context, id string) (*domain.Call, error)
}

type Server struct {
	handler    *Handler
	history    HistoryStore
	deliveries DeliveryReader
	presence   PresenceReader
	typing     TypingReader
	calls      CallReader
	groups     Membership
	jwtSecret  string
	log        *zap.SugaredLogger
}

func NewServer(handler *Handler, history HistoryStore, deliveries DeliveryReader,
	presence PresenceReader, typing TypingReader, calls CallReader,
	groups Membership, jwtSecret string, log *zap.SugaredLogger) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(recover.New())
	app.Use(fiberlogger.New())

	s := &Server{
		handler: handler, history: history, deliveries: deliveries,
		presence: presence, typing: typing, calls: calls,
		groups: groups, jwtSecret: jwtSecret, log: log,
	}

	api := app.Group("/v1")

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api.Get("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/ws", websocket.New(handler.Serve))

	authed := api.Group("", s.authRequired)
	authed.Get("/conversations/:key/messages", s.getHistory)
	authed.Get("/conversations/:key/typing", s.getTyping)
	authed.Get("/messages/:id/status", s.getMessageStatus)
	authed.Get("/users/:id/presence", s.getPresence)
	authed.Get("/calls/:id", s.getCall)

	return app
}

// authRequired validates the bearer token and stashes the caller's id.
func (s *Server) authRequired(c *fiber.Ctx) error {
	header := c.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
	}
	claims, err := auth.ParseAndValidateToken(s.jwtSecret, token)
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
	}
	c.Locals("user_id", claims.UserID)
	return c.Next()
}

func (s *Server) getHistory(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	key := c.Params("key")

	if err := s.authorizeConversation(c.Context(), userID, key); err != nil {
		return s.httpError(c, err)
	}

	limit := int64(50)
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 || n > 200 {
			return fiber.NewError(fiber.StatusBadRequest, "limit must be between 1 and 200")
		}
		limit = n
	}
	before := time.Now()
	if raw := c.Query("before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "before must be RFC3339")
		}
		before = t
	}

	msgs, err := s.history.History(c.Context(), key, limit, before)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(fiber.Map{"status": "success", "data": msgs})
}

func (s *Server) getTyping(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	key := c.Params("key")

	if err := s.authorizeConversation(c.Context(), userID, key); err != nil {
		return s.httpError(c, err)
	}
	users, err := s.typing.Active(c.Context(), key)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(fiber.Map{"status": "success", "data": users})
}

func (s *Server) getMessageStatus(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	msg, err := s.history.FindByID(c.Context(), c.Params("id"))
	if err != nil {
		return s.httpError(c, err)
	}
	if err := s.authorizeMessage(c.Context(), userID, msg); err != nil {
		return s.httpError(c, err)
	}
	statuses, err := s.deliveries.ForMessage(c.Context(), msg.ID)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(fiber.Map{"status": "success", "data": statuses})
}

func (s *Server) getCall(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	call, err := s.calls.FindByID(c.Context(), c.Params("id"))
	if err != nil {
		return s.httpError(c, err)
	}
	if !call.IsParticipant(userID) {
		return s.httpError(c, apperr.Forbidden("not a participant of the call"))
	}
	return c.JSON(fiber.Map{"status": "success", "data": call})
}

func (s *Server) getPresence(c *fiber.Ctx) error {
	rec, err := s.presence.Get(c.Context(), c.Params("id"))
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(fiber.Map{"status": "success", "data": rec})
}

// authorizeMessage checks that userID may read a message's delivery
// state: the sender, the direct recipient, or a member of the target
// group.
func (s *Server) authorizeMessage(ctx context.Context, userID string, msg *domain.Message) error {
	if userID == msg.SenderID || (msg.RecipientID != "" && userID == msg.RecipientID) {
		return nil
	}
	if msg.GroupID != "" {
		member, err := s.groups.IsMember(ctx, msg.GroupID, userID)
		if err != nil {
			return err
		}
		if member {
			return nil
		}
	}
	return apperr.Forbidden("not a participant of the conversation")
}

// authorizeConversation checks that userID may read the conversation
// named by key: one of the two participants for a direct key, a member
// for a group key.
func (s *Server) authorizeConversation(ctx context.Context, userID, key string) error {
	if groupID, ok := strings.CutPrefix(key, "group:"); ok {
		member, err := s.groups.IsMember(ctx, groupID, userID)
		if err != nil {
			return err
		}
		if !member {
			return apperr.Forbidden("not a member of the group")
		}
		return nil
	}
	if rest, ok := strings.CutPrefix(key, "dm:"); ok {
		a, b, found := strings.Cut(rest, ":")
		if !found {
			return apperr.InvalidArg("malformed conversation key")
		}
		if userID != a && userID != b {
			return apperr.Forbidden("not a participant of the conversation")
		}
		return nil
	}
	return apperr.InvalidArg("malformed conversation key")
}

func (s *Server) httpError(c *fiber.Ctx, err error) error {
	code := apperr.CodeOf(err)
	status := fiber.StatusInternalServerError
	switch code {
	case apperr.CodeInvalidArgument:
		status = fiber.StatusBadRequest
	case apperr.CodeNotFound:
		status = fiber.StatusNotFound
	case apperr.CodePermissionDenied:
		status = fiber.StatusForbidden
	case apperr.CodeFailedPrecondition:
		status = fiber.StatusConflict
	case apperr.CodeResourceExhausted:
		status = fiber.StatusTooManyRequests
	case apperr.CodeUnavailable:
		status = fiber.StatusServiceUnavailable
	}
	msg := err.Error()
	if status == fiber.StatusInternalServerError || status == fiber.StatusServiceUnavailable {
		s.log.Errorw("request failed", "path", c.Path(), "error", err)
		msg = "internal error"
	}
	return c.Status(status).JSON(fiber.Map{"status": "error", "code": code, "message": msg})
}
