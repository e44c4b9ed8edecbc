package fanout

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/domain"
	"github.com/fathima-sithara/realtime-service/internal/hub"
	"github.com/fathima-sithara/realtime-service/internal/metrics"
)

// GroupResolver resolves a group's member set so typing indicators can
// be addressed; it fronts the external group service.
type GroupResolver interface {
	Members(ctx context.Context, groupID string) ([]string, error)
}

// Bridge connects the cross-replica pub/sub channels to the local hub.
// Every replica publishes to the shared channels and subscribes to all
// of them; a replica then only pushes to the users it holds connections
// for, so replicas never call each other directly.
type Bridge struct {
	rdb      *redis.Client
	hub      *hub.Hub
	groups   GroupResolver
	log      *zap.SugaredLogger
	events   string
	presence string
	typing   string
}

func NewBridge(rdb *redis.Client, prefix string, h *hub.Hub, groups GroupResolver, presenceChannel, typingChannel string, log *zap.SugaredLogger) *Bridge {
	return &Bridge{
		rdb:      rdb,
		hub:      h,
		groups:   groups,
		log:      log,
		events:   prefix + ":events",
		presence: presenceChannel,
		typing:   typingChannel,
	}
}

// PublishPush sends ev to every replica via the shared events channel.
func (b *Bridge) PublishPush(ctx context.Context, ev *domain.PushEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return apperr.Internal("push event encode", err)
	}
	if err := b.rdb.Publish(ctx, b.events, payload).Err(); err != nil {
		return apperr.Unavailable("push event publish", err)
	}
	return nil
}

// Run subscribes and pushes until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	sub := b.rdb.Subscribe(ctx, b.events, b.presence, b.typing)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(ctx, m.Channel, []byte(m.Payload))
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context, channel string, payload []byte) {
	switch channel {
	case b.events:
		b.handlePush(payload)
	case b.presence:
		b.handlePresence(payload)
	case b.typing:
		b.handleTyping(ctx, payload)
	}
}

func (b *Bridge) handlePush(payload []byte) {
	var ev domain.PushEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		b.log.Warnw("bad push event", "error", err)
		return
	}
	frame, err := json.Marshal(domain.Frame{Event: ev.Event, Payload: ev.Payload, Timestamp: ev.Timestamp})
	if err != nil {
		return
	}
	if sent := b.hub.SendToUsers(ev.Targets, frame); sent > 0 {
		metrics.EventsPushed.WithLabelValues(ev.Event).Add(float64(sent))
	}
	// Targets without a local connection are simply skipped; offline
	// recipients catch up through the history read path.
}

func (b *Bridge) handlePresence(payload []byte) {
	var p domain.PresencePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		b.log.Warnw("bad presence event", "error", err)
		return
	}
	frame, err := domain.EncodeFrame(domain.EventUserPresence, p)
	if err != nil {
		return
	}
	// Presence changes fan out to everyone connected locally.
	for _, userID := range b.hub.Users() {
		if userID == p.UserID {
			continue
		}
		b.hub.SendToUser(userID, frame)
	}
}

func (b *Bridge) handleTyping(ctx context.Context, payload []byte) {
	var p domain.TypingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		b.log.Warnw("bad typing event", "error", err)
		return
	}
	targets, err := b.typingAudience(ctx, p)
	if err != nil {
		b.log.Warnw("typing audience resolve failed", "conversation", p.ConversationKey, "error", err)
		return
	}
	frame, err := domain.EncodeFrame(domain.EventUserTyping, p)
	if err != nil {
		return
	}
	b.hub.SendToUsers(targets, frame)
}

// typingAudience is everyone in the conversation except the typist.
func (b *Bridge) typingAudience(ctx context.Context, p domain.TypingPayload) ([]string, error) {
	if g, ok := strings.CutPrefix(p.ConversationKey, "group:"); ok {
		members, err := b.groups.Members(ctx, g)
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(members))
		for _, m := range members {
			if m != p.UserID {
				out = append(out, m)
			}
		}
		return out, nil
	}
	if rest, ok := strings.CutPrefix(p.ConversationKey, "dm:"); ok {
		a, c, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, apperr.InvalidArg("bad conversation key")
		}
		if a == p.UserID {
			return []string{c}, nil
		}
		return []string{a}, nil
	}
	return nil, apperr.InvalidArg("bad conversation key")
}
