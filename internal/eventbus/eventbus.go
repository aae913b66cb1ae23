// Package eventbus is the in-process publish/subscribe bus carrying license
// lifecycle notifications: topics license:{client_id}, plan:{plan} and
// admin, with bounded per-subscriber queues and best-effort delivery. The
// bus is an explicit dependency passed through construction, never a global.
// When a Redis client is supplied, published events are additionally
// mirrored onto Redis pub/sub channels so sibling API processes observe
// them; ListenRedis consumes the mirror on the receiving side.
package eventbus

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lumenguard/licensed/internal/repository"
)

// DefaultQueueSize bounds a subscriber's channel. Events that do not fit
// are dropped for that subscriber rather than slowing publishers.
const DefaultQueueSize = 256

// redisChannelPrefix namespaces the mirrored pub/sub channels.
const redisChannelPrefix = "eventbus:"

// Event is the single envelope published on the bus. Topics carries the
// set of rooms the message belongs to, so one publish fans out to several
// rooms at once. Origin identifies the publishing process and is used to
// skip events mirrored back over Redis.
type Event struct {
	Topics  []string               `json:"-"`
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
	Origin  string                 `json:"origin,omitempty"`
}

// LicenseTopic returns the per-client room name.
func LicenseTopic(clientID string) string { return "license:" + clientID }

// PlanTopic returns the per-plan room name.
func PlanTopic(plan string) string { return "plan:" + plan }

// AdminTopic is the operators' room.
const AdminTopic = "admin"

// Subscription is a live (topic, channel) registration.
type Subscription struct {
	ID     string
	Topic  string
	C      <-chan Event
	bus    *Bus
	once   sync.Once
	Closed bool
}

// Close unregisters the subscription. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		s.Closed = true
	})
}

// Bus is the in-process event bus. Publishers never block: an event that
// does not fit a subscriber's queue is dropped for that subscriber and the
// subscriber is reported back to the caller for disconnection.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[string]chan Event // topic -> subID -> chan
	log    zerolog.Logger
	redis  *repository.RedisClient // optional cross-process fan-out
	origin string
}

// New constructs a Bus. redis may be nil for a single-process deployment.
func New(log zerolog.Logger, redis *repository.RedisClient) *Bus {
	return &Bus{
		subs:   make(map[string]map[string]chan Event),
		log:    log.With().Str("component", "eventbus").Logger(),
		redis:  redis,
		origin: uuid.New().String(),
	}
}

// Subscribe registers a bounded channel under topic, returning a
// Subscription the caller must Close when done. subID should be unique per
// connection (e.g. the Gateway connection id) so unsubscription is targeted.
func (b *Bus) Subscribe(topic, subID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, DefaultQueueSize)
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]chan Event)
	}
	b.subs[topic][subID] = ch
	return &Subscription{ID: subID, Topic: topic, C: ch, bus: b}
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[s.Topic]; ok {
		if ch, ok := m[s.ID]; ok {
			delete(m, s.ID)
			close(ch)
		}
	}
}

// Publish delivers ev to every topic it names. Delivery per topic follows
// publish order; there is no cross-topic ordering guarantee. Returns the
// set of subIDs whose queue was full; the event is lost for each of them,
// and their subscriptions stay registered. The bus disconnects nobody.
func (b *Bus) Publish(ctx context.Context, ev Event) []string {
	ev.Origin = b.origin
	overflowed := b.deliverLocal(ev)
	if len(overflowed) > 0 {
		b.log.Warn().Strs("subscribers", overflowed).Str("type", ev.Type).
			Msg("subscriber queue full, event dropped")
	}

	if b.redis != nil {
		b.mirrorToRedis(ctx, ev)
	}
	return overflowed
}

func (b *Bus) deliverLocal(ev Event) []string {
	var overflowed []string
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, topic := range ev.Topics {
		for subID, ch := range b.subs[topic] {
			select {
			case ch <- ev:
			default:
				overflowed = append(overflowed, subID)
			}
		}
	}
	return overflowed
}

// mirrorToRedis copies the event onto one Redis channel per topic. Local
// delivery has already happened and never waits on Redis.
func (b *Bus) mirrorToRedis(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.log.Error().Err(err).Msg("marshal event for redis mirror")
		return
	}
	for _, topic := range ev.Topics {
		if err := b.redis.Client().Publish(ctx, redisChannelPrefix+topic, data).Err(); err != nil {
			b.log.Warn().Err(err).Str("topic", topic).Msg("redis publish failed")
		}
	}
}

// ListenRedis consumes events mirrored by sibling processes and delivers
// them to local subscribers until ctx is canceled. Events this process
// published itself are recognized by Origin and skipped. No-op without a
// Redis client.
func (b *Bus) ListenRedis(ctx context.Context) {
	if b.redis == nil {
		return
	}
	pubsub := b.redis.PSubscribe(ctx, redisChannelPrefix+"*")
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.log.Warn().Err(err).Msg("malformed mirrored event")
					continue
				}
				if ev.Origin == b.origin {
					continue
				}
				ev.Topics = []string{strings.TrimPrefix(msg.Channel, redisChannelPrefix)}
				b.deliverLocal(ev)
			}
		}
	}()
}
