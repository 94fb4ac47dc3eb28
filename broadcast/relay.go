package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const latestKeyPrefix = "throne:latest:"

// RelayConfig configures a Relay.
type RelayConfig struct {
	Channel string
	// LatestTTL is how long the latest payload per topic stays readable.
	LatestTTL time.Duration
	// Buffer bounds messages waiting to be published. Defaults to 64.
	Buffer int
	Logger *log.Logger
}

type envelope struct {
	Origin  string  `json:"origin"`
	Message Message `json:"message"`
}

// Relay mirrors hub broadcasts across instances over Redis pub/sub. Messages
// received from other instances are delivered locally and never re-published.
type Relay struct {
	rc     *redis.Client
	hub    *Hub
	cfg    RelayConfig
	origin string
	out    chan Message
	log    *log.Logger
}

// NewRelay wires a relay to hub. Call Run to start it.
func NewRelay(rc *redis.Client, hub *Hub, cfg RelayConfig) *Relay {
	if cfg.Channel == "" {
		cfg.Channel = "throne-updates"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.LatestTTL < 0 {
		cfg.LatestTTL = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	r := &Relay{
		rc:     rc,
		hub:    hub,
		cfg:    cfg,
		origin: uuid.NewString(),
		out:    make(chan Message, cfg.Buffer),
		log:    cfg.Logger,
	}
	hub.SetForwarder(r)
	return r
}

// Forward queues m for publishing without blocking the caller.
func (r *Relay) Forward(m Message) {
	select {
	case r.out <- m:
	default:
		r.log.WithField("type", m.Type).Warn("relay buffer full; dropping message")
	}
}

// Run publishes and subscribes until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.publish(gCtx) })
	g.Go(func() error { return r.subscribe(gCtx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Relay) publish(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-r.out:
			data, err := json.Marshal(envelope{Origin: r.origin, Message: m})
			if err != nil {
				r.log.WithError(err).Error("encode relay message")
				continue
			}
			if r.cfg.LatestTTL > 0 {
				if err := r.rc.Set(ctx, latestKeyPrefix+m.Type, []byte(m.Data), r.cfg.LatestTTL).Err(); err != nil {
					r.log.WithError(err).Warn("cache latest payload")
				}
			}
			if err := r.rc.Publish(ctx, r.cfg.Channel, data).Err(); err != nil {
				r.log.WithError(err).WithField("type", m.Type).Error("relay publish")
			}
		}
	}
}

func (r *Relay) subscribe(ctx context.Context) error {
	for {
		sub := r.rc.Subscribe(ctx, r.cfg.Channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return nil
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.log.WithError(err).Error("unable to parse relay message")
					continue
				}
				if env.Origin == r.origin {
					continue
				}
				r.hub.Deliver(env.Message)
			}
		}
		sub.Close()
		if ctx.Err() != nil {
			return nil
		}
		r.log.Error("relay channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

// Latest returns the most recently relayed payload for topic. ok is false
// when nothing was cached or the entry expired.
func (r *Relay) Latest(ctx context.Context, topic string) (json.RawMessage, bool, error) {
	data, err := r.rc.Get(ctx, latestKeyPrefix+topic).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}
