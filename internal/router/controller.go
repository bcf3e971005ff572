package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/patrickwarner/rtbconnect/internal/exchange"
	"github.com/patrickwarner/rtbconnect/internal/observability"
)

// Control actions accepted by Controller.Apply.
const (
	ActionEnable      = "enable"
	ActionDisable     = "disable"
	ActionProbability = "probability"
)

// AllExchanges addresses every connector in a control message.
const AllExchanges = "*"

// DefaultControlChannel is the Redis channel control messages are published on.
const DefaultControlChannel = "exchange-control"

var ErrInvalidControl = errors.New("invalid control message")

// ControlMessage changes the admission state of one exchange, or of all of
// them when Exchange is "*".
type ControlMessage struct {
	Exchange string  `json:"exchange"`
	Action   string  `json:"action"`
	Value    float64 `json:"value,omitempty"`
}

// ControlSubscriber delivers raw control messages published on channel until
// ctx is cancelled. db.RedisStore implements it.
type ControlSubscriber interface {
	SubscribeControl(ctx context.Context, channel string) (<-chan []byte, error)
}

// Beacon advertises that this router instance is alive. db.RedisStore
// implements it.
type Beacon interface {
	RecordHeartbeat(ctx context.Context, instance string, ttl time.Duration) error
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	// Window is how far ahead each heartbeat pushes a connector's deadline.
	Window time.Duration
	// Refresh is the heartbeat interval. It should be well below Window.
	Refresh    time.Duration
	Subscriber ControlSubscriber
	Channel    string
	// Beacon and Instance are optional; when set every heartbeat is also
	// recorded for the instance with a TTL of Window.
	Beacon   Beacon
	Instance string
	Logger   *zap.Logger
	Metrics  observability.MetricsRegistry
}

// Controller keeps connectors enabled by refreshing their dead-man's switch
// and applies operator control messages. If the controller stops, every
// connector disables itself once its window runs out.
type Controller struct {
	router     *Router
	window     time.Duration
	refresh    time.Duration
	subscriber ControlSubscriber
	channel    string
	beacon     Beacon
	instance   string
	logger     *zap.Logger
	metrics    observability.MetricsRegistry
	now        func() time.Time

	mu      sync.Mutex
	enabled map[string]bool
}

// NewController creates a controller for r.
func NewController(r *Router, cfg ControllerConfig) *Controller {
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.Refresh <= 0 {
		cfg.Refresh = cfg.Window / 3
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultControlChannel
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.L()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewNoOpRegistry()
	}
	return &Controller{
		router:     r,
		window:     cfg.Window,
		refresh:    cfg.Refresh,
		subscriber: cfg.Subscriber,
		channel:    cfg.Channel,
		beacon:     cfg.Beacon,
		instance:   cfg.Instance,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		now:        time.Now,
		enabled:    make(map[string]bool),
	}
}

// SetEnabled marks an exchange enabled or disabled and applies it immediately.
// Exchanges are disabled until they are enabled here.
func (c *Controller) SetEnabled(name string, enabled bool) error {
	conn, ok := c.router.Connector(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExchange, name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if enabled {
		c.enabled[name] = true
		conn.EnableUntil(c.now().Add(c.window))
	} else {
		delete(c.enabled, name)
		conn.EnableUntil(time.Time{})
	}
	return nil
}

// Enabled reports whether the controller keeps the exchange enabled.
func (c *Controller) Enabled(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled[name]
}

// Heartbeat pushes the deadline of every enabled connector to now+window.
// Connectors that were never enabled are left alone.
func (c *Controller) Heartbeat(now time.Time) {
	deadline := now.Add(c.window)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.router.Connectors() {
		if c.enabled[conn.ExchangeName()] {
			conn.EnableUntil(deadline)
		}
	}
}

// Apply executes one control message.
func (c *Controller) Apply(msg ControlMessage) error {
	err := c.apply(msg)
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.IncrementControlMessages(msg.Exchange, msg.Action, status)
	if err != nil {
		c.logger.Warn("control message rejected",
			zap.String("exchange", msg.Exchange),
			zap.String("action", msg.Action),
			zap.Error(err))
		return err
	}
	c.logger.Info("control message applied",
		zap.String("exchange", msg.Exchange),
		zap.String("action", msg.Action),
		zap.Float64("value", msg.Value))
	return nil
}

func (c *Controller) apply(msg ControlMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	var targets []exchange.Connector
	if msg.Exchange == AllExchanges {
		targets = c.router.Connectors()
	} else {
		conn, ok := c.router.Connector(msg.Exchange)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownExchange, msg.Exchange)
		}
		targets = []exchange.Connector{conn}
	}

	for _, conn := range targets {
		var err error
		if msg.Action == ActionProbability {
			err = conn.SetAcceptBidRequestProbability(msg.Value)
		} else {
			err = c.SetEnabled(conn.ExchangeName(), msg.Action == ActionEnable)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the action and value of msg. It does not look the exchange
// up, so messages can be validated before they are published.
func (m ControlMessage) Validate() error {
	if m.Exchange == "" {
		return fmt.Errorf("%w: missing exchange", ErrInvalidControl)
	}
	switch m.Action {
	case ActionEnable, ActionDisable:
	case ActionProbability:
		if !(m.Value >= 0 && m.Value <= 1) {
			return fmt.Errorf("%w: %w: got %v", ErrInvalidControl, exchange.ErrInvalidProbability, m.Value)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidControl, m.Action)
	}
	return nil
}

// HandleRaw decodes and applies a JSON control message.
func (c *Controller) HandleRaw(payload []byte) error {
	var msg ControlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.metrics.IncrementControlMessages("", "", "error")
		return fmt.Errorf("%w: %v", ErrInvalidControl, err)
	}
	return c.Apply(msg)
}

// Run sends a heartbeat immediately and then every refresh interval, and
// applies control messages from the subscriber, until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.tick(ctx)

	var messages <-chan []byte
	if c.subscriber != nil {
		ch, err := c.subscriber.SubscribeControl(ctx, c.channel)
		if err != nil {
			return fmt.Errorf("subscribe to control channel: %w", err)
		}
		messages = ch
		c.logger.Info("listening for control messages", zap.String("channel", c.channel))
	}

	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.tick(ctx)
		case payload, ok := <-messages:
			if !ok {
				c.logger.Warn("control subscription closed")
				messages = nil
				continue
			}
			if err := c.HandleRaw(payload); err != nil {
				c.logger.Debug("control message failed", zap.ByteString("payload", payload), zap.Error(err))
			}
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	c.Heartbeat(c.now())
	if c.beacon == nil || c.instance == "" {
		return
	}
	if err := c.beacon.RecordHeartbeat(ctx, c.instance, c.window); err != nil {
		c.logger.Warn("failed to record heartbeat", zap.String("instance", c.instance), zap.Error(err))
	}
}
