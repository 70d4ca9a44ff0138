package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/mailroom/internal/buildinfo"
	"github.com/nugget/mailroom/internal/config"
	"github.com/nugget/mailroom/internal/events"
)

// eventBuffer is the bus subscription buffer. Events beyond it are
// dropped rather than stalling publishers.
const eventBuffer = 256

// ErrNotStarted is returned by connection checks before Start.
var ErrNotStarted = errors.New("mqtt publisher not started")

// ActiveRuns reports in-flight loop runs. *agent.Dispatcher implements
// it.
type ActiveRuns interface {
	Active() int
}

// broker is the publish side of the connection. *autopaho.ConnectionManager
// implements it.
type broker interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Status is the retained snapshot published to the status topic.
type Status struct {
	InstanceID string           `json:"instance_id"`
	Version    string           `json:"version"`
	Uptime     string           `json:"uptime"`
	ActiveRuns int              `json:"active_runs"`
	RunsToday  int64            `json:"runs_today"`
	Outcomes   map[string]int64 `json:"outcomes_today,omitempty"`
	Timestamp  time.Time        `json:"ts"`
}

// Publisher manages the MQTT connection, forwards bus events to the
// broker and periodically publishes the retained status snapshot.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	runs       ActiveRuns
	daily      *DailyRuns
	logger     *slog.Logger

	// conn is set once Start has created the connection.
	conn atomic.Pointer[autopaho.ConnectionManager]
	// broker is used by the forwarding loop.
	broker broker
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop. runs may be nil.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, runs ActiveRuns, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		runs:       runs,
		daily:      NewDailyRuns(nil),
		logger:     logger,
	}
}

// Start connects to the broker and forwards events until ctx is
// cancelled. A broker that is down at startup is retried in the
// background by autopaho.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
			p.publishStatus(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.conn.Store(cm)
	p.broker = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.run(ctx)
	return nil
}

// Stop publishes "offline" availability and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn.Load()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// Ping reports whether the broker connection is up, waiting until ctx
// expires. It serves as the connwatch probe.
func (p *Publisher) Ping(ctx context.Context) error {
	cm := p.conn.Load()
	if cm == nil {
		return ErrNotStarted
	}
	return cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (p *Publisher) clientID() string {
	if p.instanceID != "" {
		return "mailroom-" + p.instanceID
	}
	return "mailroom-" + p.cfg.DeviceName
}

func (p *Publisher) baseTopic() string {
	return "mailroom/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) statusTopic() string {
	return p.baseTopic() + "/status"
}

func (p *Publisher) eventTopic(e events.Event) string {
	return p.baseTopic() + "/events/" + e.Source + "/" + e.Kind
}

// --- Publishing ---

func (p *Publisher) publishAvailability(ctx context.Context, b broker, status string) {
	if _, err := b.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

// run forwards bus events and publishes status on each tick until ctx
// is cancelled.
func (p *Publisher) run(ctx context.Context) {
	var ch <-chan events.Event
	if p.bus != nil {
		ch = p.bus.Subscribe(eventBuffer)
		defer p.bus.Unsubscribe(ch)
	}

	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				ch = nil
				continue
			}
			p.daily.Observe(e)
			p.publishEvent(ctx, p.broker, e)
		case <-ticker.C:
			p.publishStatus(ctx, p.broker)
		}
	}
}

func (p *Publisher) publishEvent(ctx context.Context, b broker, e events.Event) {
	if b == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("mqtt marshal event", "source", e.Source, "kind", e.Kind, "error", err)
		return
	}
	if _, err := b.Publish(ctx, &paho.Publish{
		Topic:   p.eventTopic(e),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.logger.Debug("mqtt event publish failed", "topic", p.eventTopic(e), "error", err)
	}
}

// status builds the current snapshot.
func (p *Publisher) status() Status {
	outcomes, total := p.daily.Snapshot()
	s := Status{
		InstanceID: p.instanceID,
		Version:    buildinfo.Version,
		Uptime:     buildinfo.Uptime().Truncate(time.Second).String(),
		RunsToday:  total,
		Outcomes:   outcomes,
		Timestamp:  time.Now().UTC(),
	}
	if p.runs != nil {
		s.ActiveRuns = p.runs.Active()
	}
	return s
}

func (p *Publisher) publishStatus(ctx context.Context, b broker) {
	if b == nil {
		return
	}
	payload, err := json.Marshal(p.status())
	if err != nil {
		p.logger.Error("mqtt marshal status", "error", err)
		return
	}
	if _, err := b.Publish(ctx, &paho.Publish{
		Topic:   p.statusTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt status publish failed", "error", err)
		return
	}
	p.logger.Debug("mqtt status published")
}
