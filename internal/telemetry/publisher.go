// Package telemetry publishes Loom operational status over MQTT:
// an availability topic with a last-will "offline" message, and retained
// state topics for session and execution counters derived from the
// operational event bus.
package telemetry

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/events"
)

// StatsSource provides process-level data for state publishing.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
	// ModelName returns the configured model identifier.
	ModelName() string
}

// Publisher manages the MQTT connection and runs a periodic loop that
// pushes state updates to the broker.
type Publisher struct {
	cfg    config.MQTTConfig
	stats  StatsSource
	ops    *events.Bus
	logger *slog.Logger
	cm     *autopaho.ConnectionManager

	mu             sync.Mutex
	activeSessions int
	executionsDay  time.Time
	executionsN    int
	lastExecution  time.Time
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, stats StatsSource, ops *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:    cfg,
		stats:  stats,
		ops:    ops,
		logger: logger,
	}
}

// Start connects to the MQTT broker, consumes the operational event bus,
// and publishes states every publish interval. It blocks until ctx is
// cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "loom-" + p.cfg.DeviceName,
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
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go p.consumeEvents(ctx)
	p.runLoop(ctx)
	return nil
}

// Stop publishes an "offline" availability message before closing the
// connection.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// consumeEvents keeps the counters current from the operational bus.
func (p *Publisher) consumeEvents(ctx context.Context) {
	ch := p.ops.Subscribe(64)
	defer p.ops.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			p.observe(e)
		}
	}
}

func (p *Publisher) observe(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e.Kind {
	case events.KindSessionStart:
		p.activeSessions++
	case events.KindSessionEnd:
		if p.activeSessions > 0 {
			p.activeSessions--
		}
	case events.KindExecDone:
		day := e.Timestamp.Truncate(24 * time.Hour)
		if !day.Equal(p.executionsDay) {
			p.executionsDay = day
			p.executionsN = 0
		}
		p.executionsN++
		p.lastExecution = e.Timestamp
	}
}

func (p *Publisher) baseTopic() string {
	return "loom/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}

	p.mu.Lock()
	active := p.activeSessions
	execs := p.executionsN
	last := p.lastExecution
	p.mu.Unlock()

	states := map[string]string{
		"uptime":           p.stats.Uptime().Truncate(time.Second).String(),
		"version":          p.stats.Version(),
		"model":            p.stats.ModelName(),
		"active_sessions":  strconv.Itoa(active),
		"executions_today": strconv.Itoa(execs),
	}
	if !last.IsZero() {
		states["last_execution"] = last.Format(time.RFC3339)
	} else {
		states["last_execution"] = "never"
	}

	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}

	p.logger.Debug("mqtt states published", "entities", len(states))
}
