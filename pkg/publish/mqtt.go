// Package publish pushes every finished poll cycle to an MQTT broker.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/levenlabs/go-lflag"

	"github.com/jameshartig/solarkmon/pkg/log"
	"github.com/jameshartig/solarkmon/pkg/types"
)

const (
	// DefaultTopic is the topic prefix when none is configured.
	DefaultTopic = "solarkmon"

	publishTimeout = 5 * time.Second
	connectTimeout = 10 * time.Second
)

// broker is the part of mqtt.Client the publisher needs.
type broker interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Config holds the broker connection settings. An empty Broker disables
// publishing.
type Config struct {
	Broker    string
	ClientID  string
	Username  string
	Password  string
	Topic     string
	QoS       byte
	Discovery bool
	Node      string
}

// Enabled reports whether a broker was configured.
func (c *Config) Enabled() bool {
	return c.Broker != ""
}

// Configured registers the mqtt flags.
func Configured() *Config {
	broker := lflag.String("mqtt-broker", "", "MQTT broker URL (e.g. tcp://localhost:1883), empty to disable")
	clientID := lflag.String("mqtt-client-id", "solarkmon", "MQTT client id")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	topic := lflag.String("mqtt-topic", DefaultTopic, "Topic prefix; state is published to {prefix}/state")
	qos := lflag.Int("mqtt-qos", 0, "QoS for published messages (0, 1 or 2)")
	discovery := lflag.Bool("mqtt-discovery", false, "Publish Home Assistant discovery configs on connect")
	node := lflag.String("mqtt-node-id", "solark", "Node id used in discovery topics and unique ids")

	cfg := &Config{}
	lflag.Do(func() {
		if *qos < 0 || *qos > 2 {
			panic(fmt.Sprintf("invalid mqtt-qos %d", *qos))
		}
		cfg.Broker = *broker
		cfg.ClientID = *clientID
		cfg.Username = *username
		cfg.Password = *password
		cfg.Topic = *topic
		cfg.QoS = byte(*qos)
		cfg.Discovery = *discovery
		cfg.Node = *node
	})
	return cfg
}

func (c *Config) topic(suffix string) string {
	prefix := c.Topic
	if prefix == "" {
		prefix = DefaultTopic
	}
	return prefix + "/" + suffix
}

// Publisher sends the retained state message after every status update.
type Publisher struct {
	cfg    *Config
	client broker
}

// New connects to the configured broker. The connection retries in the
// background so a broker that is down at startup is not fatal.
func New(ctx context.Context, cfg *Config) (*Publisher, error) {
	p := &Publisher{cfg: cfg}

	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true).SetConnectRetry(true).SetConnectTimeout(5 * time.Second)
	opts.SetWill(cfg.topic("status"), "offline", cfg.QoS, true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Ctx(ctx).InfoContext(ctx, "mqtt connected", slog.String("broker", cfg.Broker))
		p.announce(ctx)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Ctx(ctx).WarnContext(ctx, "mqtt connection lost", slog.Any("error", err))
	})

	mc := mqtt.NewClient(opts)
	p.client = mc
	token := mc.Connect()
	if !token.WaitTimeout(connectTimeout) {
		// ConnectRetry keeps trying, publishes queue until it succeeds
		log.Ctx(ctx).WarnContext(ctx, "mqtt broker not reachable yet", slog.String("broker", cfg.Broker))
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return p, nil
}

// announce marks the publisher online and sends discovery configs.
func (p *Publisher) announce(ctx context.Context) {
	if err := p.send(p.cfg.topic("status"), []byte("online")); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "mqtt publish error", slog.String("topic", p.cfg.topic("status")), slog.Any("error", err))
	}
	if !p.cfg.Discovery {
		return
	}
	for _, d := range discoveryConfigs(p.cfg) {
		if err := p.send(d.topic, d.payload); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "mqtt discovery publish error", slog.String("topic", d.topic), slog.Any("error", err))
		}
	}
}

func (p *Publisher) send(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.cfg.QoS, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("timed out waiting for broker")
	}
	return token.Error()
}

// Run publishes every status received on updates until ctx is done or the
// channel is closed, then marks the publisher offline and disconnects.
func (p *Publisher) Run(ctx context.Context, updates <-chan types.Status) error {
	defer p.close(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-updates:
			if !ok {
				return nil
			}
			p.Publish(ctx, st)
		}
	}
}

// Publish sends one status as the retained state message. Failures are
// logged; the next cycle publishes again.
func (p *Publisher) Publish(ctx context.Context, st types.Status) {
	payload, err := json.Marshal(newStatePayload(st))
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "marshal error when sending mqtt json", slog.Any("error", err))
		return
	}
	topic := p.cfg.topic("state")
	if err := p.send(topic, payload); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "mqtt publish error", slog.String("topic", topic), slog.Any("error", err))
		return
	}
	log.Ctx(ctx).DebugContext(ctx, "published state", slog.String("topic", topic), slog.Int("bytes", len(payload)))
}

func (p *Publisher) close(ctx context.Context) {
	if err := p.send(p.cfg.topic("status"), []byte("offline")); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "mqtt publish error", slog.String("topic", p.cfg.topic("status")), slog.Any("error", err))
	}
	p.client.Disconnect(250)
}

// statePayload is the retained message. Metrics that were not produced are
// omitted so consumers can tell them apart from zero.
type statePayload struct {
	Metrics             map[types.Metric]float64          `json:"metrics"`
	Provenance          map[types.Metric]types.Provenance `json:"provenance,omitempty"`
	Extras              map[string]float64                `json:"extras,omitempty"`
	State               types.CoordinatorState            `json:"state"`
	LastUpdateSuccess   bool                              `json:"last_update_success"`
	LastError           *string                           `json:"last_error"`
	ConsecutiveFailures int                               `json:"consecutive_failures"`
	LastSuccess         *time.Time                        `json:"last_success_timestamp,omitempty"`
	StaleSeconds        float64                           `json:"stale_seconds"`
}

func newStatePayload(st types.Status) statePayload {
	sp := statePayload{
		Metrics:             map[types.Metric]float64{},
		State:               st.State,
		LastUpdateSuccess:   st.LastUpdateSuccess(),
		ConsecutiveFailures: st.Poll.ConsecutiveFailures,
		StaleSeconds:        st.Stale.Seconds(),
	}
	if snap := st.Snapshot; snap != nil {
		sp.Metrics = maps.Clone(snap.Values)
		sp.Provenance = maps.Clone(snap.Provenance)
		sp.Extras = maps.Clone(snap.Extras)
	}
	if st.Poll.LastError != "" {
		lastError := st.Poll.LastError
		sp.LastError = &lastError
	}
	if !st.Poll.LastSuccess.IsZero() {
		t := st.Poll.LastSuccess
		sp.LastSuccess = &t
	}
	return sp
}
