package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/gwillem/go2web/pkg/motion"
)

// MQTTConfig holds the broker settings.
type MQTTConfig struct {
	Broker         string // host:port or a full URL
	ClientID       string
	TopicPrefix    string
	StatusInterval time.Duration
	QoS            byte
}

// MQTTBridge receives motion commands on <prefix>/control and publishes a
// status document to <prefix>/status.
type MQTTBridge struct {
	cfg     MQTTConfig
	handler CommandHandler
	status  func() any
	log     *slog.Logger

	client         mqtt.Client
	connectTimeout time.Duration
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup

	received  atomic.Uint64
	rejected  atomic.Uint64
	published atomic.Uint64
}

// MQTTOption configures an MQTTBridge.
type MQTTOption func(*MQTTBridge)

// WithMQTTLogger sets the logger; the default is slog.Default().
func WithMQTTLogger(l *slog.Logger) MQTTOption {
	return func(b *MQTTBridge) { b.log = l }
}

// withClient replaces the paho client, for tests.
func withClient(c mqtt.Client) MQTTOption {
	return func(b *MQTTBridge) { b.client = c }
}

// NewMQTTBridge creates a bridge. status is polled for every status
// message and may be nil.
func NewMQTTBridge(cfg MQTTConfig, handler CommandHandler, status func() any, opts ...MQTTOption) *MQTTBridge {
	if cfg.ClientID == "" {
		cfg.ClientID = "go2web"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "go2web"
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 5 * time.Second
	}

	b := &MQTTBridge{
		cfg:            cfg,
		handler:        handler,
		status:         status,
		log:            slog.Default(),
		connectTimeout: 5 * time.Second,
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ControlTopic is where motion commands are received.
func (b *MQTTBridge) ControlTopic() string { return b.cfg.TopicPrefix + "/control" }

// StatusTopic is where status documents are published.
func (b *MQTTBridge) StatusTopic() string { return b.cfg.TopicPrefix + "/status" }

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes the broker connection and starts status publishing.
// The control topic is subscribed on every (re)connect. When the first
// connection is not up in time the client is stopped for good, so a failed
// bridge never starts taking commands later on.
func (b *MQTTBridge) Connect(ctx context.Context) error {
	if b.client == nil {
		opts := mqtt.NewClientOptions()
		opts.AddBroker(brokerURL(b.cfg.Broker))
		opts.SetClientID(b.cfg.ClientID)
		opts.SetAutoReconnect(true)
		opts.SetConnectRetry(true)
		opts.SetConnectRetryInterval(2 * time.Second)
		opts.SetMaxReconnectInterval(30 * time.Second)

		opts.OnConnect = func(c mqtt.Client) {
			b.log.Info("mqtt connection established", "broker", b.cfg.Broker, "client_id", b.cfg.ClientID)
			if err := b.subscribe(); err != nil {
				b.log.Error("mqtt subscribe", "topic", b.ControlTopic(), "err", err)
			}
		}
		opts.OnConnectionLost = func(c mqtt.Client, err error) {
			b.log.Warn("mqtt connection lost, will auto-reconnect", "err", err, "broker", b.cfg.Broker)
		}
		b.client = mqtt.NewClient(opts)
	}

	b.log.Info("connecting to mqtt broker", "broker", b.cfg.Broker)
	token := b.client.Connect()
	var err error
	select {
	case <-token.Done():
		if terr := token.Error(); terr != nil {
			err = fmt.Errorf("mqtt connection failed: %w", terr)
		}
	case <-ctx.Done():
		err = ctx.Err()
	case <-time.After(b.connectTimeout):
		err = fmt.Errorf("mqtt connection timeout")
	}
	if err != nil {
		b.abort()
		return err
	}

	b.wg.Add(1)
	go b.statusLoop()
	return nil
}

// abort stops the client's connect retries and refuses further commands.
func (b *MQTTBridge) abort() {
	b.cancel()
	b.client.Disconnect(0)
}

func (b *MQTTBridge) subscribe() error {
	token := b.client.Subscribe(b.ControlTopic(), b.cfg.QoS, b.handleMessage)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscription timeout")
	}
	return token.Error()
}

func (b *MQTTBridge) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	if b.ctx.Err() != nil {
		return
	}
	var cmd motion.Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		b.rejected.Add(1)
		b.log.Warn("failed to parse control command", "topic", msg.Topic(), "err", err)
		return
	}
	b.received.Add(1)
	b.log.Debug("control command received", "command", cmd.Command)

	if err := b.handler.HandleCommand(b.ctx, cmd); err != nil {
		b.log.Warn("command failed", "command", cmd.Command, "err", err)
	}
}

type statusMessage struct {
	ClientID  string `json:"client_id"`
	Timestamp string `json:"timestamp"`
	Received  uint64 `json:"commands_received"`
	Rejected  uint64 `json:"commands_rejected"`
	Status    any    `json:"status,omitempty"`
}

func (b *MQTTBridge) statusPayload() ([]byte, error) {
	msg := statusMessage{
		ClientID:  b.cfg.ClientID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Received:  b.received.Load(),
		Rejected:  b.rejected.Load(),
	}
	if b.status != nil {
		msg.Status = b.status()
	}
	return json.Marshal(msg)
}

// PublishStatus sends one status message.
func (b *MQTTBridge) PublishStatus() error {
	if !b.client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	payload, err := b.statusPayload()
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	token := b.client.Publish(b.StatusTopic(), b.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	b.published.Add(1)
	return nil
}

func (b *MQTTBridge) statusLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if err := b.PublishStatus(); err != nil {
				b.log.Debug("status not published", "err", err)
			}
		}
	}
}

// Close stops status publishing and disconnects from the broker.
func (b *MQTTBridge) Close() error {
	b.cancel()
	b.wg.Wait()
	if b.client != nil && b.client.IsConnected() {
		b.client.Unsubscribe(b.ControlTopic()).WaitTimeout(time.Second)
		b.client.Disconnect(250)
	}
	b.log.Info("mqtt bridge stopped")
	return nil
}
