package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/meterd/internal/config"
	"github.com/dokzlo13/meterd/internal/eventbus"
)

const (
	mqttConnectTimeout    = 10 * time.Second
	mqttPublishTimeout    = 5 * time.Second
	mqttDisconnectQuiesce = 250 // milliseconds
	mqttKeepAlive         = 60 * time.Second
	mqttMaxReconnect      = 2 * time.Minute
)

// mqttPublisher is the part of the paho client the sink needs.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// MQTT publishes entity states as retained messages on
// <prefix>/<device>/<entity>.
type MQTT struct {
	client   mqttPublisher
	paho     pahomqtt.Client
	prefix   string
	qos      byte
	clientID string

	mu        sync.RWMutex
	connected bool
}

// ConnectMQTT connects to the broker and announces the service online.
func ConnectMQTT(cfg config.MQTTConfig) (*MQTT, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "meterd-" + uuid.NewString()[:8]
	}

	m := &MQTT{
		prefix:   strings.TrimSuffix(cfg.TopicPrefix, "/"),
		qos:      byte(cfg.QoS),
		clientID: clientID,
	}

	opts := buildMQTTOptions(cfg, clientID)
	opts.SetWill(m.statusTopic(), statusPayload(clientID, "offline", "unexpected_disconnect"), 1, true)
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		m.setConnected(true)
		c.Publish(m.statusTopic(), 1, true, statusPayload(clientID, "online", ""))
		log.Info().Str("client_id", clientID).Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		m.setConnected(false)
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	m.paho = pahomqtt.NewClient(opts)
	m.client = m.paho

	token := m.paho.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("%w: mqtt timeout after %v", ErrConnectionFailed, mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: mqtt: %w", ErrConnectionFailed, err)
	}
	m.setConnected(true)

	return m, nil
}

func buildMQTTOptions(cfg config.MQTTConfig, clientID string) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(mqttMaxReconnect)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetKeepAlive(mqttKeepAlive)
	return opts
}

// clientStatus is the payload of the <prefix>/status topic.
type clientStatus struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Timestamp string `json:"timestamp"`
	Reason    string `json:"reason,omitempty"`
}

func statusPayload(clientID, status, reason string) string {
	// A struct of strings always marshals.
	data, _ := json.Marshal(clientStatus{
		Status:    status,
		ClientID:  clientID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Reason:    reason,
	})
	return string(data)
}

func (m *MQTT) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

// IsConnected reports the last known connection state.
func (m *MQTT) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MQTT) statusTopic() string {
	return m.prefix + "/status"
}

// Topic returns the state topic of one entity.
func (m *MQTT) Topic(deviceID, entity string) string {
	return m.prefix + "/" + topicSegment(deviceID) + "/" + topicSegment(entity)
}

// topicSegment strips characters with special meaning in MQTT topics.
func topicSegment(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

// Name implements Sink.
func (m *MQTT) Name() string { return "mqtt" }

// Handle implements Sink.
func (m *MQTT) Handle(event eventbus.Event) {
	st := event.State
	if err := m.publish(st); err != nil {
		log.Warn().Err(err).Str("device", st.DeviceID).Str("entity", st.Entity).Msg("Failed to publish state to MQTT")
	}
}

func (m *MQTT) publish(st eventbus.State) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}
	payload, err := Marshal(st)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	token := m.client.Publish(m.Topic(st.DeviceID, st.Entity), m.qos, true, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, mqttPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Close announces a graceful shutdown and disconnects.
func (m *MQTT) Close(ctx context.Context) error {
	if m.paho == nil {
		return nil
	}
	if m.IsConnected() {
		token := m.paho.Publish(m.statusTopic(), 1, true, statusPayload(m.clientID, "offline", "graceful_shutdown"))
		token.WaitTimeout(mqttPublishTimeout)
	}
	m.paho.Disconnect(mqttDisconnectQuiesce)
	m.setConnected(false)
	return nil
}
