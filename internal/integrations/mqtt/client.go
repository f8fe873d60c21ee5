package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/denis-savelyev/FaceAttend/config"
	"github.com/denis-savelyev/FaceAttend/internal/metrics"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// Topic suffixes below the configured prefix
const (
	TopicAttendance   = "attendance"
	TopicState        = "state"
	TopicCommand      = "command"
	TopicAvailability = "availability"
)

// CommandHandler executes commands received on the command topic
type CommandHandler interface {
	HandleCommand(cmd Command) error
}

// Client is the MQTT connection used to publish attendance and state and to
// receive remote commands
type Client struct {
	config    config.MQTTConfig
	client    mqtt.Client
	connected atomic.Bool
	handler   CommandHandler
	metrics   *metrics.MQTTMetrics
	onConnect []func()
}

// NewClient creates a new MQTT client; m may be nil
func NewClient(cfg config.MQTTConfig, m *metrics.MQTTMetrics) *Client {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "faceattend"
	}
	return &Client{config: cfg, metrics: m}
}

// SetCommandHandler sets the receiver of remote commands. Call before Start.
func (c *Client) SetCommandHandler(h CommandHandler) {
	c.handler = h
}

// OnConnect registers a callback run after every (re)connect. Call before Start.
func (c *Client) OnConnect(fn func()) {
	c.onConnect = append(c.onConnect, fn)
}

// Topic returns the full topic for a suffix
func (c *Client) Topic(suffix string) string {
	return strings.TrimSuffix(c.config.TopicPrefix, "/") + "/" + suffix
}

// Start connects to the broker
func (c *Client) Start() error {
	if !c.config.Enabled {
		log.Info("MQTT client is disabled in configuration")
		return nil
	}

	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(c.config.ClientID)
	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	// Broker marks us offline when the connection drops
	opts.SetWill(c.Topic(TopicAvailability), "offline", 1, true)
	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetConnectionLostHandler(c.connectionLostHandler)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetConnectTimeout(10 * time.Second)

	c.client = mqtt.NewClient(opts)

	log.Infof("Connecting to MQTT broker at %s", brokerURL)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		if c.metrics != nil {
			c.metrics.IncrementErrors()
		}
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	log.Info("MQTT client connected successfully")
	return nil
}

// Stop publishes the offline status and disconnects
func (c *Client) Stop() {
	if c.client != nil && c.client.IsConnected() {
		log.Info("Disconnecting MQTT client...")
		if err := c.PublishRetain(c.Topic(TopicAvailability), "offline"); err != nil {
			log.Debugf("Failed to publish offline status: %v", err)
		}
		c.client.Disconnect(250)
		c.setConnected(false)
		log.Info("MQTT client disconnected")
	}
}

// IsConnected reports whether the client is connected
func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

func (c *Client) setConnected(connected bool) {
	c.connected.Store(connected)
	if c.metrics != nil {
		c.metrics.UpdateConnectionStatus(connected)
	}
}

func (c *Client) onConnectHandler(client mqtt.Client) {
	log.Infof("Connected to MQTT broker at %s:%d", c.config.Broker, c.config.Port)
	c.setConnected(true)

	if token := client.Publish(c.Topic(TopicAvailability), 1, true, "online"); token.Wait() && token.Error() != nil {
		log.Warnf("Failed to publish availability: %v", token.Error())
	}

	topic := c.Topic(TopicCommand)
	if token := client.Subscribe(topic, 1, c.messageHandler); token.Wait() && token.Error() != nil {
		log.Errorf("Failed to subscribe to topic %s: %v", topic, token.Error())
	} else {
		log.Infof("Subscribed to command topic: %s", topic)
	}

	for _, fn := range c.onConnect {
		go fn()
	}
}

func (c *Client) connectionLostHandler(client mqtt.Client, err error) {
	log.Errorf("MQTT connection lost: %v", err)
	c.setConnected(false)
	if c.metrics != nil {
		c.metrics.IncrementErrors()
	}
}

func (c *Client) messageHandler(client mqtt.Client, msg mqtt.Message) {
	c.dispatch(msg.Topic(), msg.Payload())
}

// dispatch parses a command payload and hands it to the handler
func (c *Client) dispatch(topic string, payload []byte) {
	log.Debugf("Received MQTT message on topic: %s", topic)
	cmd, err := ParseCommand(payload)
	if err != nil {
		log.Warnf("Ignoring MQTT command: %v", err)
		if c.metrics != nil {
			c.metrics.IncrementErrors()
		}
		return
	}
	if c.metrics != nil {
		c.metrics.CommandReceived(cmd.Action)
	}
	if c.handler == nil {
		return
	}
	if err := c.handler.HandleCommand(cmd); err != nil {
		log.WithField("action", cmd.Action).Warnf("MQTT command failed: %v", err)
	}
}

// PublishMessage publishes payload to topic. Strings and byte slices are sent
// as-is, everything else as JSON.
func (c *Client) PublishMessage(topic string, payload interface{}, retain bool) error {
	if !c.IsConnected() {
		return fmt.Errorf("MQTT client is not connected")
	}

	payloadBytes, err := encodePayload(payload)
	if err != nil {
		return err
	}

	token := c.client.Publish(topic, 1, retain, payloadBytes)
	if token.Wait() && token.Error() != nil {
		if c.metrics != nil {
			c.metrics.IncrementErrors()
		}
		return fmt.Errorf("failed to publish message to topic %s: %w", topic, token.Error())
	}
	if c.metrics != nil {
		c.metrics.MessageDelivered(len(payloadBytes))
	}

	log.Debugf("Published message to topic: %s", topic)
	return nil
}

func encodePayload(payload interface{}) ([]byte, error) {
	switch p := payload.(type) {
	case string:
		return []byte(p), nil
	case []byte:
		return p, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, bool:
		return []byte(fmt.Sprintf("%v", p)), nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload to JSON: %w", err)
		}
		return b, nil
	}
}

// PublishRetain publishes with the retain flag
func (c *Client) PublishRetain(topic string, payload interface{}) error {
	return c.PublishMessage(topic, payload, true)
}

// Publish publishes without the retain flag
func (c *Client) Publish(topic string, payload interface{}) error {
	return c.PublishMessage(topic, payload, false)
}
