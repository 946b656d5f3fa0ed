package quality

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// DefaultPublishPrefix is the topic root when neither MQTT_PUBLISH_PREFIX
// nor mqtt.publishPrefix is set
const DefaultPublishPrefix = "trnquality"

// AnalyzeCommand is the payload of <prefix>/cmd/analyze. Zero fields keep
// the configured values.
type AnalyzeCommand struct {
	RequestID        string  `json:"requestId,omitempty"`
	Metric           *Metric `json:"metric,omitempty"`
	PointingAccuracy float64 `json:"pointingAccuracy,omitempty"` // milliradians
}

// CommandHandler is called for every analyze command received
type CommandHandler func(cmd AnalyzeCommand)

// MQTTClient manages the broker connection and the command subscription
type MQTTClient struct {
	client         mqtt.Client
	prefix         string
	commandHandler CommandHandler
	isConnected    bool
	mu             sync.RWMutex
}

// ResolvePublishPrefix picks the topic root: env var, then config, then
// DefaultPublishPrefix
func ResolvePublishPrefix(cfg *MQTTConfig) string {
	if prefix := os.Getenv("MQTT_PUBLISH_PREFIX"); prefix != "" {
		return prefix
	}
	if cfg != nil && cfg.PublishPrefix != "" {
		return cfg.PublishPrefix
	}
	return DefaultPublishPrefix
}

// InitMQTT creates the MQTT client and starts connecting in the background.
// If neither MQTT_BROKER nor mqtt.broker is set, MQTT is disabled and this
// returns nil.
func InitMQTT(config *Config, handler CommandHandler) (*MQTTClient, error) {
	var mc MQTTConfig
	if config != nil {
		mc = config.MQTT
	}

	broker := os.Getenv("MQTT_BROKER")
	if broker == "" {
		broker = mc.Broker
	}
	if broker == "" {
		log.Println("MQTT disabled: MQTT_BROKER not set")
		return nil, nil
	}

	client := &MQTTClient{
		prefix:         ResolvePublishPrefix(&mc),
		commandHandler: handler,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" {
		clientID = mc.ClientID
	}
	if clientID == "" {
		clientID = "trnquality"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" {
		username = mc.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" {
			password = mc.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // keep the command subscription across reconnects
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	return client, nil
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("Connecting to MQTT broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("Successfully connected to MQTT broker")
				c.setConnected(true)
				return
			}
			log.Printf("MQTT connection failed: %v", token.Error())
		} else {
			log.Println("MQTT connection timeout")
		}

		log.Printf("Retrying MQTT connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay = min(retryDelay*2, maxRetryDelay)
	}
}

// CommandTopic returns the topic analyze commands arrive on
func (c *MQTTClient) CommandTopic() string {
	return c.prefix + "/cmd/analyze"
}

// onConnect subscribes to the command topic
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)

	topic := c.CommandTopic()
	log.Printf("MQTT connected, subscribing to %s", topic)
	token := client.Subscribe(topic, 1, c.handleCommand)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("Error subscribing to %s: %v", topic, token.Error())
		return
	}
	log.Printf("Successfully subscribed to %s", topic)
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("MQTT reconnecting...")
}

// handleCommand decodes an analyze command and passes it on
func (c *MQTTClient) handleCommand(client mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	log.Printf("Received analyze command (topic: %s, size: %d bytes)", msg.Topic(), len(payload))

	cmd, err := ParseAnalyzeCommand(payload)
	if err != nil {
		log.Printf("Ignoring analyze command: %v", err)
		return
	}
	if c.commandHandler != nil {
		c.commandHandler(cmd)
	}
}

// ParseAnalyzeCommand accepts an empty payload, a JSON object, or a bare
// metric name ("gdop", "worst-case", optionally JSON-quoted)
func ParseAnalyzeCommand(payload []byte) (AnalyzeCommand, error) {
	var cmd AnalyzeCommand
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return cmd, nil
	}

	if strings.HasPrefix(text, "{") {
		if err := json.Unmarshal([]byte(text), &cmd); err != nil {
			return AnalyzeCommand{}, fmt.Errorf("decoding command: %w", err)
		}
		if cmd.PointingAccuracy < 0 {
			return AnalyzeCommand{}, fmt.Errorf("pointingAccuracy must not be negative, got %v", cmd.PointingAccuracy)
		}
		return cmd, nil
	}

	var name string
	if err := json.Unmarshal([]byte(text), &name); err != nil {
		name = text
	}
	m, err := ParseMetric(name)
	if err != nil {
		return AnalyzeCommand{}, err
	}
	cmd.Metric = &m
	return cmd, nil
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("Disconnecting from MQTT broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock wraps an existing mqtt.Client (used by tests)
func newMQTTClientWithMock(client mqtt.Client, prefix string, handler CommandHandler) *MQTTClient {
	return &MQTTClient{
		client:         client,
		prefix:         prefix,
		commandHandler: handler,
	}
}
