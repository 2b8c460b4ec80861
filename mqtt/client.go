package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/eddielth/sensor-trans/logger"
)

const (
	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // milliseconds
	maxQoS            = 2
)

var (
	// ErrNotConnected is returned when publishing on a disconnected client
	ErrNotConnected = errors.New("mqtt: client not connected")
	// ErrInvalidTopic is returned for an empty topic
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")
	// ErrInvalidQoS is returned for a QoS above 2
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")
)

// Options configures a Client
type Options struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// Client is a publishing MQTT client
type Client struct {
	client paho.Client
	opts   Options
}

// NewClient creates an MQTT client; call Connect before publishing
func NewClient(opts Options) (*Client, error) {
	if opts.Broker == "" {
		return nil, errors.New("MQTT broker address cannot be empty")
	}

	o := paho.NewClientOptions()
	o.AddBroker(opts.Broker)

	if opts.ClientID == "" {
		opts.ClientID = fmt.Sprintf("sensor-trans-%d", time.Now().Unix())
	}
	o.SetClientID(opts.ClientID)

	if opts.Username != "" {
		o.SetUsername(opts.Username)
		o.SetPassword(opts.Password)
	}

	if strings.HasPrefix(opts.Broker, "ssl://") || strings.HasPrefix(opts.Broker, "tls://") {
		o.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	o.SetCleanSession(true)
	o.SetAutoReconnect(true)
	o.SetConnectTimeout(connectTimeout)
	o.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Error("MQTT connection lost: %v", err)
	})
	o.SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
		logger.Info("trying to reconnect to MQTT broker...")
	})

	return &Client{
		client: paho.NewClient(o),
		opts:   opts,
	}, nil
}

// Connect connects to the MQTT broker
func (c *Client) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return errors.New("connection to MQTT broker timed out")
	}

	if err := token.Error(); err != nil {
		return err
	}

	logger.Info("successfully connected to MQTT broker: %s", c.opts.Broker)
	return nil
}

// Publish sends payload to topic and waits for the broker acknowledgment or
// ctx cancellation
func (c *Client) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	}
}

// Disconnect disconnects from the MQTT broker
func (c *Client) Disconnect() {
	c.client.Disconnect(disconnectQuiesce)
	logger.Info("disconnected from MQTT broker")
}
