package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agrolink-io/agrolink/pkg/log"
	"github.com/agrolink-io/agrolink/pkg/mqtt"
	"github.com/agrolink-io/agrolink/pkg/mqtt/topic"
)

var _ Transport = (*MQTTTransport)(nil)

// MQTTTransport publishes the raw token to {root}/actuator/{device} at QoS 0,
// for actuator firmware that listens on a broker instead of a socket.
type MQTTTransport struct {
	client  mqtt.Client
	topics  *topic.TopicBuilder
	timeout time.Duration
}

// NewMQTTTransport publishes through client. A non-positive timeout means
// DefaultConnectTimeout plus DefaultWriteTimeout.
func NewMQTTTransport(client mqtt.Client, topics *topic.TopicBuilder, timeout time.Duration) *MQTTTransport {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout + DefaultWriteTimeout
	}
	return &MQTTTransport{client: client, topics: topics, timeout: timeout}
}

func (t *MQTTTransport) Endpoint(deviceID string) string {
	return t.topics.Actuator(deviceID)
}

func (t *MQTTTransport) Send(ctx context.Context, deviceID string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	if err := t.client.Publish(ctx, t.topics.Actuator(deviceID), 0, false, payload); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Event describes one dispatch attempt. It is a diagnostic record, not an
// acknowledgement from the actuator.
type Event struct {
	DeviceID string    `json:"device_id"`
	Command  string    `json:"command"`
	Token    string    `json:"token"`
	Endpoint string    `json:"endpoint"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

// Notifier observes dispatch attempts. Implementations must not block for long.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// MQTTNotifier publishes every Event as JSON to {root}/dispatch/{device}.
// Events are dropped while the client is disconnected.
type MQTTNotifier struct {
	client  mqtt.Client
	topics  *topic.TopicBuilder
	timeout time.Duration
	logger  log.Logger
}

// NewMQTTNotifier publishes through client. A non-positive timeout means
// DefaultConnectTimeout plus DefaultWriteTimeout.
func NewMQTTNotifier(client mqtt.Client, topics *topic.TopicBuilder, timeout time.Duration) *MQTTNotifier {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout + DefaultWriteTimeout
	}
	return &MQTTNotifier{
		client:  client,
		topics:  topics,
		timeout: timeout,
		logger:  log.WithName("dispatch-notifier"),
	}
}

func (n *MQTTNotifier) Notify(ctx context.Context, ev Event) {
	if !n.client.IsConnected() {
		n.logger.Debug("Broker not connected, dropping dispatch event", "device", ev.DeviceID)
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error(err, "Failed to encode dispatch event", "device", ev.DeviceID)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	if err := n.client.Publish(ctx, n.topics.Dispatch(ev.DeviceID), 0, false, payload); err != nil {
		n.logger.Warn("Failed to publish dispatch event", "device", ev.DeviceID, "err", err)
	}
}
