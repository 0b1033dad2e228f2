package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/aleka07/twinengine/internal/logging"
	"github.com/aleka07/twinengine/internal/model"
)

const publishTimeout = 10 * time.Second

// TopicFunc builds the MQTT topic a command for thingID is published to.
// The default matches the pattern the MQTT telemetry injector (spec §9,
// original_source/server/src/injector/mqtt.rs) uses for inbound topics,
// mirrored for the outbound direction: "command/<application>/<name>/<feature>".
type TopicFunc func(thingID, featureName string) string

func DefaultTopic(thingID, featureName string) string {
	return "command/" + thingID + "/" + featureName
}

// MQTTSink publishes commands with paho's synchronous client, the
// standard way the ecosystem wraps eclipse/paho.mqtt.golang's
// callback-based Token API behind a blocking call.
type MQTTSink struct {
	client mqtt.Client
	topic  TopicFunc
	log    *logging.Logger
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker   string // e.g. "tcp://localhost:1883"
	ClientID string
	Username string
	Password string
}

func NewMQTTSink(cfg MQTTConfig, topic TopicFunc) (*MQTTSink, error) {
	if topic == nil {
		topic = DefaultTopic
	}
	log := logging.New("command")

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warnf("mqtt connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		return nil, fmt.Errorf("%w: mqtt connect timed out", model.ErrTransientBus)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: mqtt connect: %v", model.ErrTransientBus, err)
	}

	log.Infof("connected to broker %s", cfg.Broker)
	return &MQTTSink{client: client, topic: topic, log: log}, nil
}

// Send publishes cmd at QoS 1 ("at least once", matching the inbound
// injector's QoS choice). Raw-encoded commands are published as-is;
// JSON-encoded commands are marshaled from the tagged value.
func (s *MQTTSink) Send(ctx context.Context, cmd model.Command) error {
	payload, err := encodePayload(cmd)
	if err != nil {
		return fmt.Errorf("%w: encode command payload: %v", model.ErrInvalid, err)
	}

	topic := s.topic(cmd.ThingID, cmd.FeatureName)
	token := s.client.Publish(topic, 1, false, payload)

	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("%w: publish to %s: %v", model.ErrTransientBus, topic, ctx.Err())
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: publish to %s: %v", model.ErrTransientBus, topic, err)
	}
	return nil
}

func (s *MQTTSink) Close() {
	s.client.Disconnect(250)
}

func encodePayload(cmd model.Command) ([]byte, error) {
	switch cmd.Encoding {
	case model.CommandEncodingRaw:
		if s, ok := cmd.Payload.String(); ok {
			return []byte(s), nil
		}
		return json.Marshal(cmd.Payload.ToAny())
	default: // CommandEncodingJSON
		return json.Marshal(cmd.Payload.ToAny())
	}
}
