package plotter

import (
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Broker is the subset of an MQTT client used by MQTTDevice
type Broker interface {
	Connect() error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Publish(topic string, payload []byte) error
	Disconnect()
}

// BrokerFactory creates a fresh broker connection for one device session
type BrokerFactory func(clientID string) Broker

type pahoBroker struct {
	client paho.Client
}

// PahoFactory returns a BrokerFactory backed by the Eclipse Paho client
func PahoFactory(cfg Config, logger *slog.Logger) BrokerFactory {
	return func(clientID string) Broker {
		opts := paho.NewClientOptions().
			AddBroker(cfg.BrokerURL).
			SetClientID(clientID).
			SetAutoReconnect(false).
			SetConnectTimeout(cfg.ConnectTimeout).
			SetOrderMatters(false)

		if cfg.Username != "" {
			opts.SetUsername(cfg.Username)
			opts.SetPassword(cfg.Password)
		}

		opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Error("Plotter broker connection lost",
				slog.String("client_id", clientID),
				slog.String("error", err.Error()))
		})

		return &pahoBroker{client: paho.NewClient(opts)}
	}
}

func (b *pahoBroker) Connect() error {
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (b *pahoBroker) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	token := b.client.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (b *pahoBroker) Publish(topic string, payload []byte) error {
	if token := b.client.Publish(topic, 1, false, payload); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (b *pahoBroker) Disconnect() {
	b.client.Disconnect(uint((250 * time.Millisecond).Milliseconds()))
}
