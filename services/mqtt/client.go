package mqtt

import (
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Client describes an immutable MQTT client, designed to accommodate the
// incongruencies between real clients and mock clients.
type Client interface {
	Connect() error
	Disconnect()
	Publish(topic string, qos QoSLevel, retained bool, message []byte) error
}

// NewClient produces a disconnected MQTT client
var NewClient = func(c Config) (Client, error) {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(c.Broker())
	opts.SetClientID(c.ClientID)
	opts.SetUsername(c.Username)
	opts.SetPassword(c.Password)

	// Using a clean session forces the broker to dispose of client session
	// information after disconnecting. Retention of this is useful for
	// constrained clients. Since Siren is only publishing, it has no
	// storage requirements and can reduce load on the broker by using a
	// clean session.
	opts.SetCleanSession(true)

	return &PahoClient{
		client: pahomqtt.NewClient(opts),
	}, nil
}

// DefaultQuiesceTimeout is the duration the client will wait for outstanding
// messages to be published before forcing a disconnection
const DefaultQuiesceTimeout time.Duration = 250 * time.Millisecond

type PahoClient struct {
	client pahomqtt.Client
}

var _ Client = &PahoClient{}

func (p *PahoClient) Connect() error {
	token := p.client.Connect()
	token.Wait() // Tokens are futures
	return token.Error()
}

func (p *PahoClient) Disconnect() {
	p.client.Disconnect(uint(DefaultQuiesceTimeout / time.Millisecond))
}

func (p *PahoClient) Publish(topic string, qos QoSLevel, retained bool, message []byte) error {
	token := p.client.Publish(topic, byte(qos), retained, message)
	token.Wait()
	return token.Error()
}
