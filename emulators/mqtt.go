package emulators

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

const (
	mosquitoImage = "eclipse-mosquitto:2.0"
	mosquitoPort  = "1883"
)

// GetDefaultMqttImageContainer returns the Mosquitto image and port.
func GetDefaultMqttImageContainer() ImageContainer {
	return ImageContainer{
		EmulatorImage: mosquitoImage,
		EmulatorPort:  mosquitoPort,
	}
}

// SetupMosquittoContainer starts a Mosquitto broker that allows anonymous clients.
// EmulatorAddress is a broker URL such as "tcp://localhost:54321".
func SetupMosquittoContainer(t *testing.T, ctx context.Context, cfg ImageContainer) EmulatorConnectionInfo {
	t.Helper()

	// Mosquitto 2 refuses anonymous access unless told otherwise.
	confPath := filepath.Join(t.TempDir(), "mosquitto.conf")
	conf := fmt.Sprintf("listener %s\nallow_anonymous true\n", cfg.EmulatorPort)
	require.NoError(t, os.WriteFile(confPath, []byte(conf), 0644))

	addr := startContainer(t, ctx, containerRequest{
		name:  "Mosquitto",
		image: cfg,
		files: []testcontainers.ContainerFile{{HostFilePath: confPath, ContainerFilePath: "/mosquitto/config/mosquitto.conf"}},
	})
	return EmulatorConnectionInfo{EmulatorAddress: "tcp://" + addr}
}

// SubscribeMqtt connects a separate client to brokerURL and subscribes to topic.
// Every payload received is sent on the returned channel. The client is
// disconnected when the test ends.
func SubscribeMqtt(t *testing.T, brokerURL, topic string, qos byte) <-chan []byte {
	t.Helper()

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(fmt.Sprintf("sub-%s-%d", t.Name(), time.Now().UnixNano())).
		SetAutoReconnect(false)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(10*time.Second), "timed out connecting subscriber")
	require.NoError(t, token.Error())
	t.Cleanup(func() { client.Disconnect(250) })

	received := make(chan []byte, 100)
	token = client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case received <- msg.Payload():
		default:
			t.Logf("Dropping message on %s; subscriber buffer full", msg.Topic())
		}
	})
	require.True(t, token.WaitTimeout(5*time.Second), "timed out subscribing to %s", topic)
	require.NoError(t, token.Error())
	return received
}
