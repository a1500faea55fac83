package emulators

import (
	"context"
	"fmt"
	"testing"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/stretchr/testify/require"
)

const (
	gcloudEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"
	pubsubEmulatorPort  = "8085"
)

// PubsubConfig configures the Pub/Sub emulator.
type PubsubConfig struct {
	ImageContainer
	ProjectID string
}

// GetDefaultPubsubConfig returns the gcloud emulator image for projectID.
func GetDefaultPubsubConfig(projectID string) PubsubConfig {
	return PubsubConfig{
		ImageContainer: ImageContainer{
			EmulatorImage: gcloudEmulatorImage,
			EmulatorPort:  pubsubEmulatorPort,
		},
		ProjectID: projectID,
	}
}

// SetupPubsubEmulator starts the Pub/Sub emulator. ClientOptions point a client at
// it without credentials; EmulatorAddress is its host:port.
func SetupPubsubEmulator(t *testing.T, ctx context.Context, cfg PubsubConfig) EmulatorConnectionInfo {
	t.Helper()

	addr := startContainer(t, ctx, containerRequest{
		name:  "Pub/Sub",
		image: cfg.ImageContainer,
		cmd: []string{
			"gcloud", "beta", "emulators", "pubsub", "start",
			fmt.Sprintf("--project=%s", cfg.ProjectID),
			fmt.Sprintf("--host-port=0.0.0.0:%s", cfg.EmulatorPort),
		},
	})
	return EmulatorConnectionInfo{
		EmulatorAddress: addr,
		ClientOptions:   getEmulatorOptions(addr),
	}
}

// CreatePubsubSubscription attaches a new subscription to an existing topic and
// returns a subscriber for it. topic and sub are bare ids.
func CreatePubsubSubscription(t *testing.T, ctx context.Context, client *pubsub.Client, projectID, topic, sub string) *pubsub.Subscriber {
	t.Helper()

	name := fmt.Sprintf("projects/%s/subscriptions/%s", projectID, sub)
	_, err := client.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:  name,
		Topic: fmt.Sprintf("projects/%s/topics/%s", projectID, topic),
	})
	require.NoError(t, err, "Failed to create subscription %s", name)
	return client.Subscriber(name)
}
