package emulators

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ImageContainer describes the emulator image to run and the port it listens on.
type ImageContainer struct {
	// EmulatorImage is the full Docker image name and tag (e.g., "redis:8.0.2-alpine").
	EmulatorImage string
	// EmulatorPort is the *internal* port the container exposes (e.g., "6379").
	EmulatorPort string
	// StartupTimeout bounds how long to wait for the port to accept connections.
	StartupTimeout time.Duration
}

// EmulatorConnectionInfo holds the connection details for a running emulator.
type EmulatorConnectionInfo struct {
	// EmulatorAddress is the external host:port, prefixed with a scheme where the
	// client expects one (e.g., "tcp://localhost:54321" for MQTT).
	EmulatorAddress string
	// ClientOptions are Google Cloud client options for emulators that speak gRPC.
	ClientOptions []option.ClientOption
}

// containerRequest is the per-emulator part of a testcontainers request.
type containerRequest struct {
	name  string
	image ImageContainer
	cmd   []string
	files []testcontainers.ContainerFile
}

// startContainer runs the emulator, registers its termination with t.Cleanup and
// returns the mapped host:port.
func startContainer(t *testing.T, ctx context.Context, r containerRequest) string {
	t.Helper()

	port := nat.Port(fmt.Sprintf("%s/tcp", r.image.EmulatorPort))
	timeout := r.image.StartupTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	req := testcontainers.ContainerRequest{
		Image:        r.image.EmulatorImage,
		ExposedPorts: []string{string(port)},
		Cmd:          r.cmd,
		Files:        r.files,
		WaitingFor:   wait.ForListeningPort(port).WithStartupTimeout(timeout),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err, "Failed to start %s container", r.name)

	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate %s container: %v", r.name, err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, port)
	require.NoError(t, err)

	addr := fmt.Sprintf("%s:%s", host, mapped.Port())
	t.Logf("%s emulator container started, listening on: %s", r.name, addr)
	return addr
}

// getEmulatorOptions returns the client options needed to reach a Google Cloud
// emulator: a fixed endpoint, no authentication and plaintext gRPC.
func getEmulatorOptions(endpoint string) []option.ClientOption {
	return []option.ClientOption{
		option.WithEndpoint(endpoint),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	}
}
