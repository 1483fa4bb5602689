package testcontainers

import (
	"context"
	"fmt"
	"strings"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// mosquittoConf opens the listener on all interfaces without credentials,
// which is what the e2e tests need.
const mosquittoConf = `listener 1883
allow_anonymous true
`

// StartMosquitto starts an MQTT broker container and returns the container
// and a tcp:// broker URL.
func StartMosquitto(ctx context.Context) (testcontainers.Container, string, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "eclipse-mosquitto:2",
			ExposedPorts: []string{"1883/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("1883/tcp"),
				wait.ForLog("mosquitto version"),
			),
			Files: []testcontainers.ContainerFile{
				{
					Reader:            strings.NewReader(mosquittoConf),
					ContainerFilePath: "/mosquitto/config/mosquitto.conf",
					FileMode:          0o644,
				},
			},
		},
		Started: true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to start Mosquitto container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "1883")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", fmt.Errorf("failed to get container port: %w", err)
	}

	url := fmt.Sprintf("tcp://%s:%s", host, port.Port())
	return container, url, nil
}
