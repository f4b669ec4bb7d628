package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/flotilla/pkg/types"
)

func writeDeploymentFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deployment.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDeploymentParsesNodesAndApplications(t *testing.T) {
	path := writeDeploymentFile(t, `
apiVersion: flotilla/v1
kind: Deployment
nodes:
  - hostname: node-a
    applications:
      - name: web
        image: web:v1
        ports:
          - internal: 80
            external: 8080
        dataset: web-data
        mountpoint: /var/lib/flotilla/datasets/web-data
        environment:
          LOG_LEVEL: debug
        restart_policy: always
`)

	deployment, err := loadDeployment(path)
	require.NoError(t, err)
	require.Len(t, deployment.Nodes, 1)

	node := deployment.Nodes[0]
	assert.Equal(t, "node-a", node.Hostname)
	require.Len(t, node.Applications, 1)

	app := node.Applications[0]
	assert.Equal(t, "web", app.Name)
	assert.Equal(t, "web:v1", app.Image)
	assert.Equal(t, []types.Port{{Internal: 80, External: 8080}}, app.Ports)
	require.NotNil(t, app.Volume)
	assert.Equal(t, "web-data", app.Volume.Manifestation.Dataset.ID)
	assert.Equal(t, types.RestartAlways, app.RestartPolicy.Condition)
}

func TestLoadDeploymentRejectsApplicationWithoutImage(t *testing.T) {
	path := writeDeploymentFile(t, `
nodes:
  - hostname: node-a
    applications:
      - name: web
`)

	_, err := loadDeployment(path)
	assert.Error(t, err)
}

func TestLoadDeploymentRejectsUnknownRestartPolicy(t *testing.T) {
	path := writeDeploymentFile(t, `
nodes:
  - hostname: node-a
    applications:
      - name: web
        image: web:v1
        restart_policy: sometimes
`)

	_, err := loadDeployment(path)
	assert.Error(t, err)
}
