package startupstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValidManifest(t *testing.T) {
	doc := []byte(`
workloads:
  nginx:
    agent: agent_a
    runtime: podman
    runtimeConfig: "image: nginx"
    restart: true
`)
	state, err := Parse(doc)
	require.NoError(t, err)
	assert.Contains(t, state.Workloads, "nginx")
	assert.Equal(t, "agent_a", state.Workloads["nginx"].Agent)
}

func TestParseRejectsUnknownField(t *testing.T) {
	doc := []byte(`
workloads:
  nginx:
    agent: agent_a
    bogusField: true
`)
	_, err := Parse(doc)
	require.Error(t, err)
}

func TestParseRejectsInvalidState(t *testing.T) {
	doc := []byte(`
workloads:
  nginx:
    agent: agent_a
    dependencies:
      ghost: ADD_COND_RUNNING
`)
	_, err := Parse(doc)
	require.Error(t, err)
}

func TestParseRejectsBadCronSchedule(t *testing.T) {
	doc := []byte(`
workloads:
  nginx:
    agent: agent_a
cronjobs:
  nightly:
    workload: nginx
    schedule: "not a schedule"
`)
	_, err := Parse(doc)
	require.Error(t, err)
}
