package devflow

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/devflowhq/devflow/config"
	"github.com/devflowhq/devflow/core"
	"github.com/devflowhq/devflow/model"
	"github.com/devflowhq/devflow/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() *config.Config {
	cfg := config.Default()
	cfg.Connection = config.ConnectionConfig{Timeout: config.Duration(time.Second), Retries: 1, RetryDelay: config.Duration(time.Millisecond)}
	return cfg
}

func TestNewWithDefaults(t *testing.T) {
	d, err := New(model.NewMockModel("mock"))
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, "host", d.Host().Name())
	assert.Empty(t, d.Host().ListRemoteAgents())
}

func TestConfiguredAgentsRegisteredAtStartup(t *testing.T) {
	srv := httptest.NewServer(remote.NewServer(remote.NewEchoHandler(), nil).Handler())
	defer srv.Close()

	cfg := fastConfig()
	cfg.Host.Name = "router"
	cfg.Agents = []config.AgentConfig{
		{Name: "Echo", Description: "echoes requests", URL: srv.URL},
	}

	d, err := New(model.NewMockModel("mock"), func(o *Options) { o.Config = cfg })
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, "router", d.Host().Name())
	infos := d.Host().ListRemoteAgents()
	require.Len(t, infos, 1)
	assert.Equal(t, "Echo", infos[0].Name)

	agents, err := d.Service().ListAgents(context.Background())
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestProcessMessageSync(t *testing.T) {
	srv := httptest.NewServer(remote.NewServer(remote.NewEchoHandler(), nil).Handler())
	defer srv.Close()

	cfg := fastConfig()
	cfg.Agents = []config.AgentConfig{{Name: "Echo", URL: srv.URL}}

	d, err := New(model.NewMockModel("mock"), func(o *Options) { o.Config = cfg })
	require.NoError(t, err)
	defer d.Close()

	msg := core.NewMessage("s1", "user", "ping")
	msg.Metadata = map[string]any{"agent": "Echo"}

	out, err := d.ProcessMessageSync(context.Background(), msg)
	require.NoError(t, err)
	assert.Contains(t, out, "Echo: ping")
}

func TestSQLiteBackedLifecycle(t *testing.T) {
	srv := httptest.NewServer(remote.NewServer(remote.NewEchoHandler(), nil).Handler())
	defer srv.Close()

	cfg := fastConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "devflow.db")

	d, err := New(model.NewMockModel("mock"), func(o *Options) { o.Config = cfg })
	require.NoError(t, err)

	desc := core.NewAgentDescriptor("Echo", "echoes requests")
	desc.Remote = true
	desc.URL = srv.URL
	_, err = d.RegisterAgent(context.Background(), desc)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	// Reopen: the stored registration is picked up eagerly.
	d2, err := New(model.NewMockModel("mock"), func(o *Options) { o.Config = cfg })
	require.NoError(t, err)
	defer d2.Close()

	infos := d2.Host().ListRemoteAgents()
	require.Len(t, infos, 1)
	assert.Equal(t, "Echo", infos[0].Name)
}
