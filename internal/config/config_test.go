package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxtea01/shareserve/api/cluster"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:8080", cfg.HTTP.Addr())
	require.Equal(t, string(cluster.SelfManaged), cfg.Cluster.Mode)
	require.Equal(t, 15*time.Second, cfg.Cluster.StartTimeout)
	require.Equal(t, 5*time.Second, cfg.Cluster.RoundTimeout)
	require.Len(t, cfg.Cluster.Parties, 3)
	require.Equal(t, "party-0", cfg.Cluster.Parties[0].Name)
	require.Equal(t, 16, cfg.Model.FracBits)
	require.Equal(t, int64(1), cfg.Serving.MaxConcurrent)
	require.Equal(t, "60-M", cfg.Serving.RateLimit)
	require.Equal(t, "docs", cfg.Docs.Dir)
	require.Equal(t, ":memory:", cfg.RegistryPath())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shareserve.yaml")
	yaml := `
http:
  host: 0.0.0.0
  port: 9090
cluster:
  mode: external
  round_timeout: 250ms
  parties:
    - name: alice
      host: 10.0.0.1
      port: 7001
    - name: bob
      host: 10.0.0.2
      port: 7002
model:
  frac_bits: 12
serving:
  max_concurrent: 4
data:
  dir: /var/lib/shareserve
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:9090", cfg.HTTP.Addr())
	require.Equal(t, string(cluster.External), cfg.Cluster.Mode)
	require.Equal(t, 250*time.Millisecond, cfg.Cluster.RoundTimeout)
	require.Equal(t, 5*time.Second, cfg.Cluster.AckTimeout)
	require.Len(t, cfg.Cluster.Parties, 2)
	require.Equal(t, "bob", cfg.Cluster.Parties[1].Name)
	require.Equal(t, 7002, cfg.Cluster.Parties[1].Port)
	require.Equal(t, 12, cfg.Model.FracBits)
	require.Equal(t, int64(4), cfg.Serving.MaxConcurrent)
	require.Equal(t, filepath.Join("/var/lib/shareserve", "registry.db"), cfg.RegistryPath())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestClusterConfigMapsParties(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cc, err := cfg.ClusterConfig(nil)
	require.NoError(t, err)
	require.Len(t, cc.Parties, 3)
	for i, p := range cc.Parties {
		require.Equal(t, cluster.SelfManaged, p.Mode)
		require.Equal(t, cfg.Cluster.Parties[i].Name, p.Name)
	}
	require.Equal(t, 15*time.Second, cc.StartTimeout)
}

func TestClusterConfigRejectsUnknownMode(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Cluster.Mode = "detached"

	_, err = cfg.ClusterConfig(nil)
	require.Error(t, err)
}
