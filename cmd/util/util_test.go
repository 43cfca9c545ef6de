package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

// parseClientFlags binds the client flags of a fresh command with args to a fresh viper
func parseClientFlags(t *testing.T, args ...string) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	cmd := &cobra.Command{Use: "test"}
	cmd.PersistentFlags().String("transport", "tcp", "")
	cmd.PersistentFlags().String("serializer", "binary", "")
	cmd.PersistentFlags().String("config", "", "")
	SetupClientFlags(cmd)
	require.NoError(t, cmd.PersistentFlags().Parse(args))
	require.NoError(t, viper.BindPFlags(cmd.PersistentFlags()))
	require.NoError(t, ReadConfigFile())
}

func TestWrapString(t *testing.T) {
	text := strings.Repeat("word ", 30)
	for _, line := range strings.Split(WrapString(text), "\n") {
		require.LessOrEqual(t, len(line), Wrap)
	}
	require.Equal(t, "short text", WrapString("  short   text "))
}

func TestParsePath(t *testing.T) {
	p, err := parsePath("10.0.0.1:4000", "tcp")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", p.Address)
	require.Equal(t, int32(4000), p.Port)
	require.Equal(t, kv.FamilyIPv4, p.Family)

	p, err = parsePath("http://[::1]:8080", "http")
	require.NoError(t, err)
	require.Equal(t, "::1", p.Address)
	require.Equal(t, kv.FamilyIPv6, p.Family)

	p, err = parsePath("/tmp/nkv.sock", "unix")
	require.NoError(t, err)
	require.Equal(t, "/tmp/nkv.sock", p.Address)

	_, err = parsePath("no-port", "tcp")
	require.Error(t, err)
	_, err = parsePath("host:port", "tcp")
	require.Error(t, err)
}

func TestNKVConfigFromFlags(t *testing.T) {
	parseClientFlags(t,
		"--container-hash", "42",
		"--paths", "10.0.0.1:4000, 10.0.0.2:4000",
		"--key-space", "3",
		"--lb", "--lb-policy", "least-queue-depth",
		"--lock-stale-after", "10s",
		"--lock-reap-interval", "1s",
		"--heartbeat-interval", "2s",
	)

	cfg, err := GetNKVConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Containers, 1)
	require.Equal(t, uint64(42), cfg.Containers[0].Hash)
	require.Len(t, cfg.Containers[0].Transports, 2)
	require.Equal(t, int32(1), cfg.Containers[0].Transports[1].PathID)
	require.Equal(t, map[int32]uint64{3: 42}, cfg.KeySpaces)
	require.True(t, cfg.Features.NICLoadBalance)
	require.Equal(t, kv.PolicyLeastQueueDepth, cfg.Features.NICLoadBalancePolicy)
	require.Equal(t, 10*time.Second, cfg.Lock.StaleAfter)
	require.False(t, cfg.Lock.Remote())
	require.Equal(t, "tcp", cfg.Network)
	require.Equal(t, 4, cfg.Dispatch.Workers)
	require.NoError(t, cfg.Validate())
}

func TestNKVConfigFromFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "nkv.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
lock-endpoints: 10.0.0.9:7000
heartbeat-interval: 1s
containers:
  - hash: 7
    name: fast
    transports:
      - address: 10.0.1.1
        port: 4000
        status: 1
      - address: 10.0.2.1
        port: 4000
        status: 0
`), 0o600))

	parseClientFlags(t, "--config", file)

	cfg, err := GetNKVConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Containers, 1)
	require.Equal(t, "fast", cfg.Containers[0].Name)
	require.Equal(t, kv.PathDown, cfg.Containers[0].Transports[1].Status)
	require.Equal(t, []string{"10.0.0.9:7000"}, cfg.Lock.Endpoints)
	require.Equal(t, time.Second, cfg.HeartbeatInterval)
	require.NoError(t, cfg.Validate())
}

func TestNKVConfigRejectsBadPolicy(t *testing.T) {
	parseClientFlags(t, "--lb-policy", "random")
	_, err := GetNKVConfig()
	require.ErrorIs(t, err, kv.ErrInvalidArgument)
}
