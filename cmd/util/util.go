package util

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/ValentinKolb/nKV/lib/aio"
	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/ValentinKolb/nKV/lib/nkv"
	"github.com/ValentinKolb/nKV/rpc/common"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads .env files and enables NKV_ environment variables
func InitConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("nkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// ReadConfigFile reads the config file if one is set. It has to run after the
// flags are bound, so that --config is visible.
func ReadConfigFile() error {
	file := viper.GetString("config")
	if file == "" {
		return nil
	}
	viper.SetConfigFile(file)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", file, err)
	}
	return nil
}

// BindCommandFlags binds a command's flags to viper and reads the config file
func BindCommandFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return ReadConfigFile()
}

// --------------------------------------------------------------------------
// Client flags
// --------------------------------------------------------------------------

// SetupRPCClientFlags adds the transport flags to a command
func SetupRPCClientFlags(cmd *cobra.Command) {
	key := "timeout"
	cmd.PersistentFlags().Int(key, 10, WrapString("The timeout in seconds of the client"))

	key = "transport-conn-per-endpoint"
	cmd.PersistentFlags().Int(key, 1, WrapString("Simultaneous connections per endpoint (ignored for http)"))

	key = "transport-retries"
	cmd.PersistentFlags().Int(key, 3, WrapString("How many times to retry synchronous requests"))

	key = "transport-tcp-nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY (tcp only)"))

	key = "transport-tcp-keepalive"
	cmd.PersistentFlags().Int(key, 0, WrapString("The keepalive interval in seconds (tcp only)"))
}

// SetupClientFlags adds the flags of an nKV client instance to a command
func SetupClientFlags(cmd *cobra.Command) {
	SetupRPCClientFlags(cmd)
	f := cmd.PersistentFlags()

	f.Uint64("container-hash", 100, WrapString("Hash of the container, it is the shard id of the container on the target"))
	f.String("paths", "127.0.0.1:8080", WrapString("Comma-separated list of the network paths (host:port, or a socket path for unix) of the container. Ignored if the config file lists containers"))
	f.String("mount-point", "", WrapString("Mount point of the container on its target"))
	f.Int32("key-space", 0, WrapString("Key space id that is resolved to the container"))
	f.String("encryption-key", "", WrapString("Hex encoded 32 byte key for value encryption"))

	f.Bool("lb", false, WrapString("Balance requests over all healthy paths instead of failing over"))
	f.String("lb-policy", "round-robin", WrapString("Load balance policy (round-robin, least-queue-depth, least-queue-size)"))
	f.Duration("failover-dwell", 0, WrapString("How long a failover path stays active before returning to the primary path"))

	f.Int("workers", 4, WrapString("Number of I/O workers"))
	f.Duration("io-timeout", 0, WrapString("Per request I/O deadline (0 disables it)"))
	f.Int("max-batch", 64, WrapString("Maximum number of completions per callback"))
	f.Duration("flush-delay", 0, WrapString("Time a partial completion batch waits for more completions"))

	f.String("lock-endpoints", "", WrapString("Comma-separated endpoints of the lock server, empty runs the lock manager in process"))
	f.Uint64("lock-shard", 1, WrapString("Shard id of the lock manager on the lock server"))
	f.Duration("lock-stale-after", 0, WrapString("Time without heartbeat after which a lock owner is dead (required for the in process lock manager)"))
	f.Duration("lock-reap-interval", 0, WrapString("Interval of the lock reaper (in process lock manager only)"))
	f.Duration("heartbeat-interval", 0, WrapString("Interval of the instance heartbeat"))
	f.Duration("recheck-interval", 0, WrapString("Interval in which down paths are rechecked (0 disables rechecking)"))

	f.String("log-level", "warn", WrapString("Log level of the client (debug, info, warn, error)"))
}

// GetClientConfig reads the transport configuration from viper
func GetClientConfig() common.ClientConfig {
	return common.ClientConfig{
		TimeoutSecond:          viper.GetInt("timeout"),
		RetryCount:             viper.GetInt("transport-retries"),
		ConnectionsPerEndpoint: viper.GetInt("transport-conn-per-endpoint"),
		TCPNoDelay:             viper.GetBool("transport-tcp-nodelay"),
		TCPKeepAliveSec:        viper.GetInt("transport-tcp-keepalive"),
	}
}

// GetContainers returns the containers of the config file, or the container
// described by the flags
func GetContainers() ([]kv.Container, error) {
	if viper.IsSet("containers") {
		var containers []kv.Container
		if err := viper.UnmarshalKey("containers", &containers); err != nil {
			return nil, fmt.Errorf("invalid containers in config file: %w", err)
		}
		return containers, nil
	}

	c := kv.Container{
		Hash: viper.GetUint64("container-hash"),
		Name: strconv.FormatUint(viper.GetUint64("container-hash"), 10),
	}
	for i, p := range splitList(viper.GetString("paths")) {
		t, err := parsePath(p, viper.GetString("transport"))
		if err != nil {
			return nil, err
		}
		t.PathID = int32(i)
		t.MountPoint = viper.GetString("mount-point")
		t.Status = kv.PathUp
		c.Transports = append(c.Transports, t)
	}
	if len(c.Transports) == 0 {
		return nil, fmt.Errorf("no paths configured")
	}
	return []kv.Container{c}, nil
}

// GetNKVConfig builds the configuration of an nKV client from viper
func GetNKVConfig() (nkv.Config, error) {
	containers, err := GetContainers()
	if err != nil {
		return nkv.Config{}, err
	}
	policy, err := kv.ParseLBPolicy(viper.GetString("lb-policy"))
	if err != nil {
		return nkv.Config{}, err
	}

	keySpaces := make(map[int32]uint64, 1)
	if len(containers) > 0 {
		keySpaces[viper.GetInt32("key-space")] = containers[0].Hash
	}

	return nkv.Config{
		Containers: containers,
		KeySpaces:  keySpaces,
		Features: kv.FeatureList{
			NICLoadBalance:       viper.GetBool("lb"),
			NICLoadBalancePolicy: policy,
		},
		FailoverDwell: viper.GetDuration("failover-dwell"),
		Dispatch: aio.Config{
			Workers:    viper.GetInt("workers"),
			IOTimeout:  viper.GetDuration("io-timeout"),
			MaxBatch:   viper.GetInt("max-batch"),
			FlushDelay: viper.GetDuration("flush-delay"),
		},
		Transport:     GetClientConfig(),
		Network:       viper.GetString("transport"),
		Serializer:    viper.GetString("serializer"),
		EncryptionKey: viper.GetString("encryption-key"),
		Lock: nkv.LockConfig{
			Endpoints:    splitList(viper.GetString("lock-endpoints")),
			ShardID:      viper.GetUint64("lock-shard"),
			StaleAfter:   viper.GetDuration("lock-stale-after"),
			ReapInterval: viper.GetDuration("lock-reap-interval"),
		},
		HeartbeatInterval: viper.GetDuration("heartbeat-interval"),
		RecheckInterval:   viper.GetDuration("recheck-interval"),
	}, nil
}

// OpenClient initializes the loggers and opens an nKV client from viper
func OpenClient() (*nkv.Client, error) {
	if err := common.InitLoggers(viper.GetString("log-level")); err != nil {
		return nil, err
	}
	cfg, err := GetNKVConfig()
	if err != nil {
		return nil, err
	}
	return nkv.Open(cfg)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parsePath parses a path given on the command line. Unix socket paths
// are taken as they are.
func parsePath(s, network string) (kv.ContainerTransport, error) {
	if network == "unix" {
		return kv.ContainerTransport{Address: s}, nil
	}
	s = strings.TrimPrefix(s, "http://")
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return kv.ContainerTransport{}, fmt.Errorf("invalid path %q: %w", s, err)
	}
	p, err := strconv.ParseInt(port, 10, 32)
	if err != nil {
		return kv.ContainerTransport{}, fmt.Errorf("invalid port in path %q: %w", s, err)
	}
	family := kv.FamilyIPv4
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		family = kv.FamilyIPv6
	}
	return kv.ContainerTransport{Address: host, Port: int32(p), Family: family}, nil
}
