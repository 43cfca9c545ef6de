package serve

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/ValentinKolb/nKV/cmd/util"
	"github.com/ValentinKolb/nKV/rpc/common"
	"github.com/ValentinKolb/nKV/rpc/serializer"
	"github.com/ValentinKolb/nKV/rpc/server"
	"github.com/ValentinKolb/nKV/rpc/transport"
	httpTransport "github.com/ValentinKolb/nKV/rpc/transport/http"
	"github.com/ValentinKolb/nKV/rpc/transport/tcp"
	"github.com/ValentinKolb/nKV/rpc/transport/unix"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:   "serve",
		Short: "Start an nKV target",
		Long: `Start a target serving in-memory containers and a lock manager. The configuration can be set via command line flags, environment variables or the config file. The format of the environment variables is NKV_<flag> (e.g. NKV_WORKERS_PER_CONN=16)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	key := "shards"
	ServeCmd.PersistentFlags().String(key, "100=container(c100),1=lockmgr", util.WrapString("Comma-separated list of shards to serve. Format: ID=TYPE where TYPE is container(NAME) or container(NAME:CAPACITY) with a capacity like 512MiB, or lockmgr"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", util.WrapString("The address on which the target will listen (e.g. localhost:8080, /tmp/nkv.sock, ...)"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, util.WrapString("Write timeout in seconds"))

	key = "workers-per-conn"
	ServeCmd.PersistentFlags().Int(key, 16, util.WrapString("Number of requests handled concurrently per connection"))

	key = "tcp-nodelay"
	ServeCmd.PersistentFlags().Bool(key, true, util.WrapString("Whether to enable TCP_NODELAY (tcp only)"))

	key = "tcp-keepalive"
	ServeCmd.PersistentFlags().Int(key, 0, util.WrapString("The keepalive interval in seconds (tcp only)"))

	key = "lock-stale-after"
	ServeCmd.PersistentFlags().Duration(key, 0, util.WrapString("Time without heartbeat after which a lock owner is considered dead (required with a lockmgr shard)"))

	key = "lock-reap-interval"
	ServeCmd.PersistentFlags().Duration(key, 0, util.WrapString("Interval of the lock reaper (required with a lockmgr shard)"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", util.WrapString("Address of the Prometheus /metrics endpoint, empty disables it"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	shards, err := parseShards(viper.GetString("shards"))
	if err != nil {
		return err
	}
	serveCmdConfig.Shards = shards

	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.WorkersPerConn = viper.GetInt("workers-per-conn")
	serveCmdConfig.TCPNoDelay = viper.GetBool("tcp-nodelay")
	serveCmdConfig.TCPKeepAliveSec = viper.GetInt("tcp-keepalive")
	serveCmdConfig.LockStaleAfter = viper.GetDuration("lock-stale-after")
	serveCmdConfig.LockReapInterval = viper.GetDuration("lock-reap-interval")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	return serveCmdConfig.Validate()
}

// run starts the target and stops it on SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	s, err := serializer.New(viper.GetString("serializer"))
	if err != nil {
		return err
	}

	var t transport.IRPCServerTransport
	switch viper.GetString("transport") {
	case "http":
		t = httpTransport.NewHttpServerTransport()
	case "tcp":
		t = tcp.NewTCPDefaultServerTransport()
	case "unix":
		t = unix.NewUnixDefaultServerTransport()
	default:
		return fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}

	serv := server.NewRPCServer(
		*serveCmdConfig,
		t,
		s,
		server.WithMetrics(prometheus.DefaultRegisterer),
	)

	if addr := viper.GetString("metrics-endpoint"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintf(os.Stderr, "metrics endpoint failed: %v\n", err)
			}
		}()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		_ = serv.Close()
	}()

	fmt.Println(serveCmdConfig.String())
	return serv.Serve()
}

// parseShards parses ID=container(NAME[:CAPACITY]) and ID=lockmgr entries
func parseShards(s string) ([]common.ServerShard, error) {
	var shards []common.ServerShard
	for _, shardConfig := range strings.Split(s, ",") {
		parts := strings.SplitN(shardConfig, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid shard format: %s (expected ID=TYPE)", shardConfig)
		}

		shardID, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid shard ID %s: %v", parts[0], err)
		}

		shardType := strings.TrimSpace(parts[1])
		switch {
		case shardType == "lockmgr":
			shards = append(shards, common.ServerShard{ShardID: shardID, Type: common.ShardTypeLockManager})
		case strings.HasPrefix(shardType, "container(") && strings.HasSuffix(shardType, ")"):
			spec := strings.TrimSuffix(strings.TrimPrefix(shardType, "container("), ")")
			name, capacity, hasCapacity := strings.Cut(spec, ":")
			shard := common.ServerShard{ShardID: shardID, Type: common.ShardTypeContainer, Name: name}
			if hasCapacity {
				bytes, err := humanize.ParseBytes(capacity)
				if err != nil {
					return nil, fmt.Errorf("invalid capacity of shard %d: %v", shardID, err)
				}
				shard.Capacity = int64(bytes)
			}
			shards = append(shards, shard)
		default:
			return nil, fmt.Errorf("invalid shard type: %s (expected container(NAME[:CAPACITY]) or lockmgr)", shardType)
		}
	}
	return shards, nil
}
