package server

import (
	"fmt"
	"net"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/ValentinKolb/nKV/lib/container"
	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/ValentinKolb/nKV/lib/lockmgr"
	"github.com/ValentinKolb/nKV/lib/util"
	"github.com/ValentinKolb/nKV/rpc/common"
	"github.com/ValentinKolb/nKV/rpc/serializer"
	"github.com/ValentinKolb/nKV/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("rpc")

// serverShard is a struct that represents a shard in the RPC server
// It contains the adapter that handles requests for the shard
type serverShard struct {
	Type      common.ServerShardType
	Adapter   IRPCServerAdapter
	Container *container.Store // nil for the lock manager shard
}

// Option configures an RPCServer.
type Option func(*RPCServer)

// WithMetrics registers the server and lock manager metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *RPCServer) { s.registry = reg }
}

// WithClock sets the clock of the lock manager shard.
func WithClock(c util.Clock) Option {
	return func(s *RPCServer) { s.clock = c }
}

// NewRPCServer creates a new RPC server
// It takes a config, transport and serializer as parameters
//
// Usage:
//
//	s := server.NewRPCServer(
//		*config,
//		tcp.NewTCPDefaultServerTransport(),
//		serializer.NewBinarySerializer(),
//	)
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	 }
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
	opts ...Option,
) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	s := &RPCServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		shards:     xsync.NewMapOf[uint64, serverShard](),
		clock:      util.RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = NewMetrics(s.registry)
	return s
}

// RPCServer hosts container and lock manager shards behind one transport.
type RPCServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	shards     *xsync.MapOf[uint64, serverShard]
	registry   prometheus.Registerer
	metrics    *Metrics
	clock      util.Clock

	initOnce sync.Once
	initErr  error
	locks    *lockmgr.LockManager
}

// Serve starts the RPC server
// This function will also initialize the shards and start the transport layer.
// It blocks until Close is called.
func (s *RPCServer) Serve() error {
	if err := s.Init(); err != nil {
		return err
	}
	if s.locks != nil {
		s.locks.Start()
	}
	return s.transport.Listen(s.config)
}

// Init validates the configuration and creates all shards. Serve calls it,
// it only has an effect once.
func (s *RPCServer) Init() error {
	s.initOnce.Do(func() { s.initErr = s.init() })
	return s.initErr
}

// Addr returns the listen address, nil while the server is not listening.
func (s *RPCServer) Addr() net.Addr {
	return s.transport.Addr()
}

// Container returns the container hosted by a shard.
func (s *RPCServer) Container(shardID uint64) (*container.Store, bool) {
	shard, ok := s.shards.Load(shardID)
	if !ok || shard.Container == nil {
		return nil, false
	}
	return shard.Container, true
}

// Close stops the transport. Waiting lock requests are denied.
func (s *RPCServer) Close() error {
	if s.locks != nil {
		s.locks.Stop()
		if n := s.locks.CancelWaiters(); n > 0 {
			Logger.Infof("cancelled %d waiting lock requests", n)
		}
	}
	return s.transport.Close()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (s *RPCServer) init() error {
	if err := s.config.Validate(); err != nil {
		return err
	}

	// Init logger
	if err := common.InitLoggers(s.config.LogLevel); err != nil {
		return err
	}

	Logger.Infof("Created RPC Server")
	Logger.Infof(s.config.String())

	// CREATE SHARDS

	/*
		Note: A single RPC Server can host any number of containers and at most
		one lock manager. Each shard is addressed by its shard ID; container
		shards use the container hash so clients can route by container.
	*/

	for i, shardConfig := range s.config.Shards {
		switch shardConfig.Type {
		case common.ShardTypeContainer:
			store, err := container.NewStore(kv.Container{
				ID:            uint32(i),
				Hash:          shardConfig.ShardID,
				Name:          shardConfig.Name,
				HostingTarget: s.config.Endpoint,
				Status:        kv.ContainerOK,
			}, shardConfig.Capacity)
			if err != nil {
				return fmt.Errorf("failed to create container %q: %w", shardConfig.Name, err)
			}
			s.shards.Store(shardConfig.ShardID, serverShard{
				Type:      shardConfig.Type,
				Adapter:   NewContainerServerAdapter(store),
				Container: store,
			})
			Logger.Infof("created container %q for shard %d", shardConfig.Name, shardConfig.ShardID)

		case common.ShardTypeLockManager:
			if s.locks != nil {
				return fmt.Errorf("only one lock manager shard is supported")
			}
			heartbeats := lockmgr.NewHeartbeatTable(s.clock)
			locks, err := lockmgr.New(lockmgr.Config{
				StaleAfter:   s.config.LockStaleAfter,
				ReapInterval: s.config.LockReapInterval,
			}, heartbeats, lockmgr.WithClock(s.clock), lockmgr.WithMetrics(s.registry))
			if err != nil {
				return fmt.Errorf("failed to create lock manager: %w", err)
			}
			s.locks = locks
			s.shards.Store(shardConfig.ShardID, serverShard{
				Type:    shardConfig.Type,
				Adapter: NewLockManagerServerAdapter(locks),
			})
			Logger.Infof("created lock manager for shard %d", shardConfig.ShardID)

		default:
			return fmt.Errorf("invalid shard type: %s", shardConfig.Type)
		}
	}

	Logger.Infof("nKV target setup completed successfully")

	// Configure the transport layer
	s.registerTransportHandler()

	return nil
}

func (s *RPCServer) registerTransportHandler() {
	s.transport.RegisterHandler(func(shardId uint64, req []byte, reply transport.ReplyFunc) {
		start := time.Now()
		msgType := common.MsgTUnknown

		respond := func(resp *common.Message) {
			val, err := s.serializer.Serialize(*resp)
			if err != nil {
				Logger.Errorf("failed to serialize %s response: %v", msgType, err)
				resp = common.NewErrorResponse(fmt.Sprintf("failed to serialize response: %s", err))
				val, _ = s.serializer.Serialize(*resp)
			}
			s.metrics.ObserveRequest(msgType, resp, time.Since(start))
			reply(val)
		}

		// Get appropriate shard
		shard, ok := s.shards.Load(shardId)

		// Case shard does not exist -> error
		if !ok {
			respond(common.NewErrorResponse(fmt.Sprintf("shard %d not found", shardId)))
			return
		}

		// Decode the request
		var msg common.Message
		if err := s.serializer.Deserialize(req, &msg); err != nil {
			respond(common.NewErrorResponse(fmt.Sprintf("failed to deserialize request: %s", err)))
			return
		}
		msgType = msg.MsgType

		// Let the adapter handle the request
		shard.Adapter.Handle(&msg, respond)
	})
}
