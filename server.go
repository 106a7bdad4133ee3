package redisserver

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/raniellyferreira/redis-inmemory-server/command"
	"github.com/raniellyferreira/redis-inmemory-server/replication"
	"github.com/raniellyferreira/redis-inmemory-server/server"
	"github.com/raniellyferreira/redis-inmemory-server/storage"
)

// SyncStatus represents the current synchronization status of a replica
type SyncStatus struct {
	InitialSyncCompleted bool
	Connected            bool
	MasterAddr           string
	MasterReplID         string
	ReplicationOffset    int64
	LastSyncTime         time.Time
	BytesReceived        int64
	CommandsProcessed    int64
}

// Server is an in-memory Redis-compatible server. It runs as a
// replication master unless configured with WithReplicaOf.
type Server struct {
	// Configuration
	config *config

	// Components
	storage    *storage.MemoryStorage
	dispatcher *command.Dispatcher
	server     *server.Server

	// Role wiring, exactly one of these is set
	master  *replication.Master
	syncMgr *replication.SyncManager

	// State
	mu      sync.RWMutex
	started bool
	closed  bool
}

// New creates a new Server with the given options
//
// The server is created but not started. Use Start() to begin accepting
// connections.
//
// Example:
//
//	srv, err := redisserver.New(
//		redisserver.WithListenAddr(":6379"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Since: v1.0.0
func New(opts ...Option) (*Server, error) {
	cfg := defaultConfig()

	// Apply options
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	// Create storage
	var storeOpts []storage.MemoryOption
	if cfg.shardCount > 0 {
		storeOpts = append(storeOpts, storage.WithShardCount(cfg.shardCount))
	}
	store := storage.NewMemory(storeOpts...)

	logger := &loggerAdapter{logger: cfg.logger}

	dispatcher := command.NewDispatcher(store, command.ServerConfig{
		Dir:        cfg.dir,
		DBFilename: cfg.dbFilename,
	})
	dispatcher.SetLogger(logger)

	s := &Server{
		config:     cfg,
		storage:    store,
		dispatcher: dispatcher,
	}

	if cfg.masterAddr == "" {
		// Master role
		s.master = replication.NewMaster(store)
		s.master.SetLogger(logger)
		dispatcher.SetReplication(s.master)
	} else {
		// Replica role
		s.syncMgr = replication.NewSyncManager(cfg.masterAddr, dispatcher)
		s.syncMgr.SetLogger(logger)
		if cfg.masterPassword != "" {
			s.syncMgr.SetAuth(cfg.masterPassword)
		}
		if cfg.metrics != nil {
			s.syncMgr.SetMetrics(&metricsAdapter{metrics: cfg.metrics})
		}

		client := s.syncMgr.Client()
		if cfg.masterTLS != nil {
			client.SetTLS(cfg.masterTLS)
		}
		client.SetSyncTimeout(cfg.syncTimeout)
		client.SetConnectTimeout(cfg.connectTimeout)
		client.SetReadTimeout(cfg.streamTimeout)
		client.SetWriteTimeout(cfg.writeTimeout)
		client.SetAckInterval(cfg.ackInterval)

		dispatcher.SetReplication(client)
	}

	s.server = server.NewServer(cfg.listenAddr, dispatcher)
	s.server.SetLogger(logger)
	if cfg.password != "" {
		s.server.SetPassword(cfg.password)
	}
	if cfg.readTimeout > 0 {
		s.server.SetReadTimeout(cfg.readTimeout)
	}
	if s.master != nil {
		s.server.SetDisconnectHandler(s.master.DetachReplica)
	}

	return s, nil
}

// Start begins accepting client connections. In replica mode it also
// starts replication in the background; use WaitForSync() to wait for
// the initial synchronization to complete.
//
// Example:
//
//	if err := srv.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//
// Since: v1.0.0
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if s.started {
		return nil // Already started
	}

	// Populate the keyspace from a dump left by a previous run before
	// any client can connect
	if err := s.loadSnapshot(); err != nil {
		return err
	}

	if err := s.server.Start(); err != nil {
		s.config.logger.Error("Failed to start server",
			Field{Key: "error", Value: err},
			Field{Key: "addr", Value: s.config.listenAddr})
		return err
	}
	s.config.logger.Info("Server listening", Field{Key: "addr", Value: s.server.Addr()})

	if s.syncMgr != nil {
		// Announce the actual listening port to the master; the
		// configured address may carry port 0.
		if _, port, err := net.SplitHostPort(s.server.Addr()); err == nil {
			s.syncMgr.Client().SetListeningPort(port)
		}

		// Start replication in background, do not block server startup
		go func() {
			if err := s.syncMgr.Start(context.Background()); err != nil {
				s.config.logger.Error("Failed to start replication", Field{Key: "error", Value: err})
			}
		}()
	}

	s.started = true
	return nil
}

// WaitForSync blocks until initial synchronization is complete or the
// context is cancelled. It returns ErrNotReplica on a master.
//
// Example:
//
//	if err := srv.WaitForSync(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// Since: v1.0.0
func (s *Server) WaitForSync(ctx context.Context) error {
	if s.syncMgr == nil {
		return ErrNotReplica
	}
	if !s.isStarted() {
		return ErrNotConnected
	}

	return s.syncMgr.WaitForSync(ctx)
}

// SyncStatus returns the current synchronization status. On a master it
// reports a completed sync with the master's own replication offset.
//
// Since: v1.0.0
func (s *Server) SyncStatus() SyncStatus {
	if s.master != nil {
		return SyncStatus{
			InitialSyncCompleted: true,
			MasterReplID:         s.master.ReplID(),
			ReplicationOffset:    s.master.CurrentOffset(),
		}
	}

	status := s.syncMgr.SyncStatus()
	return SyncStatus{
		InitialSyncCompleted: status.InitialSyncCompleted,
		Connected:            status.Connected,
		MasterAddr:           status.MasterAddr,
		MasterReplID:         status.MasterReplID,
		ReplicationOffset:    status.ReplicationOffset,
		LastSyncTime:         status.LastSyncTime,
		BytesReceived:        status.BytesReceived,
		CommandsProcessed:    status.CommandsProcessed,
	}
}

// Close gracefully shuts down the server
//
// This method stops the listener, stops replication and releases the
// storage. It should be called when the server is no longer needed.
//
// Example:
//
//	defer srv.Close()
//
// Since: v1.0.0
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	// Stop the listener first so no new commands arrive
	if s.started {
		if err := s.server.Stop(); err != nil {
			s.config.logger.Error("Error stopping server", Field{Key: "error", Value: err})
		}
	}

	// Stop replication
	if s.syncMgr != nil {
		if err := s.syncMgr.Stop(); err != nil {
			return err
		}
	}

	// Close storage
	if err := s.storage.Close(); err != nil {
		return err
	}

	return nil
}

// OnSyncComplete registers a callback for when initial sync completes
//
// On a replica the callback fires once the initial synchronization with
// the master finishes; if sync is already complete it is called
// immediately. On a master the callback is called right away.
//
// Since: v1.0.0
func (s *Server) OnSyncComplete(fn func()) {
	if s.syncMgr != nil {
		s.syncMgr.OnSyncComplete(fn)
		return
	}
	go fn()
}

// Addr returns the address the server is listening on, usable once
// Start has returned
func (s *Server) Addr() string {
	return s.server.Addr()
}

// Role returns "master" or "slave" depending on configuration
func (s *Server) Role() string {
	if s.master != nil {
		return "master"
	}
	return "slave"
}

// Storage returns the underlying storage for direct access
//
// This provides direct access to the storage layer for advanced use
// cases. Most users should use the Redis-compatible interface instead.
//
// Since: v1.0.0
func (s *Server) Storage() storage.Storage {
	return s.storage
}

// IsConnected reports whether a replica is connected to its master.
// Always false on a master.
func (s *Server) IsConnected() bool {
	if s.syncMgr == nil {
		return false
	}
	return s.syncMgr.IsConnected()
}

// Info returns detailed information about the server
//
// This includes connection statistics, replication status and version
// information.
//
// Example:
//
//	info := srv.Info()
//	fmt.Printf("Key count: %v\n", info["keys"])
//
// Since: v1.0.0
func (s *Server) Info() map[string]interface{} {
	info := s.server.Stats()
	info["keys"] = s.storage.KeyCount()
	info["version"] = VersionInfo()

	if s.master != nil {
		info["replication"] = map[string]interface{}{
			"role":               "master",
			"master_replid":      s.master.ReplID(),
			"master_repl_offset": s.master.CurrentOffset(),
			"connected_slaves":   s.master.ReplicaCount(),
		}
	} else {
		status := s.syncMgr.SyncStatus()
		info["replication"] = map[string]interface{}{
			"role":                   "slave",
			"master_host":            status.MasterAddr,
			"master_replid":          status.MasterReplID,
			"initial_sync_completed": status.InitialSyncCompleted,
			"replication_offset":     status.ReplicationOffset,
			"commands_processed":     status.CommandsProcessed,
		}
	}

	return info
}

// loadSnapshot loads the configured dump file into the keyspace. A
// missing file is not an error; a corrupt one is fatal to startup.
func (s *Server) loadSnapshot() error {
	path := filepath.Join(s.config.dir, s.config.dbFilename)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	if err := replication.LoadSnapshot(bufio.NewReader(f), s.storage); err != nil {
		return fmt.Errorf("load snapshot %s: %w", path, err)
	}
	s.config.logger.Info("Loaded snapshot",
		Field{Key: "path", Value: path},
		Field{Key: "keys", Value: s.storage.KeyCount()})
	return nil
}

// isStarted returns true if the server is started (thread-safe)
func (s *Server) isStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started && !s.closed
}
