package replication

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raniellyferreira/redis-inmemory-server/command"
	"github.com/raniellyferreira/redis-inmemory-server/protocol"
)

// Client is the replica-side replication link. It performs the handshake
// with the master, loads the FULLRESYNC snapshot into storage, and applies
// the command stream through the dispatcher with replies suppressed. It
// implements the dispatcher's Replication interface for the replica role.
type Client struct {
	// Configuration
	masterAddr     string
	masterPassword string
	tlsConfig      *tls.Config
	listeningPort  string
	dispatcher     *command.Dispatcher

	// session is the loopback session the command stream is applied
	// through; Silent suppresses replies and the slave role suppresses
	// re-propagation.
	session *command.Session

	// Connection state
	mu        sync.RWMutex
	conn      net.Conn
	reader    *protocol.Reader
	writer    *protocol.Writer
	connected bool

	// wmu serializes acks from the apply loop and the periodic ack ticker
	wmu sync.Mutex

	// Replication state
	replID string
	offset int64 // atomic

	// Control channels
	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	doneChan chan struct{}
	started  int32 // atomic flag so the run loop spawns once
	stopped  int32 // atomic flag to prevent double stop
	runEnded int32 // atomic flag to prevent double doneChan close

	// Statistics
	stats *ReplicationStats

	// Callbacks
	onSyncComplete []func()

	logger         Logger
	metrics        MetricsCollector
	syncTimeout    time.Duration
	connectTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	ackInterval    time.Duration
}

// ReplicationStats tracks replication statistics
type ReplicationStats struct {
	mu sync.RWMutex

	Connected         bool
	MasterAddr        string
	MasterReplID      string
	ReplicationOffset int64
	LastSyncTime      time.Time
	BytesReceived     int64
	CommandsProcessed int64
	ReconnectCount    int64

	InitialSyncCompleted bool
}

// Logger interface for replication logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// MetricsCollector interface for replication metrics
type MetricsCollector interface {
	RecordSyncDuration(duration time.Duration)
	RecordCommandProcessed(cmd string, duration time.Duration)
	RecordNetworkBytes(bytes int64)
	RecordReconnection()
	RecordError(errorType string)
}

// NewClient creates a replication client that applies the master's stream
// through the given dispatcher
func NewClient(masterAddr string, d *command.Dispatcher) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	session := command.NewSession(-1, nil, nil)
	session.Silent = true

	return &Client{
		masterAddr:     masterAddr,
		dispatcher:     d,
		session:        session,
		ctx:            ctx,
		cancel:         cancel,
		stopChan:       make(chan struct{}),
		doneChan:       make(chan struct{}),
		stats:          &ReplicationStats{MasterAddr: masterAddr},
		syncTimeout:    30 * time.Second,
		connectTimeout: 5 * time.Second,
		readTimeout:    30 * time.Second,
		writeTimeout:   10 * time.Second,
		ackInterval:    time.Second,
		logger:         &defaultLogger{},
	}
}

// SetAuth configures authentication
func (c *Client) SetAuth(password string) {
	c.masterPassword = password
}

// SetTLS configures TLS
func (c *Client) SetTLS(config *tls.Config) {
	c.tlsConfig = config
}

// SetLogger sets the logger
func (c *Client) SetLogger(logger Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// SetMetrics sets the metrics collector
func (c *Client) SetMetrics(metrics MetricsCollector) {
	c.metrics = metrics
}

// SetListeningPort sets the port announced via REPLCONF listening-port
func (c *Client) SetListeningPort(port string) {
	c.listeningPort = port
}

// SetSyncTimeout sets the synchronization timeout
func (c *Client) SetSyncTimeout(timeout time.Duration) {
	c.syncTimeout = timeout
}

// SetConnectTimeout sets the connection timeout
func (c *Client) SetConnectTimeout(timeout time.Duration) {
	c.connectTimeout = timeout
}

// SetReadTimeout sets the read timeout for handshake and sync
func (c *Client) SetReadTimeout(timeout time.Duration) {
	c.readTimeout = timeout
}

// SetWriteTimeout sets the write timeout for network operations
func (c *Client) SetWriteTimeout(timeout time.Duration) {
	c.writeTimeout = timeout
}

// SetAckInterval sets the period of unsolicited REPLCONF ACK reports.
// Zero disables them; acks are still sent in response to GETACK.
func (c *Client) SetAckInterval(interval time.Duration) {
	c.ackInterval = interval
}

// Replication interface, replica role.

// Role returns the replication role
func (c *Client) Role() string {
	return command.RoleSlave
}

// ReplID returns the master's replication ID
func (c *Client) ReplID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.replID
}

// CurrentOffset returns the number of stream bytes applied so far
func (c *Client) CurrentOffset() int64 {
	return atomic.LoadInt64(&c.offset)
}

// ReplicaCount returns 0: a replica has no replicas of its own
func (c *Client) ReplicaCount() int {
	return 0
}

// Propagate is a no-op on a replica; applied writes are not re-propagated
func (c *Client) Propagate(encoded []byte) {}

// CountAcked returns 0 on a replica
func (c *Client) CountAcked(offset int64) int {
	return 0
}

// WaitForAcks returns immediately on a replica
func (c *Client) WaitForAcks(offset int64, count int, timeout time.Duration) int {
	return 0
}

// StartReplicaFeed is rejected on a replica
func (c *Client) StartReplicaFeed(s *command.Session) error {
	return fmt.Errorf("PSYNC not accepted by a replica")
}

// RecordAck is a no-op on a replica
func (c *Client) RecordAck(s *command.Session, offset int64) {}

// NoteListeningPort is a no-op on a replica
func (c *Client) NoteListeningPort(s *command.Session, port string) {}

// Start begins replication and waits for the link to come up
func (c *Client) Start(ctx context.Context) error {
	c.logger.Info("Starting replication client", "master", c.masterAddr)

	if atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		go c.run()
	}

	deadline := time.NewTimer(c.syncTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-deadline.C:
			return fmt.Errorf("connection timeout")
		case <-ctx.Done():
			return ctx.Err()
		case <-c.doneChan:
			return fmt.Errorf("replication stopped unexpectedly")
		case <-poll.C:
			c.mu.RLock()
			connected := c.connected
			c.mu.RUnlock()
			if connected {
				return nil
			}
		}
	}
}

// Stop stops replication
func (c *Client) Stop() error {
	// Use atomic CAS to ensure we only stop once
	if !atomic.CompareAndSwapInt32(&c.stopped, 0, 1) {
		return nil
	}

	c.logger.Info("Stopping replication client")

	c.cancel()
	close(c.stopChan)
	c.disconnect()

	select {
	case <-c.doneChan:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("stop timeout")
	}
}

// Stats returns a copy of the current replication statistics
func (c *Client) Stats() ReplicationStats {
	c.stats.mu.RLock()
	defer c.stats.mu.RUnlock()

	return ReplicationStats{
		Connected:            c.stats.Connected,
		MasterAddr:           c.stats.MasterAddr,
		MasterReplID:         c.stats.MasterReplID,
		ReplicationOffset:    atomic.LoadInt64(&c.offset),
		LastSyncTime:         c.stats.LastSyncTime,
		BytesReceived:        c.stats.BytesReceived,
		CommandsProcessed:    c.stats.CommandsProcessed,
		ReconnectCount:       c.stats.ReconnectCount,
		InitialSyncCompleted: c.stats.InitialSyncCompleted,
	}
}

// OnSyncComplete registers a callback for sync completion
func (c *Client) OnSyncComplete(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSyncComplete = append(c.onSyncComplete, fn)
}

// run is the main replication loop
func (c *Client) run() {
	defer func() {
		if atomic.CompareAndSwapInt32(&c.runEnded, 0, 1) {
			close(c.doneChan)
		}
	}()

	for {
		select {
		case <-c.stopChan:
			c.disconnect()
			return
		default:
			if err := c.connect(); err != nil {
				c.logger.Error("Connection failed", "error", err)
				c.recordMetricError("connection")

				select {
				case <-time.After(1 * time.Second):
				case <-c.stopChan:
					return
				}
				continue
			}

			if err := c.performSync(); err != nil {
				c.logger.Error("Sync failed", "error", err)
				c.recordMetricError("sync")
				c.disconnect()
				continue
			}

			if err := c.streamCommands(); err != nil {
				select {
				case <-c.stopChan:
					return
				default:
				}
				c.logger.Error("Streaming failed", "error", err)
				c.recordMetricError("streaming")
				c.disconnect()
			}
		}
	}
}

// connect establishes the connection to the master
func (c *Client) connect() error {
	c.logger.Debug("Connecting to master", "addr", c.masterAddr)

	dialer := &net.Dialer{
		Timeout: c.connectTimeout,
	}

	var conn net.Conn
	var err error
	if c.tlsConfig != nil {
		conn, err = tls.DialWithDialer(dialer, "tcp", c.masterAddr, c.tlsConfig)
	} else {
		conn, err = dialer.Dial("tcp", c.masterAddr)
	}
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	if err := c.setHandshakeDeadlines(conn); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.reader = protocol.NewReader(conn)
	c.writer = protocol.NewWriter(conn)
	c.connected = true
	c.mu.Unlock()

	if c.masterPassword != "" {
		if err := c.authenticate(); err != nil {
			c.disconnect()
			return fmt.Errorf("authentication failed: %w", err)
		}
	}

	c.updateStats(func(s *ReplicationStats) {
		s.Connected = true
		s.ReconnectCount++
	})
	if c.metrics != nil {
		c.metrics.RecordReconnection()
	}

	c.logger.Info("Connected to master")
	return nil
}

// disconnect closes the connection
func (c *Client) disconnect() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.mu.Unlock()

	c.updateStats(func(s *ReplicationStats) {
		s.Connected = false
	})
}

// authenticate performs AUTH against the master
func (c *Client) authenticate() error {
	response, err := c.roundTrip("AUTH", c.masterPassword)
	if err != nil {
		return err
	}
	if response.IsError() {
		return fmt.Errorf("auth failed: %s", response.Error())
	}
	return nil
}

// roundTrip sends one command and reads its reply
func (c *Client) roundTrip(cmd string, args ...string) (protocol.Value, error) {
	if err := c.writer.WriteCommand(cmd, args...); err != nil {
		return protocol.Value{}, err
	}
	if err := c.writer.Flush(); err != nil {
		return protocol.Value{}, err
	}
	return c.reader.ReadNext()
}

// performSync runs the handshake and loads the FULLRESYNC snapshot
func (c *Client) performSync() error {
	c.logger.Info("Starting initial synchronization")
	startTime := time.Now()

	if err := c.handshake(); err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}

	if err := c.loadSnapshot(); err != nil {
		return fmt.Errorf("snapshot load failed: %w", err)
	}

	syncDuration := time.Since(startTime)
	if c.metrics != nil {
		c.metrics.RecordSyncDuration(syncDuration)
	}

	c.updateStats(func(s *ReplicationStats) {
		s.InitialSyncCompleted = true
		s.LastSyncTime = time.Now()
		s.MasterReplID = c.replID
	})

	c.mu.RLock()
	callbacks := make([]func(), len(c.onSyncComplete))
	copy(callbacks, c.onSyncComplete)
	c.mu.RUnlock()
	for _, callback := range callbacks {
		callback()
	}

	c.logger.Info("Initial synchronization completed", "duration", syncDuration)
	return nil
}

// handshake performs PING, REPLCONF and PSYNC with the master
func (c *Client) handshake() error {
	response, err := c.roundTrip("PING")
	if err != nil {
		return fmt.Errorf("PING: %w", err)
	}
	if response.IsError() {
		return fmt.Errorf("PING rejected: %s", response.Error())
	}

	port := c.listeningPort
	if port == "" {
		port = "0"
	}
	response, err = c.roundTrip("REPLCONF", "listening-port", port)
	if err != nil {
		return fmt.Errorf("REPLCONF listening-port: %w", err)
	}
	if response.IsError() {
		return fmt.Errorf("REPLCONF listening-port rejected: %s", response.Error())
	}

	response, err = c.roundTrip("REPLCONF", "capa", "psync2")
	if err != nil {
		return fmt.Errorf("REPLCONF capa: %w", err)
	}
	if response.IsError() {
		return fmt.Errorf("REPLCONF capa rejected: %s", response.Error())
	}

	response, err = c.roundTrip("PSYNC", "?", "-1")
	if err != nil {
		if err == io.EOF {
			return fmt.Errorf("PSYNC: connection closed by master")
		}
		return fmt.Errorf("PSYNC: %w", err)
	}
	if response.IsError() {
		return fmt.Errorf("PSYNC rejected: %s", response.Error())
	}

	parts := strings.Fields(response.String())
	if len(parts) != 3 || parts[0] != "FULLRESYNC" {
		return fmt.Errorf("unexpected PSYNC response: %s", response.String())
	}
	offset, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid FULLRESYNC offset: %s", parts[2])
	}

	c.mu.Lock()
	c.replID = parts[1]
	c.mu.Unlock()

	// The snapshot covers the keyspace through this offset; the applied
	// offset continues from here.
	atomic.StoreInt64(&c.offset, offset)
	return nil
}

// loadSnapshot reads the snapshot payload following FULLRESYNC and loads
// it into storage, replacing the current keyspace
func (c *Client) loadSnapshot() error {
	c.logger.Debug("Reading snapshot payload")

	var buf bytes.Buffer
	err := c.reader.ReadBulkPayload(false, func(chunk []byte) error {
		buf.Write(chunk)
		return nil
	})
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	c.updateStats(func(s *ReplicationStats) {
		s.BytesReceived += int64(buf.Len())
	})
	if c.metrics != nil {
		c.metrics.RecordNetworkBytes(int64(buf.Len()))
	}

	store := c.dispatcher.Store()
	if err := store.FlushAll(); err != nil {
		return err
	}
	if err := LoadSnapshot(bytes.NewReader(buf.Bytes()), store); err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}

	c.logger.Debug("Snapshot loaded", "bytes", buf.Len())
	return nil
}

// streamCommands applies the master's command stream until the link drops
func (c *Client) streamCommands() error {
	c.logger.Debug("Starting command streaming")

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("no active connection")
	}

	// The stream may be silent while the master has no writes, and acks
	// keep flowing for as long as the link lives; no deadlines apply past
	// the handshake.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return err
	}

	stopAcks := c.startAckTicker()
	defer stopAcks()

	for {
		select {
		case <-c.stopChan:
			return nil
		default:
		}

		cmd, err := c.reader.ReadCommand()
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("connection closed")
			}
			return fmt.Errorf("read command failed: %w", err)
		}

		// The offset advances by the canonical encoding of every command
		// in the stream, including PING and GETACK.
		size := int64(cmd.EncodedSize())
		atomic.AddInt64(&c.offset, size)
		c.updateStats(func(s *ReplicationStats) {
			s.BytesReceived += size
		})

		if err := c.processCommand(cmd); err != nil {
			c.logger.Error("Command apply failed", "command", cmd.Name, "error", err)
		}
	}
}

// processCommand applies one command from the replication stream
func (c *Client) processCommand(cmd *protocol.Command) error {
	switch cmd.Name {
	case "PING":
		return nil

	case "REPLCONF":
		if strings.EqualFold(cmd.Arg(0), "GETACK") {
			return c.sendAck()
		}
		return nil
	}

	startTime := time.Now()
	err := c.dispatcher.Dispatch(c.session, cmd)

	if c.metrics != nil {
		c.metrics.RecordCommandProcessed(cmd.Name, time.Since(startTime))
	}
	c.updateStats(func(s *ReplicationStats) {
		s.CommandsProcessed++
	})
	return err
}

// sendAck reports the applied offset to the master
func (c *Client) sendAck() error {
	c.mu.RLock()
	writer := c.writer
	connected := c.connected
	c.mu.RUnlock()
	if !connected || writer == nil {
		return fmt.Errorf("not connected")
	}

	offset := atomic.LoadInt64(&c.offset)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := writer.WriteCommand("REPLCONF", "ACK", strconv.FormatInt(offset, 10)); err != nil {
		return err
	}
	return writer.Flush()
}

// startAckTicker starts the periodic ack reporter, returning its stop
// function. Disabled when the interval is zero.
func (c *Client) startAckTicker() func() {
	if c.ackInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.ackInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-c.stopChan:
				return
			case <-ticker.C:
				if err := c.sendAck(); err != nil {
					c.logger.Debug("Periodic ack failed", "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

// updateStats atomically updates statistics
func (c *Client) updateStats(fn func(*ReplicationStats)) {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()
	fn(c.stats)
}

// recordMetricError records an error metric
func (c *Client) recordMetricError(errorType string) {
	if c.metrics != nil {
		c.metrics.RecordError(errorType)
	}
}

// setHandshakeDeadlines applies the read and write timeouts used during
// the handshake and snapshot transfer
func (c *Client) setHandshakeDeadlines(conn net.Conn) error {
	now := time.Now()
	if c.readTimeout > 0 {
		if err := conn.SetReadDeadline(now.Add(c.readTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
	}
	if c.writeTimeout > 0 {
		if err := conn.SetWriteDeadline(now.Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	return nil
}

// defaultLogger discards all log output
type defaultLogger struct{}

func (l *defaultLogger) Debug(msg string, fields ...interface{}) {}
func (l *defaultLogger) Info(msg string, fields ...interface{})  {}
func (l *defaultLogger) Error(msg string, fields ...interface{}) {}
