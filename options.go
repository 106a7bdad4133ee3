package redisserver

import (
	"crypto/tls"
	"fmt"
	"time"
)

// config holds the server configuration
type config struct {
	// Server settings
	listenAddr string
	password   string
	readTimeout time.Duration

	// Replication settings (replica role)
	masterAddr     string
	masterPassword string
	masterTLS      *tls.Config
	syncTimeout    time.Duration
	connectTimeout time.Duration
	streamTimeout  time.Duration
	writeTimeout   time.Duration
	ackInterval    time.Duration

	// Snapshot settings
	dir        string
	dbFilename string

	// Storage settings
	shardCount int

	// Observability
	logger  Logger
	metrics MetricsCollector
}

// defaultConfig returns the default configuration
func defaultConfig() *config {
	return &config{
		listenAddr:     ":6379",
		syncTimeout:    30 * time.Second,
		connectTimeout: 5 * time.Second,
		streamTimeout:  30 * time.Second,
		writeTimeout:   10 * time.Second,
		ackInterval:    time.Second,
		dir:            ".",
		dbFilename:     "dump.rdb",
		logger:         &defaultLogger{},
	}
}

// Option configures the server
type Option func(*config) error

// WithListenAddr sets the address the server listens on.
//
// Example:
//
//	redisserver.WithListenAddr(":6379")
func WithListenAddr(addr string) Option {
	return func(c *config) error {
		if addr == "" {
			return fmt.Errorf("%w: listen address cannot be empty", ErrInvalidConfig)
		}
		c.listenAddr = addr
		return nil
	}
}

// WithReplicaOf runs the server as a replica of the given master.
//
// The server connects to the master, performs a full synchronization and
// then applies the master's command stream. Client writes are still
// accepted locally.
//
// Example:
//
//	redisserver.WithReplicaOf("localhost:6379")
func WithReplicaOf(masterAddr string) Option {
	return func(c *config) error {
		if masterAddr == "" {
			return fmt.Errorf("%w: master address cannot be empty", ErrInvalidConfig)
		}
		c.masterAddr = masterAddr
		return nil
	}
}

// WithMasterAuth sets the password used when authenticating to the master
func WithMasterAuth(password string) Option {
	return func(c *config) error {
		c.masterPassword = password
		return nil
	}
}

// WithMasterTLS enables TLS for the master connection
func WithMasterTLS(tlsConfig *tls.Config) Option {
	return func(c *config) error {
		c.masterTLS = tlsConfig
		return nil
	}
}

// WithPassword requires clients to authenticate with AUTH before issuing
// commands
func WithPassword(password string) Option {
	return func(c *config) error {
		c.password = password
		return nil
	}
}

// WithSnapshot sets the directory and filename reported through
// CONFIG GET dir and CONFIG GET dbfilename
func WithSnapshot(dir, filename string) Option {
	return func(c *config) error {
		if dir == "" || filename == "" {
			return fmt.Errorf("%w: snapshot dir and filename cannot be empty", ErrInvalidConfig)
		}
		c.dir = dir
		c.dbFilename = filename
		return nil
	}
}

// WithShardCount sets the number of keyspace shards. Must be a power of
// two. Zero keeps the default.
func WithShardCount(count int) Option {
	return func(c *config) error {
		if count < 0 || (count != 0 && count&(count-1) != 0) {
			return fmt.Errorf("%w: shard count must be a power of two, got %d", ErrInvalidConfig, count)
		}
		c.shardCount = count
		return nil
	}
}

// WithSyncTimeout sets the timeout for initial synchronization
func WithSyncTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return fmt.Errorf("%w: sync timeout must be positive, got %v", ErrInvalidConfig, timeout)
		}
		c.syncTimeout = timeout
		return nil
	}
}

// WithConnectTimeout sets the timeout for connecting to the master
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return fmt.Errorf("%w: connect timeout must be positive, got %v", ErrInvalidConfig, timeout)
		}
		c.connectTimeout = timeout
		return nil
	}
}

// WithReadTimeout sets the idle timeout for client connections. Zero
// disables the timeout.
func WithReadTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return fmt.Errorf("%w: read timeout cannot be negative, got %v", ErrInvalidConfig, timeout)
		}
		c.readTimeout = timeout
		return nil
	}
}

// WithWriteTimeout sets the write timeout for the master connection
func WithWriteTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return fmt.Errorf("%w: write timeout must be positive, got %v", ErrInvalidConfig, timeout)
		}
		c.writeTimeout = timeout
		return nil
	}
}

// WithAckInterval sets how often a replica reports its replication
// offset to the master. Zero disables periodic acknowledgements.
func WithAckInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval < 0 {
			return fmt.Errorf("%w: ack interval cannot be negative, got %v", ErrInvalidConfig, interval)
		}
		c.ackInterval = interval
		return nil
	}
}

// WithLogger sets a custom logger
func WithLogger(logger Logger) Option {
	return func(c *config) error {
		if logger == nil {
			return fmt.Errorf("%w: logger cannot be nil", ErrInvalidConfig)
		}
		c.logger = logger
		return nil
	}
}

// WithMetrics sets a metrics collector
func WithMetrics(metrics MetricsCollector) Option {
	return func(c *config) error {
		if metrics == nil {
			return fmt.Errorf("%w: metrics collector cannot be nil", ErrInvalidConfig)
		}
		c.metrics = metrics
		return nil
	}
}
