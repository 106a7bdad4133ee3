package replication

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raniellyferreira/redis-inmemory-server/command"
)

// SyncManager wraps a replication client with retrying startup and
// initial-sync tracking
type SyncManager struct {
	client *Client

	mu              sync.RWMutex
	initialSyncDone bool
	syncCallbacks   []func()
	starting        int32 // atomic flag to prevent concurrent Start calls

	maxRetries int
	retryDelay time.Duration
}

// SyncStatus represents the current synchronization status
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

// NewSyncManager creates a synchronization manager over a replication
// client applying through the given dispatcher
func NewSyncManager(masterAddr string, d *command.Dispatcher) *SyncManager {
	return &SyncManager{
		client:     NewClient(masterAddr, d),
		maxRetries: 5,
		retryDelay: time.Second,
	}
}

// Client returns the underlying replication client
func (sm *SyncManager) Client() *Client {
	return sm.client
}

// SetAuth configures authentication
func (sm *SyncManager) SetAuth(password string) {
	sm.client.SetAuth(password)
}

// SetLogger sets the logger
func (sm *SyncManager) SetLogger(logger Logger) {
	sm.client.SetLogger(logger)
}

// SetMetrics sets the metrics collector
func (sm *SyncManager) SetMetrics(metrics MetricsCollector) {
	sm.client.SetMetrics(metrics)
}

// Start begins synchronization, retrying transient startup failures
func (sm *SyncManager) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&sm.starting, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&sm.starting, 0)

	sm.client.OnSyncComplete(func() {
		sm.mu.Lock()
		sm.initialSyncDone = true
		callbacks := make([]func(), len(sm.syncCallbacks))
		copy(callbacks, sm.syncCallbacks)
		sm.syncCallbacks = nil
		sm.mu.Unlock()

		for _, callback := range callbacks {
			callback()
		}
	})

	var lastErr error
	for i := 0; i < sm.maxRetries; i++ {
		if err := sm.client.Start(ctx); err != nil {
			lastErr = err
			if i < sm.maxRetries-1 {
				select {
				case <-time.After(sm.retryDelay):
					continue
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		} else {
			return nil
		}
	}

	return fmt.Errorf("failed to start sync after %d retries: %w", sm.maxRetries, lastErr)
}

// Stop stops synchronization
func (sm *SyncManager) Stop() error {
	return sm.client.Stop()
}

// WaitForSync blocks until the initial synchronization completes
func (sm *SyncManager) WaitForSync(ctx context.Context) error {
	sm.mu.RLock()
	if sm.initialSyncDone {
		sm.mu.RUnlock()
		return nil
	}
	sm.mu.RUnlock()

	syncDone := make(chan struct{})

	sm.mu.Lock()
	if sm.initialSyncDone {
		sm.mu.Unlock()
		return nil
	}
	sm.syncCallbacks = append(sm.syncCallbacks, func() {
		close(syncDone)
	})
	sm.mu.Unlock()

	select {
	case <-syncDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnSyncComplete registers a callback for when initial sync completes.
// An already-synced manager calls it immediately on its own goroutine.
func (sm *SyncManager) OnSyncComplete(fn func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.initialSyncDone {
		go fn()
		return
	}
	sm.syncCallbacks = append(sm.syncCallbacks, fn)
}

// IsConnected returns true if connected to the master
func (sm *SyncManager) IsConnected() bool {
	return sm.client.Stats().Connected
}

// SyncStatus returns the current synchronization status
func (sm *SyncManager) SyncStatus() SyncStatus {
	stats := sm.client.Stats()

	sm.mu.RLock()
	initialSyncDone := sm.initialSyncDone
	sm.mu.RUnlock()

	return SyncStatus{
		InitialSyncCompleted: initialSyncDone,
		Connected:            stats.Connected,
		MasterAddr:           stats.MasterAddr,
		MasterReplID:         stats.MasterReplID,
		ReplicationOffset:    stats.ReplicationOffset,
		LastSyncTime:         stats.LastSyncTime,
		BytesReceived:        stats.BytesReceived,
		CommandsProcessed:    stats.CommandsProcessed,
	}
}

// GetStats returns detailed replication statistics
func (sm *SyncManager) GetStats() ReplicationStats {
	return sm.client.Stats()
}
