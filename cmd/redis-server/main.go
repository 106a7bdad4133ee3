// Command redis-server runs an in-memory Redis-compatible server,
// standalone or as a replica of another instance.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	redisserver "github.com/raniellyferreira/redis-inmemory-server"
	"github.com/raniellyferreira/redis-inmemory-server/config"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML configuration file")
		addr       = flag.String("addr", "", "listen address, overrides the config file")
		replicaOf  = flag.String("replicaof", "", "master address to replicate from, overrides the config file")
		password   = flag.String("requirepass", "", "client password, overrides the config file")
		dir        = flag.String("dir", "", "snapshot directory, overrides the config file")
		dbFilename = flag.String("dbfilename", "", "snapshot filename, overrides the config file")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Flags win over the file
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *replicaOf != "" {
		cfg.Replication.ReplicaOf = *replicaOf
	}
	if *password != "" {
		cfg.Server.Password = *password
	}
	if *dir != "" {
		cfg.Snapshot.Dir = *dir
	}
	if *dbFilename != "" {
		cfg.Snapshot.DBFilename = *dbFilename
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := []redisserver.Option{
		redisserver.WithListenAddr(cfg.Server.Addr),
		redisserver.WithSnapshot(cfg.Snapshot.Dir, cfg.Snapshot.DBFilename),
	}
	if cfg.Server.Password != "" {
		opts = append(opts, redisserver.WithPassword(cfg.Server.Password))
	}
	if cfg.Server.ReadTimeout > 0 {
		opts = append(opts, redisserver.WithReadTimeout(cfg.Server.ReadTimeout))
	}
	if cfg.Storage.ShardCount > 0 {
		opts = append(opts, redisserver.WithShardCount(cfg.Storage.ShardCount))
	}
	if cfg.Replication.ReplicaOf != "" {
		opts = append(opts,
			redisserver.WithReplicaOf(cfg.Replication.ReplicaOf),
			redisserver.WithSyncTimeout(cfg.Replication.SyncTimeout),
			redisserver.WithConnectTimeout(cfg.Replication.ConnectTimeout),
			redisserver.WithAckInterval(cfg.Replication.AckInterval),
		)
		if cfg.Replication.MasterAuth != "" {
			opts = append(opts, redisserver.WithMasterAuth(cfg.Replication.MasterAuth))
		}
	}

	srv, err := redisserver.New(opts...)
	if err != nil {
		return err
	}
	defer srv.Close()

	if err := srv.Start(ctx); err != nil {
		return err
	}

	if cfg.Replication.ReplicaOf != "" {
		srv.OnSyncComplete(func() {
			fmt.Printf("synchronized with master %s\n", cfg.Replication.ReplicaOf)
		})
	}

	fmt.Printf("listening on %s as %s\n", srv.Addr(), srv.Role())

	<-ctx.Done()
	return srv.Close()
}
