// Package redisserver provides an in-memory Redis-compatible server
// with stream, transaction and replication support.
//
// The server speaks RESP over TCP and can run standalone, as a
// replication master feeding connected replicas, or as a replica of
// another instance.
//
// Basic usage:
//
//	srv, err := redisserver.New(
//		redisserver.WithListenAddr(":6379"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer srv.Close()
//
//	if err := srv.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//
// Running as a replica:
//
//	srv, err := redisserver.New(
//		redisserver.WithListenAddr(":6380"),
//		redisserver.WithReplicaOf("localhost:6379"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer srv.Close()
//
//	if err := srv.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	if err := srv.WaitForSync(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// The library supports:
//
//   - RESP protocol parsing and serialization
//   - Strings, hashes and streams with blocking XREAD
//   - MULTI/EXEC/DISCARD transactions
//   - Master/replica replication with RDB snapshot transfer
//   - WAIT-based write acknowledgement quorums
//   - Graceful shutdown and reconnection handling
//
// For runnable programs see cmd/redis-server.
package redisserver
