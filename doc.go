// Package redwire is a client for Redis-compatible servers that speaks the
// plain-text reply protocol and works against both standalone servers and
// sharded clusters behind one API.
//
// Connect probes the server once and picks the routing mode:
//
//	client, err := redwire.Connect(ctx, &redwire.Options{Addr: "127.0.0.1:6379"})
//	if err != nil { ... }
//	defer client.Close()
//
//	val, err := client.Get(ctx, "greeting").Text()
//
// Against a cluster every command is routed by the hash slot of its keys,
// MOVED and ASK redirections are followed transparently, and the slot map is
// refreshed in the background when the topology shifts. Multi-key commands
// must keep their keys in one slot; hash tags ("{user}:a", "{user}:b") pin
// related keys together.
//
// Pipeline batches independent commands and returns the replies in
// submission order regardless of how many nodes served them. Subscribe and
// its pattern and shard variants run a blocking reception loop on a
// dedicated connection. AcquireLock layers an expiring advisory lock over
// SET NX PX with a token-checked release.
package redwire
