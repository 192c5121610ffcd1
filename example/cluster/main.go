package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redwire-go/redwire"
)

func main() {
	ctx := context.Background()

	// Connect probes the node; against a cluster it loads the slot map and
	// routes every command by key.
	client, err := redwire.Connect(ctx, &redwire.Options{
		Addr:     "127.0.0.1:7000",
		ReadOnly: true, // serve reads from replicas
	})
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	// Hash tags pin related keys to one slot so multi-key commands work.
	if err := client.Set(ctx, "{user:7}:name", "ada", 0).Err(); err != nil {
		log.Fatal(err)
	}
	if err := client.Set(ctx, "{user:7}:seen", "today", 0).Err(); err != nil {
		log.Fatal(err)
	}
	pair, err := client.Do(ctx, "mget", "{user:7}:name", "{user:7}:seen").Slice()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("user:7 =", pair)

	// Shard pub/sub flows through the primary owning the channel's slot.
	done := make(chan error, 1)
	go func() {
		done <- client.SSubscribe(ctx, func(m *redwire.Message) {
			fmt.Println("received:", m.Payload)
		}, &redwire.SubscribeOptions{
			Stop: func(*redwire.Message) bool { return true },
		}, "events:{user:7}")
	}()

	time.Sleep(100 * time.Millisecond)
	if err := client.SPublish(ctx, "events:{user:7}", "login").Err(); err != nil {
		log.Fatal(err)
	}
	if err := <-done; err != nil {
		log.Fatal(err)
	}
}
