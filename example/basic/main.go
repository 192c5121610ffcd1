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

	client, err := redwire.Connect(ctx, &redwire.Options{
		Addr: "127.0.0.1:6379",
	})
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	if err := client.Set(ctx, "greeting", "hello", time.Minute).Err(); err != nil {
		log.Fatal(err)
	}
	val, err := client.Get(ctx, "greeting").Text()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("greeting =", val)

	// A missing key reads back as redwire.Nil.
	if _, err := client.Get(ctx, "nope").Text(); err == redwire.Nil {
		fmt.Println("nope does not exist")
	}

	// Batch independent commands on one round trip per node.
	p := client.Pipeline()
	for i := 0; i < 3; i++ {
		if _, err := p.Add("rpush", "queue", i); err != nil {
			log.Fatal(err)
		}
	}
	replies, err := p.Flush(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("queue lengths:", replies)

	// Hold an advisory lock while doing exclusive work.
	err = client.WithLock(ctx, "jobs:tick", 30*time.Second, 5*time.Second,
		func(ctx context.Context) error {
			fmt.Println("holding jobs:tick")
			return nil
		})
	if err != nil {
		log.Fatal(err)
	}
}
