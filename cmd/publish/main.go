// Command publish announces a single event on the gateway bus, the same way
// a backend worker would.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/crm-gateway/internal/bus"
	"github.com/npezzotti/crm-gateway/internal/config"
)

func main() {
	logger := log.New(os.Stderr, "[publish] ", log.LstdFlags)

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal("config:", err)
	}

	var env bus.Envelope
	var data string
	flag.StringVar(&env.Type, "type", "", "event type, e.g. message:new")
	flag.StringVar(&env.TenantId, "tenant", "", "tenant id")
	flag.StringVar(&env.ConversationId, "conversation", "", "conversation id")
	flag.StringVar(&env.UserId, "user", "", "user id")
	flag.StringVar(&data, "data", "{}", "event payload as JSON")
	flag.StringVar(&cfg.BusDriver, "bus", cfg.BusDriver, "event bus driver: redis or postgres")
	flag.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "redis url for the redis bus")
	flag.StringVar(&cfg.DatabaseDSN, "dsn", cfg.DatabaseDSN, "database connection string for the postgres bus")
	flag.StringVar(&cfg.BusChannel, "channel", cfg.BusChannel, "event bus channel")
	flag.Parse()

	if err := run(logger, cfg, env, data); err != nil {
		fmt.Fprintln(os.Stderr, "publish:", err)
		os.Exit(1)
	}
}

func run(logger *log.Logger, cfg *config.Config, env bus.Envelope, data string) error {
	if cfg.BusDriver == config.BusMemory {
		return fmt.Errorf("the memory bus does not reach other processes, use redis or postgres")
	}
	if !json.Valid([]byte(data)) {
		return fmt.Errorf("-data is not valid JSON")
	}
	env.Data = json.RawMessage(data)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	transport, err := bus.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer transport.Close()

	pub := bus.NewPublisher(logger, transport, cfg.BusChannel, "publish-"+uuid.NewString(), nil)
	if err := pub.Publish(ctx, env); err != nil {
		return err
	}

	logger.Printf("published %q on %q", env.Type, cfg.BusChannel)
	return nil
}
