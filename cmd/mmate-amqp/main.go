package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	mmate "github.com/glimte/mmate-amqp"
	"github.com/glimte/mmate-amqp/cli"
	"github.com/glimte/mmate-amqp/consumer"
	"github.com/glimte/mmate-amqp/driver"
	"github.com/glimte/mmate-amqp/health"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	root := cli.NewRootCommand(
		fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		mmate.WithHandler("log", consumer.HandlerFunc(logMessage)),
		mmate.WithChecker("env", health.NewEnvChecker("MMATE_CONSUMERS_ENABLED")),
		mmate.WithChecker("memory", health.NewMemoryChecker(512<<20, 0)),
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// logMessage is the built-in "log" handler: it logs and acknowledges
func logMessage(ctx context.Context, msg *driver.ReceivedMessage) error {
	slog.InfoContext(ctx, "message received",
		"queue", msg.Queue,
		"routingKey", msg.RoutingKey,
		"messageId", msg.Properties.MessageID,
		"size", len(msg.Body))
	return nil
}
