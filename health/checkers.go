// Package health provides consumer checkers that decide whether a consumer
// should run at all.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/glimte/mmate-amqp/consumer"
	"github.com/glimte/mmate-amqp/driver"
)

// ConnectionChecker allows a run only when the broker is reachable
type ConnectionChecker struct {
	factory driver.ConnectionFactory
	timeout time.Duration
	logger  *slog.Logger
}

// NewConnectionChecker creates a broker reachability checker. A zero timeout
// leaves the dial bounded by the connection factory.
func NewConnectionChecker(factory driver.ConnectionFactory, timeout time.Duration, logger *slog.Logger) *ConnectionChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionChecker{
		factory: factory,
		timeout: timeout,
		logger:  logger,
	}
}

func (c *ConnectionChecker) Name() string {
	return "connection"
}

// Check implements consumer.Checker
func (c *ConnectionChecker) Check(ctx context.Context) (bool, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	conn, err := c.factory.Create(ctx)
	if err != nil {
		c.logger.Warn("broker unreachable",
			"duration", time.Since(start),
			"error", err)
		return false, nil
	}

	return conn.IsConnected(), nil
}

// MemoryChecker allows a run while the heap and goroutine count stay below limits
type MemoryChecker struct {
	maxHeapBytes  uint64
	maxGoroutines int
	logger        *slog.Logger
}

// NewMemoryChecker creates a memory checker. Zero disables a limit.
func NewMemoryChecker(maxHeapBytes uint64, maxGoroutines int) *MemoryChecker {
	return &MemoryChecker{
		maxHeapBytes:  maxHeapBytes,
		maxGoroutines: maxGoroutines,
		logger:        slog.Default(),
	}
}

func (c *MemoryChecker) Name() string {
	return "memory"
}

// Check implements consumer.Checker
func (c *MemoryChecker) Check(context.Context) (bool, error) {
	if c.maxGoroutines > 0 {
		if n := runtime.NumGoroutine(); n > c.maxGoroutines {
			c.logger.Warn("too many goroutines", "goroutines", n, "limit", c.maxGoroutines)
			return false, nil
		}
	}

	if c.maxHeapBytes > 0 {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		if m.HeapAlloc > c.maxHeapBytes {
			c.logger.Warn("heap above limit", "heapBytes", m.HeapAlloc, "limit", c.maxHeapBytes)
			return false, nil
		}
	}

	return true, nil
}

// EnvChecker allows a run unless the named environment variable disables it.
// Unset means enabled.
type EnvChecker struct {
	name   string
	lookup func(string) (string, bool)
}

// NewEnvChecker creates a checker reading the named variable
func NewEnvChecker(name string) *EnvChecker {
	return &EnvChecker{name: name, lookup: os.LookupEnv}
}

func (c *EnvChecker) Name() string {
	return "env_" + strings.ToLower(c.name)
}

// Check implements consumer.Checker
func (c *EnvChecker) Check(context.Context) (bool, error) {
	raw, ok := c.lookup(c.name)
	if !ok || strings.TrimSpace(raw) == "" {
		return true, nil
	}

	enabled, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, &driver.ConfigurationError{
			Key:    c.name,
			Reason: fmt.Sprintf("expected a boolean, got %q", raw),
			Err:    err,
		}
	}
	return enabled, nil
}

// All allows a run only when every checker does. Checkers are consulted in
// order and the first refusal or error wins.
func All(checkers ...consumer.Checker) consumer.Checker {
	return consumer.CheckerFunc(func(ctx context.Context) (bool, error) {
		for _, c := range checkers {
			ok, err := c.Check(ctx)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}
