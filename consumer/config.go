package consumer

import (
	"errors"
	"fmt"
	"time"
)

// Mode names
const (
	ModeSingle = "single"
	ModeSpool  = "spool"
	ModeLoop   = "loop"
)

// ErrUnknownMode is returned for consumer modes other than single, spool and loop
var ErrUnknownMode = errors.New("consumer: unknown mode")

// ParseMode validates a consumer mode name. Empty means single.
func ParseMode(name string) (string, error) {
	switch name {
	case "":
		return ModeSingle, nil
	case ModeSingle, ModeSpool, ModeLoop:
		return name, nil
	}
	return "", fmt.Errorf("%w: %q (available: %q, %q, %q)", ErrUnknownMode, name, ModeSingle, ModeSpool, ModeLoop)
}

// Defaults applied when a consumer does not configure a value
const (
	DefaultPrefetchCount = 3
	DefaultReadTimeout   = 300 * time.Second
	DefaultSpoolTimeout  = 30 * time.Second
)

// SingleConfig configures a Single consumer
type SingleConfig struct {
	RequeueOnError bool
	PrefetchCount  int
	TagGenerator   TagGenerator
}

// SpoolConfig configures a Spool consumer. PrefetchCount is the batch size,
// Timeout bounds a batch window and ReadTimeout bounds each receive.
type SpoolConfig struct {
	PrefetchCount  int
	Timeout        time.Duration
	ReadTimeout    time.Duration
	RequeueOnError bool
	TagGenerator   TagGenerator
}

// LoopConfig configures a Loop consumer. The subscription is recycled after
// ReadTimeout without messages.
type LoopConfig struct {
	ReadTimeout    time.Duration
	RequeueOnError bool
	PrefetchCount  int
	TagGenerator   TagGenerator
}

// Budget bounds one RunBudget call. Zero Messages means no limit; zero
// ReadTimeout waits forever.
type Budget struct {
	Messages    int
	ReadTimeout time.Duration
}
