package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SpoolConnectionFactory tries a list of per-host connection factories in
// order and keeps the first that connects
type SpoolConnectionFactory struct {
	factories []ConnectionFactory
	logger    *slog.Logger

	mu     sync.Mutex
	active ConnectionFactory
}

// SpoolOption configures a SpoolConnectionFactory
type SpoolOption func(*SpoolConnectionFactory)

// WithSpoolLogger sets the logger
func WithSpoolLogger(logger *slog.Logger) SpoolOption {
	return func(s *SpoolConnectionFactory) {
		s.logger = logger
	}
}

// NewSpoolConnectionFactory creates a factory over hosts tried in order
func NewSpoolConnectionFactory(factories []ConnectionFactory, options ...SpoolOption) *SpoolConnectionFactory {
	s := &SpoolConnectionFactory{
		factories: factories,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Create returns a connection from the first reachable host. A cached
// connection is reused while it is still open.
func (s *SpoolConnectionFactory) Create(ctx context.Context) (Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.factories) == 0 {
		return nil, &ConnectionError{Op: "connect", Err: ErrNoHosts, Timestamp: time.Now()}
	}

	if s.active != nil {
		conn, err := s.active.Create(ctx)
		if err == nil {
			return conn, nil
		}
		s.logger.Debug("cached host unavailable, trying all hosts", "error", err)
		s.active = nil
	}

	var errs []error
	for i, f := range s.factories {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		conn, err := f.Create(ctx)
		if err != nil {
			s.logger.Debug("host unavailable", "host", i, "error", err)
			errs = append(errs, fmt.Errorf("host %d: %w", i, err))
			continue
		}

		s.active = f
		return conn, nil
	}

	return nil, &ConnectionError{
		Op:        "connect",
		Err:       errors.Join(errs...),
		Timestamp: time.Now(),
		Attempts:  len(errs),
	}
}

// Close closes every per-host factory
func (s *SpoolConnectionFactory) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = nil

	var errs []error
	for _, f := range s.factories {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
