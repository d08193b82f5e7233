package consumer

import "context"

// Checker decides whether a consumer may run. A false result skips the run
// before any queue interaction.
type Checker interface {
	Check(ctx context.Context) (bool, error)
}

// CheckerFunc is a function adapter for Checker
type CheckerFunc func(ctx context.Context) (bool, error)

// Check implements Checker
func (f CheckerFunc) Check(ctx context.Context) (bool, error) {
	return f(ctx)
}
