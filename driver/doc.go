// Package driver defines the backend-neutral AMQP abstractions: connection,
// channel, exchange and queue factories, messages and their acknowledgment,
// and the error taxonomy shared by every backend.
//
// Backends live in internal packages and are selected by the factory package
// from the connection definition.
package driver
