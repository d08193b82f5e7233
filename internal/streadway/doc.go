// Package streadway implements the driver factories over
// github.com/streadway/amqp. The library has no context-aware publishing and
// no channel state query, so closure is tracked from close notifications and
// contexts are only checked before each broker call.
package streadway
