// Package amqp091 implements the driver factories over
// github.com/rabbitmq/amqp091-go.
package amqp091
