// Package definition describes AMQP topology as immutable data.
//
// Definitions are built once at startup by a configuration resolver and never
// mutated afterwards. Factories in the driver backends turn them into live
// broker resources on demand:
//   - Connection: DSN derived endpoints, credentials, heartbeat and timeouts
//   - Channel: QoS settings scoped to one channel of a connection
//   - Exchange and Queue: declaration flags, bindings and broker arguments
//   - QueueArguments and ExchangeArguments: the named x-* arguments table
package definition
