// Package consumer drives message handling from a queue.
//
// A consumer subscribes to its queue, passes each delivery through an ordered
// middleware chain into the first handler that supports it, and settles the
// delivery exactly once: ack on success, nack on failure with requeue decided
// by the consumer configuration. Three modes exist:
//
//   - Single handles one message per Run call.
//   - Spool collects a batch window and acknowledges the batch together.
//   - Loop runs until cancelled, recycling the subscription after idle periods.
//
// How deliveries are awaited is delegated to a Strategy (default or loop).
// Observers receive events on receipt, completion, tick and stop; they never
// influence the acknowledgment decision.
package consumer
