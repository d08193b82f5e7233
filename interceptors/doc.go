// Package interceptors provides ready-made consumer and publisher middleware.
//
// Built-in middleware:
//   - ConsumerLogging / PublisherLogging: log every message with its outcome and duration
//   - Metrics: prometheus counters and histograms for consumed and published messages
//   - PublishRetry: retries failed publishes with a backoff policy
//   - ReleaseMemory: resets caches and collects garbage around each handled message
//
// Middleware runs in the order it is registered, the handler or the exchange
// being called last:
//
//	metrics, _ := interceptors.NewMetrics(prometheus.DefaultRegisterer)
//
//	c := consumer.NewLoop("orders", queue, nil, cfg,
//		consumer.WithMiddleware(
//			interceptors.NewConsumerLogging(logger),
//			metrics.Consumer("orders"),
//		),
//		consumer.WithHandler(handler),
//	)
package interceptors
