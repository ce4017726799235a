// Package flotilla runs message handlers, scheduled jobs and HTTP routes for
// one service on top of a pluggable broker. Config names the broker
// (aws_sns_sqs, channel, kafka, rabbitmq, nats, jetstream, postgres or
// sqlite), the envelope that wraps published payloads (json, proto or
// cloudevents), and the drain behaviour on shutdown.
//
// A service is created with NewService, handlers are added with
// Service.Subscribe, Service.Schedule and Service.Route, and Service.Start
// blocks until the context is cancelled or Service.Stop is called. Stop
// drains: consumers stop receiving, in-flight handlers finish, and
// unacknowledged messages stay with the broker for redelivery.
//
// # Delivery
//
// Every subscription owns a queue bound to its topic, so each service
// instance sees every message, unless the subscription sets Competing, in
// which case instances share one queue. A handler returning nil deletes the
// message; returning an error wrapped with Retry releases it for
// redelivery. Other errors are logged and the message is deleted. Messages
// are deduplicated per handler by their envelope UUID.
//
// # Middleware
//
// The default chain adds correlation IDs, tracing, Prometheus metrics and
// panic recovery. ServiceDependencies.Middlewares extends it for messages
// and schedules; Service.Use adds chain middlewares for messages only.
// JobHooksMiddleware wraps handlers with start, done and error callbacks.
//
// # Brokers
//
// Brokers register themselves when their package is imported:
//
//	import _ "github.com/drblury/flotilla/transport/transports"
//
// pulls in all of them.
package flotilla
