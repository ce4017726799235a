/*
Package runtime hosts the Service: registration, the consumer loop, the
scheduler, the HTTP server and the shutdown sequence.

# Lifecycle

NewService validates the configuration and resolves the envelope. Start
connects the broker, binds one queue per subscription (subscriptions naming
the same queue share a consumer), starts the scheduler and the HTTP server,
then runs OnStarted hooks. Stop, or cancelling the Start context, drains:

 1. consumers stop polling and drain sentinels wake long polls,
 2. in-flight handlers get Drain.Timeout to finish,
 3. the scheduler and HTTP server stop and the broker closes.

# Message handling

Each delivery is parsed by the subscription envelope, checked against the
dedup ledger and passed through the composed chain:

	base middlewares -> Use middlewares -> subscription middlewares -> handler

The outcome settles the delivery. handled, failed, duplicate and discarded
delete it; retried and left release it.

# Sub-packages

  - chain: middleware composition and kwargs passing
  - config: Config, validation and the viper loader
  - crontab, schedule: schedule parsing and the job loop
  - dedup: per-handler delivery ledger
  - envelope: json, proto and cloudevents wire formats
  - errors: sentinels, registration and retry errors
  - httpapi: chi router and JSON responses
  - ids, jsoncodec, naming, logging: shared helpers
*/
package runtime
