// Package transports imports all built-in brokers for auto-registration.
// Import this package to have all brokers registered with the default registry.
package transports

import (
	// Import all brokers for side-effect registration
	_ "github.com/drblury/flotilla/transport/aws"
	_ "github.com/drblury/flotilla/transport/channel"
	_ "github.com/drblury/flotilla/transport/jetstream"
	_ "github.com/drblury/flotilla/transport/kafka"
	_ "github.com/drblury/flotilla/transport/nats"
	_ "github.com/drblury/flotilla/transport/postgres"
	_ "github.com/drblury/flotilla/transport/rabbitmq"
	_ "github.com/drblury/flotilla/transport/sqlite"
)
