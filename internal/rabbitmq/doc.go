// Package rabbitmq wraps amqp091-go for the gofer transport.
//
// This package includes:
//   - Dial: opens a connection with a context-bound timeout
//   - Connection: hands out channels and watches for broker-side closes
//   - Publisher: publishes with optional publisher confirms
//   - Consumer: pulls deliveries with a fetch timeout
//   - Topology: maps queue and topic nodes to exchanges, queues and bindings
package rabbitmq
