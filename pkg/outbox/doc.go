// Package outbox defines the domain types shared by the delivery core and
// every store/bus adapter: the message and cursor records the producer and
// the relay agree on, and the small time abstraction used to keep the
// Delivered timestamp testable.
package outbox
