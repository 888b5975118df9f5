// Package delivery implements the store- and bus-agnostic outbox relay:
// the polling dispatcher, the per-OutboxID delivery worker, the pure
// delivery-pass algorithm, and the interfaces adapters in pkg/store and
// pkg/bus implement to plug in a concrete database and message bus.
package delivery
