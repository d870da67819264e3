// Package domain holds the core entities and ports of pouchpulse: the
// Session record, the Ledger the sessions live in, the change feed that
// links devices together, and the outward-facing effect ports (display,
// notifications). It has no dependencies on adapters.
package domain
