// Package services implements the driving port interfaces.
// Services contain the core business logic and orchestrate
// calls to driven ports (adapters).
//
// Engine is the knowledge base: it ingests documents atomically across the
// metadata store and vector index, retrieves and assembles context, and asks
// the generator for answers, summaries and hypotheses.
//
// Services are pure Go and depend only on ports, never on adapters.
package services
