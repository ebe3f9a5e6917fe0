// Package driven defines the interfaces that core calls OUT to infrastructure.
//
// These are the "driven" or "secondary" ports in hexagonal architecture.
// Core services depend on these interfaces, and infrastructure adapters
// implement them.
//
// # Required Interfaces
//
//   - Embedder: Converts text to vectors
//   - VectorIndex: Vector storage and exact similarity search
//   - MetadataStore: Document, chunk and raw text persistence
//   - IntentLog: Write-ahead log for cross-store transactions
//   - ConfigStore: Application configuration
//
// # Optional Interfaces
//
// These can be nil - the application degrades gracefully:
//
//   - Generator: Answer generation. Without it, ask fails with ErrGenerationUnavailable.
//   - SourceFetcher: Resolves document references. Without it, only inline text can be ingested.
//   - PromptStore: User-editable prompts. Without it, built-in templates are used.
//
// # Import Rules
//
//   - Can Import: domain package only
//   - Cannot Import: Any adapter or service package
package driven
