package driven

// PromptStore provides access to generation prompt templates.
// Implementations may load prompts from files or embed them in the binary.
type PromptStore interface {
	// Load returns the prompt template for the given name.
	// If the prompt is not found, implementations should return a sensible default
	// or an error, depending on whether the prompt is required.
	Load(name string) (string, error)

	// Reload clears any cached prompts, forcing fresh loads on next access.
	Reload()
}

// Well-known prompt names.
// These constants define the contract between prompt consumers and providers.
const (
	// PromptSystem is the system instruction sent with every generation request.
	// This prompt has no format placeholders.
	PromptSystem = "system"

	// PromptAnswer answers a question from numbered sources.
	// The template expects %s (sources) then %s (question).
	PromptAnswer = "answer"

	// PromptSummary writes a literature summary.
	// The template expects %s (topic) then %s (sources).
	PromptSummary = "summary"

	// PromptHypotheses proposes research hypotheses.
	// The template expects %s (research area) then %s (sources).
	PromptHypotheses = "hypotheses"
)
