package pipeline

import "github.com/fortemi/fortemi/internal/job"

// RegisterAll registers every enrichment handler in this package under its
// job type in reg, wiring the job queue's dispatch table to the domain
// logic above in one call (used by internal/app's startup wiring).
func RegisterAll(reg *job.Registry, deps Deps) {
	deps = deps.withDefaults()
	reg.Register(TypeAIRevision, NewRevisionHandler(deps))
	reg.Register(TypeTitleGeneration, NewTitleHandler(deps))
	reg.Register(TypeEmbedding, NewEmbeddingHandler(deps))
	reg.Register(TypeLinking, NewLinkingHandler(deps))
	reg.Register(TypeContextUpdate, NewContextHandler(deps))
}
