package drafting

import "context"

// ModelGateway is the capability boundary around the local model runtime. It
// accepts an assembled prompt and returns a completion. Implementations own
// max-token and timeout policy and must honor ctx cancellation; the rest of
// the pipeline stays deterministic and testable against a stub.
type ModelGateway interface {
	Complete(ctx context.Context, prompt Prompt) (string, error)
}
