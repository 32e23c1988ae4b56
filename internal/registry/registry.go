// Package registry holds the closed set of Claude model identifiers the
// gateway accepts. Additions require a code change; there is no dynamic
// discovery against the CLI.
package registry

import "github.com/claude-code-gateway/gateway/internal/oai"

// allowedModels is the closed allowlist, in listing order.
var allowedModels = []string{
	"claude-sonnet-4-20250514",
	"claude-opus-4-20250514",
	"claude-3-7-sonnet-20250219",
	"claude-3-5-sonnet-20241022",
	"claude-3-5-haiku-20241022",
}

var allowedSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(allowedModels))
	for _, id := range allowedModels {
		m[id] = struct{}{}
	}
	return m
}()

// IsAllowed reports whether the model id is in the allowlist.
func IsAllowed(model string) bool {
	_, ok := allowedSet[model]
	return ok
}

// Models returns the allowlist in OpenAI listing format.
func Models() []oai.Model {
	out := make([]oai.Model, 0, len(allowedModels))
	for _, id := range allowedModels {
		out = append(out, oai.Model{ID: id, Object: "model", OwnedBy: "anthropic"})
	}
	return out
}

// ModelIDs returns the raw allowlist. The slice is a copy.
func ModelIDs() []string {
	out := make([]string, len(allowedModels))
	copy(out, allowedModels)
	return out
}
