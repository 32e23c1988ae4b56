// Package auth discovers the Claude authentication material available to the
// gateway and reports it for /v1/auth/status. The gateway itself never
// validates credentials; it only hands the relevant environment variables to
// the CLI subprocess and mirrors what it found.
package auth

import "os"

// Authentication methods, in discovery order.
const (
	MethodAPIKey     = "anthropic_api_key"
	MethodOAuthToken = "claude_code_oauth_token"
	MethodCLI        = "claude_cli"
)

// Status is the snapshot surfaced by /v1/auth/status. EnvironmentVariables
// lists the variable names in effect, never their values.
type Status struct {
	Method               string   `json:"method"`
	Status               string   `json:"status"`
	EnvironmentVariables []string `json:"environment_variables"`
}

// Provider yields the environment passed to CLI subprocesses and a status
// snapshot for introspection.
type Provider interface {
	Env() map[string]string
	Status() Status
}

// EnvProvider discovers credentials from the process environment:
// ANTHROPIC_API_KEY first, then CLAUDE_CODE_OAUTH_TOKEN, otherwise it defers
// to whatever login state the CLI manages itself.
type EnvProvider struct{}

// NewEnvProvider returns the environment-based provider.
func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

// Env returns the variables forwarded to the subprocess.
func (p *EnvProvider) Env() map[string]string {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		return map[string]string{"ANTHROPIC_API_KEY": v}
	}
	if v := os.Getenv("CLAUDE_CODE_OAUTH_TOKEN"); v != "" {
		return map[string]string{"CLAUDE_CODE_OAUTH_TOKEN": v}
	}
	return nil
}

// Status reports which method is in effect. The CLI-managed method is
// "unverified" because the gateway cannot inspect the CLI's login state
// without invoking it.
func (p *EnvProvider) Status() Status {
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return Status{
			Method:               MethodAPIKey,
			Status:               "configured",
			EnvironmentVariables: []string{"ANTHROPIC_API_KEY"},
		}
	}
	if os.Getenv("CLAUDE_CODE_OAUTH_TOKEN") != "" {
		return Status{
			Method:               MethodOAuthToken,
			Status:               "configured",
			EnvironmentVariables: []string{"CLAUDE_CODE_OAUTH_TOKEN"},
		}
	}
	return Status{
		Method:               MethodCLI,
		Status:               "unverified",
		EnvironmentVariables: []string{},
	}
}
