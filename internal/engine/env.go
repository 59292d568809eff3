package engine

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"

	"github.com/modernalchemist/magic/internal/runtime"
)

// agentEnvironment assembles the environment for a freshly created agent
// container: a base set pointing it at its qdrant sidecar, an optional
// auth token from the external gateway auth service, and the contents of
// the required agent secrets file. Secrets-file values override the base
// set on key collision.
func (e *Engine) agentEnvironment(ctx context.Context, sandboxID string) (map[string]string, error) {
	env := map[string]string{
		"QDRANT_BASE_URI": fmt.Sprintf("http://%s%s:%d", runtime.QdrantNamePrefix, sandboxID, e.cfg.QdrantPort),
		"SANDBOX_ID":      sandboxID,
		"APP_ENV":         e.cfg.AppEnv,
	}

	token, err := e.fetchAuthToken(ctx)
	if err != nil {
		return nil, err
	}
	if token != "" {
		env["MAGIC_AUTHORIZATION"] = token
	}

	// File presence was verified at startup; a read failure here means it
	// disappeared (or became unreadable) since.
	fileVars, err := godotenv.Read(e.cfg.AgentEnvFile)
	if err != nil {
		return nil, opError(fmt.Sprintf("reading agent env file %s", e.cfg.AgentEnvFile), err)
	}
	if len(fileVars) == 0 {
		e.logger.Warn("agent env file contains no variables", "path", e.cfg.AgentEnvFile)
	}
	for k, v := range fileVars {
		env[k] = v
	}

	return env, nil
}

// fetchAuthToken returns "" when no auth service is configured. A
// configured base URL without an API key is a hard failure, not a skip.
func (e *Engine) fetchAuthToken(ctx context.Context) (string, error) {
	if e.cfg.AuthServiceURL == "" {
		e.logger.Debug("auth service not configured, skipping token fetch")
		return "", nil
	}
	if e.cfg.AuthServiceAPIKey == "" {
		return "", opErrorf("auth service %s is configured but MAGIC_GATEWAY_API_KEY is not set", e.cfg.AuthServiceURL)
	}

	token, err := e.auth.FetchToken(ctx)
	if err != nil {
		return "", opError("fetching auth token", err)
	}
	return token, nil
}

// agentBinds returns the host mounts for a new agent container: the
// optional external config file, mounted read-write at the path the agent
// expects.
func (e *Engine) agentBinds() []string {
	if e.cfg.AgentConfigFile == "" {
		return nil
	}
	return []string{e.cfg.AgentConfigFile + ":/app/config/config.yaml:rw"}
}
