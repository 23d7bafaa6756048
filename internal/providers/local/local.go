// ABOUTME: Local credential sources for development and container deployments.
// ABOUTME: Reads API credentials from environment variables or a JSON file without cloud API dependencies.

package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jfeddern/VulnLedger/internal/types"
	"github.com/sirupsen/logrus"
)

const (
	ClientIDEnv     = "VANTA_CLIENT_ID"
	ClientSecretEnv = "VANTA_CLIENT_SECRET"
)

// EnvSource reads credentials from VANTA_CLIENT_ID and VANTA_CLIENT_SECRET
type EnvSource struct {
	lookup func(string) string
	logger *logrus.Logger
}

// NewEnvSource creates an environment credential source
func NewEnvSource(logger *logrus.Logger) *EnvSource {
	return &EnvSource{
		lookup: os.Getenv,
		logger: logger,
	}
}

// Name returns the source name
func (e *EnvSource) Name() string {
	return "env"
}

// Credentials returns the pair from the environment
func (e *EnvSource) Credentials(ctx context.Context) (types.Credentials, error) {
	creds := types.Credentials{
		ClientID:     e.lookup(ClientIDEnv),
		ClientSecret: e.lookup(ClientSecretEnv),
	}
	if !creds.Valid() {
		return types.Credentials{}, fmt.Errorf("%s and %s must both be set", ClientIDEnv, ClientSecretEnv)
	}

	e.logger.WithField("source", e.Name()).Debug("Loaded API credentials")
	return creds, nil
}

// FileSource reads credentials from a JSON file of the form {"client_id": "...", "client_secret": "..."}
type FileSource struct {
	path   string
	logger *logrus.Logger
}

// NewFileSource creates a file credential source
func NewFileSource(path string, logger *logrus.Logger) *FileSource {
	return &FileSource{
		path:   path,
		logger: logger,
	}
}

// Name returns the source name
func (f *FileSource) Name() string {
	return "file"
}

// Credentials reads and validates the credentials file
func (f *FileSource) Credentials(ctx context.Context) (types.Credentials, error) {
	logger := f.logger.WithField("operation", "read_credentials_file")

	data, err := os.ReadFile(f.path)
	if err != nil {
		return types.Credentials{}, fmt.Errorf("failed to read credentials file '%s': %w", f.path, err)
	}

	var creds types.Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return types.Credentials{}, fmt.Errorf("failed to parse credentials JSON: %w", err)
	}
	if !creds.Valid() {
		return types.Credentials{}, fmt.Errorf("credentials file '%s' must contain client_id and client_secret", f.path)
	}

	logger.WithField("path", f.path).Info("Loaded API credentials from file")
	return creds, nil
}
