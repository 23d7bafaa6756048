// ABOUTME: Factory for creating credential sources and snapshot archivers.
// ABOUTME: Centralizes provider instantiation and configuration logic.

package providers

import (
	"context"
	"fmt"
	"os"

	"github.com/jfeddern/VulnLedger/internal/engine"
	"github.com/jfeddern/VulnLedger/internal/providers/aws"
	"github.com/jfeddern/VulnLedger/internal/providers/local"
	"github.com/jfeddern/VulnLedger/internal/providers/mock"
	"github.com/sirupsen/logrus"
)

const (
	SourceAuto = ""
	SourceEnv  = "env"
	SourceFile = "file"
	SourceAWS  = "aws"
)

// ProviderConfig holds configuration for creating providers
type ProviderConfig struct {
	CredentialsSource string
	CredentialsFile   string
	SecretName        string
	AWSRegion         string
	ArchiveBucket     string
	MockMode          bool // Use the fake API's credentials and skip archiving
}

// CreateCredentialSource creates a credential source based on configuration.
// With no explicit source the environment is used when both variables are set,
// otherwise Secrets Manager.
func CreateCredentialSource(ctx context.Context, config *ProviderConfig, logger *logrus.Logger) (CredentialSource, error) {
	if config.MockMode {
		logger.Info("Using mock credential source for testing")
		return mock.NewCredentialSource(logger), nil
	}

	source := config.CredentialsSource
	if source == SourceAuto {
		source = SourceAWS
		if os.Getenv(local.ClientIDEnv) != "" && os.Getenv(local.ClientSecretEnv) != "" {
			source = SourceEnv
		}
	}

	switch source {
	case SourceEnv:
		return local.NewEnvSource(logger), nil
	case SourceFile:
		if config.CredentialsFile == "" {
			return nil, fmt.Errorf("credentials file is required for source %q", SourceFile)
		}
		return local.NewFileSource(config.CredentialsFile, logger), nil
	case SourceAWS:
		return aws.NewSecretsManagerSource(ctx, config.SecretName, config.AWSRegion, logger)
	default:
		return nil, fmt.Errorf("unsupported credentials source: %s", source)
	}
}

// CreateArchiver creates the snapshot archiver, or returns nil when no bucket is configured
func CreateArchiver(ctx context.Context, config *ProviderConfig, logger *logrus.Logger) (engine.Archiver, error) {
	if config.MockMode || config.ArchiveBucket == "" {
		return nil, nil
	}

	archiver, err := aws.NewS3Archiver(ctx, config.ArchiveBucket, config.AWSRegion, logger)
	if err != nil {
		return nil, err
	}
	return archiver, nil
}
