// ABOUTME: AWS Secrets Manager credential source for the remote API.
// ABOUTME: Reads a JSON secret of client_id and client_secret, retrying transient failures.

package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/jfeddern/VulnLedger/internal/retry"
	"github.com/jfeddern/VulnLedger/internal/types"
	"github.com/sirupsen/logrus"
)

const DefaultSecretName = "vanta-api-credentials"

// SecretsManagerAPI is the subset of the Secrets Manager client used here
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerSource implements CredentialSource for AWS Secrets Manager.
// The secret is fetched once and reused.
type SecretsManagerSource struct {
	client     SecretsManagerAPI
	secretName string
	policy     retry.Policy
	logger     *logrus.Logger

	mu     sync.Mutex
	cached *types.Credentials
}

// NewSecretsManagerSource creates a source backed by a Secrets Manager client built from the default AWS config
func NewSecretsManagerSource(ctx context.Context, secretName, region string, logger *logrus.Logger) (*SecretsManagerSource, error) {
	cfg, err := LoadConfig(ctx, region, logger)
	if err != nil {
		return nil, err
	}
	return NewSecretsManagerSourceWithClient(secretsmanager.NewFromConfig(cfg), secretName, logger), nil
}

// NewSecretsManagerSourceWithClient creates a source around an existing client
func NewSecretsManagerSourceWithClient(client SecretsManagerAPI, secretName string, logger *logrus.Logger) *SecretsManagerSource {
	if secretName == "" {
		secretName = DefaultSecretName
	}

	policy := retry.DefaultPolicy()
	policy.MaxRetries = 3
	policy.BaseDelay = time.Second
	policy.Retryable = isTransient
	policy.Logger = logger

	return &SecretsManagerSource{
		client:     client,
		secretName: secretName,
		policy:     policy,
		logger:     logger,
	}
}

// Name returns the source name
func (s *SecretsManagerSource) Name() string {
	return "aws-secretsmanager"
}

// Credentials returns the secret's credential pair
func (s *SecretsManagerSource) Credentials(ctx context.Context) (types.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil {
		return *s.cached, nil
	}

	logger := s.logger.WithField("secret_name", s.secretName)
	logger.Info("Fetching credentials from Secrets Manager")

	output, err := retry.Do(ctx, s.policy, func(ctx context.Context) (*secretsmanager.GetSecretValueOutput, error) {
		return s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
			SecretId: aws.String(s.secretName),
		})
	})
	if err != nil {
		logger.WithError(err).Error("Failed to get secret value")
		return types.Credentials{}, fmt.Errorf("failed to get secret %s: %w", s.secretName, err)
	}

	if output.SecretString == nil {
		return types.Credentials{}, fmt.Errorf("secret %s has no string value", s.secretName)
	}

	var creds types.Credentials
	if err := json.Unmarshal([]byte(aws.ToString(output.SecretString)), &creds); err != nil {
		return types.Credentials{}, fmt.Errorf("failed to parse secret %s: %w", s.secretName, err)
	}
	if !creds.Valid() {
		return types.Credentials{}, fmt.Errorf("secret %s must contain client_id and client_secret", s.secretName)
	}

	s.cached = &creds
	return creds, nil
}

// isTransient rejects errors that another attempt cannot fix
func isTransient(err error) bool {
	var notFound *smtypes.ResourceNotFoundException
	var invalid *smtypes.InvalidParameterException
	return !errors.As(err, &notFound) && !errors.As(err, &invalid)
}
