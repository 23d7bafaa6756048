// ABOUTME: Shared AWS SDK configuration for the Secrets Manager and S3 providers.
// ABOUTME: Loads default credentials and optionally assumes the role named by AWS_IAM_ASSUME_ROLE_ARN.

package aws

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/sirupsen/logrus"
)

const AssumeRoleEnv = "AWS_IAM_ASSUME_ROLE_ARN"

// LoadConfig loads the default AWS config for region. An empty region defers
// to the SDK's own resolution.
func LoadConfig(ctx context.Context, region string, logger *logrus.Logger) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if assumeRoleARN := os.Getenv(AssumeRoleEnv); assumeRoleARN != "" {
		logger.WithField("role_arn", assumeRoleARN).Info("Assuming role from AWS_IAM_ASSUME_ROLE_ARN environment variable")

		stsClient := sts.NewFromConfig(cfg.Copy())
		cfg.Credentials = aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(stsClient, assumeRoleARN))
	}

	return cfg, nil
}
