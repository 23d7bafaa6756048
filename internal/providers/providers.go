// ABOUTME: Provider interfaces for API credential sources.
// ABOUTME: Lets environment, file, AWS Secrets Manager, and mock credentials be swapped behind one contract.

package providers

import (
	"context"

	"github.com/jfeddern/VulnLedger/internal/types"
)

// CredentialSource resolves the client-credentials pair used to authenticate with the remote API
type CredentialSource interface {
	Name() string
	Credentials(ctx context.Context) (types.Credentials, error)
}
