package aws

import (
	"github.com/rs/zerolog"

	"github.com/opentundra/opentundra/pkg/engine"
)

// Register adds every AWS provider to the registry using the shared client
// bundle.
func Register(registry *engine.Registry, clients *Clients, log zerolog.Logger) error {
	providers := []engine.Provider{
		NewVPCProvider(clients.EC2, log),
		NewSecurityGroupProvider(clients.EC2, log),
		NewEKSClusterProvider(clients.EKS, clients.IAM, log),
		NewNodeGroupProvider(clients.EKS, log),
		NewECRRepositoryProvider(clients.ECR, log),
		NewS3BucketProvider(clients.S3, clients.Region, log),
		NewSSMParameterProvider(clients.SSM, log),
		NewACMCertificateProvider(clients.ACM, log),
		NewIAMRoleProvider(clients.IAM, log),
	}
	for _, p := range providers {
		if err := registry.Register(p); err != nil {
			return err
		}
	}
	return nil
}
