package aws

import (
	"context"
	"encoding/json"
	"time"

	awssdk "github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/eks"
	"github.com/aws/aws-sdk-go/service/iam"
	"github.com/rs/zerolog"

	"github.com/opentundra/opentundra/pkg/config"
	"github.com/opentundra/opentundra/pkg/engine"
)

// oidcRootThumbprint is the SHA-1 thumbprint of the root CA behind the
// EKS OIDC endpoints.
const oidcRootThumbprint = "9e99a48a9960b14926bb7f3b02e22da2b0ab7280"

// EKSClusterProvider manages an EKS control plane. Creation waits for the
// cluster to reach ACTIVE before exporting the endpoint and the OIDC
// issuer used for IRSA role trust policies. With irsa enabled the issuer
// is also registered as an IAM OIDC identity provider.
type EKSClusterProvider struct {
	eks EKSAPI
	iam IAMAPI
	log zerolog.Logger
}

type eksClusterState struct {
	Name            string   `json:"name"`
	ARN             string   `json:"arn,omitempty"`
	Version         string   `json:"version"`
	Endpoint        string   `json:"endpoint,omitempty"`
	CAData          string   `json:"ca_data,omitempty"`
	OIDCIssuer      string   `json:"oidc_issuer,omitempty"`
	OIDCProviderARN string   `json:"oidc_provider_arn,omitempty"`
	RoleARN         string   `json:"role_arn"`
	SubnetIDs       []string `json:"subnet_ids"`
	EnabledLogTypes []string `json:"enabled_log_types,omitempty"`
	Status          string   `json:"status,omitempty"`
}

// NewEKSClusterProvider creates the provider.
func NewEKSClusterProvider(eksClient EKSAPI, iamClient IAMAPI, log zerolog.Logger) *EKSClusterProvider {
	return &EKSClusterProvider{
		eks: eksClient,
		iam: iamClient,
		log: log.With().Str("provider", "aws.eks_cluster").Logger(),
	}
}

func (p *EKSClusterProvider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Name:           "aws.eks_cluster",
		Version:        "1.0.0",
		Description:    "EKS control plane with logging and OIDC issuer export",
		DefaultTimeout: 30 * time.Minute,
	}
}

func (p *EKSClusterProvider) Validate(ctx context.Context, cfg json.RawMessage) error {
	var c config.EKSClusterConfig
	if err := decode(cfg, &c); err != nil {
		return err
	}
	if c.Name == "" || c.Version == "" || c.RoleARN == "" {
		return engine.NewPermanentError("cluster name, version and role_arn are required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if len(c.SubnetIDs) < 2 {
		return engine.NewPermanentError("an EKS cluster needs subnets in at least two availability zones", nil).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

func (p *EKSClusterProvider) Read(ctx context.Context, req engine.ReadRequest) (*engine.ReadResponse, error) {
	name := clusterNameFrom(req.Config, req.State)
	if name == "" {
		return &engine.ReadResponse{Exists: false}, nil
	}

	out, err := p.eks.DescribeClusterWithContext(ctx, &eks.DescribeClusterInput{
		Name: awssdk.String(name),
	})
	if err != nil {
		if isNotFound(err) {
			return &engine.ReadResponse{Exists: false}, nil
		}
		return nil, wrapError("describe cluster", err)
	}

	state := stateFromCluster(out.Cluster)
	doc, encErr := marshalState(state)
	if encErr != nil {
		return nil, encErr
	}
	return &engine.ReadResponse{Exists: true, State: doc}, nil
}

func (p *EKSClusterProvider) Plan(ctx context.Context, req engine.PlanRequest) (*engine.PlanResponse, error) {
	// Name, role and subnets cannot change on a live control plane.
	return planFromDiff(&req, "name", "role_arn", "subnet_ids")
}

func (p *EKSClusterProvider) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResponse, error) {
	var cfg config.EKSClusterConfig
	if err := decode(req.DesiredState, &cfg); err != nil {
		return nil, err
	}

	var prior eksClusterState
	if len(req.ActualState) > 0 {
		if err := decode(req.ActualState, &prior); err != nil {
			return nil, err
		}
	}

	if prior.Name == "" {
		if err := p.create(ctx, &cfg); err != nil {
			return nil, err
		}
	} else {
		if err := p.update(ctx, &cfg, &prior); err != nil {
			return nil, err
		}
	}

	state, err := p.waitActive(ctx, cfg.Name)
	if err != nil {
		return nil, err
	}

	state.OIDCProviderARN = prior.OIDCProviderARN
	if cfg.IRSA && state.OIDCProviderARN == "" {
		arn, err := p.createOIDCProvider(ctx, state.OIDCIssuer)
		if err != nil {
			return nil, err
		}
		state.OIDCProviderARN = arn
	}

	doc, encErr := marshalState(*state)
	if encErr != nil {
		return nil, encErr
	}
	return &engine.ApplyResponse{
		NewState: doc,
		Outputs: map[string]string{
			"cluster_name":      state.Name,
			"cluster_arn":       state.ARN,
			"endpoint":          state.Endpoint,
			"ca_data":           state.CAData,
			"oidc_issuer":       state.OIDCIssuer,
			"oidc_provider_arn": state.OIDCProviderARN,
			"version":           state.Version,
		},
	}, nil
}

func (p *EKSClusterProvider) Destroy(ctx context.Context, req engine.DestroyRequest) (*engine.DestroyResponse, error) {
	var state eksClusterState
	if len(req.State) == 0 {
		return &engine.DestroyResponse{Destroyed: true}, nil
	}
	if err := decode(req.State, &state); err != nil {
		return nil, err
	}
	if state.Name == "" {
		return &engine.DestroyResponse{Destroyed: true}, nil
	}

	if state.OIDCProviderARN != "" {
		if _, err := p.iam.DeleteOpenIDConnectProviderWithContext(ctx, &iam.DeleteOpenIDConnectProviderInput{
			OpenIDConnectProviderArn: awssdk.String(state.OIDCProviderARN),
		}); err != nil && !isNotFound(err) {
			return nil, wrapError("delete oidc provider", err)
		}
	}

	if _, err := p.eks.DeleteClusterWithContext(ctx, &eks.DeleteClusterInput{
		Name: awssdk.String(state.Name),
	}); err != nil {
		if isNotFound(err) {
			return &engine.DestroyResponse{Destroyed: true}, nil
		}
		return nil, wrapError("delete cluster", err)
	}

	err := waitFor(ctx, 30*time.Second, 20*time.Minute, "cluster deletion", func(ctx context.Context) (bool, error) {
		_, err := p.eks.DescribeClusterWithContext(ctx, &eks.DescribeClusterInput{
			Name: awssdk.String(state.Name),
		})
		if err != nil {
			if isNotFound(err) {
				return true, nil
			}
			return false, wrapError("describe cluster", err)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	p.log.Info().Str("cluster", state.Name).Msg("cluster destroyed")
	return &engine.DestroyResponse{Destroyed: true}, nil
}

func (p *EKSClusterProvider) create(ctx context.Context, cfg *config.EKSClusterConfig) error {
	input := &eks.CreateClusterInput{
		Name:    awssdk.String(cfg.Name),
		Version: awssdk.String(cfg.Version),
		RoleArn: awssdk.String(cfg.RoleARN),
		ResourcesVpcConfig: &eks.VpcConfigRequest{
			SubnetIds:        awssdk.StringSlice(cfg.SubnetIDs),
			SecurityGroupIds: awssdk.StringSlice(cfg.SecurityGroupIDs),
		},
		Tags: stringMapTags(cfg.Tags),
	}
	if cfg.EndpointPublicAccess != nil {
		input.ResourcesVpcConfig.EndpointPublicAccess = cfg.EndpointPublicAccess
	}
	if cfg.EndpointPrivateAccess != nil {
		input.ResourcesVpcConfig.EndpointPrivateAccess = cfg.EndpointPrivateAccess
	}
	if len(cfg.EnabledLogTypes) > 0 {
		input.Logging = clusterLogging(cfg.EnabledLogTypes)
	}

	if _, err := p.eks.CreateClusterWithContext(ctx, input); err != nil {
		return wrapError("create cluster", err)
	}
	p.log.Info().Str("cluster", cfg.Name).Str("version", cfg.Version).Msg("cluster creation started")
	return nil
}

func (p *EKSClusterProvider) update(ctx context.Context, cfg *config.EKSClusterConfig, prior *eksClusterState) error {
	if cfg.Version != prior.Version {
		if _, err := p.eks.UpdateClusterVersionWithContext(ctx, &eks.UpdateClusterVersionInput{
			Name:    awssdk.String(cfg.Name),
			Version: awssdk.String(cfg.Version),
		}); err != nil {
			return wrapError("update cluster version", err)
		}
		p.log.Info().Str("cluster", cfg.Name).
			Str("from", prior.Version).Str("to", cfg.Version).
			Msg("cluster version upgrade started")
	}

	if !stringSlicesEqual(cfg.EnabledLogTypes, prior.EnabledLogTypes) {
		if _, err := p.eks.UpdateClusterConfigWithContext(ctx, &eks.UpdateClusterConfigInput{
			Name:    awssdk.String(cfg.Name),
			Logging: clusterLogging(cfg.EnabledLogTypes),
		}); err != nil {
			return wrapError("update cluster logging", err)
		}
	}
	return nil
}

// createOIDCProvider registers the cluster's OIDC issuer with IAM so
// service accounts can assume roles through web identity federation.
func (p *EKSClusterProvider) createOIDCProvider(ctx context.Context, issuer string) (string, error) {
	if issuer == "" {
		return "", engine.NewPermanentError("cluster reported no OIDC issuer", nil).
			WithCode(engine.ErrCodeProviderFailed)
	}
	out, err := p.iam.CreateOpenIDConnectProviderWithContext(ctx, &iam.CreateOpenIDConnectProviderInput{
		Url:            awssdk.String(issuer),
		ClientIDList:   []*string{awssdk.String("sts.amazonaws.com")},
		ThumbprintList: []*string{awssdk.String(oidcRootThumbprint)},
	})
	if err != nil {
		return "", wrapError("create oidc provider", err)
	}
	arn := awssdk.StringValue(out.OpenIDConnectProviderArn)
	p.log.Info().Str("issuer", issuer).Str("arn", arn).Msg("oidc provider created")
	return arn, nil
}

// waitActive polls until the control plane reaches ACTIVE and returns the
// final state.
func (p *EKSClusterProvider) waitActive(ctx context.Context, name string) (*eksClusterState, error) {
	var state *eksClusterState
	err := waitFor(ctx, 30*time.Second, 25*time.Minute, "cluster "+name, func(ctx context.Context) (bool, error) {
		out, err := p.eks.DescribeClusterWithContext(ctx, &eks.DescribeClusterInput{
			Name: awssdk.String(name),
		})
		if err != nil {
			return false, wrapError("describe cluster", err)
		}
		switch awssdk.StringValue(out.Cluster.Status) {
		case eks.ClusterStatusActive:
			s := stateFromCluster(out.Cluster)
			state = &s
			return true, nil
		case eks.ClusterStatusFailed:
			return false, engine.NewPermanentError("cluster entered FAILED state", nil).
				WithCode(engine.ErrCodeProviderFailed)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func stateFromCluster(c *eks.Cluster) eksClusterState {
	state := eksClusterState{
		Name:    awssdk.StringValue(c.Name),
		ARN:     awssdk.StringValue(c.Arn),
		Version: awssdk.StringValue(c.Version),
		RoleARN: awssdk.StringValue(c.RoleArn),
		Status:  awssdk.StringValue(c.Status),
	}
	if c.Endpoint != nil {
		state.Endpoint = awssdk.StringValue(c.Endpoint)
	}
	if c.CertificateAuthority != nil {
		state.CAData = awssdk.StringValue(c.CertificateAuthority.Data)
	}
	if c.Identity != nil && c.Identity.Oidc != nil {
		state.OIDCIssuer = awssdk.StringValue(c.Identity.Oidc.Issuer)
	}
	if c.ResourcesVpcConfig != nil {
		state.SubnetIDs = awssdk.StringValueSlice(c.ResourcesVpcConfig.SubnetIds)
	}
	if c.Logging != nil {
		for _, setup := range c.Logging.ClusterLogging {
			if awssdk.BoolValue(setup.Enabled) {
				state.EnabledLogTypes = append(state.EnabledLogTypes, awssdk.StringValueSlice(setup.Types)...)
			}
		}
	}
	return state
}

func clusterLogging(types []string) *eks.Logging {
	return &eks.Logging{
		ClusterLogging: []*eks.LogSetup{{
			Enabled: awssdk.Bool(true),
			Types:   awssdk.StringSlice(types),
		}},
	}
}

// clusterNameFrom finds the cluster name in the desired config or the
// stored state, preferring state.
func clusterNameFrom(cfg, state json.RawMessage) string {
	var s eksClusterState
	if len(state) > 0 && json.Unmarshal(state, &s) == nil && s.Name != "" {
		return s.Name
	}
	var c config.EKSClusterConfig
	if len(cfg) > 0 && json.Unmarshal(cfg, &c) == nil {
		return c.Name
	}
	return ""
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
