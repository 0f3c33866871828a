// Package config parses stack configuration: CUE for declarative resource
// definitions, Starlark for procedural snippets, and struct-tag validation
// that runs before any cloud API call.
package config

import (
	"encoding/json"
	"time"

	"github.com/opentundra/opentundra/pkg/engine"
)

// StackMeta is the top-level `stack` block of a configuration.
type StackMeta struct {
	// Name identifies the stack; it prefixes cloud resource names.
	Name string `json:"name" validate:"required"`

	// Region is the AWS region the stack deploys into.
	Region string `json:"region" validate:"required"`

	// Environment tags resources (dev, staging, prod).
	Environment string `json:"environment,omitempty"`
}

// ResourceConfig is one declared resource.
type ResourceConfig struct {
	// ID uniquely identifies the resource within the stack and is the
	// target of ${id.output} references.
	ID string `json:"id" validate:"required"`

	// Type selects the provider (e.g. "aws.vpc", "k8s.helm_release").
	Type string `json:"type" validate:"required"`

	// Name is the human-readable name.
	Name string `json:"name" validate:"required"`

	// Config is the resource-specific configuration payload.
	Config json.RawMessage `json:"config" validate:"required"`

	Labels map[string]string `json:"labels,omitempty"`

	// DependsOn lists explicit dependencies by resource ID; implicit
	// dependencies come from ${id.output} references in Config.
	DependsOn []string `json:"depends_on,omitempty"`
}

// ValidationError is a single configuration problem with its source
// position when known.
type ValidationError struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// ParsedConfig is the outcome of parsing one or more configuration sources.
type ParsedConfig struct {
	Stack       StackMeta              `json:"stack"`
	Resources   []ResourceConfig       `json:"resources"`
	Variables   map[string]interface{} `json:"variables,omitempty"`
	SourceFiles []string               `json:"source_files"`
	ParsedAt    time.Time              `json:"parsed_at"`
	Errors      []ValidationError      `json:"errors,omitempty"`
}

// ToStackConfig converts a parsed configuration into the engine's form.
func (p *ParsedConfig) ToStackConfig() *engine.StackConfig {
	cfg := &engine.StackConfig{
		Name:        p.Stack.Name,
		Region:      p.Stack.Region,
		Environment: p.Stack.Environment,
		ParsedAt:    p.ParsedAt,
		Resources:   make([]engine.Resource, 0, len(p.Resources)),
		Variables:   p.Variables,
	}
	if len(p.SourceFiles) > 0 {
		cfg.Source = p.SourceFiles[0]
	}
	for _, rc := range p.Resources {
		cfg.Resources = append(cfg.Resources, engine.Resource{
			ID:        rc.ID,
			Type:      rc.Type,
			Name:      rc.Name,
			Config:    rc.Config,
			Labels:    rc.Labels,
			DependsOn: rc.DependsOn,
		})
	}
	return cfg
}

// Typed config payloads for the AWS resource types. The CUE layer keeps
// them as raw JSON; the validator decodes into these structs to enforce
// the built-in assertions.

// VPCConfig configures an aws.vpc resource.
type VPCConfig struct {
	// Create controls whether the network is provisioned or adopted.
	// Defaults to true when absent.
	Create *bool `json:"create,omitempty"`

	CIDRBlock string `json:"cidr_block,omitempty" validate:"omitempty,cidrv4"`

	AvailabilityZones  []string `json:"availability_zones,omitempty"`
	PrivateSubnetCIDRs []string `json:"private_subnet_cidrs,omitempty" validate:"omitempty,dive,cidrv4"`
	PublicSubnetCIDRs  []string `json:"public_subnet_cidrs,omitempty" validate:"omitempty,dive,cidrv4"`

	// SingleNATGateway provisions one NAT gateway instead of one per AZ.
	SingleNATGateway bool `json:"single_nat_gateway,omitempty"`

	EnableDNSSupport   *bool `json:"enable_dns_support,omitempty"`
	EnableDNSHostnames *bool `json:"enable_dns_hostnames,omitempty"`

	// ExistingIDs adopts an existing network when Create is false.
	ExistingIDs *ExistingNetworkIDs `json:"existing_ids,omitempty"`

	Tags map[string]string `json:"tags,omitempty"`
}

// ExistingNetworkIDs identifies a pre-existing network to adopt.
type ExistingNetworkIDs struct {
	VPCID            string   `json:"vpc_id" validate:"required"`
	PrivateSubnetIDs []string `json:"private_subnet_ids,omitempty"`
	PublicSubnetIDs  []string `json:"public_subnet_ids,omitempty"`
}

// ShouldCreate reports whether the network is to be provisioned.
func (c *VPCConfig) ShouldCreate() bool {
	return c.Create == nil || *c.Create
}

// SecurityGroupConfig configures an aws.security_group resource.
type SecurityGroupConfig struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description" validate:"required"`
	VPCID       string `json:"vpc_id" validate:"required"`

	Ingress []SecurityGroupRule `json:"ingress,omitempty" validate:"dive"`
	Egress  []SecurityGroupRule `json:"egress,omitempty" validate:"dive"`

	Tags map[string]string `json:"tags,omitempty"`
}

// SecurityGroupRule is one ingress or egress rule.
type SecurityGroupRule struct {
	Description string   `json:"description" validate:"required"`
	Protocol    string   `json:"protocol" validate:"required"`
	FromPort    int      `json:"from_port" validate:"gte=-1,lte=65535"`
	ToPort      int      `json:"to_port" validate:"gte=-1,lte=65535"`
	CIDRBlocks  []string `json:"cidr_blocks,omitempty" validate:"omitempty,dive,cidrv4"`

	// SourceSecurityGroupID allows group-to-group rules.
	SourceSecurityGroupID string `json:"source_security_group_id,omitempty"`
}

// EKSClusterConfig configures an aws.eks_cluster resource.
type EKSClusterConfig struct {
	Name    string `json:"name" validate:"required"`
	Version string `json:"version" validate:"required"`

	RoleARN   string   `json:"role_arn" validate:"required"`
	SubnetIDs []string `json:"subnet_ids" validate:"required,min=2"`

	SecurityGroupIDs      []string `json:"security_group_ids,omitempty"`
	EndpointPublicAccess  *bool    `json:"endpoint_public_access,omitempty"`
	EndpointPrivateAccess *bool    `json:"endpoint_private_access,omitempty"`

	// EnabledLogTypes selects control plane log streams
	// (api, audit, authenticator, controllerManager, scheduler).
	EnabledLogTypes []string `json:"enabled_log_types,omitempty" validate:"omitempty,dive,oneof=api audit authenticator controllerManager scheduler"`

	// IRSA enables the OIDC identity provider for service account roles.
	IRSA bool `json:"irsa,omitempty"`

	Tags map[string]string `json:"tags,omitempty"`
}

// NodeGroupConfig configures an aws.node_group resource.
type NodeGroupConfig struct {
	Name        string `json:"name" validate:"required"`
	ClusterName string `json:"cluster_name" validate:"required"`
	RoleARN     string `json:"role_arn" validate:"required"`

	SubnetIDs     []string `json:"subnet_ids" validate:"required,min=1"`
	InstanceTypes []string `json:"instance_types" validate:"required,min=1,dive,required"`

	// CapacityType must be one of the two EC2 purchase models.
	CapacityType string `json:"capacity_type" validate:"required,oneof=ON_DEMAND SPOT"`

	// DiskType must be one of the four supported EBS volume types.
	DiskType string `json:"disk_type,omitempty" validate:"omitempty,oneof=gp2 gp3 io1 io2"`
	DiskSize int    `json:"disk_size,omitempty" validate:"omitempty,gte=20,lte=16384"`

	Scaling NodeGroupScaling `json:"scaling"`

	Labels map[string]string `json:"labels,omitempty"`
	Taints []NodeTaint       `json:"taints,omitempty" validate:"dive"`
	Tags   map[string]string `json:"tags,omitempty"`
}

// NodeGroupScaling bounds the autoscaling group.
type NodeGroupScaling struct {
	MinSize     int `json:"min_size" validate:"gte=0"`
	MaxSize     int `json:"max_size" validate:"required,gtefield=MinSize"`
	DesiredSize int `json:"desired_size" validate:"gtefield=MinSize,ltefield=MaxSize"`
}

// NodeTaint is a Kubernetes taint applied to nodes at registration.
type NodeTaint struct {
	Key    string `json:"key" validate:"required"`
	Value  string `json:"value,omitempty"`
	Effect string `json:"effect" validate:"required,oneof=NO_SCHEDULE NO_EXECUTE PREFER_NO_SCHEDULE"`
}

// ECRRepositoryConfig configures an aws.ecr_repository resource.
type ECRRepositoryConfig struct {
	Name string `json:"name" validate:"required"`

	ImageTagMutability string `json:"image_tag_mutability,omitempty" validate:"omitempty,oneof=MUTABLE IMMUTABLE"`
	ScanOnPush         bool   `json:"scan_on_push,omitempty"`

	// ExpireUntaggedAfterDays adds a lifecycle policy when positive.
	ExpireUntaggedAfterDays int `json:"expire_untagged_after_days,omitempty" validate:"gte=0"`

	Tags map[string]string `json:"tags,omitempty"`
}

// S3BucketConfig configures an aws.s3_bucket resource.
type S3BucketConfig struct {
	Bucket string `json:"bucket" validate:"required"`

	Versioning       bool `json:"versioning,omitempty"`
	BlockPublic      bool `json:"block_public,omitempty"`
	ForceDestroy     bool `json:"force_destroy,omitempty"`
	EncryptWithSSES3 bool `json:"encrypt_sse_s3,omitempty"`

	// StorageClass transitions objects to a cheaper tier via a lifecycle
	// rule. STANDARD (the default) adds no rule.
	StorageClass string `json:"storage_class,omitempty" validate:"omitempty,oneof=STANDARD STANDARD_IA ONEZONE_IA GLACIER"`

	Tags map[string]string `json:"tags,omitempty"`
}

// SSMParameterConfig configures an aws.ssm_parameter resource.
type SSMParameterConfig struct {
	Name  string `json:"name" validate:"required"`
	Type  string `json:"type" validate:"required,oneof=String StringList SecureString"`
	Value string `json:"value" validate:"required"`

	Tags map[string]string `json:"tags,omitempty"`
}

// ACMCertificateConfig configures an aws.acm_certificate resource.
type ACMCertificateConfig struct {
	DomainName              string   `json:"domain_name" validate:"required,fqdn"`
	SubjectAlternativeNames []string `json:"subject_alternative_names,omitempty" validate:"omitempty,dive,required"`

	// ValidationMethod is DNS or EMAIL; DNS is the automatable path.
	ValidationMethod string `json:"validation_method,omitempty" validate:"omitempty,oneof=DNS EMAIL"`

	Tags map[string]string `json:"tags,omitempty"`
}

// IAMRoleConfig configures an aws.iam_role resource.
type IAMRoleConfig struct {
	Name string `json:"name" validate:"required"`

	// AssumeRolePolicy is the trust policy document. Mutually exclusive
	// with IRSA, which derives the trust policy from the cluster OIDC
	// provider.
	AssumeRolePolicy json.RawMessage `json:"assume_role_policy,omitempty"`

	// IRSA builds a web-identity trust policy for a service account.
	IRSA *IRSABinding `json:"irsa,omitempty"`

	ManagedPolicyARNs []string          `json:"managed_policy_arns,omitempty"`
	InlinePolicies    map[string]json.RawMessage `json:"inline_policies,omitempty"`

	Tags map[string]string `json:"tags,omitempty"`
}

// IRSABinding ties an IAM role to a Kubernetes service account through the
// cluster's OIDC provider.
type IRSABinding struct {
	OIDCProviderARN string `json:"oidc_provider_arn" validate:"required"`
	OIDCProviderURL string `json:"oidc_provider_url" validate:"required"`
	Namespace       string `json:"namespace" validate:"required"`
	ServiceAccount  string `json:"service_account" validate:"required"`
}

// HelmReleaseConfig configures a k8s.helm_release resource.
type HelmReleaseConfig struct {
	Name      string `json:"name" validate:"required"`
	Namespace string `json:"namespace" validate:"required"`

	Chart      string `json:"chart" validate:"required"`
	Repository string `json:"repository,omitempty"`
	Version    string `json:"version,omitempty"`

	// ClusterName selects the EKS cluster the release installs into.
	ClusterName string `json:"cluster_name" validate:"required"`

	Values          map[string]interface{} `json:"values,omitempty"`
	CreateNamespace bool                   `json:"create_namespace,omitempty"`
	Wait            bool                   `json:"wait,omitempty"`
	TimeoutSeconds  int                    `json:"timeout_seconds,omitempty" validate:"gte=0"`
}
