package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	awssdk "github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/iam"
	"github.com/rs/zerolog"

	"github.com/opentundra/opentundra/pkg/config"
	"github.com/opentundra/opentundra/pkg/engine"
)

// IAMRoleProvider manages an IAM role with managed policy attachments and
// inline policies. An IRSA binding generates the web identity trust policy
// from the cluster's OIDC provider.
type IAMRoleProvider struct {
	iam IAMAPI
	log zerolog.Logger
}

type iamRoleState struct {
	Name              string          `json:"name"`
	ARN               string          `json:"arn,omitempty"`
	AssumeRolePolicy  json.RawMessage `json:"assume_role_policy,omitempty"`
	ManagedPolicyARNs []string        `json:"managed_policy_arns,omitempty"`
	InlinePolicyNames []string        `json:"inline_policy_names,omitempty"`
}

// NewIAMRoleProvider creates the provider.
func NewIAMRoleProvider(iamClient IAMAPI, log zerolog.Logger) *IAMRoleProvider {
	return &IAMRoleProvider{iam: iamClient, log: log.With().Str("provider", "aws.iam_role").Logger()}
}

func (p *IAMRoleProvider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Name:           "aws.iam_role",
		Version:        "1.0.0",
		Description:    "IAM role with managed and inline policies, IRSA aware",
		DefaultTimeout: 5 * time.Minute,
	}
}

func (p *IAMRoleProvider) Validate(ctx context.Context, cfg json.RawMessage) error {
	var c config.IAMRoleConfig
	if err := decode(cfg, &c); err != nil {
		return err
	}
	if c.Name == "" {
		return engine.NewPermanentError("role name is required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if len(c.AssumeRolePolicy) == 0 && c.IRSA == nil {
		return engine.NewPermanentError("either assume_role_policy or irsa must be set", nil).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

func (p *IAMRoleProvider) Read(ctx context.Context, req engine.ReadRequest) (*engine.ReadResponse, error) {
	var state iamRoleState
	if len(req.State) == 0 {
		return &engine.ReadResponse{Exists: false}, nil
	}
	if err := decode(req.State, &state); err != nil {
		return nil, err
	}
	if state.Name == "" {
		return &engine.ReadResponse{Exists: false}, nil
	}

	out, err := p.iam.GetRoleWithContext(ctx, &iam.GetRoleInput{
		RoleName: awssdk.String(state.Name),
	})
	if err != nil {
		if isNotFound(err) {
			return &engine.ReadResponse{Exists: false}, nil
		}
		return nil, wrapError("get role", err)
	}

	state.ARN = awssdk.StringValue(out.Role.Arn)
	if attached, err := p.iam.ListAttachedRolePoliciesWithContext(ctx, &iam.ListAttachedRolePoliciesInput{
		RoleName: awssdk.String(state.Name),
	}); err == nil {
		state.ManagedPolicyARNs = nil
		for _, pol := range attached.AttachedPolicies {
			state.ManagedPolicyARNs = append(state.ManagedPolicyARNs, awssdk.StringValue(pol.PolicyArn))
		}
		sort.Strings(state.ManagedPolicyARNs)
	}

	doc, encErr := marshalState(state)
	if encErr != nil {
		return nil, encErr
	}
	return &engine.ReadResponse{Exists: true, State: doc}, nil
}

func (p *IAMRoleProvider) Plan(ctx context.Context, req engine.PlanRequest) (*engine.PlanResponse, error) {
	return planFromDiff(&req, "name")
}

func (p *IAMRoleProvider) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResponse, error) {
	var cfg config.IAMRoleConfig
	if err := decode(req.DesiredState, &cfg); err != nil {
		return nil, err
	}

	trustPolicy, err := p.trustPolicy(&cfg)
	if err != nil {
		return nil, err
	}

	var state iamRoleState
	if len(req.ActualState) > 0 {
		if err := decode(req.ActualState, &state); err != nil {
			return nil, err
		}
	}

	if state.Name == "" {
		out, createErr := p.iam.CreateRoleWithContext(ctx, &iam.CreateRoleInput{
			RoleName:                 awssdk.String(cfg.Name),
			AssumeRolePolicyDocument: awssdk.String(string(trustPolicy)),
			Tags:                     iamTags(cfg.Tags),
		})
		if createErr != nil {
			return nil, wrapError("create role", createErr)
		}
		state.Name = cfg.Name
		state.ARN = awssdk.StringValue(out.Role.Arn)
		p.log.Info().Str("role", cfg.Name).Msg("role created")
	} else {
		if _, err := p.iam.UpdateAssumeRolePolicyWithContext(ctx, &iam.UpdateAssumeRolePolicyInput{
			RoleName:       awssdk.String(cfg.Name),
			PolicyDocument: awssdk.String(string(trustPolicy)),
		}); err != nil {
			return nil, wrapError("update assume role policy", err)
		}
	}
	state.AssumeRolePolicy = trustPolicy

	if err := p.reconcileManagedPolicies(ctx, &state, cfg.ManagedPolicyARNs); err != nil {
		return nil, err
	}
	if err := p.reconcileInlinePolicies(ctx, &state, cfg.InlinePolicies); err != nil {
		return nil, err
	}

	doc, encErr := marshalState(state)
	if encErr != nil {
		return nil, encErr
	}
	return &engine.ApplyResponse{
		NewState: doc,
		Outputs: map[string]string{
			"role_name": state.Name,
			"role_arn":  state.ARN,
		},
	}, nil
}

func (p *IAMRoleProvider) Destroy(ctx context.Context, req engine.DestroyRequest) (*engine.DestroyResponse, error) {
	var state iamRoleState
	if len(req.State) == 0 {
		return &engine.DestroyResponse{Destroyed: true}, nil
	}
	if err := decode(req.State, &state); err != nil {
		return nil, err
	}
	if state.Name == "" {
		return &engine.DestroyResponse{Destroyed: true}, nil
	}

	// Attachments must go before the role itself.
	for _, arn := range state.ManagedPolicyARNs {
		if _, err := p.iam.DetachRolePolicyWithContext(ctx, &iam.DetachRolePolicyInput{
			RoleName:  awssdk.String(state.Name),
			PolicyArn: awssdk.String(arn),
		}); err != nil && !isNotFound(err) {
			return nil, wrapError("detach role policy", err)
		}
	}
	for _, name := range state.InlinePolicyNames {
		if _, err := p.iam.DeleteRolePolicyWithContext(ctx, &iam.DeleteRolePolicyInput{
			RoleName:   awssdk.String(state.Name),
			PolicyName: awssdk.String(name),
		}); err != nil && !isNotFound(err) {
			return nil, wrapError("delete inline policy", err)
		}
	}

	if _, err := p.iam.DeleteRoleWithContext(ctx, &iam.DeleteRoleInput{
		RoleName: awssdk.String(state.Name),
	}); err != nil && !isNotFound(err) {
		return nil, wrapError("delete role", err)
	}
	return &engine.DestroyResponse{Destroyed: true}, nil
}

// trustPolicy returns the configured document, or generates the IRSA web
// identity trust policy from the OIDC binding.
func (p *IAMRoleProvider) trustPolicy(cfg *config.IAMRoleConfig) (json.RawMessage, error) {
	if len(cfg.AssumeRolePolicy) > 0 {
		return cfg.AssumeRolePolicy, nil
	}
	if cfg.IRSA == nil {
		return nil, engine.NewPermanentError("no trust policy configured", nil).
			WithCode(engine.ErrCodeValidation)
	}

	issuer := strings.TrimPrefix(cfg.IRSA.OIDCProviderURL, "https://")
	doc := map[string]interface{}{
		"Version": "2012-10-17",
		"Statement": []map[string]interface{}{{
			"Effect":    "Allow",
			"Principal": map[string]string{"Federated": cfg.IRSA.OIDCProviderARN},
			"Action":    "sts:AssumeRoleWithWebIdentity",
			"Condition": map[string]interface{}{
				"StringEquals": map[string]string{
					issuer + ":sub": fmt.Sprintf("system:serviceaccount:%s:%s",
						cfg.IRSA.Namespace, cfg.IRSA.ServiceAccount),
					issuer + ":aud": "sts.amazonaws.com",
				},
			},
		}},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, engine.NewPermanentError("failed to encode trust policy", err).
			WithCode(engine.ErrCodeInternal)
	}
	return data, nil
}

func (p *IAMRoleProvider) reconcileManagedPolicies(ctx context.Context, state *iamRoleState, want []string) error {
	wantSet := make(map[string]struct{}, len(want))
	for _, arn := range want {
		wantSet[arn] = struct{}{}
	}
	haveSet := make(map[string]struct{}, len(state.ManagedPolicyARNs))
	for _, arn := range state.ManagedPolicyARNs {
		haveSet[arn] = struct{}{}
	}

	for _, arn := range state.ManagedPolicyARNs {
		if _, keep := wantSet[arn]; keep {
			continue
		}
		if _, err := p.iam.DetachRolePolicyWithContext(ctx, &iam.DetachRolePolicyInput{
			RoleName:  awssdk.String(state.Name),
			PolicyArn: awssdk.String(arn),
		}); err != nil && !isNotFound(err) {
			return wrapError("detach role policy", err)
		}
	}
	for _, arn := range want {
		if _, have := haveSet[arn]; have {
			continue
		}
		if _, err := p.iam.AttachRolePolicyWithContext(ctx, &iam.AttachRolePolicyInput{
			RoleName:  awssdk.String(state.Name),
			PolicyArn: awssdk.String(arn),
		}); err != nil {
			return wrapError("attach role policy", err)
		}
	}

	state.ManagedPolicyARNs = append([]string(nil), want...)
	sort.Strings(state.ManagedPolicyARNs)
	return nil
}

func (p *IAMRoleProvider) reconcileInlinePolicies(ctx context.Context, state *iamRoleState, want map[string]json.RawMessage) error {
	wantNames := make([]string, 0, len(want))
	for name := range want {
		wantNames = append(wantNames, name)
	}
	sort.Strings(wantNames)

	for _, name := range state.InlinePolicyNames {
		if _, keep := want[name]; keep {
			continue
		}
		if _, err := p.iam.DeleteRolePolicyWithContext(ctx, &iam.DeleteRolePolicyInput{
			RoleName:   awssdk.String(state.Name),
			PolicyName: awssdk.String(name),
		}); err != nil && !isNotFound(err) {
			return wrapError("delete inline policy", err)
		}
	}
	for _, name := range wantNames {
		if _, err := p.iam.PutRolePolicyWithContext(ctx, &iam.PutRolePolicyInput{
			RoleName:       awssdk.String(state.Name),
			PolicyName:     awssdk.String(name),
			PolicyDocument: awssdk.String(string(want[name])),
		}); err != nil {
			return wrapError("put inline policy", err)
		}
	}

	state.InlinePolicyNames = wantNames
	return nil
}

func iamTags(tags map[string]string) []*iam.Tag {
	out := []*iam.Tag{{Key: awssdk.String(managedByTag), Value: awssdk.String("true")}}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, &iam.Tag{Key: awssdk.String(k), Value: awssdk.String(tags[k])})
	}
	return out
}
