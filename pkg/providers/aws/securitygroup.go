package aws

import (
	"context"
	"encoding/json"
	"time"

	awssdk "github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/rs/zerolog"

	"github.com/opentundra/opentundra/pkg/config"
	"github.com/opentundra/opentundra/pkg/engine"
)

// SecurityGroupProvider manages a security group and its rules. Rule
// changes reconcile in place; a VPC or name change forces a recreate.
type SecurityGroupProvider struct {
	ec2 EC2API
	log zerolog.Logger
}

type securityGroupState struct {
	GroupID string                     `json:"group_id"`
	Name    string                     `json:"name"`
	VPCID   string                     `json:"vpc_id"`
	Ingress []config.SecurityGroupRule `json:"ingress,omitempty"`
	Egress  []config.SecurityGroupRule `json:"egress,omitempty"`
}

// NewSecurityGroupProvider creates the provider.
func NewSecurityGroupProvider(ec2Client EC2API, log zerolog.Logger) *SecurityGroupProvider {
	return &SecurityGroupProvider{ec2: ec2Client, log: log.With().Str("provider", "aws.security_group").Logger()}
}

func (p *SecurityGroupProvider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Name:           "aws.security_group",
		Version:        "1.0.0",
		Description:    "AWS security group with managed ingress and egress rules",
		DefaultTimeout: 5 * time.Minute,
	}
}

func (p *SecurityGroupProvider) Validate(ctx context.Context, cfg json.RawMessage) error {
	var c config.SecurityGroupConfig
	if err := decode(cfg, &c); err != nil {
		return err
	}
	if c.Name == "" || c.Description == "" {
		return engine.NewPermanentError("security group name and description are required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

func (p *SecurityGroupProvider) Read(ctx context.Context, req engine.ReadRequest) (*engine.ReadResponse, error) {
	var state securityGroupState
	if len(req.State) == 0 {
		return &engine.ReadResponse{Exists: false}, nil
	}
	if err := decode(req.State, &state); err != nil {
		return nil, err
	}
	if state.GroupID == "" {
		return &engine.ReadResponse{Exists: false}, nil
	}

	out, err := p.ec2.DescribeSecurityGroupsWithContext(ctx, &ec2.DescribeSecurityGroupsInput{
		GroupIds: []*string{awssdk.String(state.GroupID)},
	})
	if err != nil {
		if isNotFound(err) {
			return &engine.ReadResponse{Exists: false}, nil
		}
		return nil, wrapError("describe security group", err)
	}
	if len(out.SecurityGroups) == 0 {
		return &engine.ReadResponse{Exists: false}, nil
	}

	doc, encErr := marshalState(state)
	if encErr != nil {
		return nil, encErr
	}
	return &engine.ReadResponse{Exists: true, State: doc}, nil
}

func (p *SecurityGroupProvider) Plan(ctx context.Context, req engine.PlanRequest) (*engine.PlanResponse, error) {
	return planFromDiff(&req, "name", "vpc_id")
}

func (p *SecurityGroupProvider) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResponse, error) {
	var cfg config.SecurityGroupConfig
	if err := decode(req.DesiredState, &cfg); err != nil {
		return nil, err
	}

	var state securityGroupState
	if len(req.ActualState) > 0 {
		if err := decode(req.ActualState, &state); err != nil {
			return nil, err
		}
	}

	if state.GroupID == "" {
		out, err := p.ec2.CreateSecurityGroupWithContext(ctx, &ec2.CreateSecurityGroupInput{
			GroupName:   awssdk.String(cfg.Name),
			Description: awssdk.String(cfg.Description),
			VpcId:       awssdk.String(cfg.VPCID),
		})
		if err != nil {
			return nil, wrapError("create security group", err)
		}
		state.GroupID = awssdk.StringValue(out.GroupId)
		state.Name = cfg.Name
		state.VPCID = cfg.VPCID
		p.log.Info().Str("group_id", state.GroupID).Msg("security group created")

		if _, err := p.ec2.CreateTagsWithContext(ctx, &ec2.CreateTagsInput{
			Resources: []*string{awssdk.String(state.GroupID)},
			Tags:      ec2Tags(req.ResourceID, cfg.Name, cfg.Tags),
		}); err != nil {
			return nil, wrapError("tag security group", err)
		}
	}

	if err := p.reconcileRules(ctx, &state, cfg.Ingress, true); err != nil {
		return nil, err
	}
	if err := p.reconcileRules(ctx, &state, cfg.Egress, false); err != nil {
		return nil, err
	}
	state.Ingress = cfg.Ingress
	state.Egress = cfg.Egress

	doc, encErr := marshalState(state)
	if encErr != nil {
		return nil, encErr
	}
	return &engine.ApplyResponse{
		NewState: doc,
		Outputs: map[string]string{
			"security_group_id": state.GroupID,
			"name":              state.Name,
		},
	}, nil
}

func (p *SecurityGroupProvider) Destroy(ctx context.Context, req engine.DestroyRequest) (*engine.DestroyResponse, error) {
	if len(req.State) == 0 {
		return &engine.DestroyResponse{Destroyed: true}, nil
	}
	var state securityGroupState
	if err := decode(req.State, &state); err != nil {
		return nil, err
	}
	if state.GroupID == "" {
		return &engine.DestroyResponse{Destroyed: true}, nil
	}

	if _, err := p.ec2.DeleteSecurityGroupWithContext(ctx, &ec2.DeleteSecurityGroupInput{
		GroupId: awssdk.String(state.GroupID),
	}); err != nil && !isNotFound(err) {
		return nil, wrapError("delete security group", err)
	}
	return &engine.DestroyResponse{Destroyed: true}, nil
}

// reconcileRules revokes rules that are no longer declared and authorizes
// the missing ones.
func (p *SecurityGroupProvider) reconcileRules(ctx context.Context, state *securityGroupState, want []config.SecurityGroupRule, ingress bool) error {
	have := state.Egress
	if ingress {
		have = state.Ingress
	}

	toRevoke := rulesDiff(have, want)
	toAuthorize := rulesDiff(want, have)

	if len(toRevoke) > 0 {
		perms := ipPermissions(toRevoke)
		var err error
		if ingress {
			_, err = p.ec2.RevokeSecurityGroupIngressWithContext(ctx, &ec2.RevokeSecurityGroupIngressInput{
				GroupId: awssdk.String(state.GroupID), IpPermissions: perms,
			})
		} else {
			_, err = p.ec2.RevokeSecurityGroupEgressWithContext(ctx, &ec2.RevokeSecurityGroupEgressInput{
				GroupId: awssdk.String(state.GroupID), IpPermissions: perms,
			})
		}
		if err != nil && !isNotFound(err) {
			return wrapError("revoke security group rules", err)
		}
	}

	if len(toAuthorize) > 0 {
		perms := ipPermissions(toAuthorize)
		var err error
		if ingress {
			_, err = p.ec2.AuthorizeSecurityGroupIngressWithContext(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
				GroupId: awssdk.String(state.GroupID), IpPermissions: perms,
			})
		} else {
			_, err = p.ec2.AuthorizeSecurityGroupEgressWithContext(ctx, &ec2.AuthorizeSecurityGroupEgressInput{
				GroupId: awssdk.String(state.GroupID), IpPermissions: perms,
			})
		}
		if err != nil {
			return wrapError("authorize security group rules", err)
		}
	}
	return nil
}

// rulesDiff returns the rules in a that are not in b.
func rulesDiff(a, b []config.SecurityGroupRule) []config.SecurityGroupRule {
	var out []config.SecurityGroupRule
	for _, rule := range a {
		found := false
		for _, other := range b {
			if ruleEqual(rule, other) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, rule)
		}
	}
	return out
}

func ruleEqual(a, b config.SecurityGroupRule) bool {
	if a.Protocol != b.Protocol || a.FromPort != b.FromPort || a.ToPort != b.ToPort ||
		a.SourceSecurityGroupID != b.SourceSecurityGroupID || len(a.CIDRBlocks) != len(b.CIDRBlocks) {
		return false
	}
	for i := range a.CIDRBlocks {
		if a.CIDRBlocks[i] != b.CIDRBlocks[i] {
			return false
		}
	}
	return true
}

func ipPermissions(rules []config.SecurityGroupRule) []*ec2.IpPermission {
	perms := make([]*ec2.IpPermission, 0, len(rules))
	for _, rule := range rules {
		perm := &ec2.IpPermission{
			IpProtocol: awssdk.String(rule.Protocol),
			FromPort:   awssdk.Int64(int64(rule.FromPort)),
			ToPort:     awssdk.Int64(int64(rule.ToPort)),
		}
		for _, cidr := range rule.CIDRBlocks {
			perm.IpRanges = append(perm.IpRanges, &ec2.IpRange{
				CidrIp:      awssdk.String(cidr),
				Description: awssdk.String(rule.Description),
			})
		}
		if rule.SourceSecurityGroupID != "" {
			perm.UserIdGroupPairs = append(perm.UserIdGroupPairs, &ec2.UserIdGroupPair{
				GroupId:     awssdk.String(rule.SourceSecurityGroupID),
				Description: awssdk.String(rule.Description),
			})
		}
		perms = append(perms, perm)
	}
	return perms
}
