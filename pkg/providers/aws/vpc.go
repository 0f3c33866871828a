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

// VPCProvider manages a network bundle: the VPC itself, public and private
// subnets, internet gateway, NAT gateway and route tables. With create=false
// it adopts an existing network instead.
type VPCProvider struct {
	ec2 EC2API
	log zerolog.Logger
}

// vpcState is the provider's stored view of the network.
type vpcState struct {
	VPCID              string   `json:"vpc_id"`
	CIDRBlock          string   `json:"cidr_block,omitempty"`
	PublicSubnetIDs    []string `json:"public_subnet_ids,omitempty"`
	PrivateSubnetIDs   []string `json:"private_subnet_ids,omitempty"`
	IGWID              string   `json:"igw_id,omitempty"`
	NATGatewayIDs      []string `json:"nat_gateway_ids,omitempty"`
	EIPAllocationIDs   []string `json:"eip_allocation_ids,omitempty"`
	PublicRouteTable   string   `json:"public_route_table_id,omitempty"`
	PrivateRouteTables []string `json:"private_route_table_ids,omitempty"`

	// Adopted networks are never torn down.
	Adopted bool `json:"adopted,omitempty"`
}

// NewVPCProvider creates the provider.
func NewVPCProvider(ec2Client EC2API, log zerolog.Logger) *VPCProvider {
	return &VPCProvider{ec2: ec2Client, log: log.With().Str("provider", "aws.vpc").Logger()}
}

func (p *VPCProvider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Name:           "aws.vpc",
		Version:        "1.0.0",
		Description:    "AWS VPC with subnets, internet gateway, NAT and route tables",
		DefaultTimeout: 15 * time.Minute,
	}
}

func (p *VPCProvider) Validate(ctx context.Context, cfg json.RawMessage) error {
	var c config.VPCConfig
	if err := decode(cfg, &c); err != nil {
		return err
	}
	if c.ShouldCreate() && c.CIDRBlock == "" {
		return engine.NewPermanentError("cidr_block is required when the network is created", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if !c.ShouldCreate() && (c.ExistingIDs == nil || c.ExistingIDs.VPCID == "") {
		return engine.NewPermanentError("existing_ids.vpc_id is required when create is false", nil).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

func (p *VPCProvider) Read(ctx context.Context, req engine.ReadRequest) (*engine.ReadResponse, error) {
	var state vpcState
	if len(req.State) == 0 {
		return &engine.ReadResponse{Exists: false}, nil
	}
	if err := decode(req.State, &state); err != nil {
		return nil, err
	}
	if state.VPCID == "" {
		return &engine.ReadResponse{Exists: false}, nil
	}

	out, err := p.ec2.DescribeVpcsWithContext(ctx, &ec2.DescribeVpcsInput{
		VpcIds: []*string{awssdk.String(state.VPCID)},
	})
	if err != nil {
		if isNotFound(err) {
			return &engine.ReadResponse{Exists: false}, nil
		}
		return nil, wrapError("describe vpc", err)
	}
	if len(out.Vpcs) == 0 {
		return &engine.ReadResponse{Exists: false}, nil
	}

	state.CIDRBlock = awssdk.StringValue(out.Vpcs[0].CidrBlock)
	doc, encErr := marshalState(state)
	if encErr != nil {
		return nil, encErr
	}
	return &engine.ReadResponse{Exists: true, State: doc}, nil
}

func (p *VPCProvider) Plan(ctx context.Context, req engine.PlanRequest) (*engine.PlanResponse, error) {
	return planFromDiff(&req,
		"cidr_block", "availability_zones", "public_subnet_cidrs", "private_subnet_cidrs")
}

func (p *VPCProvider) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResponse, error) {
	var cfg config.VPCConfig
	if err := decode(req.DesiredState, &cfg); err != nil {
		return nil, err
	}

	if !cfg.ShouldCreate() {
		return p.adopt(ctx, &cfg)
	}

	var state vpcState
	if len(req.ActualState) > 0 {
		if err := decode(req.ActualState, &state); err != nil {
			return nil, err
		}
	}

	if state.VPCID == "" {
		if err := p.createNetwork(ctx, req.ResourceID, &cfg, &state); err != nil {
			return nil, err
		}
	} else {
		// Mutable attributes only; topology changes go through recreate.
		if err := p.tagNetwork(ctx, req.ResourceID, &cfg, &state); err != nil {
			return nil, err
		}
	}

	doc, encErr := marshalState(state)
	if encErr != nil {
		return nil, encErr
	}
	return &engine.ApplyResponse{NewState: doc, Outputs: p.outputs(&state)}, nil
}

func (p *VPCProvider) Destroy(ctx context.Context, req engine.DestroyRequest) (*engine.DestroyResponse, error) {
	if len(req.State) == 0 {
		return &engine.DestroyResponse{Destroyed: true}, nil
	}
	var state vpcState
	if err := decode(req.State, &state); err != nil {
		return nil, err
	}
	if state.Adopted || state.VPCID == "" {
		// Adopted networks belong to someone else.
		return &engine.DestroyResponse{Destroyed: true}, nil
	}

	for _, natID := range state.NATGatewayIDs {
		if _, err := p.ec2.DeleteNatGatewayWithContext(ctx, &ec2.DeleteNatGatewayInput{
			NatGatewayId: awssdk.String(natID),
		}); err != nil && !isNotFound(err) {
			return nil, wrapError("delete nat gateway", err)
		}
	}
	for _, natID := range state.NATGatewayIDs {
		if err := p.waitNATDeleted(ctx, natID); err != nil {
			return nil, err
		}
	}
	for _, allocID := range state.EIPAllocationIDs {
		if _, err := p.ec2.ReleaseAddressWithContext(ctx, &ec2.ReleaseAddressInput{
			AllocationId: awssdk.String(allocID),
		}); err != nil && !isNotFound(err) {
			return nil, wrapError("release elastic ip", err)
		}
	}
	if state.IGWID != "" {
		if _, err := p.ec2.DetachInternetGatewayWithContext(ctx, &ec2.DetachInternetGatewayInput{
			InternetGatewayId: awssdk.String(state.IGWID),
			VpcId:             awssdk.String(state.VPCID),
		}); err != nil && !isNotFound(err) {
			return nil, wrapError("detach internet gateway", err)
		}
		if _, err := p.ec2.DeleteInternetGatewayWithContext(ctx, &ec2.DeleteInternetGatewayInput{
			InternetGatewayId: awssdk.String(state.IGWID),
		}); err != nil && !isNotFound(err) {
			return nil, wrapError("delete internet gateway", err)
		}
	}
	for _, rt := range append([]string{state.PublicRouteTable}, state.PrivateRouteTables...) {
		if rt == "" {
			continue
		}
		if _, err := p.ec2.DeleteRouteTableWithContext(ctx, &ec2.DeleteRouteTableInput{
			RouteTableId: awssdk.String(rt),
		}); err != nil && !isNotFound(err) {
			return nil, wrapError("delete route table", err)
		}
	}
	for _, subnet := range append(state.PublicSubnetIDs, state.PrivateSubnetIDs...) {
		if _, err := p.ec2.DeleteSubnetWithContext(ctx, &ec2.DeleteSubnetInput{
			SubnetId: awssdk.String(subnet),
		}); err != nil && !isNotFound(err) {
			return nil, wrapError("delete subnet", err)
		}
	}
	if _, err := p.ec2.DeleteVpcWithContext(ctx, &ec2.DeleteVpcInput{
		VpcId: awssdk.String(state.VPCID),
	}); err != nil && !isNotFound(err) {
		return nil, wrapError("delete vpc", err)
	}

	p.log.Info().Str("vpc_id", state.VPCID).Msg("network destroyed")
	return &engine.DestroyResponse{Destroyed: true}, nil
}

// adopt verifies the existing network and records it without owning it.
func (p *VPCProvider) adopt(ctx context.Context, cfg *config.VPCConfig) (*engine.ApplyResponse, error) {
	out, err := p.ec2.DescribeVpcsWithContext(ctx, &ec2.DescribeVpcsInput{
		VpcIds: []*string{awssdk.String(cfg.ExistingIDs.VPCID)},
	})
	if err != nil {
		return nil, wrapError("describe adopted vpc", err)
	}
	if len(out.Vpcs) == 0 {
		return nil, engine.NewPermanentError("adopted vpc does not exist: "+cfg.ExistingIDs.VPCID, nil).
			WithCode(engine.ErrCodeNotFound)
	}

	state := vpcState{
		VPCID:            cfg.ExistingIDs.VPCID,
		CIDRBlock:        awssdk.StringValue(out.Vpcs[0].CidrBlock),
		PublicSubnetIDs:  cfg.ExistingIDs.PublicSubnetIDs,
		PrivateSubnetIDs: cfg.ExistingIDs.PrivateSubnetIDs,
		Adopted:          true,
	}
	doc, encErr := marshalState(state)
	if encErr != nil {
		return nil, encErr
	}
	return &engine.ApplyResponse{NewState: doc, Outputs: p.outputs(&state)}, nil
}

func (p *VPCProvider) createNetwork(ctx context.Context, resourceID string, cfg *config.VPCConfig, state *vpcState) error {
	vpcOut, err := p.ec2.CreateVpcWithContext(ctx, &ec2.CreateVpcInput{
		CidrBlock: awssdk.String(cfg.CIDRBlock),
	})
	if err != nil {
		return wrapError("create vpc", err)
	}
	state.VPCID = awssdk.StringValue(vpcOut.Vpc.VpcId)
	state.CIDRBlock = cfg.CIDRBlock
	p.log.Info().Str("vpc_id", state.VPCID).Msg("vpc created")

	for _, attr := range []*ec2.ModifyVpcAttributeInput{
		{VpcId: awssdk.String(state.VPCID), EnableDnsSupport: &ec2.AttributeBooleanValue{Value: awssdk.Bool(true)}},
		{VpcId: awssdk.String(state.VPCID), EnableDnsHostnames: &ec2.AttributeBooleanValue{Value: awssdk.Bool(true)}},
	} {
		if _, err := p.ec2.ModifyVpcAttributeWithContext(ctx, attr); err != nil {
			return wrapError("modify vpc attribute", err)
		}
	}

	if err := p.tagNetwork(ctx, resourceID, cfg, state); err != nil {
		return err
	}

	// Public subnets spread across the availability zones.
	for i, cidr := range cfg.PublicSubnetCIDRs {
		id, err := p.createSubnet(ctx, state.VPCID, cidr, zoneFor(cfg.AvailabilityZones, i))
		if err != nil {
			return err
		}
		state.PublicSubnetIDs = append(state.PublicSubnetIDs, id)
	}
	for i, cidr := range cfg.PrivateSubnetCIDRs {
		id, err := p.createSubnet(ctx, state.VPCID, cidr, zoneFor(cfg.AvailabilityZones, i))
		if err != nil {
			return err
		}
		state.PrivateSubnetIDs = append(state.PrivateSubnetIDs, id)
	}

	if len(state.PublicSubnetIDs) > 0 {
		if err := p.createEgress(ctx, cfg, state); err != nil {
			return err
		}
	}
	return nil
}

// createEgress wires the internet gateway, the public and private route
// tables, and the NAT gateways for the private subnets.
func (p *VPCProvider) createEgress(ctx context.Context, cfg *config.VPCConfig, state *vpcState) error {
	igwOut, err := p.ec2.CreateInternetGatewayWithContext(ctx, &ec2.CreateInternetGatewayInput{})
	if err != nil {
		return wrapError("create internet gateway", err)
	}
	state.IGWID = awssdk.StringValue(igwOut.InternetGateway.InternetGatewayId)

	if _, err := p.ec2.AttachInternetGatewayWithContext(ctx, &ec2.AttachInternetGatewayInput{
		InternetGatewayId: awssdk.String(state.IGWID),
		VpcId:             awssdk.String(state.VPCID),
	}); err != nil {
		return wrapError("attach internet gateway", err)
	}

	publicRT, err := p.createRouteTable(ctx, state.VPCID, state.PublicSubnetIDs, &ec2.CreateRouteInput{
		DestinationCidrBlock: awssdk.String("0.0.0.0/0"),
		GatewayId:            awssdk.String(state.IGWID),
	})
	if err != nil {
		return err
	}
	state.PublicRouteTable = publicRT

	if len(state.PrivateSubnetIDs) == 0 {
		return nil
	}

	// One NAT gateway per public subnet zone so an AZ outage does not cut
	// egress for the surviving zones. single_nat_gateway collapses them
	// into one.
	natCount := len(state.PublicSubnetIDs)
	if natCount > len(state.PrivateSubnetIDs) {
		natCount = len(state.PrivateSubnetIDs)
	}
	if cfg.SingleNATGateway {
		natCount = 1
	}

	for i := 0; i < natCount; i++ {
		eip, err := p.ec2.AllocateAddressWithContext(ctx, &ec2.AllocateAddressInput{
			Domain: awssdk.String("vpc"),
		})
		if err != nil {
			return wrapError("allocate elastic ip", err)
		}
		state.EIPAllocationIDs = append(state.EIPAllocationIDs, awssdk.StringValue(eip.AllocationId))

		natOut, err := p.ec2.CreateNatGatewayWithContext(ctx, &ec2.CreateNatGatewayInput{
			AllocationId: eip.AllocationId,
			SubnetId:     awssdk.String(state.PublicSubnetIDs[i]),
		})
		if err != nil {
			return wrapError("create nat gateway", err)
		}
		state.NATGatewayIDs = append(state.NATGatewayIDs, awssdk.StringValue(natOut.NatGateway.NatGatewayId))
	}
	for _, natID := range state.NATGatewayIDs {
		if err := p.waitNATAvailable(ctx, natID); err != nil {
			return err
		}
	}

	// One private route table per NAT gateway; private subnets pick theirs
	// round-robin, matching the zone spread from subnet creation.
	for i, natID := range state.NATGatewayIDs {
		var subnets []string
		for j, subnet := range state.PrivateSubnetIDs {
			if j%natCount == i {
				subnets = append(subnets, subnet)
			}
		}
		rt, err := p.createRouteTable(ctx, state.VPCID, subnets, &ec2.CreateRouteInput{
			DestinationCidrBlock: awssdk.String("0.0.0.0/0"),
			NatGatewayId:         awssdk.String(natID),
		})
		if err != nil {
			return err
		}
		state.PrivateRouteTables = append(state.PrivateRouteTables, rt)
	}
	return nil
}

func (p *VPCProvider) createSubnet(ctx context.Context, vpcID, cidr, zone string) (string, error) {
	input := &ec2.CreateSubnetInput{
		VpcId:     awssdk.String(vpcID),
		CidrBlock: awssdk.String(cidr),
	}
	if zone != "" {
		input.AvailabilityZone = awssdk.String(zone)
	}
	out, err := p.ec2.CreateSubnetWithContext(ctx, input)
	if err != nil {
		return "", wrapError("create subnet", err)
	}
	return awssdk.StringValue(out.Subnet.SubnetId), nil
}

func (p *VPCProvider) createRouteTable(ctx context.Context, vpcID string, subnetIDs []string, route *ec2.CreateRouteInput) (string, error) {
	rtOut, err := p.ec2.CreateRouteTableWithContext(ctx, &ec2.CreateRouteTableInput{
		VpcId: awssdk.String(vpcID),
	})
	if err != nil {
		return "", wrapError("create route table", err)
	}
	rtID := awssdk.StringValue(rtOut.RouteTable.RouteTableId)

	route.RouteTableId = awssdk.String(rtID)
	if _, err := p.ec2.CreateRouteWithContext(ctx, route); err != nil {
		return "", wrapError("create route", err)
	}
	for _, subnet := range subnetIDs {
		if _, err := p.ec2.AssociateRouteTableWithContext(ctx, &ec2.AssociateRouteTableInput{
			RouteTableId: awssdk.String(rtID),
			SubnetId:     awssdk.String(subnet),
		}); err != nil {
			return "", wrapError("associate route table", err)
		}
	}
	return rtID, nil
}

func (p *VPCProvider) tagNetwork(ctx context.Context, resourceID string, cfg *config.VPCConfig, state *vpcState) error {
	if _, err := p.ec2.CreateTagsWithContext(ctx, &ec2.CreateTagsInput{
		Resources: []*string{awssdk.String(state.VPCID)},
		Tags:      ec2Tags(resourceID, resourceID, cfg.Tags),
	}); err != nil {
		return wrapError("tag vpc", err)
	}
	return nil
}

func (p *VPCProvider) waitNATAvailable(ctx context.Context, natID string) error {
	return waitFor(ctx, 15*time.Second, 10*time.Minute, "nat gateway "+natID, func(ctx context.Context) (bool, error) {
		out, err := p.ec2.DescribeNatGatewaysWithContext(ctx, &ec2.DescribeNatGatewaysInput{
			NatGatewayIds: []*string{awssdk.String(natID)},
		})
		if err != nil {
			return false, wrapError("describe nat gateway", err)
		}
		if len(out.NatGateways) == 0 {
			return false, nil
		}
		switch awssdk.StringValue(out.NatGateways[0].State) {
		case ec2.NatGatewayStateAvailable:
			return true, nil
		case ec2.NatGatewayStateFailed:
			return false, engine.NewPermanentError("nat gateway entered failed state", nil).
				WithCode(engine.ErrCodeProviderFailed)
		}
		return false, nil
	})
}

func (p *VPCProvider) waitNATDeleted(ctx context.Context, natID string) error {
	return waitFor(ctx, 15*time.Second, 10*time.Minute, "nat gateway deletion", func(ctx context.Context) (bool, error) {
		out, err := p.ec2.DescribeNatGatewaysWithContext(ctx, &ec2.DescribeNatGatewaysInput{
			NatGatewayIds: []*string{awssdk.String(natID)},
		})
		if err != nil {
			if isNotFound(err) {
				return true, nil
			}
			return false, wrapError("describe nat gateway", err)
		}
		if len(out.NatGateways) == 0 {
			return true, nil
		}
		return awssdk.StringValue(out.NatGateways[0].State) == ec2.NatGatewayStateDeleted, nil
	})
}

func (p *VPCProvider) outputs(state *vpcState) map[string]string {
	return map[string]string{
		"vpc_id":             state.VPCID,
		"cidr_block":         state.CIDRBlock,
		"public_subnet_ids":  jsonList(state.PublicSubnetIDs),
		"private_subnet_ids": jsonList(state.PrivateSubnetIDs),
		"nat_gateway_ids":    jsonList(state.NATGatewayIDs),
	}
}

// zoneFor spreads subnets round-robin across the configured zones.
func zoneFor(zones []string, i int) string {
	if len(zones) == 0 {
		return ""
	}
	return zones[i%len(zones)]
}
