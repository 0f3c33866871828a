package aws

import (
	"context"
	"encoding/json"
	"time"

	awssdk "github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/eks"
	"github.com/rs/zerolog"

	"github.com/opentundra/opentundra/pkg/config"
	"github.com/opentundra/opentundra/pkg/engine"
)

// NodeGroupProvider manages an EKS managed node group. Scaling, labels and
// taints update in place; instance types, capacity and disk force a
// recreate because EKS does not allow changing them.
type NodeGroupProvider struct {
	eks EKSAPI
	log zerolog.Logger
}

type nodeGroupState struct {
	Name          string                  `json:"name"`
	ClusterName   string                  `json:"cluster_name"`
	ARN           string                  `json:"arn,omitempty"`
	CapacityType  string                  `json:"capacity_type"`
	InstanceTypes []string                `json:"instance_types"`
	DiskSize      int                     `json:"disk_size,omitempty"`
	Scaling       config.NodeGroupScaling `json:"scaling"`
	Labels        map[string]string       `json:"labels,omitempty"`
	Status        string                  `json:"status,omitempty"`
}

// NewNodeGroupProvider creates the provider.
func NewNodeGroupProvider(eksClient EKSAPI, log zerolog.Logger) *NodeGroupProvider {
	return &NodeGroupProvider{eks: eksClient, log: log.With().Str("provider", "aws.node_group").Logger()}
}

func (p *NodeGroupProvider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Name:           "aws.node_group",
		Version:        "1.0.0",
		Description:    "EKS managed node group with scaling, labels and taints",
		DefaultTimeout: 20 * time.Minute,
	}
}

func (p *NodeGroupProvider) Validate(ctx context.Context, cfg json.RawMessage) error {
	var c config.NodeGroupConfig
	if err := decode(cfg, &c); err != nil {
		return err
	}
	switch c.CapacityType {
	case "ON_DEMAND", "SPOT":
	default:
		return engine.NewPermanentError("capacity_type must be ON_DEMAND or SPOT", nil).
			WithCode(engine.ErrCodeValidation)
	}
	switch c.DiskType {
	case "", "gp2", "gp3", "io1", "io2":
	default:
		return engine.NewPermanentError("disk_type must be one of gp2, gp3, io1, io2", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if c.Scaling.MaxSize < c.Scaling.MinSize {
		return engine.NewPermanentError("scaling.max_size must be at least scaling.min_size", nil).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

func (p *NodeGroupProvider) Read(ctx context.Context, req engine.ReadRequest) (*engine.ReadResponse, error) {
	var state nodeGroupState
	if len(req.State) == 0 {
		return &engine.ReadResponse{Exists: false}, nil
	}
	if err := decode(req.State, &state); err != nil {
		return nil, err
	}
	if state.Name == "" {
		return &engine.ReadResponse{Exists: false}, nil
	}

	out, err := p.eks.DescribeNodegroupWithContext(ctx, &eks.DescribeNodegroupInput{
		ClusterName:   awssdk.String(state.ClusterName),
		NodegroupName: awssdk.String(state.Name),
	})
	if err != nil {
		if isNotFound(err) {
			return &engine.ReadResponse{Exists: false}, nil
		}
		return nil, wrapError("describe node group", err)
	}

	doc, encErr := marshalState(stateFromNodegroup(out.Nodegroup))
	if encErr != nil {
		return nil, encErr
	}
	return &engine.ReadResponse{Exists: true, State: doc}, nil
}

func (p *NodeGroupProvider) Plan(ctx context.Context, req engine.PlanRequest) (*engine.PlanResponse, error) {
	return planFromDiff(&req,
		"name", "cluster_name", "role_arn", "subnet_ids",
		"instance_types", "capacity_type", "disk_type", "disk_size")
}

func (p *NodeGroupProvider) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResponse, error) {
	var cfg config.NodeGroupConfig
	if err := decode(req.DesiredState, &cfg); err != nil {
		return nil, err
	}

	var prior nodeGroupState
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
		if err := p.update(ctx, &cfg); err != nil {
			return nil, err
		}
	}

	state, err := p.waitActive(ctx, cfg.ClusterName, cfg.Name)
	if err != nil {
		return nil, err
	}

	doc, encErr := marshalState(*state)
	if encErr != nil {
		return nil, encErr
	}
	return &engine.ApplyResponse{
		NewState: doc,
		Outputs: map[string]string{
			"node_group_name": state.Name,
			"node_group_arn":  state.ARN,
			"cluster_name":    state.ClusterName,
		},
	}, nil
}

func (p *NodeGroupProvider) Destroy(ctx context.Context, req engine.DestroyRequest) (*engine.DestroyResponse, error) {
	var state nodeGroupState
	if len(req.State) == 0 {
		return &engine.DestroyResponse{Destroyed: true}, nil
	}
	if err := decode(req.State, &state); err != nil {
		return nil, err
	}
	if state.Name == "" {
		return &engine.DestroyResponse{Destroyed: true}, nil
	}

	if _, err := p.eks.DeleteNodegroupWithContext(ctx, &eks.DeleteNodegroupInput{
		ClusterName:   awssdk.String(state.ClusterName),
		NodegroupName: awssdk.String(state.Name),
	}); err != nil {
		if isNotFound(err) {
			return &engine.DestroyResponse{Destroyed: true}, nil
		}
		return nil, wrapError("delete node group", err)
	}

	err := waitFor(ctx, 30*time.Second, 15*time.Minute, "node group deletion", func(ctx context.Context) (bool, error) {
		_, err := p.eks.DescribeNodegroupWithContext(ctx, &eks.DescribeNodegroupInput{
			ClusterName:   awssdk.String(state.ClusterName),
			NodegroupName: awssdk.String(state.Name),
		})
		if err != nil {
			if isNotFound(err) {
				return true, nil
			}
			return false, wrapError("describe node group", err)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return &engine.DestroyResponse{Destroyed: true}, nil
}

func (p *NodeGroupProvider) create(ctx context.Context, cfg *config.NodeGroupConfig) error {
	input := &eks.CreateNodegroupInput{
		ClusterName:   awssdk.String(cfg.ClusterName),
		NodegroupName: awssdk.String(cfg.Name),
		NodeRole:      awssdk.String(cfg.RoleARN),
		Subnets:       awssdk.StringSlice(cfg.SubnetIDs),
		InstanceTypes: awssdk.StringSlice(cfg.InstanceTypes),
		CapacityType:  awssdk.String(cfg.CapacityType),
		ScalingConfig: &eks.NodegroupScalingConfig{
			MinSize:     awssdk.Int64(int64(cfg.Scaling.MinSize)),
			MaxSize:     awssdk.Int64(int64(cfg.Scaling.MaxSize)),
			DesiredSize: awssdk.Int64(int64(cfg.Scaling.DesiredSize)),
		},
		Tags: stringMapTags(cfg.Tags),
	}
	if cfg.DiskSize > 0 {
		input.DiskSize = awssdk.Int64(int64(cfg.DiskSize))
	}
	if len(cfg.Labels) > 0 {
		input.Labels = awssdk.StringMap(cfg.Labels)
	}
	for _, taint := range cfg.Taints {
		input.Taints = append(input.Taints, &eks.Taint{
			Key:    awssdk.String(taint.Key),
			Value:  awssdk.String(taint.Value),
			Effect: awssdk.String(taint.Effect),
		})
	}

	if _, err := p.eks.CreateNodegroupWithContext(ctx, input); err != nil {
		return wrapError("create node group", err)
	}
	p.log.Info().Str("node_group", cfg.Name).Str("cluster", cfg.ClusterName).
		Str("capacity_type", cfg.CapacityType).Msg("node group creation started")
	return nil
}

func (p *NodeGroupProvider) update(ctx context.Context, cfg *config.NodeGroupConfig) error {
	input := &eks.UpdateNodegroupConfigInput{
		ClusterName:   awssdk.String(cfg.ClusterName),
		NodegroupName: awssdk.String(cfg.Name),
		ScalingConfig: &eks.NodegroupScalingConfig{
			MinSize:     awssdk.Int64(int64(cfg.Scaling.MinSize)),
			MaxSize:     awssdk.Int64(int64(cfg.Scaling.MaxSize)),
			DesiredSize: awssdk.Int64(int64(cfg.Scaling.DesiredSize)),
		},
	}
	if len(cfg.Labels) > 0 {
		input.Labels = &eks.UpdateLabelsPayload{AddOrUpdateLabels: awssdk.StringMap(cfg.Labels)}
	}

	if _, err := p.eks.UpdateNodegroupConfigWithContext(ctx, input); err != nil {
		return wrapError("update node group", err)
	}
	return nil
}

func (p *NodeGroupProvider) waitActive(ctx context.Context, cluster, name string) (*nodeGroupState, error) {
	var state *nodeGroupState
	err := waitFor(ctx, 30*time.Second, 18*time.Minute, "node group "+name, func(ctx context.Context) (bool, error) {
		out, err := p.eks.DescribeNodegroupWithContext(ctx, &eks.DescribeNodegroupInput{
			ClusterName:   awssdk.String(cluster),
			NodegroupName: awssdk.String(name),
		})
		if err != nil {
			return false, wrapError("describe node group", err)
		}
		switch awssdk.StringValue(out.Nodegroup.Status) {
		case eks.NodegroupStatusActive:
			s := stateFromNodegroup(out.Nodegroup)
			state = &s
			return true, nil
		case eks.NodegroupStatusCreateFailed, eks.NodegroupStatusDegraded:
			return false, engine.NewPermanentError("node group entered failed state", nil).
				WithCode(engine.ErrCodeProviderFailed)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func stateFromNodegroup(ng *eks.Nodegroup) nodeGroupState {
	state := nodeGroupState{
		Name:          awssdk.StringValue(ng.NodegroupName),
		ClusterName:   awssdk.StringValue(ng.ClusterName),
		ARN:           awssdk.StringValue(ng.NodegroupArn),
		CapacityType:  awssdk.StringValue(ng.CapacityType),
		InstanceTypes: awssdk.StringValueSlice(ng.InstanceTypes),
		DiskSize:      int(awssdk.Int64Value(ng.DiskSize)),
		Status:        awssdk.StringValue(ng.Status),
	}
	if ng.ScalingConfig != nil {
		state.Scaling = config.NodeGroupScaling{
			MinSize:     int(awssdk.Int64Value(ng.ScalingConfig.MinSize)),
			MaxSize:     int(awssdk.Int64Value(ng.ScalingConfig.MaxSize)),
			DesiredSize: int(awssdk.Int64Value(ng.ScalingConfig.DesiredSize)),
		}
	}
	if len(ng.Labels) > 0 {
		state.Labels = awssdk.StringValueMap(ng.Labels)
	}
	return state
}
