package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	awssdk "github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/rs/zerolog"

	"github.com/opentundra/opentundra/pkg/config"
	"github.com/opentundra/opentundra/pkg/engine"
)

// ECRRepositoryProvider manages a container registry repository with tag
// mutability, scan-on-push and an optional untagged-image expiry policy.
type ECRRepositoryProvider struct {
	ecr ECRAPI
	log zerolog.Logger
}

type ecrState struct {
	Name               string `json:"name"`
	ARN                string `json:"arn,omitempty"`
	URI                string `json:"uri,omitempty"`
	RegistryID         string `json:"registry_id,omitempty"`
	ImageTagMutability string `json:"image_tag_mutability,omitempty"`
	ScanOnPush         bool   `json:"scan_on_push,omitempty"`
}

// NewECRRepositoryProvider creates the provider.
func NewECRRepositoryProvider(ecrClient ECRAPI, log zerolog.Logger) *ECRRepositoryProvider {
	return &ECRRepositoryProvider{ecr: ecrClient, log: log.With().Str("provider", "aws.ecr_repository").Logger()}
}

func (p *ECRRepositoryProvider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Name:           "aws.ecr_repository",
		Version:        "1.0.0",
		Description:    "ECR repository with lifecycle policy",
		DefaultTimeout: 5 * time.Minute,
	}
}

func (p *ECRRepositoryProvider) Validate(ctx context.Context, cfg json.RawMessage) error {
	var c config.ECRRepositoryConfig
	if err := decode(cfg, &c); err != nil {
		return err
	}
	if c.Name == "" {
		return engine.NewPermanentError("repository name is required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

func (p *ECRRepositoryProvider) Read(ctx context.Context, req engine.ReadRequest) (*engine.ReadResponse, error) {
	var state ecrState
	if len(req.State) == 0 {
		return &engine.ReadResponse{Exists: false}, nil
	}
	if err := decode(req.State, &state); err != nil {
		return nil, err
	}
	if state.Name == "" {
		return &engine.ReadResponse{Exists: false}, nil
	}

	out, err := p.ecr.DescribeRepositoriesWithContext(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []*string{awssdk.String(state.Name)},
	})
	if err != nil {
		if isNotFound(err) {
			return &engine.ReadResponse{Exists: false}, nil
		}
		return nil, wrapError("describe repository", err)
	}
	if len(out.Repositories) == 0 {
		return &engine.ReadResponse{Exists: false}, nil
	}

	doc, encErr := marshalState(stateFromRepository(out.Repositories[0]))
	if encErr != nil {
		return nil, encErr
	}
	return &engine.ReadResponse{Exists: true, State: doc}, nil
}

func (p *ECRRepositoryProvider) Plan(ctx context.Context, req engine.PlanRequest) (*engine.PlanResponse, error) {
	return planFromDiff(&req, "name")
}

func (p *ECRRepositoryProvider) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResponse, error) {
	var cfg config.ECRRepositoryConfig
	if err := decode(req.DesiredState, &cfg); err != nil {
		return nil, err
	}

	var state ecrState
	if len(req.ActualState) > 0 {
		if err := decode(req.ActualState, &state); err != nil {
			return nil, err
		}
	}

	mutability := cfg.ImageTagMutability
	if mutability == "" {
		mutability = ecr.ImageTagMutabilityMutable
	}

	if state.Name == "" {
		out, err := p.ecr.CreateRepositoryWithContext(ctx, &ecr.CreateRepositoryInput{
			RepositoryName:     awssdk.String(cfg.Name),
			ImageTagMutability: awssdk.String(mutability),
			ImageScanningConfiguration: &ecr.ImageScanningConfiguration{
				ScanOnPush: awssdk.Bool(cfg.ScanOnPush),
			},
		})
		if err != nil {
			return nil, wrapError("create repository", err)
		}
		state = stateFromRepository(out.Repository)
		p.log.Info().Str("repository", state.Name).Msg("repository created")
	} else if state.ImageTagMutability != mutability {
		if _, err := p.ecr.PutImageTagMutabilityWithContext(ctx, &ecr.PutImageTagMutabilityInput{
			RepositoryName:     awssdk.String(cfg.Name),
			ImageTagMutability: awssdk.String(mutability),
		}); err != nil {
			return nil, wrapError("update tag mutability", err)
		}
		state.ImageTagMutability = mutability
	}

	if cfg.ExpireUntaggedAfterDays > 0 {
		if _, err := p.ecr.PutLifecyclePolicyWithContext(ctx, &ecr.PutLifecyclePolicyInput{
			RepositoryName:      awssdk.String(cfg.Name),
			LifecyclePolicyText: awssdk.String(untaggedExpiryPolicy(cfg.ExpireUntaggedAfterDays)),
		}); err != nil {
			return nil, wrapError("put lifecycle policy", err)
		}
	}

	doc, encErr := marshalState(state)
	if encErr != nil {
		return nil, encErr
	}
	return &engine.ApplyResponse{
		NewState: doc,
		Outputs: map[string]string{
			"repository_name": state.Name,
			"repository_arn":  state.ARN,
			"repository_uri":  state.URI,
		},
	}, nil
}

func (p *ECRRepositoryProvider) Destroy(ctx context.Context, req engine.DestroyRequest) (*engine.DestroyResponse, error) {
	var state ecrState
	if len(req.State) == 0 {
		return &engine.DestroyResponse{Destroyed: true}, nil
	}
	if err := decode(req.State, &state); err != nil {
		return nil, err
	}
	if state.Name == "" {
		return &engine.DestroyResponse{Destroyed: true}, nil
	}

	if _, err := p.ecr.DeleteRepositoryWithContext(ctx, &ecr.DeleteRepositoryInput{
		RepositoryName: awssdk.String(state.Name),
		Force:          awssdk.Bool(true),
	}); err != nil && !isNotFound(err) {
		return nil, wrapError("delete repository", err)
	}
	return &engine.DestroyResponse{Destroyed: true}, nil
}

func stateFromRepository(r *ecr.Repository) ecrState {
	state := ecrState{
		Name:               awssdk.StringValue(r.RepositoryName),
		ARN:                awssdk.StringValue(r.RepositoryArn),
		URI:                awssdk.StringValue(r.RepositoryUri),
		RegistryID:         awssdk.StringValue(r.RegistryId),
		ImageTagMutability: awssdk.StringValue(r.ImageTagMutability),
	}
	if r.ImageScanningConfiguration != nil {
		state.ScanOnPush = awssdk.BoolValue(r.ImageScanningConfiguration.ScanOnPush)
	}
	return state
}

func untaggedExpiryPolicy(days int) string {
	return fmt.Sprintf(`{
  "rules": [
    {
      "rulePriority": 1,
      "description": "expire untagged images",
      "selection": {
        "tagStatus": "untagged",
        "countType": "sinceImagePushed",
        "countUnit": "days",
        "countNumber": %d
      },
      "action": {"type": "expire"}
    }
  ]
}`, days)
}
