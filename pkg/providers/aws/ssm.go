package aws

import (
	"context"
	"encoding/json"
	"time"

	awssdk "github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/rs/zerolog"

	"github.com/opentundra/opentundra/pkg/config"
	"github.com/opentundra/opentundra/pkg/engine"
)

// SSMParameterProvider manages a Systems Manager parameter. SecureString
// values are written but never read back into state.
type SSMParameterProvider struct {
	ssm SSMAPI
	log zerolog.Logger
}

type ssmState struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Version int64  `json:"version,omitempty"`

	// Value is omitted for SecureString parameters.
	Value string `json:"value,omitempty"`
}

// NewSSMParameterProvider creates the provider.
func NewSSMParameterProvider(ssmClient SSMAPI, log zerolog.Logger) *SSMParameterProvider {
	return &SSMParameterProvider{ssm: ssmClient, log: log.With().Str("provider", "aws.ssm_parameter").Logger()}
}

func (p *SSMParameterProvider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Name:           "aws.ssm_parameter",
		Version:        "1.0.0",
		Description:    "Systems Manager parameter",
		DefaultTimeout: time.Minute,
	}
}

func (p *SSMParameterProvider) Validate(ctx context.Context, cfg json.RawMessage) error {
	var c config.SSMParameterConfig
	if err := decode(cfg, &c); err != nil {
		return err
	}
	if c.Name == "" || c.Value == "" {
		return engine.NewPermanentError("parameter name and value are required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

func (p *SSMParameterProvider) Read(ctx context.Context, req engine.ReadRequest) (*engine.ReadResponse, error) {
	var state ssmState
	if len(req.State) == 0 {
		return &engine.ReadResponse{Exists: false}, nil
	}
	if err := decode(req.State, &state); err != nil {
		return nil, err
	}
	if state.Name == "" {
		return &engine.ReadResponse{Exists: false}, nil
	}

	out, err := p.ssm.GetParameterWithContext(ctx, &ssm.GetParameterInput{
		Name: awssdk.String(state.Name),
	})
	if err != nil {
		if isNotFound(err) {
			return &engine.ReadResponse{Exists: false}, nil
		}
		return nil, wrapError("get parameter", err)
	}

	state.Type = awssdk.StringValue(out.Parameter.Type)
	state.Version = awssdk.Int64Value(out.Parameter.Version)
	if state.Type != ssm.ParameterTypeSecureString {
		state.Value = awssdk.StringValue(out.Parameter.Value)
	}

	doc, encErr := marshalState(state)
	if encErr != nil {
		return nil, encErr
	}
	return &engine.ReadResponse{Exists: true, State: doc}, nil
}

func (p *SSMParameterProvider) Plan(ctx context.Context, req engine.PlanRequest) (*engine.PlanResponse, error) {
	return planFromDiff(&req, "name")
}

func (p *SSMParameterProvider) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResponse, error) {
	var cfg config.SSMParameterConfig
	if err := decode(req.DesiredState, &cfg); err != nil {
		return nil, err
	}

	out, err := p.ssm.PutParameterWithContext(ctx, &ssm.PutParameterInput{
		Name:      awssdk.String(cfg.Name),
		Type:      awssdk.String(cfg.Type),
		Value:     awssdk.String(cfg.Value),
		Overwrite: awssdk.Bool(true),
	})
	if err != nil {
		return nil, wrapError("put parameter", err)
	}

	state := ssmState{
		Name:    cfg.Name,
		Type:    cfg.Type,
		Version: awssdk.Int64Value(out.Version),
	}
	if cfg.Type != ssm.ParameterTypeSecureString {
		state.Value = cfg.Value
	}

	doc, encErr := marshalState(state)
	if encErr != nil {
		return nil, encErr
	}
	return &engine.ApplyResponse{
		NewState: doc,
		Outputs: map[string]string{
			"name": state.Name,
		},
	}, nil
}

func (p *SSMParameterProvider) Destroy(ctx context.Context, req engine.DestroyRequest) (*engine.DestroyResponse, error) {
	var state ssmState
	if len(req.State) == 0 {
		return &engine.DestroyResponse{Destroyed: true}, nil
	}
	if err := decode(req.State, &state); err != nil {
		return nil, err
	}
	if state.Name == "" {
		return &engine.DestroyResponse{Destroyed: true}, nil
	}

	if _, err := p.ssm.DeleteParameterWithContext(ctx, &ssm.DeleteParameterInput{
		Name: awssdk.String(state.Name),
	}); err != nil && !isNotFound(err) {
		return nil, wrapError("delete parameter", err)
	}
	return &engine.DestroyResponse{Destroyed: true}, nil
}
