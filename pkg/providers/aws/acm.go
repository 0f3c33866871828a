package aws

import (
	"context"
	"encoding/json"
	"time"

	awssdk "github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/acm"
	"github.com/rs/zerolog"

	"github.com/opentundra/opentundra/pkg/config"
	"github.com/opentundra/opentundra/pkg/engine"
)

// ACMCertificateProvider requests a certificate and exports the DNS
// validation records. Issuance itself happens out of band once the
// records are in place, so apply does not wait for ISSUED.
type ACMCertificateProvider struct {
	acm ACMAPI
	log zerolog.Logger
}

type acmState struct {
	ARN              string   `json:"arn"`
	DomainName       string   `json:"domain_name"`
	AlternativeNames []string `json:"subject_alternative_names,omitempty"`
	Status           string   `json:"status,omitempty"`

	// ValidationRecords are the CNAMEs to create, name=value pairs.
	ValidationRecords map[string]string `json:"validation_records,omitempty"`
}

// NewACMCertificateProvider creates the provider.
func NewACMCertificateProvider(acmClient ACMAPI, log zerolog.Logger) *ACMCertificateProvider {
	return &ACMCertificateProvider{acm: acmClient, log: log.With().Str("provider", "aws.acm_certificate").Logger()}
}

func (p *ACMCertificateProvider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Name:           "aws.acm_certificate",
		Version:        "1.0.0",
		Description:    "ACM certificate request with DNS validation records",
		DefaultTimeout: 5 * time.Minute,
	}
}

func (p *ACMCertificateProvider) Validate(ctx context.Context, cfg json.RawMessage) error {
	var c config.ACMCertificateConfig
	if err := decode(cfg, &c); err != nil {
		return err
	}
	if c.DomainName == "" {
		return engine.NewPermanentError("domain_name is required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

func (p *ACMCertificateProvider) Read(ctx context.Context, req engine.ReadRequest) (*engine.ReadResponse, error) {
	var state acmState
	if len(req.State) == 0 {
		return &engine.ReadResponse{Exists: false}, nil
	}
	if err := decode(req.State, &state); err != nil {
		return nil, err
	}
	if state.ARN == "" {
		return &engine.ReadResponse{Exists: false}, nil
	}

	out, err := p.acm.DescribeCertificateWithContext(ctx, &acm.DescribeCertificateInput{
		CertificateArn: awssdk.String(state.ARN),
	})
	if err != nil {
		if isNotFound(err) {
			return &engine.ReadResponse{Exists: false}, nil
		}
		return nil, wrapError("describe certificate", err)
	}

	doc, encErr := marshalState(stateFromCertificate(out.Certificate))
	if encErr != nil {
		return nil, encErr
	}
	return &engine.ReadResponse{Exists: true, State: doc}, nil
}

func (p *ACMCertificateProvider) Plan(ctx context.Context, req engine.PlanRequest) (*engine.PlanResponse, error) {
	// Certificates are immutable; any change is a new request.
	return planFromDiff(&req, "domain_name", "subject_alternative_names", "validation_method")
}

func (p *ACMCertificateProvider) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResponse, error) {
	var cfg config.ACMCertificateConfig
	if err := decode(req.DesiredState, &cfg); err != nil {
		return nil, err
	}

	var state acmState
	if len(req.ActualState) > 0 {
		if err := decode(req.ActualState, &state); err != nil {
			return nil, err
		}
	}

	if state.ARN == "" {
		method := cfg.ValidationMethod
		if method == "" {
			method = acm.ValidationMethodDns
		}
		input := &acm.RequestCertificateInput{
			DomainName:       awssdk.String(cfg.DomainName),
			ValidationMethod: awssdk.String(method),
		}
		if len(cfg.SubjectAlternativeNames) > 0 {
			input.SubjectAlternativeNames = awssdk.StringSlice(cfg.SubjectAlternativeNames)
		}

		out, err := p.acm.RequestCertificateWithContext(ctx, input)
		if err != nil {
			return nil, wrapError("request certificate", err)
		}
		state.ARN = awssdk.StringValue(out.CertificateArn)
		state.DomainName = cfg.DomainName
		state.AlternativeNames = cfg.SubjectAlternativeNames
		p.log.Info().Str("domain", cfg.DomainName).Str("arn", state.ARN).Msg("certificate requested")
	}

	// DNS validation records appear shortly after the request.
	if err := p.loadValidationRecords(ctx, &state); err != nil {
		return nil, err
	}

	doc, encErr := marshalState(state)
	if encErr != nil {
		return nil, encErr
	}
	return &engine.ApplyResponse{
		NewState: doc,
		Outputs: map[string]string{
			"certificate_arn": state.ARN,
			"domain_name":     state.DomainName,
			"status":          state.Status,
		},
	}, nil
}

func (p *ACMCertificateProvider) Destroy(ctx context.Context, req engine.DestroyRequest) (*engine.DestroyResponse, error) {
	var state acmState
	if len(req.State) == 0 {
		return &engine.DestroyResponse{Destroyed: true}, nil
	}
	if err := decode(req.State, &state); err != nil {
		return nil, err
	}
	if state.ARN == "" {
		return &engine.DestroyResponse{Destroyed: true}, nil
	}

	if _, err := p.acm.DeleteCertificateWithContext(ctx, &acm.DeleteCertificateInput{
		CertificateArn: awssdk.String(state.ARN),
	}); err != nil && !isNotFound(err) {
		return nil, wrapError("delete certificate", err)
	}
	return &engine.DestroyResponse{Destroyed: true}, nil
}

func (p *ACMCertificateProvider) loadValidationRecords(ctx context.Context, state *acmState) error {
	return waitFor(ctx, 5*time.Second, 2*time.Minute, "validation records", func(ctx context.Context) (bool, error) {
		out, err := p.acm.DescribeCertificateWithContext(ctx, &acm.DescribeCertificateInput{
			CertificateArn: awssdk.String(state.ARN),
		})
		if err != nil {
			return false, wrapError("describe certificate", err)
		}

		fresh := stateFromCertificate(out.Certificate)
		state.Status = fresh.Status
		if len(fresh.ValidationRecords) == 0 {
			return false, nil
		}
		state.ValidationRecords = fresh.ValidationRecords
		return true, nil
	})
}

func stateFromCertificate(c *acm.CertificateDetail) acmState {
	state := acmState{
		ARN:              awssdk.StringValue(c.CertificateArn),
		DomainName:       awssdk.StringValue(c.DomainName),
		AlternativeNames: awssdk.StringValueSlice(c.SubjectAlternativeNames),
		Status:           awssdk.StringValue(c.Status),
	}
	for _, opt := range c.DomainValidationOptions {
		if opt.ResourceRecord == nil {
			continue
		}
		if state.ValidationRecords == nil {
			state.ValidationRecords = make(map[string]string)
		}
		state.ValidationRecords[awssdk.StringValue(opt.ResourceRecord.Name)] =
			awssdk.StringValue(opt.ResourceRecord.Value)
	}
	return state
}
