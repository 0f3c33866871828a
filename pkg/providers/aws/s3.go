package aws

import (
	"context"
	"encoding/json"
	"time"

	awssdk "github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/rs/zerolog"

	"github.com/opentundra/opentundra/pkg/config"
	"github.com/opentundra/opentundra/pkg/engine"
)

// S3BucketProvider manages an S3 bucket with versioning, public access
// blocking and SSE-S3 encryption. force_destroy empties the bucket before
// deletion.
type S3BucketProvider struct {
	s3     S3API
	region string
	log    zerolog.Logger
}

type s3State struct {
	Bucket       string `json:"bucket"`
	Region       string `json:"region,omitempty"`
	Versioning   bool   `json:"versioning,omitempty"`
	BlockPublic  bool   `json:"block_public,omitempty"`
	Encrypted    bool   `json:"encrypted,omitempty"`
	ForceDestroy bool   `json:"force_destroy,omitempty"`
	StorageClass string `json:"storage_class,omitempty"`
}

// NewS3BucketProvider creates the provider.
func NewS3BucketProvider(s3Client S3API, region string, log zerolog.Logger) *S3BucketProvider {
	return &S3BucketProvider{s3: s3Client, region: region, log: log.With().Str("provider", "aws.s3_bucket").Logger()}
}

func (p *S3BucketProvider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Name:           "aws.s3_bucket",
		Version:        "1.0.0",
		Description:    "S3 bucket with versioning, public access block and encryption",
		DefaultTimeout: 5 * time.Minute,
	}
}

func (p *S3BucketProvider) Validate(ctx context.Context, cfg json.RawMessage) error {
	var c config.S3BucketConfig
	if err := decode(cfg, &c); err != nil {
		return err
	}
	if c.Bucket == "" {
		return engine.NewPermanentError("bucket name is required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	switch c.StorageClass {
	case "", s3.StorageClassStandard, s3.StorageClassStandardIa, s3.StorageClassOnezoneIa, s3.StorageClassGlacier:
	default:
		return engine.NewPermanentError(
			"storage_class must be one of STANDARD, STANDARD_IA, ONEZONE_IA, GLACIER", nil).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

func (p *S3BucketProvider) Read(ctx context.Context, req engine.ReadRequest) (*engine.ReadResponse, error) {
	var state s3State
	if len(req.State) == 0 {
		return &engine.ReadResponse{Exists: false}, nil
	}
	if err := decode(req.State, &state); err != nil {
		return nil, err
	}
	if state.Bucket == "" {
		return &engine.ReadResponse{Exists: false}, nil
	}

	if _, err := p.s3.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: awssdk.String(state.Bucket),
	}); err != nil {
		if isNotFound(err) {
			return &engine.ReadResponse{Exists: false}, nil
		}
		return nil, wrapError("head bucket", err)
	}

	// Versioning is the one mutable attribute worth drift-checking.
	if out, err := p.s3.GetBucketVersioningWithContext(ctx, &s3.GetBucketVersioningInput{
		Bucket: awssdk.String(state.Bucket),
	}); err == nil {
		state.Versioning = awssdk.StringValue(out.Status) == s3.BucketVersioningStatusEnabled
	}

	doc, encErr := marshalState(state)
	if encErr != nil {
		return nil, encErr
	}
	return &engine.ReadResponse{Exists: true, State: doc}, nil
}

func (p *S3BucketProvider) Plan(ctx context.Context, req engine.PlanRequest) (*engine.PlanResponse, error) {
	return planFromDiff(&req, "bucket")
}

func (p *S3BucketProvider) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResponse, error) {
	var cfg config.S3BucketConfig
	if err := decode(req.DesiredState, &cfg); err != nil {
		return nil, err
	}

	var state s3State
	if len(req.ActualState) > 0 {
		if err := decode(req.ActualState, &state); err != nil {
			return nil, err
		}
	}

	if state.Bucket == "" {
		input := &s3.CreateBucketInput{Bucket: awssdk.String(cfg.Bucket)}
		// us-east-1 rejects an explicit location constraint.
		if p.region != "" && p.region != "us-east-1" {
			input.CreateBucketConfiguration = &s3.CreateBucketConfiguration{
				LocationConstraint: awssdk.String(p.region),
			}
		}
		if _, err := p.s3.CreateBucketWithContext(ctx, input); err != nil {
			return nil, wrapError("create bucket", err)
		}
		state.Bucket = cfg.Bucket
		state.Region = p.region
		p.log.Info().Str("bucket", cfg.Bucket).Msg("bucket created")
	}

	if cfg.Versioning != state.Versioning {
		status := s3.BucketVersioningStatusSuspended
		if cfg.Versioning {
			status = s3.BucketVersioningStatusEnabled
		}
		if _, err := p.s3.PutBucketVersioningWithContext(ctx, &s3.PutBucketVersioningInput{
			Bucket:                  awssdk.String(cfg.Bucket),
			VersioningConfiguration: &s3.VersioningConfiguration{Status: awssdk.String(status)},
		}); err != nil {
			return nil, wrapError("put bucket versioning", err)
		}
		state.Versioning = cfg.Versioning
	}

	if cfg.BlockPublic {
		if _, err := p.s3.PutPublicAccessBlockWithContext(ctx, &s3.PutPublicAccessBlockInput{
			Bucket: awssdk.String(cfg.Bucket),
			PublicAccessBlockConfiguration: &s3.PublicAccessBlockConfiguration{
				BlockPublicAcls:       awssdk.Bool(true),
				BlockPublicPolicy:     awssdk.Bool(true),
				IgnorePublicAcls:      awssdk.Bool(true),
				RestrictPublicBuckets: awssdk.Bool(true),
			},
		}); err != nil {
			return nil, wrapError("put public access block", err)
		}
		state.BlockPublic = true
	}

	if cfg.EncryptWithSSES3 {
		if _, err := p.s3.PutBucketEncryptionWithContext(ctx, &s3.PutBucketEncryptionInput{
			Bucket: awssdk.String(cfg.Bucket),
			ServerSideEncryptionConfiguration: &s3.ServerSideEncryptionConfiguration{
				Rules: []*s3.ServerSideEncryptionRule{{
					ApplyServerSideEncryptionByDefault: &s3.ServerSideEncryptionByDefault{
						SSEAlgorithm: awssdk.String(s3.ServerSideEncryptionAes256),
					},
				}},
			},
		}); err != nil {
			return nil, wrapError("put bucket encryption", err)
		}
		state.Encrypted = true
	}

	if cfg.StorageClass != "" && cfg.StorageClass != s3.StorageClassStandard &&
		cfg.StorageClass != state.StorageClass {
		if _, err := p.s3.PutBucketLifecycleConfigurationWithContext(ctx, &s3.PutBucketLifecycleConfigurationInput{
			Bucket: awssdk.String(cfg.Bucket),
			LifecycleConfiguration: &s3.BucketLifecycleConfiguration{
				Rules: []*s3.LifecycleRule{{
					ID:     awssdk.String("storage-class-transition"),
					Status: awssdk.String(s3.ExpirationStatusEnabled),
					Filter: &s3.LifecycleRuleFilter{Prefix: awssdk.String("")},
					Transitions: []*s3.Transition{{
						Days:         awssdk.Int64(30),
						StorageClass: awssdk.String(cfg.StorageClass),
					}},
				}},
			},
		}); err != nil {
			return nil, wrapError("put bucket lifecycle", err)
		}
		state.StorageClass = cfg.StorageClass
	}
	state.ForceDestroy = cfg.ForceDestroy

	doc, encErr := marshalState(state)
	if encErr != nil {
		return nil, encErr
	}
	return &engine.ApplyResponse{
		NewState: doc,
		Outputs: map[string]string{
			"bucket": state.Bucket,
			"region": state.Region,
		},
	}, nil
}

func (p *S3BucketProvider) Destroy(ctx context.Context, req engine.DestroyRequest) (*engine.DestroyResponse, error) {
	var state s3State
	if len(req.State) == 0 {
		return &engine.DestroyResponse{Destroyed: true}, nil
	}
	if err := decode(req.State, &state); err != nil {
		return nil, err
	}
	if state.Bucket == "" {
		return &engine.DestroyResponse{Destroyed: true}, nil
	}

	if state.ForceDestroy {
		if err := p.emptyBucket(ctx, state.Bucket); err != nil {
			return nil, err
		}
	}

	if _, err := p.s3.DeleteBucketWithContext(ctx, &s3.DeleteBucketInput{
		Bucket: awssdk.String(state.Bucket),
	}); err != nil && !isNotFound(err) {
		return nil, wrapError("delete bucket", err)
	}
	return &engine.DestroyResponse{Destroyed: true}, nil
}

// emptyBucket deletes objects in batches of 1000, the DeleteObjects limit.
func (p *S3BucketProvider) emptyBucket(ctx context.Context, bucket string) error {
	var token *string
	for {
		list, err := p.s3.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
			Bucket:            awssdk.String(bucket),
			ContinuationToken: token,
		})
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return wrapError("list objects", err)
		}
		if len(list.Contents) == 0 {
			return nil
		}

		objects := make([]*s3.ObjectIdentifier, 0, len(list.Contents))
		for _, obj := range list.Contents {
			objects = append(objects, &s3.ObjectIdentifier{Key: obj.Key})
		}
		if _, err := p.s3.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: awssdk.String(bucket),
			Delete: &s3.Delete{Objects: objects, Quiet: awssdk.Bool(true)},
		}); err != nil {
			return wrapError("delete objects", err)
		}

		if !awssdk.BoolValue(list.IsTruncated) {
			return nil
		}
		token = list.NextContinuationToken
	}
}
