// Package backend bootstraps the remote state backing store: the S3 bucket
// holding exported state snapshots and the SSM parameter tree that feeds
// variable files into stacks.
package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"

	awssdk "github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/rs/zerolog"

	"github.com/opentundra/opentundra/pkg/engine"
	"github.com/opentundra/opentundra/pkg/providers/aws"
)

// Bootstrap manages the state bucket lifecycle.
type Bootstrap struct {
	s3     aws.S3API
	region string
	log    zerolog.Logger
}

// NewBootstrap creates the backend bootstrapper.
func NewBootstrap(s3Client aws.S3API, region string, log zerolog.Logger) *Bootstrap {
	return &Bootstrap{s3: s3Client, region: region, log: log.With().Str("component", "backend").Logger()}
}

// CreateStateBucket provisions a versioned, encrypted, private bucket for
// state snapshots. Creating a bucket that already belongs to us is fine.
func (b *Bootstrap) CreateStateBucket(ctx context.Context, bucket string) error {
	input := &s3.CreateBucketInput{Bucket: awssdk.String(bucket)}
	if b.region != "" && b.region != "us-east-1" {
		input.CreateBucketConfiguration = &s3.CreateBucketConfiguration{
			LocationConstraint: awssdk.String(b.region),
		}
	}
	if _, err := b.s3.CreateBucketWithContext(ctx, input); err != nil {
		wrapped := aws.WrapError("create state bucket", err)
		if wrapped.Code != engine.ErrCodeAlreadyExists {
			return wrapped
		}
	}

	// Versioning keeps every exported snapshot recoverable.
	if _, err := b.s3.PutBucketVersioningWithContext(ctx, &s3.PutBucketVersioningInput{
		Bucket: awssdk.String(bucket),
		VersioningConfiguration: &s3.VersioningConfiguration{
			Status: awssdk.String(s3.BucketVersioningStatusEnabled),
		},
	}); err != nil {
		return aws.WrapError("enable state bucket versioning", err)
	}

	if _, err := b.s3.PutPublicAccessBlockWithContext(ctx, &s3.PutPublicAccessBlockInput{
		Bucket: awssdk.String(bucket),
		PublicAccessBlockConfiguration: &s3.PublicAccessBlockConfiguration{
			BlockPublicAcls:       awssdk.Bool(true),
			BlockPublicPolicy:     awssdk.Bool(true),
			IgnorePublicAcls:      awssdk.Bool(true),
			RestrictPublicBuckets: awssdk.Bool(true),
		},
	}); err != nil {
		return aws.WrapError("block state bucket public access", err)
	}

	if _, err := b.s3.PutBucketEncryptionWithContext(ctx, &s3.PutBucketEncryptionInput{
		Bucket: awssdk.String(bucket),
		ServerSideEncryptionConfiguration: &s3.ServerSideEncryptionConfiguration{
			Rules: []*s3.ServerSideEncryptionRule{{
				ApplyServerSideEncryptionByDefault: &s3.ServerSideEncryptionByDefault{
					SSEAlgorithm: awssdk.String(s3.ServerSideEncryptionAes256),
				},
			}},
		},
	}); err != nil {
		return aws.WrapError("encrypt state bucket", err)
	}

	b.log.Info().Str("bucket", bucket).Str("region", b.region).Msg("state bucket ready")
	return nil
}

// DestroyStateBucket empties and removes the state bucket.
func (b *Bootstrap) DestroyStateBucket(ctx context.Context, bucket string) error {
	var token *string
	for {
		list, err := b.s3.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
			Bucket:            awssdk.String(bucket),
			ContinuationToken: token,
		})
		if err != nil {
			if aws.IsNotFound(err) {
				return nil
			}
			return aws.WrapError("list state objects", err)
		}
		if len(list.Contents) == 0 {
			break
		}

		objects := make([]*s3.ObjectIdentifier, 0, len(list.Contents))
		for _, obj := range list.Contents {
			objects = append(objects, &s3.ObjectIdentifier{Key: obj.Key})
		}
		if _, err := b.s3.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: awssdk.String(bucket),
			Delete: &s3.Delete{Objects: objects, Quiet: awssdk.Bool(true)},
		}); err != nil {
			return aws.WrapError("delete state objects", err)
		}

		if !awssdk.BoolValue(list.IsTruncated) {
			break
		}
		token = list.NextContinuationToken
	}

	if _, err := b.s3.DeleteBucketWithContext(ctx, &s3.DeleteBucketInput{
		Bucket: awssdk.String(bucket),
	}); err != nil && !aws.IsNotFound(err) {
		return aws.WrapError("delete state bucket", err)
	}

	b.log.Info().Str("bucket", bucket).Msg("state bucket removed")
	return nil
}

// Variable is one key/value fetched from the parameter store.
type Variable struct {
	Name  string
	Value string
	// Secure marks values that came from SecureString parameters.
	Secure bool
}

// VarsFetcher pulls stack variables from SSM Parameter Store.
type VarsFetcher struct {
	ssm aws.SSMAPI
	log zerolog.Logger
}

// NewVarsFetcher creates the fetcher.
func NewVarsFetcher(ssmClient aws.SSMAPI, log zerolog.Logger) *VarsFetcher {
	return &VarsFetcher{ssm: ssmClient, log: log.With().Str("component", "vars").Logger()}
}

// Fetch returns every parameter under the path, sorted by name, with
// SecureString values decrypted in flight. Names are trimmed to the last
// path segment.
func (f *VarsFetcher) Fetch(ctx context.Context, path string) ([]Variable, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, engine.NewPermanentError("parameter path must start with /", nil).
			WithCode(engine.ErrCodeValidation)
	}

	var vars []Variable
	var token *string
	for {
		out, err := f.ssm.GetParametersByPathWithContext(ctx, &ssm.GetParametersByPathInput{
			Path:           awssdk.String(path),
			Recursive:      awssdk.Bool(true),
			WithDecryption: awssdk.Bool(true),
			NextToken:      token,
		})
		if err != nil {
			return nil, engine.NewTransientError(fmt.Sprintf("failed to fetch parameters under %s", path), err).
				WithCode(engine.ErrCodeProviderFailed)
		}

		for _, param := range out.Parameters {
			name := awssdk.StringValue(param.Name)
			if idx := strings.LastIndex(name, "/"); idx >= 0 {
				name = name[idx+1:]
			}
			vars = append(vars, Variable{
				Name:   name,
				Value:  awssdk.StringValue(param.Value),
				Secure: awssdk.StringValue(param.Type) == ssm.ParameterTypeSecureString,
			})
		}

		if out.NextToken == nil {
			break
		}
		token = out.NextToken
	}

	sort.Slice(vars, func(i, j int) bool { return vars[i].Name < vars[j].Name })
	f.log.Info().Str("path", path).Int("count", len(vars)).Msg("variables fetched")
	return vars, nil
}
