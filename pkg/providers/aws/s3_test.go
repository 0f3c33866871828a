package aws

import (
	"context"
	"encoding/json"
	"testing"

	awssdk "github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/rs/zerolog"

	"github.com/opentundra/opentundra/pkg/engine"
)

type fakeS3 struct {
	S3API

	objects []string // keys still in the bucket

	createdBuckets []*s3.CreateBucketInput
	versioning     []*s3.PutBucketVersioningInput
	publicBlocks   []*s3.PutPublicAccessBlockInput
	encryption     []*s3.PutBucketEncryptionInput
	lifecycles     []*s3.PutBucketLifecycleConfigurationInput
	deletedBuckets []*s3.DeleteBucketInput
	deleteBatches  [][]string
}

func (f *fakeS3) CreateBucketWithContext(_ awssdk.Context, in *s3.CreateBucketInput, _ ...request.Option) (*s3.CreateBucketOutput, error) {
	f.createdBuckets = append(f.createdBuckets, in)
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) PutBucketVersioningWithContext(_ awssdk.Context, in *s3.PutBucketVersioningInput, _ ...request.Option) (*s3.PutBucketVersioningOutput, error) {
	f.versioning = append(f.versioning, in)
	return &s3.PutBucketVersioningOutput{}, nil
}

func (f *fakeS3) PutPublicAccessBlockWithContext(_ awssdk.Context, in *s3.PutPublicAccessBlockInput, _ ...request.Option) (*s3.PutPublicAccessBlockOutput, error) {
	f.publicBlocks = append(f.publicBlocks, in)
	return &s3.PutPublicAccessBlockOutput{}, nil
}

func (f *fakeS3) PutBucketEncryptionWithContext(_ awssdk.Context, in *s3.PutBucketEncryptionInput, _ ...request.Option) (*s3.PutBucketEncryptionOutput, error) {
	f.encryption = append(f.encryption, in)
	return &s3.PutBucketEncryptionOutput{}, nil
}

func (f *fakeS3) PutBucketLifecycleConfigurationWithContext(_ awssdk.Context, in *s3.PutBucketLifecycleConfigurationInput, _ ...request.Option) (*s3.PutBucketLifecycleConfigurationOutput, error) {
	f.lifecycles = append(f.lifecycles, in)
	return &s3.PutBucketLifecycleConfigurationOutput{}, nil
}

func (f *fakeS3) ListObjectsV2WithContext(_ awssdk.Context, in *s3.ListObjectsV2Input, _ ...request.Option) (*s3.ListObjectsV2Output, error) {
	out := &s3.ListObjectsV2Output{IsTruncated: awssdk.Bool(false)}
	for _, key := range f.objects {
		out.Contents = append(out.Contents, &s3.Object{Key: awssdk.String(key)})
	}
	return out, nil
}

func (f *fakeS3) DeleteObjectsWithContext(_ awssdk.Context, in *s3.DeleteObjectsInput, _ ...request.Option) (*s3.DeleteObjectsOutput, error) {
	var batch []string
	for _, obj := range in.Delete.Objects {
		batch = append(batch, awssdk.StringValue(obj.Key))
	}
	f.deleteBatches = append(f.deleteBatches, batch)
	f.objects = nil
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) DeleteBucketWithContext(_ awssdk.Context, in *s3.DeleteBucketInput, _ ...request.Option) (*s3.DeleteBucketOutput, error) {
	f.deletedBuckets = append(f.deletedBuckets, in)
	return &s3.DeleteBucketOutput{}, nil
}

func TestS3BucketProvider_ApplyCreate(t *testing.T) {
	fake := &fakeS3{}
	p := NewS3BucketProvider(fake, "eu-west-1", zerolog.Nop())

	resp, err := p.Apply(context.Background(), engine.ApplyRequest{
		ResourceID: "artifacts",
		DesiredState: json.RawMessage(`{
			"bucket": "opentundra-artifacts",
			"versioning": true,
			"block_public": true,
			"encrypt_sse_s3": true
		}`),
		Operation: engine.OperationCreate,
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if len(fake.createdBuckets) != 1 {
		t.Fatalf("created %d buckets, want 1", len(fake.createdBuckets))
	}
	loc := fake.createdBuckets[0].CreateBucketConfiguration
	if loc == nil || awssdk.StringValue(loc.LocationConstraint) != "eu-west-1" {
		t.Error("expected location constraint for eu-west-1")
	}
	if len(fake.versioning) != 1 || len(fake.publicBlocks) != 1 || len(fake.encryption) != 1 {
		t.Errorf("versioning=%d publicBlocks=%d encryption=%d, want 1 each",
			len(fake.versioning), len(fake.publicBlocks), len(fake.encryption))
	}
	if resp.Outputs["bucket"] != "opentundra-artifacts" {
		t.Errorf("bucket output = %q", resp.Outputs["bucket"])
	}

	var state s3State
	if err := json.Unmarshal(resp.NewState, &state); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if !state.Versioning || !state.BlockPublic || !state.Encrypted {
		t.Errorf("state = %+v", state)
	}
}

func TestS3BucketProvider_Validate_StorageClass(t *testing.T) {
	p := NewS3BucketProvider(&fakeS3{}, "eu-west-1", zerolog.Nop())
	ctx := context.Background()

	tests := []struct {
		name    string
		config  string
		wantErr bool
	}{
		{"no storage class", `{"bucket":"logs"}`, false},
		{"glacier", `{"bucket":"logs","storage_class":"GLACIER"}`, false},
		{"onezone ia", `{"bucket":"logs","storage_class":"ONEZONE_IA"}`, false},
		{"unsupported class", `{"bucket":"logs","storage_class":"DEEP_ARCHIVE"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Validate(ctx, json.RawMessage(tt.config))
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestS3BucketProvider_ApplyStorageClassTransition(t *testing.T) {
	fake := &fakeS3{}
	p := NewS3BucketProvider(fake, "eu-west-1", zerolog.Nop())

	resp, err := p.Apply(context.Background(), engine.ApplyRequest{
		ResourceID: "archive",
		DesiredState: json.RawMessage(`{
			"bucket": "opentundra-archive",
			"storage_class": "STANDARD_IA"
		}`),
		Operation: engine.OperationCreate,
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if len(fake.lifecycles) != 1 {
		t.Fatalf("lifecycle calls = %d, want 1", len(fake.lifecycles))
	}
	rule := fake.lifecycles[0].LifecycleConfiguration.Rules[0]
	if awssdk.StringValue(rule.Transitions[0].StorageClass) != "STANDARD_IA" {
		t.Errorf("transition class = %q", awssdk.StringValue(rule.Transitions[0].StorageClass))
	}

	var state s3State
	if err := json.Unmarshal(resp.NewState, &state); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if state.StorageClass != "STANDARD_IA" {
		t.Errorf("state storage class = %q", state.StorageClass)
	}
}

func TestS3BucketProvider_ApplyStandardSkipsLifecycle(t *testing.T) {
	fake := &fakeS3{}
	p := NewS3BucketProvider(fake, "eu-west-1", zerolog.Nop())

	if _, err := p.Apply(context.Background(), engine.ApplyRequest{
		ResourceID:   "archive",
		DesiredState: json.RawMessage(`{"bucket":"opentundra-archive","storage_class":"STANDARD"}`),
	}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(fake.lifecycles) != 0 {
		t.Error("STANDARD must not install a lifecycle rule")
	}
}

func TestS3BucketProvider_ApplyUsEast1OmitsLocation(t *testing.T) {
	fake := &fakeS3{}
	p := NewS3BucketProvider(fake, "us-east-1", zerolog.Nop())

	_, err := p.Apply(context.Background(), engine.ApplyRequest{
		ResourceID:   "artifacts",
		DesiredState: json.RawMessage(`{"bucket":"opentundra-artifacts"}`),
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if fake.createdBuckets[0].CreateBucketConfiguration != nil {
		t.Error("us-east-1 must not carry a location constraint")
	}
}

func TestS3BucketProvider_DestroyForceEmptiesBucket(t *testing.T) {
	fake := &fakeS3{objects: []string{"charts/app-1.tgz", "charts/app-2.tgz"}}
	p := NewS3BucketProvider(fake, "eu-west-1", zerolog.Nop())

	state, _ := json.Marshal(s3State{Bucket: "opentundra-artifacts", ForceDestroy: true})
	resp, err := p.Destroy(context.Background(), engine.DestroyRequest{
		ResourceID: "artifacts",
		State:      state,
	})
	if err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if !resp.Destroyed {
		t.Error("expected Destroyed")
	}
	if len(fake.deleteBatches) != 1 || len(fake.deleteBatches[0]) != 2 {
		t.Errorf("delete batches = %v", fake.deleteBatches)
	}
	if len(fake.deletedBuckets) != 1 {
		t.Errorf("bucket delete calls = %d, want 1", len(fake.deletedBuckets))
	}
}

func TestS3BucketProvider_DestroyWithoutForceSkipsObjects(t *testing.T) {
	fake := &fakeS3{objects: []string{"kept.txt"}}
	p := NewS3BucketProvider(fake, "eu-west-1", zerolog.Nop())

	state, _ := json.Marshal(s3State{Bucket: "opentundra-artifacts"})
	if _, err := p.Destroy(context.Background(), engine.DestroyRequest{
		ResourceID: "artifacts",
		State:      state,
	}); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if len(fake.deleteBatches) != 0 {
		t.Error("objects must not be deleted without force_destroy")
	}
}
