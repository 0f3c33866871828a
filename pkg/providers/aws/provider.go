package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"

	awssdk "github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"

	"github.com/opentundra/opentundra/pkg/engine"
)

const (
	managedByTag = "opentundra:managed"
	resourceTag  = "opentundra:resource"
)

// decode unmarshals a configuration document into a typed payload.
func decode(raw json.RawMessage, out interface{}) *engine.EngineError {
	if err := json.Unmarshal(raw, out); err != nil {
		return engine.NewPermanentError("invalid configuration payload", err).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// diffDocs compares two state documents key by key and flags a recreate
// when an immutable key changed.
func diffDocs(desired, actual json.RawMessage, immutable ...string) ([]engine.Change, bool, error) {
	var want, have map[string]interface{}
	if len(desired) > 0 {
		if err := json.Unmarshal(desired, &want); err != nil {
			return nil, false, err
		}
	}
	if len(actual) > 0 {
		if err := json.Unmarshal(actual, &have); err != nil {
			return nil, false, err
		}
	}

	immutableSet := make(map[string]struct{}, len(immutable))
	for _, k := range immutable {
		immutableSet[k] = struct{}{}
	}

	keys := make(map[string]struct{}, len(want)+len(have))
	for k := range want {
		keys[k] = struct{}{}
	}
	for k := range have {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var changes []engine.Change
	recreate := false
	for _, k := range sorted {
		before, inHave := have[k]
		after, inWant := want[k]
		switch {
		case !inHave:
			changes = append(changes, engine.Change{Path: k, After: after, Action: engine.ChangeActionAdd})
		case !inWant:
			changes = append(changes, engine.Change{Path: k, Before: before, Action: engine.ChangeActionRemove})
		case !reflect.DeepEqual(before, after):
			changes = append(changes, engine.Change{Path: k, Before: before, After: after, Action: engine.ChangeActionModify})
		default:
			continue
		}
		if _, ok := immutableSet[k]; ok {
			recreate = true
		}
	}
	return changes, recreate, nil
}

// planFromDiff is the common Plan implementation: create when nothing
// exists, otherwise update or recreate from the document diff.
func planFromDiff(req *engine.PlanRequest, immutable ...string) (*engine.PlanResponse, error) {
	if len(req.ActualState) == 0 {
		return &engine.PlanResponse{Operation: engine.OperationCreate}, nil
	}

	changes, recreate, err := diffDocs(req.DesiredState, req.ActualState, immutable...)
	if err != nil {
		return nil, engine.NewPermanentError("failed to diff state documents", err).
			WithCode(engine.ErrCodeValidation)
	}
	if len(changes) == 0 {
		return &engine.PlanResponse{Operation: engine.OperationNoop}, nil
	}

	op := engine.OperationUpdate
	if recreate {
		op = engine.OperationRecreate
	}
	return &engine.PlanResponse{Operation: op, Changes: changes, RequiresRecreate: recreate}, nil
}

// marshalState encodes a provider's view of a resource for the state store.
func marshalState(v interface{}) (json.RawMessage, *engine.EngineError) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, engine.NewPermanentError("failed to encode resource state", err).
			WithCode(engine.ErrCodeInternal)
	}
	return data, nil
}

// jsonList encodes a list-valued output as a JSON array so cross-resource
// references can expand it element by element.
func jsonList(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// ec2Tags converts a tag map plus the managed-by markers into EC2 tags.
func ec2Tags(resourceID, name string, tags map[string]string) []*ec2.Tag {
	out := []*ec2.Tag{
		{Key: awssdk.String("Name"), Value: awssdk.String(name)},
		{Key: awssdk.String(managedByTag), Value: awssdk.String("true")},
		{Key: awssdk.String(resourceTag), Value: awssdk.String(resourceID)},
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, &ec2.Tag{Key: awssdk.String(k), Value: awssdk.String(tags[k])})
	}
	return out
}

// stringMapTags converts a tag map for services that take map[string]*string.
func stringMapTags(tags map[string]string) map[string]*string {
	out := map[string]*string{managedByTag: awssdk.String("true")}
	for k, v := range tags {
		out[k] = awssdk.String(v)
	}
	return out
}

// waitFor polls check until it reports done, the context expires, or the
// deadline passes. AWS control planes converge slowly so the poll interval
// is coarse.
func waitFor(ctx context.Context, interval, timeout time.Duration, what string, check func(ctx context.Context) (bool, error)) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if time.Now().After(deadline) {
			return engine.NewTransientError(fmt.Sprintf("timed out waiting for %s", what), nil).
				WithCode(engine.ErrCodeTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
