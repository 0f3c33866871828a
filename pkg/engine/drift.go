package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// DefaultDriftDetector compares the stored state of resources against what
// the cloud actually reports, via each provider's Read.
type DefaultDriftDetector struct {
	providers ProviderRegistry
	state     StateManager
	events    EventPublisher
	log       zerolog.Logger
	metrics   MetricsSink
}

// NewDriftDetector creates a drift detector.
func NewDriftDetector(providers ProviderRegistry, state StateManager, events EventPublisher, log zerolog.Logger) *DefaultDriftDetector {
	return &DefaultDriftDetector{
		providers: providers,
		state:     state,
		events:    events,
		log:       log.With().Str("component", "drift").Logger(),
	}
}

// SetMetrics attaches a metrics sink for drift outcome counters. A nil
// sink disables collection.
func (d *DefaultDriftDetector) SetMetrics(metrics MetricsSink) {
	d.metrics = metrics
}

// DetectDrift inspects a single resource.
func (d *DefaultDriftDetector) DetectDrift(ctx context.Context, resourceID string) (*DriftReport, error) {
	res, err := d.state.GetResource(ctx, resourceID)
	if err != nil {
		return nil, NewPermanentError(
			fmt.Sprintf("resource %s not found in state", resourceID), err).
			WithCode(ErrCodeNotFound).WithResource(resourceID)
	}
	return d.inspect(ctx, res)
}

// DetectAll inspects every resource held in state.
func (d *DefaultDriftDetector) DetectAll(ctx context.Context) ([]DriftReport, error) {
	resources, err := d.state.ListResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}

	reports := make([]DriftReport, 0, len(resources))
	for i := range resources {
		report, err := d.inspect(ctx, &resources[i])
		if err != nil {
			d.log.Warn().Err(err).Str("resource_id", resources[i].ID).
				Msg("drift inspection failed")
			reports = append(reports, DriftReport{
				ResourceID: resources[i].ID,
				Status:     DriftStatusUnknown,
				DetectedAt: time.Now(),
			})
			continue
		}
		reports = append(reports, *report)
	}
	return reports, nil
}

func (d *DefaultDriftDetector) inspect(ctx context.Context, res *Resource) (*DriftReport, error) {
	provider, err := d.providers.Get(res.Type)
	if err != nil {
		return nil, NewPermanentError(
			fmt.Sprintf("no provider for resource type %s", res.Type), err).
			WithCode(ErrCodeProviderFailed).WithResource(res.ID)
	}

	resp, err := provider.Read(ctx, ReadRequest{
		ResourceID: res.ID,
		Config:     res.Config,
		State:      res.State,
	})
	if err != nil {
		return nil, fmt.Errorf("provider read failed for %s: %w", res.ID, err)
	}

	report := &DriftReport{
		ResourceID:   res.ID,
		DetectedAt:   time.Now(),
		DesiredState: res.State,
	}

	if !resp.Exists {
		report.Status = DriftStatusGone
		d.recordDrift(res.Type, report.Status)
		d.publishDrift(ctx, report, "resource no longer exists")
		return report, nil
	}
	report.ActualState = resp.State

	drifts, err := diffStates(res.State, resp.State)
	if err != nil {
		return nil, fmt.Errorf("failed to diff states for %s: %w", res.ID, err)
	}
	if len(drifts) == 0 {
		report.Status = DriftStatusInSync
		d.recordDrift(res.Type, report.Status)
		return report, nil
	}

	report.Status = DriftStatusDrifted
	report.Drifts = drifts
	d.recordDrift(res.Type, report.Status)
	d.publishDrift(ctx, report, fmt.Sprintf("%d attributes drifted", len(drifts)))
	return report, nil
}

func (d *DefaultDriftDetector) recordDrift(resourceType string, status DriftStatus) {
	if d.metrics == nil {
		return
	}
	d.metrics.DriftDetected(resourceType, string(status))
}

func (d *DefaultDriftDetector) publishDrift(ctx context.Context, report *DriftReport, message string) {
	if d.events == nil {
		return
	}
	_ = d.events.Publish(ctx, &Event{
		Type:       EventTypeDriftDetected,
		Timestamp:  report.DetectedAt,
		ResourceID: report.ResourceID,
		Message:    message,
		Level:      EventTypeDriftDetected.Severity(),
	})
}

// diffStates produces per-path changes between two JSON state documents.
// Only top-level attributes are compared individually; nested structures
// are compared as whole values.
func diffStates(stored, actual json.RawMessage) ([]Change, error) {
	var storedDoc, actualDoc map[string]interface{}
	if len(stored) > 0 {
		if err := json.Unmarshal(stored, &storedDoc); err != nil {
			return nil, err
		}
	}
	if len(actual) > 0 {
		if err := json.Unmarshal(actual, &actualDoc); err != nil {
			return nil, err
		}
	}

	keys := make(map[string]struct{}, len(storedDoc)+len(actualDoc))
	for k := range storedDoc {
		keys[k] = struct{}{}
	}
	for k := range actualDoc {
		keys[k] = struct{}{}
	}

	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	changes := make([]Change, 0)
	for _, k := range ordered {
		before, hasBefore := storedDoc[k]
		after, hasAfter := actualDoc[k]
		switch {
		case hasBefore && !hasAfter:
			changes = append(changes, Change{Path: k, Before: before, Action: ChangeActionRemove})
		case !hasBefore && hasAfter:
			changes = append(changes, Change{Path: k, After: after, Action: ChangeActionAdd})
		case !reflect.DeepEqual(before, after):
			changes = append(changes, Change{Path: k, Before: before, After: after, Action: ChangeActionModify})
		}
	}
	return changes, nil
}
