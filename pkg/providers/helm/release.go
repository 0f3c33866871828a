package helm

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"time"

	"github.com/rs/zerolog"
	"helm.sh/helm/v3/pkg/storage/driver"

	"github.com/opentundra/opentundra/pkg/config"
	"github.com/opentundra/opentundra/pkg/engine"
)

// ClientFactory opens a release client for a cluster and namespace. The
// CLI wires this to kubeconfigs materialized from cluster outputs; tests
// substitute fakes.
type ClientFactory func(clusterName, namespace string) (ReleaseClient, error)

// ReleaseProvider manages a k8s.helm_release resource.
type ReleaseProvider struct {
	clients ClientFactory
	log     zerolog.Logger
}

type releaseState struct {
	Name        string `json:"name"`
	Namespace   string `json:"namespace"`
	ClusterName string `json:"cluster_name"`

	Chart   string `json:"chart"`
	Version string `json:"version,omitempty"`

	Values   map[string]interface{} `json:"values,omitempty"`
	Revision int                    `json:"revision,omitempty"`
	Status   string                 `json:"status,omitempty"`
}

// NewReleaseProvider creates the provider.
func NewReleaseProvider(clients ClientFactory, log zerolog.Logger) *ReleaseProvider {
	return &ReleaseProvider{clients: clients, log: log.With().Str("provider", "k8s.helm_release").Logger()}
}

func (p *ReleaseProvider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Name:           "k8s.helm_release",
		Version:        "1.0.0",
		Description:    "Helm release for cluster add-ons",
		DefaultTimeout: 10 * time.Minute,
	}
}

func (p *ReleaseProvider) Validate(ctx context.Context, cfg json.RawMessage) error {
	var c config.HelmReleaseConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return engine.NewPermanentError("invalid configuration payload", err).
			WithCode(engine.ErrCodeValidation)
	}
	if c.Name == "" || c.Namespace == "" || c.Chart == "" || c.ClusterName == "" {
		return engine.NewPermanentError("release name, namespace, chart and cluster_name are required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

func (p *ReleaseProvider) Read(ctx context.Context, req engine.ReadRequest) (*engine.ReadResponse, error) {
	var state releaseState
	if len(req.State) == 0 {
		return &engine.ReadResponse{Exists: false}, nil
	}
	if err := json.Unmarshal(req.State, &state); err != nil {
		return nil, engine.NewPermanentError("invalid state payload", err).
			WithCode(engine.ErrCodeValidation)
	}
	if state.Name == "" {
		return &engine.ReadResponse{Exists: false}, nil
	}

	client, err := p.clients(state.ClusterName, state.Namespace)
	if err != nil {
		return nil, engine.NewTransientError("failed to reach cluster "+state.ClusterName, err).
			WithCode(engine.ErrCodeProviderFailed)
	}

	rel, err := client.Status(state.Name)
	if err != nil {
		if errors.Is(err, driver.ErrReleaseNotFound) {
			return &engine.ReadResponse{Exists: false}, nil
		}
		return nil, engine.NewTransientError("failed to read release "+state.Name, err).
			WithCode(engine.ErrCodeProviderFailed)
	}

	state.Revision = rel.Version
	state.Status = string(rel.Info.Status)
	state.Values = rel.Config
	if rel.Chart != nil && rel.Chart.Metadata != nil {
		state.Version = rel.Chart.Metadata.Version
	}

	doc, err := json.Marshal(state)
	if err != nil {
		return nil, engine.NewPermanentError("failed to encode release state", err).
			WithCode(engine.ErrCodeInternal)
	}
	return &engine.ReadResponse{Exists: true, State: doc}, nil
}

// Plan decides by Helm semantics rather than a generic document diff:
// moving a release across clusters or namespaces means replacing it, chart
// or value changes roll out in place.
func (p *ReleaseProvider) Plan(ctx context.Context, req engine.PlanRequest) (*engine.PlanResponse, error) {
	if len(req.ActualState) == 0 {
		return &engine.PlanResponse{Operation: engine.OperationCreate}, nil
	}

	var cfg config.HelmReleaseConfig
	if err := json.Unmarshal(req.DesiredState, &cfg); err != nil {
		return nil, engine.NewPermanentError("invalid configuration payload", err).
			WithCode(engine.ErrCodeValidation)
	}
	var state releaseState
	if err := json.Unmarshal(req.ActualState, &state); err != nil {
		return nil, engine.NewPermanentError("invalid state payload", err).
			WithCode(engine.ErrCodeValidation)
	}

	if cfg.Name != state.Name || cfg.Namespace != state.Namespace || cfg.ClusterName != state.ClusterName {
		return &engine.PlanResponse{
			Operation:        engine.OperationRecreate,
			RequiresRecreate: true,
			Changes: []engine.Change{{
				Path:   "release",
				Before: state.Namespace + "/" + state.Name,
				After:  cfg.Namespace + "/" + cfg.Name,
				Action: engine.ChangeActionModify,
			}},
		}, nil
	}

	var changes []engine.Change
	if cfg.Chart != state.Chart {
		changes = append(changes, engine.Change{Path: "chart", Before: state.Chart, After: cfg.Chart, Action: engine.ChangeActionModify})
	}
	if cfg.Version != state.Version {
		changes = append(changes, engine.Change{Path: "version", Before: state.Version, After: cfg.Version, Action: engine.ChangeActionModify})
	}
	if !reflect.DeepEqual(normalizeValues(cfg.Values), normalizeValues(state.Values)) {
		changes = append(changes, engine.Change{Path: "values", Action: engine.ChangeActionModify})
	}

	if len(changes) == 0 {
		return &engine.PlanResponse{Operation: engine.OperationNoop}, nil
	}
	return &engine.PlanResponse{Operation: engine.OperationUpdate, Changes: changes}, nil
}

func (p *ReleaseProvider) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResponse, error) {
	var cfg config.HelmReleaseConfig
	if err := json.Unmarshal(req.DesiredState, &cfg); err != nil {
		return nil, engine.NewPermanentError("invalid configuration payload", err).
			WithCode(engine.ErrCodeValidation)
	}

	client, err := p.clients(cfg.ClusterName, cfg.Namespace)
	if err != nil {
		return nil, engine.NewTransientError("failed to reach cluster "+cfg.ClusterName, err).
			WithCode(engine.ErrCodeProviderFailed)
	}

	timeout := 5 * time.Minute
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	rel, err := client.InstallOrUpgrade(ctx, ReleaseSpec{
		Name:            cfg.Name,
		Namespace:       cfg.Namespace,
		Chart:           cfg.Chart,
		Repository:      cfg.Repository,
		Version:         cfg.Version,
		Values:          cfg.Values,
		CreateNamespace: cfg.CreateNamespace,
		Wait:            cfg.Wait,
		Timeout:         timeout,
	})
	if err != nil {
		return nil, engine.NewTransientError("release rollout failed", err).
			WithCode(engine.ErrCodeProviderFailed).
			WithOperation("install or upgrade release")
	}

	state := releaseState{
		Name:        cfg.Name,
		Namespace:   cfg.Namespace,
		ClusterName: cfg.ClusterName,
		Chart:       cfg.Chart,
		Version:     cfg.Version,
		Values:      cfg.Values,
		Revision:    rel.Version,
		Status:      string(rel.Info.Status),
	}
	doc, encErr := json.Marshal(state)
	if encErr != nil {
		return nil, engine.NewPermanentError("failed to encode release state", encErr).
			WithCode(engine.ErrCodeInternal)
	}

	p.log.Info().Str("release", cfg.Name).Int("revision", rel.Version).Msg("release converged")
	return &engine.ApplyResponse{
		NewState: doc,
		Outputs: map[string]string{
			"release_name": state.Name,
			"namespace":    state.Namespace,
			"status":       state.Status,
		},
	}, nil
}

func (p *ReleaseProvider) Destroy(ctx context.Context, req engine.DestroyRequest) (*engine.DestroyResponse, error) {
	var state releaseState
	if len(req.State) == 0 {
		return &engine.DestroyResponse{Destroyed: true}, nil
	}
	if err := json.Unmarshal(req.State, &state); err != nil {
		return nil, engine.NewPermanentError("invalid state payload", err).
			WithCode(engine.ErrCodeValidation)
	}
	if state.Name == "" {
		return &engine.DestroyResponse{Destroyed: true}, nil
	}

	client, err := p.clients(state.ClusterName, state.Namespace)
	if err != nil {
		return nil, engine.NewTransientError("failed to reach cluster "+state.ClusterName, err).
			WithCode(engine.ErrCodeProviderFailed)
	}
	if err := client.Uninstall(state.Name); err != nil {
		return nil, engine.NewTransientError("failed to uninstall release "+state.Name, err).
			WithCode(engine.ErrCodeProviderFailed)
	}

	p.log.Info().Str("release", state.Name).Msg("release removed")
	return &engine.DestroyResponse{Destroyed: true}, nil
}

// normalizeValues round-trips through JSON so typed and decoded value maps
// compare equal.
func normalizeValues(values map[string]interface{}) map[string]interface{} {
	if len(values) == 0 {
		return nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return values
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return values
	}
	return out
}
