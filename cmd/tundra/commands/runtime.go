package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opentundra/opentundra/pkg/config"
	"github.com/opentundra/opentundra/pkg/engine"
	"github.com/opentundra/opentundra/pkg/providers/aws"
	"github.com/opentundra/opentundra/pkg/providers/helm"
	"github.com/opentundra/opentundra/pkg/stores"
	"github.com/opentundra/opentundra/pkg/telemetry"
)

const eksClusterType = "aws.eks_cluster"

// workspace bundles everything a command needs to plan or apply a stack:
// the parsed config, the state store and the wired engine components.
type workspace struct {
	stack     *engine.StackConfig
	store     *stores.SQLiteStore
	clients   *aws.Clients
	registry  *engine.Registry
	planner   *engine.DefaultPlanner
	events    *engine.MemoryPublisher
	executor  *engine.DefaultExecutor
	scheduler *engine.ParallelScheduler
	drift     *engine.DefaultDriftDetector
}

func (w *workspace) Close() {
	if w.store != nil {
		if err := w.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close state store")
		}
	}
}

// loadStack parses and validates the configured stack sources.
func loadStack(ctx context.Context) (*engine.StackConfig, error) {
	parser := config.NewCUEParser()
	return parser.Evaluate(ctx, []string{configPath})
}

// openStore opens the workspace SQLite store, running migrations.
func openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: filepath.Join(dataDir, "tundra.db"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// openWorkspace loads the stack, opens the store and wires the provider
// registry and engine components for the stack's region.
func openWorkspace(ctx context.Context) (*workspace, error) {
	stack, err := loadStack(ctx)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	clients, err := aws.NewClients(stack.Region)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create AWS clients: %w", err)
	}

	logger := telemetry.LoggerFromContext(ctx)

	registry := engine.NewRegistry()
	if err := aws.Register(registry, clients, logger); err != nil {
		store.Close()
		return nil, err
	}

	factory := helmClientFactory(store, stack.Region, filepath.Join(dataDir, "kubeconfigs"), logger)
	if err := registry.Register(helm.NewReleaseProvider(factory, logger)); err != nil {
		store.Close()
		return nil, err
	}

	events := engine.NewMemoryPublisher(store)
	executor := engine.NewExecutor(registry, store, logger)

	return &workspace{
		stack:     stack,
		store:     store,
		clients:   clients,
		registry:  registry,
		planner:   engine.NewPlanner(registry, store),
		events:    events,
		executor:  executor,
		scheduler: engine.NewParallelScheduler(0, executor, events, store, logger),
		drift:     engine.NewDriftDetector(registry, store, events, logger),
	}, nil
}

// helmClientFactory builds Helm release clients from cluster outputs held
// in state. The kubeconfig is regenerated on every call so releases always
// target the cluster's current endpoint.
func helmClientFactory(store *stores.SQLiteStore, region, kubeDir string, logger zerolog.Logger) helm.ClientFactory {
	return func(clusterName, namespace string) (helm.ReleaseClient, error) {
		ctx := context.Background()

		resources, err := store.ListResources(ctx)
		if err != nil {
			return nil, err
		}

		var creds helm.ClusterCredentials
		for i := range resources {
			res := &resources[i]
			if res.Type != eksClusterType || res.Outputs["cluster_name"] != clusterName {
				continue
			}
			creds = helm.ClusterCredentials{
				Name:                 clusterName,
				Endpoint:             res.Outputs["endpoint"],
				CertificateAuthority: res.Outputs["ca_data"],
				Region:               region,
			}
			break
		}
		if creds.Name == "" {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("cluster %s is not in state; apply it before installing releases", clusterName), nil).
				WithCode(engine.ErrCodeNotFound)
		}

		kubeconfig, err := helm.WriteKubeconfig(kubeDir, creds)
		if err != nil {
			return nil, err
		}
		return helm.NewClient(helm.RESTGetterForKubeconfig(kubeconfig, namespace), namespace, logger)
	}
}

// buildPlan computes the diff for the stack and assembles the ordered plan
// with its execution graph attached.
func buildPlan(ctx context.Context, w *workspace, stack *engine.StackConfig) (*engine.Plan, error) {
	diff, err := w.planner.ComputeDiff(ctx, stack)
	if err != nil {
		return nil, err
	}
	plan, err := w.planner.BuildPlan(ctx, stack, diff)
	if err != nil {
		return nil, err
	}
	if _, err := w.planner.BuildDAG(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// tracingEndpoint returns the OTLP collector address, empty when tracing
// is off. Controlled by TUNDRA_OTLP_ENDPOINT.
func tracingEndpoint() string {
	return os.Getenv("TUNDRA_OTLP_ENDPOINT")
}

func tracingEnabled() bool {
	return tracingEndpoint() != ""
}

// lockHolder identifies this process for the stack-wide advisory lock.
func lockHolder() string {
	user := os.Getenv("USER")
	if user == "" {
		user = "unknown"
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return fmt.Sprintf("%s@%s/%d", user, host, os.Getpid())
}
