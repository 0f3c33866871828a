// Package helm implements the k8s.helm_release provider for cluster
// add-ons: release installation, upgrade and removal through the Helm
// action API.
package helm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/cli"
	"helm.sh/helm/v3/pkg/release"
	"helm.sh/helm/v3/pkg/storage/driver"
	"k8s.io/cli-runtime/pkg/genericclioptions"
)

// Release information lives in Secrets in the release namespace.
const secretStorageDriver = "secret"

// ReleaseSpec describes one desired chart installation.
type ReleaseSpec struct {
	Name       string
	Namespace  string
	Chart      string
	Repository string
	Version    string

	Values          map[string]interface{}
	CreateNamespace bool
	Wait            bool
	Timeout         time.Duration
}

// ReleaseClient is the subset of Helm operations the provider needs, kept
// narrow so tests can fake it.
type ReleaseClient interface {
	Status(name string) (*release.Release, error)
	InstallOrUpgrade(ctx context.Context, spec ReleaseSpec) (*release.Release, error)
	Uninstall(name string) error
}

// Client drives the Helm action API against one cluster and namespace.
type Client struct {
	actionConfig *action.Configuration
	settings     *cli.EnvSettings
	namespace    string
	log          zerolog.Logger
}

// NewClient initializes the action configuration for the target namespace.
func NewClient(restGetter genericclioptions.RESTClientGetter, namespace string, log zerolog.Logger) (*Client, error) {
	actionConfig := new(action.Configuration)
	helmLog := func(format string, args ...interface{}) {
		log.Debug().Msgf(format, args...)
	}
	if err := actionConfig.Init(restGetter, namespace, secretStorageDriver, helmLog); err != nil {
		return nil, fmt.Errorf("initialize helm action config: %w", err)
	}
	return &Client{
		actionConfig: actionConfig,
		settings:     cli.New(),
		namespace:    namespace,
		log:          log.With().Str("namespace", namespace).Logger(),
	}, nil
}

// RESTGetterForKubeconfig builds a client getter from a kubeconfig path.
func RESTGetterForKubeconfig(kubeconfig, namespace string) genericclioptions.RESTClientGetter {
	flags := genericclioptions.NewConfigFlags(false)
	flags.KubeConfig = &kubeconfig
	flags.Namespace = &namespace
	return flags
}

// Status returns the last deployed revision of a release.
func (c *Client) Status(name string) (*release.Release, error) {
	return c.actionConfig.Releases.Last(name)
}

// InstallOrUpgrade converges the release to the spec: install when it does
// not exist yet, upgrade otherwise.
func (c *Client) InstallOrUpgrade(ctx context.Context, spec ReleaseSpec) (*release.Release, error) {
	if _, err := c.actionConfig.Releases.Last(spec.Name); err != nil {
		if !errors.Is(err, driver.ErrReleaseNotFound) {
			return nil, fmt.Errorf("look up release %s: %w", spec.Name, err)
		}
		return c.install(ctx, spec)
	}
	return c.upgrade(ctx, spec)
}

// Uninstall removes the release. A release that is already gone is fine.
func (c *Client) Uninstall(name string) error {
	uninstall := action.NewUninstall(c.actionConfig)
	if _, err := uninstall.Run(name); err != nil && !errors.Is(err, driver.ErrReleaseNotFound) {
		return fmt.Errorf("uninstall release %s: %w", name, err)
	}
	return nil
}

func (c *Client) install(ctx context.Context, spec ReleaseSpec) (*release.Release, error) {
	install := action.NewInstall(c.actionConfig)
	install.ReleaseName = spec.Name
	install.Namespace = spec.Namespace
	install.CreateNamespace = spec.CreateNamespace
	install.Wait = spec.Wait
	install.Timeout = spec.Timeout
	install.ChartPathOptions.RepoURL = spec.Repository
	install.ChartPathOptions.Version = spec.Version

	ch, err := c.loadChart(&install.ChartPathOptions, spec.Chart)
	if err != nil {
		return nil, err
	}

	c.log.Info().Str("release", spec.Name).Str("chart", spec.Chart).
		Str("version", spec.Version).Msg("installing release")
	rel, err := install.RunWithContext(ctx, ch, spec.Values)
	if err != nil {
		return nil, fmt.Errorf("install release %s: %w", spec.Name, err)
	}
	return rel, nil
}

func (c *Client) upgrade(ctx context.Context, spec ReleaseSpec) (*release.Release, error) {
	upgrade := action.NewUpgrade(c.actionConfig)
	upgrade.Namespace = spec.Namespace
	upgrade.Wait = spec.Wait
	upgrade.Timeout = spec.Timeout
	upgrade.ChartPathOptions.RepoURL = spec.Repository
	upgrade.ChartPathOptions.Version = spec.Version

	ch, err := c.loadChart(&upgrade.ChartPathOptions, spec.Chart)
	if err != nil {
		return nil, err
	}

	c.log.Info().Str("release", spec.Name).Str("chart", spec.Chart).
		Str("version", spec.Version).Msg("upgrading release")
	rel, err := upgrade.RunWithContext(ctx, spec.Name, ch, spec.Values)
	if err != nil {
		return nil, fmt.Errorf("upgrade release %s: %w", spec.Name, err)
	}
	return rel, nil
}

// loadChart resolves the chart reference through the repository options and
// loads it from the resulting path.
func (c *Client) loadChart(opts *action.ChartPathOptions, chartRef string) (*chart.Chart, error) {
	path, err := opts.LocateChart(chartRef, c.settings)
	if err != nil {
		return nil, fmt.Errorf("locate chart %s: %w", chartRef, err)
	}
	ch, err := loader.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load chart %s: %w", chartRef, err)
	}
	return ch, nil
}
