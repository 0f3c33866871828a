package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Loader reads .rego policy files from disk. Policy metadata comes from
// comment headers:
//
//	# description: S3 buckets must be encrypted
//	# severity: error
//	# tags: s3, security
type Loader struct {
	log zerolog.Logger
}

// NewLoader creates a loader.
func NewLoader(log zerolog.Logger) *Loader {
	return &Loader{log: log.With().Str("component", "policy-loader").Logger()}
}

// LoadFromPaths loads policies from files and directories. Directories are
// walked recursively; unreadable files are skipped with a warning.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	for _, path := range paths {
		policies, err := l.loadPath(path)
		if err != nil {
			return nil, fmt.Errorf("load policies from %s: %w", path, err)
		}
		all = append(all, policies...)
	}
	return all, nil
}

// Watch invokes onChange whenever a policy file under the given paths is
// written or created. It blocks until ctx is cancelled.
func (l *Loader) Watch(ctx context.Context, paths []string, onChange func(path string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	for _, path := range paths {
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, ".rego") {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				l.log.Debug().Str("path", ev.Name).Msg("policy file changed")
				onChange(ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.log.Warn().Err(err).Msg("policy watcher error")
		}
	}
}

func (l *Loader) loadPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		p, err := l.loadFile(path)
		if err != nil {
			return nil, err
		}
		return []Policy{p}, nil
	}

	var policies []Policy
	err = filepath.WalkDir(path, func(file string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(file, ".rego") {
			return nil
		}
		p, loadErr := l.loadFile(file)
		if loadErr != nil {
			l.log.Warn().Err(loadErr).Str("path", file).Msg("skipping unreadable policy file")
			return nil
		}
		policies = append(policies, p)
		return nil
	})
	return policies, err
}

func (l *Loader) loadFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, err
	}

	name := strings.TrimSuffix(filepath.Base(path), ".rego")
	p := Policy{
		Name:     name,
		Rego:     string(data),
		Severity: SeverityError,
		Enabled:  true,
		Source:   path,
	}
	parseHeader(&p)
	return p, nil
}

// parseHeader reads metadata comments at the top of the policy source.
func parseHeader(p *Policy) {
	for _, line := range strings.Split(p.Rego, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			return
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		switch {
		case strings.HasPrefix(comment, "description:"):
			p.Description = strings.TrimSpace(strings.TrimPrefix(comment, "description:"))
		case strings.HasPrefix(comment, "severity:"):
			p.Severity = Severity(strings.TrimSpace(strings.TrimPrefix(comment, "severity:")))
		case strings.HasPrefix(comment, "tags:"):
			for _, tag := range strings.Split(strings.TrimPrefix(comment, "tags:"), ",") {
				if t := strings.TrimSpace(tag); t != "" {
					p.Tags = append(p.Tags, t)
				}
			}
		}
	}
}
