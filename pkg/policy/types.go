// Package policy evaluates Rego policies against stack configurations and
// execution plans before any cloud API call is made. Built-in policies
// cover the validation assertions every stack must pass; additional .rego
// files can be loaded from disk.
package policy

import (
	"time"

	"github.com/opentundra/opentundra/pkg/engine"
)

// Severity ranks a violation. Violations at error or above block the run.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation at this severity stops execution.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one named Rego rule set.
type Policy struct {
	// Name uniquely identifies the policy.
	Name string `json:"name"`

	Description string `json:"description,omitempty"`

	// Rego is the policy source. Its package must expose a `deny` set.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	Enabled bool     `json:"enabled"`
	Tags    []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Input is the document handed to Rego as `input`.
type Input struct {
	// Resource is set when a single resource is under evaluation.
	Resource *engine.Resource `json:"resource,omitempty"`

	// Config is the resource's configuration payload, decoded so rules
	// can address individual fields.
	Config map[string]interface{} `json:"config,omitempty"`

	// Plan is set when a change set is under evaluation.
	Plan *engine.Plan `json:"plan,omitempty"`

	Context *Context `json:"context"`
}

// Context carries evaluation metadata into the policies.
type Context struct {
	Stack       string    `json:"stack,omitempty"`
	Environment string    `json:"environment,omitempty"`
	Region      string    `json:"region,omitempty"`
	Operation   string    `json:"operation,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
