package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"

	"github.com/opentundra/opentundra/pkg/engine"
)

// CUEParser parses stack configuration. CUE sources declare resources;
// Starlark sources (.star) generate them procedurally. The parser
// implements engine.Evaluator.
type CUEParser struct {
	ctx       *cue.Context
	starlark  *StarlarkEvaluator
	validator *validator.Validate
}

// NewCUEParser creates a parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{
		ctx:       cuecontext.New(),
		starlark:  NewStarlarkEvaluator(30 * time.Second),
		validator: validator.New(),
	}
}

// Evaluate parses the sources and returns the stack configuration.
func (cp *CUEParser) Evaluate(ctx context.Context, sources []string) (*engine.StackConfig, error) {
	parsed, err := cp.Parse(ctx, sources)
	if err != nil {
		return nil, err
	}
	if len(parsed.Errors) > 0 {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("configuration has %d errors: %s", len(parsed.Errors), formatErrors(parsed.Errors)), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return parsed.ToStackConfig(), nil
}

func formatErrors(errs []ValidationError) string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		if e.File != "" {
			msgs = append(msgs, fmt.Sprintf("%s:%d: %s", e.File, e.Line, strings.TrimSpace(e.Message)))
		} else if e.Path != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s", e.Path, strings.TrimSpace(e.Message)))
		} else {
			msgs = append(msgs, strings.TrimSpace(e.Message))
		}
	}
	return strings.Join(msgs, "; ")
}

// Parse loads CUE and Starlark sources into a ParsedConfig. Later sources
// unify with earlier ones; duplicate resource IDs are an error.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*ParsedConfig, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	parsed := &ParsedConfig{
		ParsedAt:  time.Now(),
		Variables: make(map[string]interface{}),
	}

	var cueValue cue.Value
	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		switch {
		case info.IsDir():
			val, files, errs := cp.loadDirectory(source)
			parsed.Errors = append(parsed.Errors, errs...)
			cueValue = unify(cueValue, val)
			parsed.SourceFiles = append(parsed.SourceFiles, files...)
		case strings.HasSuffix(source, ".star"):
			resources, vars, errs := cp.evalStarlarkFile(ctx, source)
			parsed.Errors = append(parsed.Errors, errs...)
			parsed.Resources = append(parsed.Resources, resources...)
			for k, v := range vars {
				parsed.Variables[k] = v
			}
			parsed.SourceFiles = append(parsed.SourceFiles, source)
		default:
			val, errs := cp.loadFile(source)
			parsed.Errors = append(parsed.Errors, errs...)
			cueValue = unify(cueValue, val)
			parsed.SourceFiles = append(parsed.SourceFiles, source)
		}
	}
	if len(parsed.Errors) > 0 {
		return parsed, nil
	}

	if cueValue.Exists() {
		if err := cueValue.Err(); err != nil {
			parsed.Errors = append(parsed.Errors, cp.convertCUEErrors(err)...)
			return parsed, nil
		}
		cp.extractConfig(cueValue, parsed)
	}

	cp.checkDuplicates(parsed)
	return parsed, nil
}

func unify(base, val cue.Value) cue.Value {
	if !val.Exists() {
		return base
	}
	if !base.Exists() {
		return val
	}
	return base.Unify(val)
}

func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	instances := load.Instances([]string{dir}, nil)
	if len(instances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File: dir, Message: "no CUE files found", Severity: "error",
		}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	var files []string
	for _, f := range inst.Files {
		if f.Filename != "" {
			files = append(files, f.Filename)
		}
	}
	return val, files, nil
}

func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File: path, Message: fmt.Sprintf("failed to read file: %v", err), Severity: "error",
		}}
	}

	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}
	return val, nil
}

// evalStarlarkFile runs a .star source and collects the resources and
// variables it returns.
func (cp *CUEParser) evalStarlarkFile(ctx context.Context, path string) ([]ResourceConfig, map[string]interface{}, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, []ValidationError{{
			File: path, Message: fmt.Sprintf("failed to read file: %v", err), Severity: "error",
		}}
	}

	result, err := cp.starlark.EvaluateFile(ctx, path, string(content))
	if err != nil {
		return nil, nil, []ValidationError{{
			File: path, Message: err.Error(), Severity: "error",
		}}
	}

	resources := make([]ResourceConfig, 0, len(result.Resources))
	for i, raw := range result.Resources {
		var rc ResourceConfig
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, nil, []ValidationError{{
				File: path, Path: fmt.Sprintf("resources[%d]", i),
				Message: fmt.Sprintf("failed to encode resource: %v", err), Severity: "error",
			}}
		}
		if err := json.Unmarshal(data, &rc); err != nil {
			return nil, nil, []ValidationError{{
				File: path, Path: fmt.Sprintf("resources[%d]", i),
				Message: fmt.Sprintf("failed to decode resource: %v", err), Severity: "error",
			}}
		}
		resources = append(resources, rc)
	}
	return resources, result.Variables, nil
}

// extractConfig pulls the stack block, resources and variables out of the
// unified CUE value.
func (cp *CUEParser) extractConfig(val cue.Value, parsed *ParsedConfig) {
	stackVal := val.LookupPath(cue.ParsePath("stack"))
	if stackVal.Exists() {
		if err := stackVal.Decode(&parsed.Stack); err != nil {
			parsed.Errors = append(parsed.Errors, ValidationError{
				Path: "stack", Message: fmt.Sprintf("failed to decode stack: %v", err), Severity: "error",
			})
		}
	}

	varsVal := val.LookupPath(cue.ParsePath("variables"))
	if varsVal.Exists() {
		if err := varsVal.Decode(&parsed.Variables); err != nil {
			parsed.Errors = append(parsed.Errors, ValidationError{
				Path: "variables", Message: fmt.Sprintf("failed to decode variables: %v", err), Severity: "error",
			})
		}
	}

	resourcesVal := val.LookupPath(cue.ParsePath("resources"))
	if !resourcesVal.Exists() {
		return
	}

	switch resourcesVal.Kind() {
	case cue.StructKind:
		iter, err := resourcesVal.Fields(cue.All())
		if err != nil {
			parsed.Errors = append(parsed.Errors, ValidationError{
				Path: "resources", Message: fmt.Sprintf("failed to iterate resources: %v", err), Severity: "error",
			})
			return
		}
		for iter.Next() {
			id := strings.Trim(iter.Selector().String(), `"`)
			rc, err := cp.extractResource(id, iter.Value())
			if err != nil {
				parsed.Errors = append(parsed.Errors, ValidationError{
					Path: fmt.Sprintf("resources.%s", id), Message: err.Error(), Severity: "error",
				})
				continue
			}
			parsed.Resources = append(parsed.Resources, rc)
		}
	case cue.ListKind:
		list, err := resourcesVal.List()
		if err != nil {
			parsed.Errors = append(parsed.Errors, ValidationError{
				Path: "resources", Message: fmt.Sprintf("failed to list resources: %v", err), Severity: "error",
			})
			return
		}
		for idx := 0; list.Next(); idx++ {
			rc, err := cp.extractResource("", list.Value())
			if err != nil {
				parsed.Errors = append(parsed.Errors, ValidationError{
					Path: fmt.Sprintf("resources[%d]", idx), Message: err.Error(), Severity: "error",
				})
				continue
			}
			parsed.Resources = append(parsed.Resources, rc)
		}
	default:
		parsed.Errors = append(parsed.Errors, ValidationError{
			Path: "resources", Message: "resources must be a struct or a list", Severity: "error",
		})
	}
}

func (cp *CUEParser) extractResource(id string, val cue.Value) (ResourceConfig, error) {
	var rc ResourceConfig
	if err := val.Decode(&rc); err != nil {
		return rc, fmt.Errorf("failed to decode resource: %w", err)
	}
	if rc.ID == "" {
		rc.ID = id
	}
	if rc.Name == "" {
		rc.Name = rc.ID
	}
	if err := cp.validator.Struct(rc); err != nil {
		return rc, fmt.Errorf("validation failed: %w", err)
	}
	return rc, nil
}

func (cp *CUEParser) checkDuplicates(parsed *ParsedConfig) {
	seen := make(map[string]struct{}, len(parsed.Resources))
	for _, rc := range parsed.Resources {
		if _, dup := seen[rc.ID]; dup {
			parsed.Errors = append(parsed.Errors, ValidationError{
				Path: fmt.Sprintf("resources.%s", rc.ID), Message: "duplicate resource ID", Severity: "error",
			})
		}
		seen[rc.ID] = struct{}{}
	}
}

func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		pos := cueerrors.Positions(e)
		var file string
		var line, column int
		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}
		out = append(out, ValidationError{
			File: file, Line: line, Column: column,
			Message:  cueerrors.Details(e, nil),
			Severity: "error",
		})
	}
	return out
}

// Validate checks a parsed stack against the built-in assertions: typed
// payload validation per resource type, create=false adoption rules, and
// referential integrity of cross-resource references.
func (cp *CUEParser) Validate(ctx context.Context, config *engine.StackConfig) error {
	if config == nil {
		return engine.NewPermanentError("configuration is nil", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if config.Name == "" {
		return engine.NewPermanentError("stack name is required", nil).
			WithCode(engine.ErrCodeValidation)
	}

	declared := make(map[string]struct{}, len(config.Resources))
	for i := range config.Resources {
		declared[config.Resources[i].ID] = struct{}{}
	}

	for i := range config.Resources {
		res := &config.Resources[i]
		if res.Name == "" {
			return validationErr(res.ID, "resource name must be a non-empty string")
		}
		if err := cp.validatePayload(res); err != nil {
			return err
		}

		for _, dep := range res.DependsOn {
			if _, ok := declared[dep]; !ok {
				return validationErr(res.ID,
					fmt.Sprintf("depends_on references undeclared resource %q", dep))
			}
		}
		refs, err := engine.ExtractRefs(res.Config)
		if err != nil {
			return validationErr(res.ID, err.Error())
		}
		for _, ref := range refs {
			if _, ok := declared[ref.ResourceID]; !ok {
				return validationErr(res.ID,
					fmt.Sprintf("reference ${%s.%s} targets an undeclared resource", ref.ResourceID, ref.Output))
			}
		}
	}
	return nil
}

func validationErr(resourceID, msg string) error {
	return engine.NewPermanentError(msg, nil).
		WithCode(engine.ErrCodeValidation).
		WithResource(resourceID)
}

// validatePayload decodes the typed config for known resource types and
// runs struct-tag validation. Unknown types pass through; their providers
// validate at plan time.
func (cp *CUEParser) validatePayload(res *engine.Resource) error {
	var payload interface{}
	switch res.Type {
	case "aws.vpc":
		payload = &VPCConfig{}
	case "aws.security_group":
		payload = &SecurityGroupConfig{}
	case "aws.eks_cluster":
		payload = &EKSClusterConfig{}
	case "aws.node_group":
		payload = &NodeGroupConfig{}
	case "aws.ecr_repository":
		payload = &ECRRepositoryConfig{}
	case "aws.s3_bucket":
		payload = &S3BucketConfig{}
	case "aws.ssm_parameter":
		payload = &SSMParameterConfig{}
	case "aws.acm_certificate":
		payload = &ACMCertificateConfig{}
	case "aws.iam_role":
		payload = &IAMRoleConfig{}
	case "k8s.helm_release":
		payload = &HelmReleaseConfig{}
	default:
		return nil
	}

	if err := json.Unmarshal(res.Config, payload); err != nil {
		return validationErr(res.ID, fmt.Sprintf("invalid %s config: %v", res.Type, err))
	}
	if err := cp.validator.Struct(payload); err != nil {
		return validationErr(res.ID, fmt.Sprintf("%s config validation failed: %v", res.Type, err))
	}

	// Adoption rule: a network that is not created must name what it adopts.
	if vpc, ok := payload.(*VPCConfig); ok {
		if vpc.ShouldCreate() {
			if vpc.CIDRBlock == "" {
				return validationErr(res.ID, "cidr_block is required when the network is created")
			}
		} else if vpc.ExistingIDs == nil || vpc.ExistingIDs.VPCID == "" {
			return validationErr(res.ID, "existing_ids must be non-empty when create is false")
		}
	}
	return nil
}
