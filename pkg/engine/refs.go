package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// refPattern matches cross-resource references of the form
// ${resource_id.output_name} inside string attribute values.
var refPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_-]*)\.([a-zA-Z_][a-zA-Z0-9_.-]*)\}`)

// Ref is a cross-resource reference found in a resource configuration.
type Ref struct {
	// ResourceID is the referenced resource.
	ResourceID string

	// Output is the referenced output attribute.
	Output string
}

// ExtractRefs returns the distinct cross-resource references in a config
// payload, sorted by resource ID. Used by the planner to derive implicit
// dependencies.
func ExtractRefs(config json.RawMessage) ([]Ref, error) {
	if len(config) == 0 {
		return nil, nil
	}

	var doc interface{}
	if err := json.Unmarshal(config, &doc); err != nil {
		return nil, fmt.Errorf("failed to scan config for references: %w", err)
	}

	seen := make(map[Ref]struct{})
	walkStrings(doc, func(s string) string {
		for _, m := range refPattern.FindAllStringSubmatch(s, -1) {
			seen[Ref{ResourceID: m[1], Output: m[2]}] = struct{}{}
		}
		return s
	})

	refs := make([]Ref, 0, len(seen))
	for r := range seen {
		refs = append(refs, r)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].ResourceID != refs[j].ResourceID {
			return refs[i].ResourceID < refs[j].ResourceID
		}
		return refs[i].Output < refs[j].Output
	})
	return refs, nil
}

// ResolveRefs substitutes every ${id.output} token in a config payload with
// the value returned by lookup. Providers export list-valued outputs as
// JSON arrays; a reference that is the entire string value resolves to the
// decoded list, and inside an array the list is spliced in place so one
// reference can supply several elements (a VPC's subnet list feeding a
// cluster's subnet_ids). References embedded in longer strings substitute
// textually. A reference lookup cannot fail softly: an unresolvable
// reference aborts planning, matching the referential integrity assertion
// on the declared resource set.
func ResolveRefs(config json.RawMessage, lookup func(resourceID, output string) (string, bool)) (json.RawMessage, error) {
	if len(config) == 0 {
		return config, nil
	}

	var doc interface{}
	if err := json.Unmarshal(config, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config for reference resolution: %w", err)
	}

	var missing *Ref
	recordMissing := func(resourceID, output string) {
		if missing == nil {
			missing = &Ref{ResourceID: resourceID, Output: output}
		}
	}

	resolved := resolveValues(doc, func(s string) interface{} {
		if m := refPattern.FindStringSubmatch(s); m != nil && m[0] == s {
			val, ok := lookup(m[1], m[2])
			if !ok {
				recordMissing(m[1], m[2])
				return s
			}
			if list, isList := decodeListOutput(val); isList {
				return list
			}
			return val
		}
		return refPattern.ReplaceAllStringFunc(s, func(token string) string {
			m := refPattern.FindStringSubmatch(token)
			val, ok := lookup(m[1], m[2])
			if !ok {
				recordMissing(m[1], m[2])
				return token
			}
			return val
		})
	})
	if missing != nil {
		return nil, NewPermanentError(
			fmt.Sprintf("unresolved reference ${%s.%s}", missing.ResourceID, missing.Output), nil).
			WithCode(ErrCodeValidation).WithResource(missing.ResourceID)
	}

	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode resolved config: %w", err)
	}
	return out, nil
}

// decodeListOutput decodes an output exported as a JSON array. Scalar
// outputs and free-form strings fall through to plain substitution.
func decodeListOutput(val string) ([]interface{}, bool) {
	trimmed := strings.TrimSpace(val)
	if !strings.HasPrefix(trimmed, "[") {
		return nil, false
	}
	var list []interface{}
	if err := json.Unmarshal([]byte(trimmed), &list); err != nil {
		return nil, false
	}
	return list, true
}

// resolveValues rewrites every string value in a decoded JSON document.
// When fn turns an array element into a list, the list replaces the
// element in place instead of nesting.
func resolveValues(doc interface{}, fn func(string) interface{}) interface{} {
	switch v := doc.(type) {
	case string:
		return fn(v)
	case []interface{}:
		out := make([]interface{}, 0, len(v))
		for _, item := range v {
			s, isString := item.(string)
			if !isString {
				out = append(out, resolveValues(item, fn))
				continue
			}
			r := fn(s)
			if list, spliced := r.([]interface{}); spliced {
				out = append(out, list...)
				continue
			}
			out = append(out, r)
		}
		return out
	case map[string]interface{}:
		for k := range v {
			v[k] = resolveValues(v[k], fn)
		}
		return v
	default:
		return v
	}
}

// walkStrings applies fn to every string value in a decoded JSON document,
// returning the (possibly rewritten) document.
func walkStrings(doc interface{}, fn func(string) string) interface{} {
	switch v := doc.(type) {
	case string:
		return fn(v)
	case []interface{}:
		for i := range v {
			v[i] = walkStrings(v[i], fn)
		}
		return v
	case map[string]interface{}:
		for k := range v {
			v[k] = walkStrings(v[k], fn)
		}
		return v
	default:
		return v
	}
}
