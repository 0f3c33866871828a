package config

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// StarlarkEvaluator executes Starlark configuration scripts. A script sets
// two globals: `resources`, a list of resource dicts, and optionally
// `variables`, a dict merged into the stack's variables.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// StarlarkFileResult is the output of one script.
type StarlarkFileResult struct {
	Resources     []map[string]interface{}
	Variables     map[string]interface{}
	ExecutionTime time.Duration
}

// NewStarlarkEvaluator creates an evaluator with the given per-script
// timeout.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// EvaluateFile runs a script with the configuration builtins available.
func (se *StarlarkEvaluator) EvaluateFile(ctx context.Context, filename, script string) (*StarlarkFileResult, error) {
	startTime := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	resultCh := make(chan *StarlarkFileResult, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := se.evaluateSync(filename, script)
		if err != nil {
			errCh <- err
			return
		}
		result.ExecutionTime = time.Since(startTime)
		resultCh <- result
	}()

	select {
	case <-evalCtx.Done():
		return nil, fmt.Errorf("starlark execution timeout after %v", se.timeout)
	case err := <-errCh:
		return nil, err
	case result := <-resultCh:
		return result, nil
	}
}

func (se *StarlarkEvaluator) evaluateSync(filename, script string) (*StarlarkFileResult, error) {
	thread := &starlark.Thread{
		Name:  "opentundra",
		Print: func(_ *starlark.Thread, _ string) {},
	}

	predeclared := starlark.StringDict{
		"struct":      starlarkstruct.Default,
		"cidr_subnet": starlark.NewBuiltin("cidr_subnet", builtinCIDRSubnet),
		"cidr_host":   starlark.NewBuiltin("cidr_host", builtinCIDRHost),
	}

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	result := &StarlarkFileResult{
		Variables: make(map[string]interface{}),
	}

	if resVal, ok := globals["resources"]; ok {
		decoded, err := fromStarlarkValue(resVal)
		if err != nil {
			return nil, fmt.Errorf("failed to convert resources: %w", err)
		}
		list, ok := decoded.([]interface{})
		if !ok {
			return nil, fmt.Errorf("resources must be a list, got %s", resVal.Type())
		}
		for i, item := range list {
			m, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("resources[%d] must be a dict", i)
			}
			result.Resources = append(result.Resources, m)
		}
	}

	if varsVal, ok := globals["variables"]; ok {
		decoded, err := fromStarlarkValue(varsVal)
		if err != nil {
			return nil, fmt.Errorf("failed to convert variables: %w", err)
		}
		m, ok := decoded.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("variables must be a dict, got %s", varsVal.Type())
		}
		result.Variables = m
	}

	return result, nil
}

// builtinCIDRSubnet carves subnet netnum out of base with newbits
// additional prefix bits, like the HCL function of the same name.
func builtinCIDRSubnet(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var base string
	var newbits, netnum int
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs,
		"base", &base, "newbits", &newbits, "netnum", &netnum); err != nil {
		return nil, err
	}

	subnet, err := cidrSubnet(base, newbits, netnum)
	if err != nil {
		return nil, err
	}
	return starlark.String(subnet), nil
}

// builtinCIDRHost returns host number hostnum within the given prefix.
func builtinCIDRHost(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var prefix string
	var hostnum int
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs,
		"prefix", &prefix, "hostnum", &hostnum); err != nil {
		return nil, err
	}

	host, err := cidrHost(prefix, hostnum)
	if err != nil {
		return nil, err
	}
	return starlark.String(host), nil
}

func cidrSubnet(base string, newbits, netnum int) (string, error) {
	_, network, err := net.ParseCIDR(base)
	if err != nil {
		return "", fmt.Errorf("invalid CIDR %q: %w", base, err)
	}
	if len(network.IP) != net.IPv4len && network.IP.To4() == nil {
		return "", fmt.Errorf("only IPv4 prefixes are supported")
	}

	ones, bits := network.Mask.Size()
	if newbits <= 0 || ones+newbits > bits {
		return "", fmt.Errorf("cannot extend /%d prefix by %d bits", ones, newbits)
	}
	if netnum < 0 || netnum >= 1<<uint(newbits) {
		return "", fmt.Errorf("subnet number %d out of range for %d new bits", netnum, newbits)
	}

	ip := network.IP.To4()
	addr := binary.BigEndian.Uint32(ip)
	addr |= uint32(netnum) << uint(bits-ones-newbits)

	out := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(out, addr)
	return fmt.Sprintf("%s/%d", out, ones+newbits), nil
}

func cidrHost(prefix string, hostnum int) (string, error) {
	_, network, err := net.ParseCIDR(prefix)
	if err != nil {
		return "", fmt.Errorf("invalid CIDR %q: %w", prefix, err)
	}
	ip := network.IP.To4()
	if ip == nil {
		return "", fmt.Errorf("only IPv4 prefixes are supported")
	}

	ones, bits := network.Mask.Size()
	max := 1 << uint(bits-ones)
	if hostnum < 0 || hostnum >= max {
		return "", fmt.Errorf("host number %d out of range for /%d", hostnum, ones)
	}

	addr := binary.BigEndian.Uint32(ip) | uint32(hostnum)
	out := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(out, addr)
	return out.String(), nil
}

// fromStarlarkValue converts a Starlark value to plain Go data.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			converted, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = converted
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be a string, got %s", item[0].Type())
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
