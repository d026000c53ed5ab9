package capability

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// Input is the data conditions are evaluated against.
type Input struct {
	Principal string
	Operation string
	Source    string
	Scopes    []string
}

// Conditions holds compiled CEL programs keyed by operation.
type Conditions struct {
	programs map[string]cel.Program
}

func newConditionEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("principal", cel.StringType),
		cel.Variable("operation", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("scopes", cel.ListType(cel.StringType)),
		cel.Function("ip_in_range",
			cel.Overload("ip_in_range_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(ipInRange),
			),
		),
	)
}

// CompileConditions compiles the expressions. Expressions with a static
// result type other than bool are rejected.
func CompileConditions(exprs map[string]string) (*Conditions, error) {
	c := &Conditions{programs: make(map[string]cel.Program, len(exprs))}
	if len(exprs) == 0 {
		return c, nil
	}

	env, err := newConditionEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	for op, expr := range exprs {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("condition for %s: %w", op, issues.Err())
		}
		if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("condition for %s must be boolean, got %s", op, t)
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("condition for %s: %w", op, err)
		}
		c.programs[op] = prg
	}
	return c, nil
}

// Has reports whether op has a condition.
func (c *Conditions) Has(op string) bool {
	_, ok := c.programs[op]
	return ok
}

// Evaluate runs the condition for in.Operation. Operations without a
// condition evaluate to true.
func (c *Conditions) Evaluate(in Input) (bool, error) {
	prg, ok := c.programs[in.Operation]
	if !ok {
		return true, nil
	}

	scopes := in.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	out, _, err := prg.Eval(map[string]any{
		"principal": in.Principal,
		"operation": in.Operation,
		"source":    in.Source,
		"scopes":    scopes,
	})
	if err != nil {
		return false, err
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("condition did not produce a boolean")
	}
	return allowed, nil
}

func ipInRange(ip, cidr ref.Val) ref.Val {
	ipStr, ok := ip.Value().(string)
	if !ok {
		return types.False
	}
	cidrStr, ok := cidr.Value().(string)
	if !ok {
		return types.False
	}

	parsed := net.ParseIP(ipStr)
	if parsed == nil {
		return types.False
	}
	_, network, err := net.ParseCIDR(cidrStr)
	if err != nil {
		return types.False
	}
	return types.Bool(network.Contains(parsed))
}
