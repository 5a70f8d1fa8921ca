package treasury

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// DefaultPolicyExpr admits any positive amount within the unreserved
// balance. Deployments tighten this via their treasury profile, e.g.
// "amount <= available / 2" or per-proposer caps.
const DefaultPolicyExpr = `amount > 0 && amount <= available`

// Policy is a compiled CEL guard evaluated at proposal creation.
// Evaluation is fail-closed: any error denies the proposal.
type Policy struct {
	expr string
	prg  cel.Program
}

// NewPolicy compiles a CEL expression over the variables amount, available,
// balance (ints, smallest unit) and proposer (role string).
func NewPolicy(expr string) (*Policy, error) {
	if expr == "" {
		expr = DefaultPolicyExpr
	}
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.IntType),
		cel.Variable("available", cel.IntType),
		cel.Variable("balance", cel.IntType),
		cel.Variable("proposer", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create policy environment: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile policy %q: %w", expr, iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build policy program: %w", err)
	}
	return &Policy{expr: expr, prg: prg}, nil
}

// Expr returns the source expression.
func (p *Policy) Expr() string { return p.expr }

// Allow evaluates the policy for a proposed withdrawal.
func (p *Policy) Allow(ctx context.Context, amount, available, balance int64, proposer Role) (bool, error) {
	out, _, err := p.prg.ContextEval(ctx, map[string]any{
		"amount":    amount,
		"available": available,
		"balance":   balance,
		"proposer":  string(proposer),
	})
	if err != nil {
		return false, fmt.Errorf("evaluate policy: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy %q did not evaluate to a boolean", p.expr)
	}
	return allowed, nil
}
