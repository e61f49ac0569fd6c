package middleware

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/testfabric/cmo/pkg/envelope"
	"github.com/testfabric/cmo/pkg/fault"
	"github.com/testfabric/cmo/pkg/transport"
)

// Effect is the three-way policy outcome.
type Effect int

const (
	Allow Effect = iota
	AllowWithCaveat
	Deny
)

func (e Effect) String() string {
	switch e {
	case Allow:
		return "allow"
	case AllowWithCaveat:
		return "allow_with_caveat"
	case Deny:
		return "deny"
	default:
		return fmt.Sprintf("effect(%d)", int(e))
	}
}

// Verdict is one policy evaluation result. Deny carries a reason;
// AllowWithCaveat carries the constraints the handler must honor.
type Verdict struct {
	Effect      Effect
	Reason      string
	Constraints []transport.Constraint
}

// PolicyPoint decides whether an envelope may reach its handler.
// Implementations must fail closed: an evaluation error means deny.
type PolicyPoint interface {
	Evaluate(ctx context.Context, env *envelope.Envelope) (Verdict, error)
}

// AllowAll is the pass-through policy point.
type AllowAll struct{}

func (AllowAll) Evaluate(context.Context, *envelope.Envelope) (Verdict, error) {
	return Verdict{Effect: Allow}, nil
}

// Rule is one CEL policy rule. Expr evaluates against the envelope
// context; a true result applies the rule's effect.
type Rule struct {
	Name string `yaml:"name" json:"name"`
	Expr string `yaml:"expr" json:"expr"`
	// Effect is "deny" or "caveat".
	Effect string `yaml:"effect" json:"effect"`
	// Reason labels a deny; defaults to the rule name.
	Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`
	// Constraint is attached when a caveat rule matches.
	Constraint transport.Constraint `yaml:"constraint,omitempty" json:"constraint,omitempty"`
}

const (
	effectDeny   = "deny"
	effectCaveat = "caveat"
)

type compiledRule struct {
	rule Rule
	prg  cel.Program
}

// CELPolicyPoint evaluates an ordered rule set against envelope
// context. Rules compile once at construction; the first matching deny
// wins, matching caveat rules accumulate constraints.
type CELPolicyPoint struct {
	rules []compiledRule
}

// NewCELPolicyPoint compiles the rule set.
func NewCELPolicyPoint(rules []Rule) (*CELPolicyPoint, error) {
	env, err := cel.NewEnv(
		cel.Variable("tenant", cel.StringType),
		cel.Variable("project", cel.StringType),
		cel.Variable("type", cel.StringType),
		cel.Variable("from", cel.StringType),
		cel.Variable("to", cel.ListType(cel.StringType)),
		cel.Variable("trace_id", cel.StringType),
		cel.Variable("payload", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create cel environment: %w", err)
	}
	p := &CELPolicyPoint{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		if r.Effect != effectDeny && r.Effect != effectCaveat {
			return nil, fmt.Errorf("policy: rule %q has unknown effect %q", r.Name, r.Effect)
		}
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy: compile rule %q: %w", r.Name, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("policy: program for rule %q: %w", r.Name, err)
		}
		p.rules = append(p.rules, compiledRule{rule: r, prg: prg})
	}
	return p, nil
}

func (p *CELPolicyPoint) Evaluate(_ context.Context, env *envelope.Envelope) (Verdict, error) {
	input := envelopeContext(env)
	verdict := Verdict{Effect: Allow}
	for _, cr := range p.rules {
		out, _, err := cr.prg.Eval(input)
		if err != nil {
			return Verdict{}, fault.Wrap(err, fault.KindPolicy, fault.CodePolicyDeny,
				"evaluate rule %q", cr.rule.Name)
		}
		matched, ok := out.Value().(bool)
		if !ok {
			return Verdict{}, fault.New(fault.KindPolicy, fault.CodePolicyDeny,
				"rule %q did not evaluate to bool", cr.rule.Name)
		}
		if !matched {
			continue
		}
		switch cr.rule.Effect {
		case effectDeny:
			reason := cr.rule.Reason
			if reason == "" {
				reason = cr.rule.Name
			}
			return Verdict{Effect: Deny, Reason: reason}, nil
		case effectCaveat:
			verdict.Effect = AllowWithCaveat
			verdict.Constraints = append(verdict.Constraints, cr.rule.Constraint)
		}
	}
	return verdict, nil
}

// envelopeContext maps envelope fields into CEL variables. Non-object
// payloads surface as an empty map.
func envelopeContext(env *envelope.Envelope) map[string]any {
	to := make([]string, len(env.Meta.To))
	for i, agent := range env.Meta.To {
		to[i] = agent.ID
	}
	payload := map[string]any{}
	if len(env.Payload) > 0 {
		_ = json.Unmarshal(env.Payload, &payload)
	}
	return map[string]any{
		"tenant":   env.Meta.Tenant,
		"project":  env.Meta.Project,
		"type":     string(env.Meta.Type),
		"from":     env.Meta.From.ID,
		"to":       to,
		"trace_id": env.Meta.TraceID,
		"payload":  payload,
	}
}
