package engine

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.uber.org/zap"
)

const signupQuery = "data.identity_onboarding.signup"

// DefaultSignupPolicy allows every address whose domain is not in input.blocked_domains.
// A policy file replacing it must declare the same package and produce allow (and optionally reason).
const DefaultSignupPolicy = `package identity_onboarding.signup

default allow := false

blocked if {
	input.domain == input.blocked_domains[_]
}

allow if {
	input.domain != ""
	not blocked
}

reason := "email domain is not allowed" if {
	blocked
}
`

// OPAEvaluator evaluates the signup policy with an in-process OPA Rego engine.
type OPAEvaluator struct {
	query   rego.PreparedEvalQuery
	blocked []string
	logger  *zap.Logger
}

// LoadPolicy returns the contents of path, or DefaultSignupPolicy when path is empty.
func LoadPolicy(path string) (string, error) {
	if path == "" {
		return DefaultSignupPolicy, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read signup policy: %w", err)
	}
	return string(b), nil
}

// NewOPAEvaluator compiles policy once. blockedDomains are passed to every evaluation as input.
func NewOPAEvaluator(ctx context.Context, policy string, blockedDomains []string, logger *zap.Logger) (*OPAEvaluator, error) {
	if policy == "" {
		policy = DefaultSignupPolicy
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	compiler, err := ast.CompileModules(map[string]string{"signup.rego": policy})
	if err != nil {
		return nil, fmt.Errorf("compile signup policy: %w", err)
	}
	q, err := rego.New(rego.Query(signupQuery), rego.Compiler(compiler)).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare signup policy: %w", err)
	}
	blocked := make([]string, 0, len(blockedDomains))
	for _, d := range blockedDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			blocked = append(blocked, d)
		}
	}
	return &OPAEvaluator{query: q, blocked: blocked, logger: logger.Named("policy")}, nil
}

// EvaluateSignup runs the policy for one address. Evaluation errors deny.
func (e *OPAEvaluator) EvaluateSignup(ctx context.Context, req SignupRequest) (SignupDecision, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(e.buildInput(req)))
	if err != nil {
		e.logger.Error("signup policy evaluation failed", zap.Error(err))
		return SignupDecision{}, fmt.Errorf("eval signup policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return SignupDecision{}, fmt.Errorf("signup policy returned no result")
	}
	doc, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return SignupDecision{}, fmt.Errorf("signup policy returned %T", rs[0].Expressions[0].Value)
	}
	out := SignupDecision{}
	if v, ok := doc["allow"].(bool); ok {
		out.Allowed = v
	}
	if v, ok := doc["reason"].(string); ok {
		out.Reason = v
	}
	return out, nil
}

// HealthCheck evaluates the compiled policy against a fixed input.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	if _, err := e.EvaluateSignup(ctx, SignupRequest{Email: "health@example.com"}); err != nil {
		return err
	}
	return nil
}

func (e *OPAEvaluator) buildInput(req SignupRequest) map[string]interface{} {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	domain := ""
	if at := strings.LastIndexByte(email, '@'); at >= 0 {
		domain = email[at+1:]
	}
	blocked := make([]interface{}, len(e.blocked))
	for i, d := range e.blocked {
		blocked[i] = d
	}
	return map[string]interface{}{
		"email":           email,
		"domain":          domain,
		"client_ip":       req.ClientIP,
		"blocked_domains": blocked,
	}
}
