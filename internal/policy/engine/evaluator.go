package engine

import "context"

// SignupRequest is the policy input for a signup attempt.
type SignupRequest struct {
	Email    string
	ClientIP string
}

// SignupDecision is the outcome of the signup policy.
type SignupDecision struct {
	Allowed bool
	Reason  string
}

// Evaluator decides who may start onboarding.
type Evaluator interface {
	EvaluateSignup(ctx context.Context, req SignupRequest) (SignupDecision, error)
}
