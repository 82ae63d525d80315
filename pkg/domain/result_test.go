package domain

import (
	"context"
	"errors"
	"testing"
)

func TestResultMergeAndBlocking(t *testing.T) {
	var result Result
	result.Merge(Result{Matched: 2, Modified: 1, Violations: []Violation{{Rule: "warn", Severity: SeverityWarn}}})
	if result.HasBlocking() {
		t.Fatalf("expected no blocking violations")
	}
	if !result.Partial() {
		t.Fatalf("expected partial result, got %+v", result)
	}
	result.Merge(Result{Violations: []Violation{{Rule: "block", Severity: SeverityBlock, Message: "no"}}})
	if !result.HasBlocking() {
		t.Fatalf("expected blocking violation")
	}
	if got := (RuleViolationError{Result: result}).Error(); got != "rule block: no" {
		t.Fatalf("unexpected error string %q", got)
	}
}

func TestResultMergeEmptyInput(t *testing.T) {
	original := Result{Violations: []Violation{{Rule: "existing", Severity: SeverityWarn}}}
	original.Merge(Result{})
	if len(original.Violations) != 1 || original.Violations[0].Rule != "existing" {
		t.Fatalf("expected original violations to remain, got %+v", original.Violations)
	}
}

func TestResultWarnKeepsCause(t *testing.T) {
	var r Result
	r.Warn(EntitySample, "S1", ErrAlreadyDeleted)
	warnings := r.Warnings()
	if len(warnings) != 1 {
		t.Fatalf("expected one warning, got %d", len(warnings))
	}
	if !errors.Is(warnings[0].Err, ErrAlreadyDeleted) || warnings[0].EntityID != "S1" {
		t.Fatalf("unexpected warning %+v", warnings[0])
	}
}

func TestRuleViolationErrorUnwrapsFirstBlockingCause(t *testing.T) {
	err := RuleViolationError{Result: Result{Violations: []Violation{
		{Rule: "a", Severity: SeverityWarn, Err: ErrNotFound},
		{Rule: "b", Severity: SeverityBlock, Err: ErrDuplicateID},
	}}}
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected duplicate id cause, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("warn causes must not be unwrapped")
	}
}

func TestRulesEngineEvaluate(t *testing.T) {
	engine := NewRulesEngine()
	engine.Register(staticRule{"warn"})
	res, err := engine.Evaluate(context.Background(), emptyView{}, Change{Entity: EntitySample})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Violations) != 1 {
		t.Fatalf("expected violation")
	}
	var nilEngine *RulesEngine
	if res, err := nilEngine.Evaluate(context.Background(), emptyView{}, Change{}); err != nil || len(res.Violations) != 0 {
		t.Fatalf("nil engine should evaluate to an empty result")
	}
}

type staticRule struct{ name string }

func (r staticRule) Name() string { return r.name }

func (r staticRule) Evaluate(context.Context, RuleView, Change) (Result, error) {
	return Result{Violations: []Violation{{Rule: r.name, Severity: SeverityWarn}}}, nil
}

type emptyView struct{}

func (emptyView) Collection(string) Collection { return nil }

func TestRulesEngineEvaluateError(t *testing.T) {
	engine := NewRulesEngine(errorRule{})
	if _, err := engine.Evaluate(context.Background(), emptyView{}, Change{}); err == nil {
		t.Fatalf("expected evaluation error")
	}
}

type errorRule struct{}

func (errorRule) Name() string { return "error" }

func (errorRule) Evaluate(context.Context, RuleView, Change) (Result, error) {
	return Result{}, errors.New("boom")
}
