package bootstrap

import (
	"context"
	stderrors "errors"
	"testing"

	"antigravity-manager/internal/platform/errors"
)

func TestInitGraphDependenciesOrdered(t *testing.T) {
	steps := InitGraph()
	seen := map[string]struct{}{}
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if _, ok := seen[dep]; !ok {
				t.Fatalf("step %s depends on %s, which is not defined earlier", step.ID, dep)
			}
		}
		if step.Execute == nil {
			t.Fatalf("step %s has no execute function", step.ID)
		}
		seen[step.ID] = struct{}{}
	}
}

func TestExecuteInitStepsRejectsUnsatisfiedDependency(t *testing.T) {
	steps := []initStep{
		{
			ID:        "second",
			DependsOn: []string{"first"},
			Execute:   func(context.Context, *appState) error { return nil },
		},
	}
	err := executeInitSteps(context.Background(), steps, &appState{})
	if err == nil {
		t.Fatal("unsatisfied dependency accepted")
	}
}

func TestExecuteInitStepsWrapsPlainErrors(t *testing.T) {
	boom := stderrors.New("boom")
	steps := []initStep{
		{
			ID:      "exploding",
			Kind:    errors.KindStorage,
			Execute: func(context.Context, *appState) error { return boom },
		},
	}
	err := executeInitSteps(context.Background(), steps, &appState{})
	if err == nil {
		t.Fatal("step failure swallowed")
	}
	if !errors.IsKind(err, errors.KindStorage) {
		t.Fatalf("error kind not preserved: %v", err)
	}
	if !stderrors.Is(err, boom) {
		t.Fatalf("cause lost: %v", err)
	}
}

func TestExecuteInitStepsKeepsTypedErrors(t *testing.T) {
	typed := errors.New(errors.KindConfig, "config:load", "missing file")
	steps := []initStep{
		{
			ID:      "config:load",
			Kind:    errors.KindBootstrap,
			Execute: func(context.Context, *appState) error { return typed },
		},
	}
	err := executeInitSteps(context.Background(), steps, &appState{})
	if !errors.IsKind(err, errors.KindConfig) {
		t.Fatalf("typed error re-wrapped: %v", err)
	}
}
