package plan

import (
	"context"
	"testing"
)

func TestMemoryStoreUserScoping(t *testing.T) {
	store := NewMemoryStore()
	store.PutPlan(&Plan{PlanID: "p1", UserID: "owner"})

	if p, _ := store.Get(context.Background(), "owner", "p1"); p == nil {
		t.Fatal("expected owner to see the plan")
	}
	if p, _ := store.Get(context.Background(), "intruder", "p1"); p != nil {
		t.Fatal("expected a different user to not see the plan")
	}
}

func TestMemoryStoreRecalculateProgress(t *testing.T) {
	store := NewMemoryStore()
	store.PutPlan(&Plan{PlanID: "p1", UserID: "u1"})
	store.PutSteps("p1", []*Step{
		{StepID: "s1", PlanID: "p1", OrderNum: 1, Status: StepCompleted},
		{StepID: "s2", PlanID: "p1", OrderNum: 2, Status: StepSkipped},
		{StepID: "s3", PlanID: "p1", OrderNum: 3, Status: StepPending},
		{StepID: "s4", PlanID: "p1", OrderNum: 4, Status: StepPending},
	})

	progress, err := store.RecalculateProgress(context.Background(), "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if progress != 50 {
		t.Fatalf("expected 50%% progress (2 of 4 done), got %d", progress)
	}

	plan, _ := store.Get(context.Background(), "u1", "p1")
	if plan.Progress != 50 {
		t.Fatalf("expected plan.Progress updated to 50, got %d", plan.Progress)
	}
}

func TestMemoryStoreAreDependenciesMet(t *testing.T) {
	store := NewMemoryStore()
	store.PutPlan(&Plan{PlanID: "p1", UserID: "u1"})
	store.PutSteps("p1", []*Step{
		{StepID: "s1", PlanID: "p1", OrderNum: 1, Status: StepCompleted},
		{StepID: "s2", PlanID: "p1", OrderNum: 2, Status: StepPending},
	})

	met, err := store.AreDependenciesMet(context.Background(), "p1", &Step{Dependencies: []string{"s1"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !met {
		t.Fatal("expected dependency on completed step to be met")
	}

	met, err = store.AreDependenciesMet(context.Background(), "p1", &Step{Dependencies: []string{"s2"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if met {
		t.Fatal("expected dependency on pending step to be unmet")
	}

	met, err = store.AreDependenciesMet(context.Background(), "p1", &Step{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !met {
		t.Fatal("expected a step with no dependencies to always be runnable")
	}
}

func TestMemoryStoreGetNextStep(t *testing.T) {
	store := NewMemoryStore()
	store.PutPlan(&Plan{PlanID: "p1", UserID: "u1"})
	store.PutSteps("p1", []*Step{
		{StepID: "s1", PlanID: "p1", OrderNum: 1, Status: StepCompleted},
		{StepID: "s2", PlanID: "p1", OrderNum: 2, Status: StepPending},
		{StepID: "s3", PlanID: "p1", OrderNum: 3, Status: StepPending},
	})

	next, err := store.GetNextStep(context.Background(), "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next == nil || next.StepID != "s2" {
		t.Fatalf("expected s2 to be next, got %+v", next)
	}
}

func TestMemoryStoreUpdateStepIsIsolatedFromCaller(t *testing.T) {
	store := NewMemoryStore()
	store.PutPlan(&Plan{PlanID: "p1", UserID: "u1"})
	step := &Step{StepID: "s1", PlanID: "p1", OrderNum: 1, Status: StepPending, Config: map[string]any{"k": "v"}}
	store.PutSteps("p1", []*Step{step})

	fetched, _ := store.GetSteps(context.Background(), "p1")
	fetched[0].Status = StepCompleted // mutate the copy, not the stored record
	fetched[0].Config["k"] = "mutated"

	again, _ := store.GetSteps(context.Background(), "p1")
	if again[0].Status != StepPending {
		t.Fatal("expected stored step to be unaffected by mutation of a returned copy")
	}
	if again[0].Config["k"] != "v" {
		t.Fatal("expected stored step config map to be unaffected by mutation of a returned copy")
	}
}
