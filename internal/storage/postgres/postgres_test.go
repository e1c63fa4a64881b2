package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/michaelbrown/taskforge/internal/coursework"
	"github.com/michaelbrown/taskforge/internal/grading"
	"github.com/michaelbrown/taskforge/internal/storage"
	"github.com/michaelbrown/taskforge/internal/variant"
)

// testStore connects to TASKFORGE_TEST_POSTGRES_DSN or skips.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TASKFORGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TASKFORGE_TEST_POSTGRES_DSN not set")
	}
	s, err := Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSet(seed int64, n int) *variant.Set {
	set := &variant.Set{Seed: seed}
	for i := 0; i < n; i++ {
		sol := map[string]any{"y": float64(i)}
		h, _ := variant.SolutionHash(sol)
		set.Variants = append(set.Variants, variant.Variant{
			Index: i, InputData: map[string]any{"x": float64(i)}, Solution: sol, SolutionHash: h,
		})
	}
	return set
}

func TestTemplateLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tmpl := &coursework.Template{
		ID:              uuid.NewString(),
		Name:            "pg template",
		GeneratorScript: "return { x: 1 };",
		SolutionScript:  "return { y: inputData.x };",
		Tags:            []string{"pg-test"},
	}
	tmpl.ApplyDefaults()
	if err := s.CreateTemplate(ctx, tmpl); err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	t.Cleanup(func() { s.DeleteTemplate(ctx, tmpl.ID) })

	got, err := s.GetTemplate(ctx, tmpl.ID)
	if err != nil {
		t.Fatalf("GetTemplate: %v", err)
	}
	if got.Name != tmpl.Name || got.Grading != grading.DefaultConfig() || len(got.Tags) != 1 {
		t.Errorf("got %+v", got)
	}

	list, err := s.ListTemplates(ctx, storage.TemplateListOptions{Tag: "pg-test"})
	if err != nil {
		t.Fatalf("ListTemplates: %v", err)
	}
	if len(list) == 0 {
		t.Error("tag filter found nothing")
	}

	got.Name = "renamed"
	if err := s.UpdateTemplate(ctx, got); err != nil {
		t.Fatalf("UpdateTemplate: %v", err)
	}
	if _, err := s.GetTemplate(ctx, uuid.NewString()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing template: err = %v", err)
	}
}

func TestAssignmentVariantsAndSubmissions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tmpl := &coursework.Template{ID: uuid.NewString(), Name: "pg", GeneratorScript: "return {};", SolutionScript: "return {};"}
	tmpl.ApplyDefaults()
	if err := s.CreateTemplate(ctx, tmpl); err != nil {
		t.Fatal(err)
	}

	a := &coursework.Assignment{ID: uuid.NewString(), TemplateID: tmpl.ID, Title: "pg hw", Options: coursework.DefaultOptions()}
	if err := s.CreateAssignment(ctx, a, testSet(7, 3)); err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}
	if err := s.DeleteTemplate(ctx, tmpl.ID); !errors.Is(err, storage.ErrInUse) {
		t.Errorf("delete referenced template: err = %v", err)
	}

	bad := testSet(8, 2)
	bad.Variants[1].Index = 0
	if err := s.ReplaceVariants(ctx, a, bad); err == nil {
		t.Fatal("duplicate variant index accepted")
	}
	vs, err := s.ListVariants(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(vs) != 3 {
		t.Errorf("failed replace changed the set: %d variants", len(vs))
	}

	if err := s.ReplaceVariants(ctx, a, testSet(9, 2)); err != nil {
		t.Fatalf("ReplaceVariants: %v", err)
	}
	got, _ := s.GetAssignment(ctx, a.ID)
	if got.Seed == nil || *got.Seed != 9 || got.VariantCount != 2 {
		t.Errorf("assignment after replace = %+v", got)
	}

	sub := &coursework.Submission{
		ID: uuid.NewString(), AssignmentID: a.ID, StudentID: "alice", VariantIndex: 1,
		Answers: map[string]any{"y": 1.0}, AttemptNumber: 1, Status: coursework.StatusSubmitted,
		SubmittedAt: time.Now().UTC(),
	}
	if err := s.CreateSubmission(ctx, sub); err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
	v, err := s.GetVariant(ctx, a.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sub.AutoGrade(*v, grading.DefaultConfig(), time.Now()); err != nil {
		t.Fatal(err)
	}
	sub.FinalizeScore()
	if err := s.UpdateSubmission(ctx, sub); err != nil {
		t.Fatalf("UpdateSubmission: %v", err)
	}
	stored, err := s.GetSubmission(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.FinalScore != 100 || stored.Comparison == nil || stored.Status != coursework.StatusGraded {
		t.Errorf("stored submission = %+v", stored)
	}
}
