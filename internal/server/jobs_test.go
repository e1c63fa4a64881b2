package server

import (
	"context"
	"errors"
	"testing"
)

func TestJobManager_Begin(t *testing.T) {
	jm := NewJobManager()
	defer jm.CloseAll()

	ctx, release, err := jm.Begin(context.Background(), "as-1")
	if err != nil {
		t.Fatal(err)
	}
	if !jm.Running("as-1") {
		t.Error("expected job to be running")
	}

	if _, _, err := jm.Begin(context.Background(), "as-1"); !errors.Is(err, ErrBusy) {
		t.Errorf("second Begin: err = %v, want ErrBusy", err)
	}
	if _, rel, err := jm.Begin(context.Background(), "as-2"); err != nil {
		t.Errorf("other key should not be busy: %v", err)
	} else {
		rel()
	}

	release()
	release()
	if ctx.Err() == nil {
		t.Error("expected context to be canceled after release")
	}
	if jm.Running("as-1") {
		t.Error("expected job to be removed")
	}
}

func TestJobManager_Cancel(t *testing.T) {
	jm := NewJobManager()
	ctx, release, err := jm.Begin(context.Background(), "as-1")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	if !jm.Cancel("as-1") {
		t.Fatal("Cancel found no job")
	}
	if ctx.Err() == nil {
		t.Error("expected canceled context")
	}
	if jm.Cancel("missing") {
		t.Error("Cancel reported a missing job")
	}
}

func TestJobManager_CloseAll(t *testing.T) {
	jm := NewJobManager()
	var ctxs []context.Context
	for i := 0; i < 3; i++ {
		ctx, release, err := jm.Begin(context.Background(), "as-"+string(rune('a'+i)))
		if err != nil {
			t.Fatal(err)
		}
		defer release()
		ctxs = append(ctxs, ctx)
	}

	jm.CloseAll()

	for i, ctx := range ctxs {
		if ctx.Err() == nil {
			t.Errorf("job %d not canceled", i)
		}
	}
}
