package worker_test

import (
	"context"
	"sort"
	"testing"

	"subflow/internal/domain"
	"subflow/internal/worker"
)

func TestRegistryDispatchesByType(t *testing.T) {
	var got []byte
	reg := worker.NewRegistry(map[string]worker.Handler{
		"echo": worker.HandlerFunc(func(_ context.Context, job []byte) error {
			got = job
			return nil
		}),
	})
	reg.Register("other", worker.HandlerFunc(func(context.Context, []byte) error { return nil }))

	if err := reg.Execute(context.Background(), domain.Task{TaskType: "echo", Job: []byte("hi")}); err != nil {
		t.Fatal(err)
	}
	if string(got) != "hi" {
		t.Fatalf("handler got %q", got)
	}
	types := reg.Types()
	sort.Strings(types)
	if len(types) != 2 || types[0] != "echo" || types[1] != "other" {
		t.Fatalf("types = %v", types)
	}
}

func TestRegistryUnknownType(t *testing.T) {
	err := worker.NewRegistry(nil).Execute(context.Background(), domain.Task{TaskType: "missing"})
	if !domain.IsFatal(err) {
		t.Fatalf("err = %v, want fatal", err)
	}
}

func TestRegistryRecoversPanic(t *testing.T) {
	reg := worker.NewRegistry(map[string]worker.Handler{
		"boom": worker.HandlerFunc(func(context.Context, []byte) error { panic("oops") }),
	})
	err := reg.Execute(context.Background(), domain.Task{TaskType: "boom"})
	if err == nil {
		t.Fatal("panic not reported")
	}
	if domain.IsFatal(err) {
		t.Fatal("panic should be retried")
	}
}
