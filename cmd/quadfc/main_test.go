package main

import (
	"context"
	"testing"
)

type teardownRecorder struct {
	order []string
}

func (r *teardownRecorder) Close() {
	r.order = append(r.order, "motors")
}

func (r *teardownRecorder) Shutdown(ctx context.Context) error {
	r.order = append(r.order, "http")
	return nil
}

func TestShutdownIdlesMotorsBeforeHTTPServer(t *testing.T) {
	rec := &teardownRecorder{}
	shutdown(rec, rec)
	if len(rec.order) != 2 || rec.order[0] != "motors" || rec.order[1] != "http" {
		t.Fatalf("teardown order = %v, want [motors http]", rec.order)
	}
}
