package lifecycle

import (
	"context"
	"errors"
	"testing"
)

func TestDisposerClosesOnce(t *testing.T) {
	calls := 0
	d := NewDisposer(func(context.Context) error {
		calls++
		return errors.New("upstream refused")
	})

	if d.Closed() {
		t.Fatal("new disposer should not be closed")
	}
	if err := d.Close(context.Background()); err == nil {
		t.Fatal("first Close should return the release error")
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("second Close returned %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("release ran %d times, want 1", calls)
	}
	if !d.Closed() {
		t.Error("disposer should report Closed after Close")
	}
}

func TestDisposerNil(t *testing.T) {
	var d *Disposer
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("nil Close returned %v", err)
	}
	if !d.Closed() {
		t.Error("nil disposer should report Closed")
	}

	empty := NewDisposer(nil)
	if err := empty.Close(context.Background()); err != nil {
		t.Fatalf("Close with nil fn returned %v", err)
	}
}
