package transport

import (
	"io"
	"sort"
	"testing"
)

func TestDisplayCaptureRoundTrip(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDisplay(2, 2, 120, dir)
	if err != nil {
		t.Fatalf("NewDisplay: %v", err)
	}

	batch1 := []string{"Zm9v", "YmFy"}
	batch2 := []string{"YmF6"}
	if _, err := d.RenderBatch(batch1); err != nil {
		t.Fatalf("RenderBatch 1: %v", err)
	}
	if _, err := d.RenderBatch(batch2); err != nil {
		t.Fatalf("RenderBatch 2: %v", err)
	}

	c, err := NewCapture(2, 2, dir)
	if err != nil {
		t.Fatalf("NewCapture: %v", err)
	}

	var got []string
	for {
		texts, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, texts...)
	}

	want := append(append([]string{}, batch1...), batch2...)
	sort.Strings(got)
	sort.Strings(want)
	if len(got) != len(want) {
		t.Fatalf("expected %d decoded symbols, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("symbol mismatch at %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestDisplayRejectsOversizedBatch(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDisplay(1, 1, 80, dir)
	if err != nil {
		t.Fatalf("NewDisplay: %v", err)
	}
	if _, err := d.RenderBatch([]string{"a", "b"}); err == nil {
		t.Fatalf("expected error for batch exceeding 1x1 grid capacity")
	}
}

func TestNewDisplayRejectsBadGeometry(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewDisplay(0, 2, 80, dir); err == nil {
		t.Fatalf("expected error for zero rows")
	}
	if _, err := NewDisplay(2, 2, 0, dir); err == nil {
		t.Fatalf("expected error for zero cell size")
	}
}
