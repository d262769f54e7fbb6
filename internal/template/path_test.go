package template

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLookup(t *testing.T) {
	data := map[string]any{
		"score": 85,
		"user": map[string]any{
			"name":     "Ada",
			"timezone": "Europe/London",
		},
		"items": []any{
			map[string]any{"day": "2026-08-24", "value": 1.5},
			map[string]any{"day": "2026-08-25", "value": 2.5},
		},
		"by_id": map[string]any{
			"42": "answer",
		},
		"nothing": nil,
	}

	tests := []struct {
		name   string
		path   string
		want   any
		wantOK bool
	}{
		{"top level", "score", 85, true},
		{"nested", "user.name", "Ada", true},
		{"missing top level", "absent", nil, false},
		{"missing nested", "user.absent", nil, false},
		{"null is present", "nothing", nil, true},
		{"array dot index", "items.0.day", "2026-08-24", true},
		{"array bracket index", "items[1].value", 2.5, true},
		{"negative index", "items.-1.day", "2026-08-25", true},
		{"index out of range", "items.5.day", nil, false},
		{"stringified numeric key", "by_id.42", "answer", true},
		{"traverse through scalar", "score.deeper", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Lookup(data, tt.path)
			if ok != tt.wantOK {
				t.Fatalf("Lookup(%q) ok = %v, want %v", tt.path, ok, tt.wantOK)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Lookup(%q) mismatch (-want +got):\n%s", tt.path, diff)
			}
		})
	}
}

// A numeric index against a plain object must fall through and keep
// resolving against that object, so per-item paths work unchanged when the
// source returns a single item instead of a list.
func TestLookupIndexFallbackOnObject(t *testing.T) {
	data := map[string]any{
		"data": map[string]any{"score": 91},
	}

	got, ok := Lookup(data, "data.0.score")
	if !ok {
		t.Fatal("expected fallback lookup to succeed")
	}
	if got != 91 {
		t.Errorf("got %v, want 91", got)
	}

	// Only index 0 falls back; a real offset against an object is a miss.
	if _, ok := Lookup(data, "data.1.score"); ok {
		t.Error("expected data.1.score to be absent")
	}
}
