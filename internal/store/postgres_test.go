package store

import (
	"strings"
	"testing"
)

func TestEncodeItemsDoesNotMutateInput(t *testing.T) {
	items := []ListItem{
		{ID: "i1", Content: "pack tent"},
		{ID: "i2", Content: "buy food", CompletedBy: []string{"u1"}},
	}

	encoded, err := encodeItems(items)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if items[0].CompletedBy != nil {
		t.Fatalf("caller's slice was normalized in place: %+v", items[0])
	}
	if !strings.Contains(string(encoded), `"completedBy":[]`) {
		t.Fatalf("nil completion set not normalized in output: %s", encoded)
	}
}

func TestEncodeItemsNilSlice(t *testing.T) {
	encoded, err := encodeItems(nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(encoded) != "[]" {
		t.Fatalf("expected empty JSON array, got %s", encoded)
	}
}
