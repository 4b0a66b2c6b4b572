package store

import (
	"context"
	"strings"
	"testing"
)

func TestUpdateEmbeddingRejectsWrongDimensions(t *testing.T) {
	s := &Store{}
	err := s.UpdateEmbedding(context.Background(), "task-1", []float32{0.1, 0.2, 0.3})
	if err == nil {
		t.Fatal("expected dimension mismatch error")
	}
	if !strings.Contains(err.Error(), "3 dimensions") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEncodeVectorLiteral(t *testing.T) {
	lit, err := encodeVectorLiteral([]float32{0.5, -1, 2})
	if err != nil {
		t.Fatalf("encodeVectorLiteral: %v", err)
	}
	if lit != "[0.5,-1,2]" {
		t.Fatalf("unexpected literal %q", lit)
	}

	if _, err := encodeVectorLiteral(nil); err == nil {
		t.Fatal("expected error for empty vector")
	}
}
