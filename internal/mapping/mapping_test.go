package mapping

import (
	"path/filepath"
	"testing"
)

func TestStore_PutGetDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mappings.json")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := s.Put("gpt-4", "llama-70b.gguf"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	internal, ok := s.Get("gpt-4")
	if !ok || internal != "llama-70b.gguf" {
		t.Fatalf("got (%q, %v), want (llama-70b.gguf, true)", internal, ok)
	}

	if err := s.Delete("gpt-4"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get("gpt-4"); ok {
		t.Error("expected mapping to be gone after Delete")
	}

	if err := s.Delete("ghost"); err != ErrNotFound {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestStore_PersistsAcrossLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mappings.json")
	s1, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s1.Put("test-model", "test-model.gguf"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	s2, err := Load(path)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	internal, ok := s2.Get("test-model")
	if !ok || internal != "test-model.gguf" {
		t.Fatalf("got (%q, %v), want (test-model.gguf, true)", internal, ok)
	}
}

func TestStore_List(t *testing.T) {
	s, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s.Put("b-model", "b.gguf")
	s.Put("a-model", "a.gguf")

	list := s.List()
	if len(list) != 2 {
		t.Fatalf("got %d mappings, want 2", len(list))
	}
	if list[0].PublicName != "a-model" || list[1].PublicName != "b-model" {
		t.Errorf("expected sorted order, got %v", list)
	}
}
