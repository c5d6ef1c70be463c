package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	doc := []byte("<html><body data-action-marker=\"roll\"></body></html>")

	ref, err := store.Put(DomainDocument, doc)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !ref.Valid() {
		t.Fatalf("expected valid ref, got %q", ref)
	}
	if ref.Domain() != DomainDocument {
		t.Fatalf("domain = %s, want document", ref.Domain())
	}

	got, err := store.Get(ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != string(doc) {
		t.Fatalf("artifact bytes mismatch: got %q", got)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	data := []byte("validate = function(input) return { valid = true } end")

	first, err := store.Put(DomainValidator, data)
	if err != nil {
		t.Fatalf("first put: %v", err)
	}
	second, err := store.Put(DomainValidator, data)
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical refs, got %s and %s", first, second)
	}
}

func TestDomainSeparation(t *testing.T) {
	data := []byte("same bytes")

	docRef, err := HashRef(DomainDocument, data)
	if err != nil {
		t.Fatalf("hash document: %v", err)
	}
	valRef, err := HashRef(DomainValidator, data)
	if err != nil {
		t.Fatalf("hash validator: %v", err)
	}
	if docRef.Digest() == valRef.Digest() {
		t.Fatal("expected distinct digests across domains for identical bytes")
	}
}

func TestGetMissingArtifact(t *testing.T) {
	store := newTestStore(t)
	ref, err := HashRef(DomainDocument, []byte("never published"))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if _, err := store.Get(ref); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if store.Has(ref) {
		t.Fatal("Has should report false for unpublished ref")
	}
}

func TestGetRejectsCorruptedArtifact(t *testing.T) {
	store := newTestStore(t)
	ref, err := store.Put(DomainDocument, []byte("original content"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	digest := ref.Digest()
	path := filepath.Join(store.root, "document", digest[:2], digest)
	if err := os.WriteFile(path, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if _, err := store.Get(ref); err == nil || !strings.Contains(err.Error(), "content verification") {
		t.Fatalf("expected verification failure, got %v", err)
	}
}

func TestRefValidation(t *testing.T) {
	tests := []struct {
		ref  Ref
		want bool
	}{
		{Ref("document:" + strings.Repeat("ab", 32)), true},
		{Ref("validator:" + strings.Repeat("00", 32)), true},
		{Ref("unknown:" + strings.Repeat("ab", 32)), false},
		{"document:zz", false},
		{"document", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := tc.ref.Valid(); got != tc.want {
			t.Fatalf("Valid(%q) = %v, want %v", tc.ref, got, tc.want)
		}
	}
}
