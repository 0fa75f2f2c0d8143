package artifacts

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func checkStore(t *testing.T, store *Store) {
	if err := store.Put("run", "provision", "terraform.tfstate", []byte("state-v1")); err != nil {
		t.Fatal("Failed to put artifact:", err)
	}

	_, err := store.Get("run", "provision", "terraform.tfstate")
	if !IsArtifactNotFound(err) {
		t.Fatalf("Unpublished artifact must be invisible, got %v", err)
	}

	if err := store.Publish("run", "provision"); err != nil {
		t.Fatal("Failed to publish:", err)
	}

	artifact, err := store.Get("run", "provision", "terraform.tfstate")
	if err != nil {
		t.Fatal("Failed to get artifact:", err)
	}
	if diff := cmp.Diff("state-v1", string(artifact.Data)); diff != "" {
		t.Fatalf("Unexpected artifact data (-want +got):\n%s", diff)
	}

	err = store.Put("run", "provision", "terraform.tfstate", []byte("state-v2"))
	if !IsDuplicateArtifact(err) {
		t.Fatalf("Expected duplicate artifact error, got %v", err)
	}
	artifact, _ = store.Get("run", "provision", "terraform.tfstate")
	if string(artifact.Data) != "state-v1" {
		t.Fatal("Artifacts must be immutable")
	}

	if _, err := store.Get("run", "provision", "plan.tfplan"); !IsArtifactNotFound(err) {
		t.Fatalf("Expected not found error, got %v", err)
	}
	if _, err := store.Get("other-run", "provision", "terraform.tfstate"); !IsArtifactNotFound(err) {
		t.Fatalf("Artifacts must not leak between runs, got %v", err)
	}

	if err := store.Put("run", "build", "image.digest", []byte("sha256:abc")); err != nil {
		t.Fatal("Failed to put artifact:", err)
	}
	if err := store.Discard("run", "build"); err != nil {
		t.Fatal("Failed to discard:", err)
	}
	if _, err := store.Get("run", "build", "image.digest"); !IsArtifactNotFound(err) {
		t.Fatalf("Discarded artifact must be gone, got %v", err)
	}
	if err := store.Put("run", "build", "image.digest", []byte("sha256:def")); err != nil {
		t.Fatal("Discarded artifact must be writable again:", err)
	}

	metas := store.List("run")
	if len(metas) != 1 || metas[0].JobID != "provision" || metas[0].Size != int64(len("state-v1")) {
		t.Fatalf("Unexpected listing: %+v", metas)
	}

	if err := store.Release("run"); err != nil {
		t.Fatal("Failed to release run:", err)
	}
	if _, err := store.Get("run", "provision", "terraform.tfstate"); !IsArtifactNotFound(err) {
		t.Fatalf("Released artifacts must be gone, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	checkStore(t, NewMemoryStore())
}

func TestDiskStore(t *testing.T) {
	backend, err := NewDiskBackend(t.TempDir(), 0)
	if err != nil {
		t.Fatal("Failed to create backend:", err)
	}
	defer backend.Close()

	checkStore(t, NewStore(backend))
}

func TestDiskBackendEscapesNames(t *testing.T) {
	backend, err := NewDiskBackend(t.TempDir(), 1024)
	if err != nil {
		t.Fatal("Failed to create backend:", err)
	}
	defer backend.Close()

	key := Key{JobID: "build", Name: "out/../../image.digest"}
	if err := backend.Write("run", key, []byte("digest")); err != nil {
		t.Fatal("Failed to write:", err)
	}
	data, err := backend.Read("run", key)
	if err != nil {
		t.Fatal("Failed to read:", err)
	}
	if string(data) != "digest" {
		t.Fatalf("Unexpected data: %s", data)
	}
}

func TestStoreLimits(t *testing.T) {
	store := NewMemoryStore(WithMaxSize(4))

	if err := store.Put("run", "build", "big", []byte("12345")); err == nil {
		t.Fatal("Expected size limit error")
	}
	if err := store.Put("run", "build", "..", []byte("1")); err == nil {
		t.Fatal("Expected invalid name error")
	}
	if err := store.Put("run", "", "small", []byte("1")); err == nil {
		t.Fatal("Expected invalid job error")
	}
}

func TestScope(t *testing.T) {
	store := NewMemoryStore()
	needs := map[string]bool{"provision": true}

	producer := NewScope(store, "run", "provision", func(string) bool { return false })
	if err := producer.Put("terraform.tfstate", []byte("state")); err != nil {
		t.Fatal("Failed to put:", err)
	}
	if err := store.Put("run", "build", "image.digest", []byte("digest")); err != nil {
		t.Fatal("Failed to put:", err)
	}

	consumer := NewScope(store, "run", "destroy", func(producer string) bool { return needs[producer] })

	if _, err := consumer.Get("provision", "terraform.tfstate"); !IsArtifactNotFound(err) {
		t.Fatalf("Producer has not succeeded yet, got %v", err)
	}

	_ = store.Publish("run", "provision")
	_ = store.Publish("run", "build")

	data, err := consumer.Get("provision", "terraform.tfstate")
	if err != nil {
		t.Fatal("Failed to get:", err)
	}
	if string(data) != "state" {
		t.Fatalf("Unexpected data: %s", data)
	}

	if _, err := consumer.Get("build", "image.digest"); !IsArtifactNotFound(err) {
		t.Fatalf("Undeclared producer must be invisible, got %v", err)
	}

	if diff := cmp.Diff(map[string][]string{"provision": {"terraform.tfstate"}}, consumer.Inputs()); diff != "" {
		t.Fatalf("Unexpected inputs (-want +got):\n%s", diff)
	}
}
