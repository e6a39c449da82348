//go:build unit

package core

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", true)
}

func TestLoadMetadataStoreMissingFileIsEmpty(t *testing.T) {
	store, err := loadMetadataStore(filepath.Join(t.TempDir(), "missing.json"), testLog())
	if err != nil {
		t.Fatalf("missing file should not be an error: %v", err)
	}
	if _, ok := store.Get(BlockHash{0x01}); ok {
		t.Fatalf("expected empty store")
	}
}

func TestLoadMetadataStoreUnparsableFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadMetadataStore(path, testLog()); err == nil {
		t.Fatalf("expected a construction failure for unparsable metadata")
	}
}

func TestMetadataReconcileOnlyWritesOnChange(t *testing.T) {
	hash := BlockHash{0xEE}
	path := filepath.Join(t.TempDir(), "metadata.json")

	seed := metadataFile{Chains: map[BlockHash]chainMetadata{hash: {HighestNodeCount: 50}}}
	data, _ := json.Marshal(seed)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := loadMetadataStore(path, testLog())
	if err != nil {
		t.Fatal(err)
	}

	beforeUnderQuota, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	store.reconcile(map[BlockHash]int{hash: 40})
	afterUnderQuota, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(afterUnderQuota) != string(beforeUnderQuota) {
		t.Fatalf("40 < persisted 50 should not rewrite the file")
	}

	store.reconcile(map[BlockHash]int{hash: 60})
	reread, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var f metadataFile
	if err := json.Unmarshal(reread, &f); err != nil {
		t.Fatal(err)
	}
	if f.Chains[hash].HighestNodeCount != 60 {
		t.Fatalf("expected persisted value 60 after crossing the high-water mark, got %d", f.Chains[hash].HighestNodeCount)
	}
}
