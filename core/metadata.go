package core

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// chainMetadata is the persisted high-water mark for one chain.
type chainMetadata struct {
	HighestNodeCount int `json:"highest_node_count"`
}

// metadataFile is the on-disk shape: genesis hash (hex, via BlockHash's
// own MarshalText/UnmarshalText) to chainMetadata.
type metadataFile struct {
	Chains map[BlockHash]chainMetadata `json:"chains"`
}

// metadataStore is the write-through persistence layer for per-chain
// high-water marks. It is only ever touched from the event loop goroutine,
// so it needs no internal locking.
type metadataStore struct {
	path   string
	chains map[BlockHash]int // genesis hash -> highest_node_count, as last persisted
	log    *logrus.Entry
}

// loadMetadataStore loads the metadata file at path if configured and
// present, defaulting to empty otherwise. A configured-but-unparsable file
// is a construction failure.
func loadMetadataStore(path string, log *logrus.Entry) (*metadataStore, error) {
	store := &metadataStore{path: path, chains: make(map[BlockHash]int), log: log}
	if path == "" {
		return store, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return store, nil
	}
	if err != nil {
		return nil, err
	}

	var f metadataFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	for hash, m := range f.Chains {
		store.chains[hash] = m.HighestNodeCount
	}
	return store, nil
}

// Get returns the persisted high-water mark for a chain, if any.
func (m *metadataStore) Get(hash BlockHash) (int, bool) {
	v, ok := m.chains[hash]
	return v, ok
}

// reconcile compares the in-memory high-water marks against what's
// persisted and, if any increased, rewrites the whole file. A count lower
// than what's already persisted never regresses the stored value --
// highest_node_count is monotonic non-decreasing even across a restart that
// reloaded a higher mark than the caller currently observes. I/O failures
// are logged and swallowed --
// the in-memory state remains authoritative either way.
func (m *metadataStore) reconcile(current map[BlockHash]int) {
	changed := false
	for hash, count := range current {
		prev, ok := m.chains[hash]
		if !ok {
			changed = true
			m.chains[hash] = count
			continue
		}
		if count > prev {
			changed = true
			m.chains[hash] = count
		}
	}
	if !changed {
		return
	}
	if m.path == "" {
		return
	}

	f := metadataFile{Chains: make(map[BlockHash]chainMetadata, len(m.chains))}
	for hash, count := range m.chains {
		f.Chains[hash] = chainMetadata{HighestNodeCount: count}
	}
	data, err := json.Marshal(f)
	if err != nil {
		m.log.WithError(err).Error("failed to encode metadata")
		return
	}
	if err := writeFileAtomic(m.path, data); err != nil {
		m.log.WithError(err).Error("failed to save metadata")
	}
}

// writeFileAtomic writes data to path via a temp file + rename so a crash
// mid-write never leaves a half-written metadata file behind.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".metadata-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
