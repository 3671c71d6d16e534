package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

func metadataPath(dir, id string) string {
	return filepath.Join(dir, id+".json")
}

// writeMetadata persists s to <dir>/<id>.json atomically: write to a temp
// file in the same directory, fsync it, then rename over the final path.
// The in-memory index must only be updated after this returns success.
func writeMetadata(dir string, s Snapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", s.ID, err)
	}
	final := metadataPath(dir, s.ID)
	tmp, err := os.CreateTemp(dir, s.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp metadata for %s: %w", s.ID, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp metadata for %s: %w", s.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fsync temp metadata for %s: %w", s.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp metadata for %s: %w", s.ID, err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename metadata for %s: %w", s.ID, err)
	}
	return nil
}

func removeMetadata(dir, id string) error {
	err := os.Remove(metadataPath(dir, id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func readMetadata(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}
