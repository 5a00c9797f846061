package resume

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tanq16/splitfetch/internal/utils"
)

// FileStore keeps manifests as JSON files. With an empty Root the manifest
// sits next to the working file in the destination's temp directory;
// otherwise all manifests live flat under Root.
type FileStore struct {
	Root string
}

func NewFileStore(root string) *FileStore {
	return &FileStore{Root: root}
}

func (s *FileStore) PathFor(key string) string {
	if s.Root == "" {
		return utils.ManifestPathFor(key)
	}
	return filepath.Join(s.Root, objectName(key))
}

func (s *FileStore) Load(ctx context.Context, key string) (*Manifest, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	data, err := os.ReadFile(s.PathFor(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resume: read manifest: %w", err)
	}
	return decode(data)
}

// Save writes the manifest to a uniquely named temp file, syncs it and
// renames it over the previous version.
func (s *FileStore) Save(ctx context.Context, m *Manifest) error {
	if m.Key == "" {
		return ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(m)
	if err != nil {
		return err
	}
	target := s.PathFor(m.Key)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("resume: create manifest dir: %w", err)
	}
	tmp := filepath.Join(dir, "."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("resume: create temp manifest: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("resume: write manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("resume: sync manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("resume: close manifest: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("resume: replace manifest: %w", err)
	}
	return nil
}

func (s *FileStore) Discard(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := os.Remove(s.PathFor(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("resume: remove manifest: %w", err)
	}
	return nil
}

func encode(m *Manifest) ([]byte, error) {
	c := m.Clone()
	c.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("resume: marshal manifest: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
