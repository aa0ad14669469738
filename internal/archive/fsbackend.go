package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FSBackend stores archived bundles as zip files under a root directory,
// mirroring ClusterCockpit's archiveCheckpoints helper: one zip file per
// key, at <Root>/<key>.zip, holding a single entry.
type FSBackend struct {
	Root string
}

func (b *FSBackend) path(key string) string {
	return filepath.Join(b.Root, key+".zip")
}

func (b *FSBackend) Store(_ context.Context, key string, data []byte) error {
	path := b.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	entry, err := zw.Create(filepath.Base(key))
	if err != nil {
		zw.Close()
		return err
	}
	if _, err := io.Copy(entry, bytes.NewReader(data)); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func (b *FSBackend) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(b.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (b *FSBackend) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.Walk(b.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(b.Root, path)
		if err != nil {
			return err
		}
		rel = strings.TrimSuffix(rel, ".zip")
		if strings.HasPrefix(rel, prefix) {
			keys = append(keys, rel)
		}
		return nil
	})
	return keys, err
}
