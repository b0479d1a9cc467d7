package fetch

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// FileStore persists resources to a single file, replacing it atomically.
type FileStore struct {
	Path string
}

// Persist writes data next to the destination and renames it into place so
// readers never observe a partial file.
func (s FileStore) Persist(data []byte) error {
	if s.Path == "" {
		return errors.New("no destination path")
	}
	dir, base := filepath.Split(s.Path)
	if dir == "" {
		dir = "."
	}
	tmp, err := ioutil.TempFile(dir, "."+base+".*")
	if err != nil {
		return errors.Wrap(err, "unable to create temporary file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "unable to write resource")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "unable to sync resource")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "unable to close resource")
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return errors.Wrap(err, "unable to set permissions")
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return errors.Wrapf(err, "unable to replace %s", s.Path)
	}
	return nil
}
