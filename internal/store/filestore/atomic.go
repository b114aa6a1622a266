package filestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// writeTemp writes data to a synced temporary file next to path and returns
// its name. The caller owns removing it.
func writeTemp(path string, data []byte) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tempPath := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return "", fmt.Errorf("write data: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return "", fmt.Errorf("sync data to disk: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, filePerm); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("set file permissions: %w", err)
	}
	return tempPath, nil
}

// createExclusive atomically publishes data at path only if nothing exists
// there yet. Readers never observe a partial file. It returns an error
// matching fs.ErrExist when path is taken.
func createExclusive(path string, data []byte) error {
	tempPath, err := writeTemp(path, data)
	if err != nil {
		return err
	}
	defer os.Remove(tempPath)

	// link(2) fails with EEXIST instead of replacing the target.
	if err := os.Link(tempPath, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fs.ErrExist
		}
		return fmt.Errorf("publish file: %w", err)
	}
	return nil
}

// replaceFile atomically overwrites path with data.
func replaceFile(path string, data []byte) error {
	tempPath, err := writeTemp(path, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
