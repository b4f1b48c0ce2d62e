/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

func init() {
	BackendRegistry["files"] = func(cfg BackendConfig) (Engine, error) {
		if cfg.Path == "" {
			return nil, errors.New("files backend: no path")
		}
		return &FileStorage{path: filepath.Join(cfg.Path, cfg.Prefix)}, nil
	}
}

// FileStorage keeps one file per artifact, sharded by the first key bytes.
type FileStorage struct {
	path string
}

func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

// keys shorter than 4 would collide with the shard directories
func validKey(key string) bool {
	return len(key) >= 4 && !strings.ContainsAny(key, `/\.`)
}

func (s *FileStorage) artifactPath(key string) string {
	return filepath.Join(s.path, key[:2], key[2:4], key)
}

func (s *FileStorage) ReadArtifact(key string) io.ReadCloser {
	if !validKey(key) {
		return ErrorReader{fmt.Errorf("%w: %s", ErrNotFound, key)}
	}
	f, err := os.Open(s.artifactPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrorReader{fmt.Errorf("%w: %s", ErrNotFound, key)}
	} else if err != nil {
		return ErrorReader{err}
	}
	return f
}

// fileWriter writes to a temporary name and renames on Close so readers
// never see half an artifact.
type fileWriter struct {
	*os.File
	target string
}

func (w *fileWriter) Close() error {
	if err := w.File.Close(); err != nil {
		os.Remove(w.File.Name())
		return err
	}
	return os.Rename(w.File.Name(), w.target)
}

func (s *FileStorage) WriteArtifact(key string) (io.WriteCloser, error) {
	if !validKey(key) {
		return nil, fmt.Errorf("invalid artifact key %q", key)
	}
	p := s.artifactPath(key)
	if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(filepath.Dir(p), key+".*.tmp")
	if err != nil {
		return nil, err
	}
	return &fileWriter{f, p}, nil
}

func (s *FileStorage) RemoveArtifact(key string) {
	if !validKey(key) {
		return
	}
	os.Remove(s.artifactPath(key))
}

func (s *FileStorage) ListArtifacts() ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == s.path && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if !d.IsDir() && !strings.HasSuffix(d.Name(), ".tmp") {
			keys = append(keys, d.Name())
		}
		return nil
	})
	sort.Strings(keys)
	return keys, err
}

func (s *FileStorage) Remove() {
	os.RemoveAll(s.path)
}
