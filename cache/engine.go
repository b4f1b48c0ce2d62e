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
	"sort"
)

/*

artifact storage

Compiled functions are stored as artifacts under a content key (see Key).
The store does not interpret the bytes; it only has to:
 - read an artifact
 - write an artifact (visible once the writer is closed)
 - remove an artifact
 - list all keys
 - remove everything

*/

type Engine interface {
	ReadArtifact(key string) io.ReadCloser // ErrorReader wrapping ErrNotFound if absent
	WriteArtifact(key string) (io.WriteCloser, error)
	RemoveArtifact(key string)
	ListArtifacts() ([]string, error)
	Remove() // delete from storage
}

var ErrNotFound = errors.New("artifact not found")

// BackendConfig selects and configures the artifact backend.
type BackendConfig struct {
	Backend string `yaml:"backend"` // "files", "s3" or "ceph"

	// files
	Path string `yaml:"path,omitempty"`

	// Ceph-specific fields
	UserName    string `yaml:"username,omitempty"`  // Ceph: e.g. "client.admin"
	ClusterName string `yaml:"cluster,omitempty"`   // Ceph: often "ceph"
	ConfFile    string `yaml:"conf_file,omitempty"` // Ceph: optional config path
	Pool        string `yaml:"pool,omitempty"`
	Prefix      string `yaml:"prefix,omitempty"` // Object prefix (Ceph and S3)

	// S3-specific fields
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	Region          string `yaml:"region,omitempty"`   // S3: AWS region (e.g., "us-east-1")
	Endpoint        string `yaml:"endpoint,omitempty"` // S3: Custom endpoint (MinIO, etc.)
	Bucket          string `yaml:"bucket,omitempty"`
	ForcePathStyle  bool   `yaml:"force_path_style,omitempty"` // S3: Use path-style URLs (for MinIO)
}

// BackendRegistry maps backend names to constructors; optional backends
// register themselves from init.
var BackendRegistry = map[string]func(cfg BackendConfig) (Engine, error){}

// Open creates the engine a config names.
func Open(cfg BackendConfig) (Engine, error) {
	create, ok := BackendRegistry[cfg.Backend]
	if !ok {
		names := make([]string, 0, len(BackendRegistry))
		for name := range BackendRegistry {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("unknown artifact backend %q (have %v)", cfg.Backend, names)
	}
	return create(cfg)
}

// Copy moves every artifact of src into dst and returns how many were copied.
func Copy(dst Engine, src Engine) (int, error) {
	keys, err := src.ListArtifacts()
	if err != nil {
		return 0, err
	}
	for i, key := range keys {
		if err := copyArtifact(dst, src, key); err != nil {
			return i, fmt.Errorf("%s: %w", key, err)
		}
	}
	return len(keys), nil
}

func copyArtifact(dst Engine, src Engine, key string) error {
	r := src.ReadArtifact(key)
	defer r.Close()
	w, err := dst.WriteArtifact(key)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// ErrorReader implements io.ReadCloser
type ErrorReader struct {
	e error
}

func (e ErrorReader) Read([]byte) (int, error) {
	// reflects the error (e.g. file not found)
	return 0, e.e
}
func (e ErrorReader) Close() error {
	// closes without problem
	return nil
}
