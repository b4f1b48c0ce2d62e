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
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeArtifact(t *testing.T, e Engine, key string, data string) {
	t.Helper()
	w, err := e.WriteArtifact(key)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(w, data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func readArtifact(t *testing.T, e Engine, key string) (string, error) {
	t.Helper()
	r := e.ReadArtifact(key)
	defer r.Close()
	data, err := io.ReadAll(r)
	return string(data), err
}

func TestFileStorage(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(BackendConfig{Backend: "files", Path: dir})
	if err != nil {
		t.Fatal(err)
	}
	if keys, err := e.ListArtifacts(); err != nil || len(keys) != 0 {
		t.Fatalf("fresh store lists %v, %v", keys, err)
	}
	writeArtifact(t, e, "abcdef", "one")
	writeArtifact(t, e, "abce12", "two")
	if _, err := os.Stat(filepath.Join(dir, "ab", "cd", "abcdef")); err != nil {
		t.Errorf("artifact not sharded: %v", err)
	}
	if got, err := readArtifact(t, e, "abcdef"); err != nil || got != "one" {
		t.Errorf("read %q, %v", got, err)
	}
	writeArtifact(t, e, "abcdef", "three")
	if got, _ := readArtifact(t, e, "abcdef"); got != "three" {
		t.Errorf("overwrite read %q", got)
	}
	if keys, _ := e.ListArtifacts(); !reflect.DeepEqual(keys, []string{"abcdef", "abce12"}) {
		t.Errorf("listed %v", keys)
	}

	e.RemoveArtifact("abcdef")
	if _, err := readArtifact(t, e, "abcdef"); !errors.Is(err, ErrNotFound) {
		t.Errorf("removed artifact: %v", err)
	}
	for _, bad := range []string{"", "ab", "../xyz", "ab.cd"} {
		if _, err := e.WriteArtifact(bad); err == nil {
			t.Errorf("accepted key %q", bad)
		}
	}
	e.Remove()
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("store not removed: %v", err)
	}
}

func TestCopy(t *testing.T) {
	src := NewFileStorage(t.TempDir())
	dst := NewFileStorage(t.TempDir())
	writeArtifact(t, src, "0001", "a")
	writeArtifact(t, src, "0002", "b")
	if n, err := Copy(dst, src); err != nil || n != 2 {
		t.Fatalf("copied %d, %v", n, err)
	}
	if got, _ := readArtifact(t, dst, "0002"); got != "b" {
		t.Errorf("copy read %q", got)
	}
}

func TestOpenBackends(t *testing.T) {
	cases := []struct {
		cfg BackendConfig
		ok  bool
	}{
		{BackendConfig{Backend: "files"}, false},
		{BackendConfig{Backend: "s3"}, false},
		{BackendConfig{Backend: "s3", Bucket: "ion", Endpoint: "http://127.0.0.1:9000", ForcePathStyle: true}, true},
		{BackendConfig{Backend: "tape"}, false},
	}
	for _, c := range cases {
		_, err := Open(c.cfg)
		if (err == nil) != c.ok {
			t.Errorf("%+v: %v", c.cfg, err)
		}
	}
	if _, ok := BackendRegistry["ceph"]; !ok {
		t.Error("ceph backend not registered")
	}
}

func TestS3Keys(t *testing.T) {
	s := NewS3Storage(BackendConfig{Bucket: "b", Prefix: "jit/"})
	if got := s.key("00ff"); got != "jit/00ff" {
		t.Errorf("key %q", got)
	}
	if got := NewS3Storage(BackendConfig{Bucket: "b"}).key("00ff"); got != "00ff" {
		t.Errorf("unprefixed key %q", got)
	}
}
