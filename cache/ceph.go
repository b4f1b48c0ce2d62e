//go:build ceph

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
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/ceph/go-ceph/rados"
)

// Ceph/RADOS layout: <prefix>/<key>, one object per artifact. Objects are
// written whole with WriteFull, so readers never see partial artifacts.

func init() {
	BackendRegistry["ceph"] = func(cfg BackendConfig) (Engine, error) {
		if cfg.Pool == "" {
			return nil, errors.New("ceph backend: no pool")
		}
		return &CephStorage{cfg: cfg, prefix: strings.TrimSuffix(cfg.Prefix, "/")}, nil
	}
}

type CephStorage struct {
	cfg    BackendConfig
	prefix string

	mu    sync.Mutex
	conn  *rados.Conn
	ioctx *rados.IOContext
}

func (s *CephStorage) ensureOpen() (*rados.IOContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ioctx != nil {
		return s.ioctx, nil
	}

	conn, err := rados.NewConnWithClusterAndUser(s.cfg.ClusterName, s.cfg.UserName)
	if err != nil {
		return nil, err
	}
	if s.cfg.ConfFile != "" {
		if err := conn.ReadConfigFile(s.cfg.ConfFile); err != nil {
			return nil, err
		}
	} else {
		// If no conf provided, caller must have CEPH_ARGS/CEPH_CONF env or defaults.
		_ = conn.ReadDefaultConfigFile()
	}

	if err := conn.Connect(); err != nil {
		return nil, err
	}

	ioctx, err := conn.OpenIOContext(s.cfg.Pool)
	if err != nil {
		conn.Shutdown()
		return nil, err
	}

	s.conn = conn
	s.ioctx = ioctx
	return ioctx, nil
}

func (s *CephStorage) obj(name string) string {
	return path.Join(s.prefix, name)
}

func (s *CephStorage) ReadArtifact(key string) io.ReadCloser {
	ioctx, err := s.ensureOpen()
	if err != nil {
		return ErrorReader{err}
	}
	obj := s.obj(key)
	stat, err := ioctx.Stat(obj)
	if errors.Is(err, rados.ErrNotFound) {
		return ErrorReader{fmt.Errorf("%w: %s", ErrNotFound, key)}
	} else if err != nil {
		return ErrorReader{err}
	}
	data := make([]byte, stat.Size)
	n, err := ioctx.Read(obj, data, 0)
	if err != nil {
		return ErrorReader{err}
	}
	return io.NopCloser(bytes.NewReader(data[:n]))
}

type cephWriteCloser struct {
	ioctx  *rados.IOContext
	obj    string
	buf    bytes.Buffer
	closed bool
}

func (w *cephWriteCloser) Write(p []byte) (int, error) {
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	return w.buf.Write(p)
}

func (w *cephWriteCloser) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.ioctx.WriteFull(w.obj, w.buf.Bytes())
}

func (s *CephStorage) WriteArtifact(key string) (io.WriteCloser, error) {
	ioctx, err := s.ensureOpen()
	if err != nil {
		return nil, err
	}
	return &cephWriteCloser{ioctx: ioctx, obj: s.obj(key)}, nil
}

func (s *CephStorage) RemoveArtifact(key string) {
	if ioctx, err := s.ensureOpen(); err == nil {
		_ = ioctx.Delete(s.obj(key))
	}
}

// ListArtifacts walks the whole pool; artifact pools are expected to be
// dedicated so the walk stays short.
func (s *CephStorage) ListArtifacts() ([]string, error) {
	ioctx, err := s.ensureOpen()
	if err != nil {
		return nil, err
	}
	iter, err := ioctx.Iter()
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var keys []string
	for iter.Next() {
		name := iter.Value()
		if s.prefix != "" {
			if !strings.HasPrefix(name, s.prefix+"/") {
				continue
			}
			name = strings.TrimPrefix(name, s.prefix+"/")
		}
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys, iter.Err()
}

func (s *CephStorage) Remove() {
	keys, err := s.ListArtifacts()
	if err != nil {
		return
	}
	for _, key := range keys {
		s.RemoveArtifact(key)
	}
}
