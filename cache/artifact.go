/*
Copyright (C) 2026  Carl-Philip Hänsch

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
	"archive/tar"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/launix-de/ionjit/ion"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"golang.org/x/crypto/blake2b"
)

// artifact layout: magic, version, blake2b-256 of the json body, then the
// lz4 frame holding the json body
var artifactMagic = [4]byte{'I', 'O', 'N', 'A'}

const artifactVersion = 1

var ErrCorruptArtifact = errors.New("corrupt artifact")

// artifact is the stored form of ion.CompiledCode.
type artifact struct {
	Version    int               `json:"version"`
	ID         uuid.UUID         `json:"id"`
	Name       string            `json:"name"`
	Arch       string            `json:"arch"`
	Code       []byte            `json:"code"`
	HotSize    uint32            `json:"hot_size"`
	FrameSize  uint32            `json:"frame_size"`
	FrameClass uint32            `json:"frame_class"`
	Snapshots  []byte            `json:"snapshots"`
	Bailouts   []ion.BailoutSite `json:"bailouts"`
	Patches    []ion.PatchRecord `json:"patches"`
	Relocs     []ion.Relocation  `json:"relocs"`
}

// Key is the content key of a function compiled from source: the same
// name, source and target always give the same key.
func Key(name string, source []byte) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(ion.TargetArch))
	h.Write([]byte{0})
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(source)
	return hex.EncodeToString(h.Sum(nil))
}

func EncodeArtifact(w io.Writer, c *ion.CompiledCode) error {
	body, err := json.Marshal(artifact{
		Version:    artifactVersion,
		ID:         c.ID,
		Name:       c.Name,
		Arch:       c.Arch,
		Code:       c.Code,
		HotSize:    c.HotSize,
		FrameSize:  c.FrameSize,
		FrameClass: c.FrameClass.ClassID(),
		Snapshots:  c.Snapshots,
		Bailouts:   c.Bailouts,
		Patches:    c.Patches,
		Relocs:     c.Relocs,
	})
	if err != nil {
		return err
	}
	sum := blake2b.Sum256(body)
	header := append(artifactMagic[:], artifactVersion)
	if _, err := w.Write(append(header, sum[:]...)); err != nil {
		return err
	}
	zw := lz4.NewWriter(w)
	if _, err := zw.Write(body); err != nil {
		return err
	}
	return zw.Close()
}

func DecodeArtifact(r io.Reader) (*ion.CompiledCode, error) {
	var header [4 + 1 + blake2b.Size256]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: short header", ErrCorruptArtifact)
		}
		return nil, err
	}
	if !bytes.Equal(header[:4], artifactMagic[:]) {
		return nil, fmt.Errorf("%w: bad magic % x", ErrCorruptArtifact, header[:4])
	}
	if header[4] != artifactVersion {
		return nil, fmt.Errorf("%w: version %d", ErrCorruptArtifact, header[4])
	}
	body, err := io.ReadAll(lz4.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}
	if sum := blake2b.Sum256(body); !bytes.Equal(sum[:], header[5:]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptArtifact)
	}
	var a artifact
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}
	class, ok := ion.FrameSizeClassFromID(a.FrameClass)
	if !ok {
		return nil, fmt.Errorf("%w: frame class %d", ErrCorruptArtifact, a.FrameClass)
	}
	return ion.Revive(&ion.CompiledCode{
		ID:         a.ID,
		Name:       a.Name,
		Arch:       a.Arch,
		Code:       a.Code,
		HotSize:    a.HotSize,
		FrameSize:  a.FrameSize,
		FrameClass: class,
		Snapshots:  a.Snapshots,
		Bailouts:   a.Bailouts,
		Patches:    a.Patches,
		Relocs:     a.Relocs,
	})
}

// Store keeps compiled code in an Engine.
type Store struct {
	engine Engine
}

func NewStore(e Engine) *Store {
	return &Store{engine: e}
}

func (s *Store) Engine() Engine {
	return s.engine
}

func (s *Store) Save(key string, c *ion.CompiledCode) error {
	w, err := s.engine.WriteArtifact(key)
	if err != nil {
		return err
	}
	if err := EncodeArtifact(w, c); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Load reads an artifact back; a missing key gives ErrNotFound.
func (s *Store) Load(key string) (*ion.CompiledCode, error) {
	r := s.engine.ReadArtifact(key)
	defer r.Close()
	return DecodeArtifact(r)
}

// Compile returns the cached code for g if source was compiled before and
// generates and stores it otherwise. A damaged artifact is replaced.
func (s *Store) Compile(g *ion.Graph, source []byte, opts ion.Options) (code *ion.CompiledCode, hit bool, err error) {
	key := Key(g.Name, source)
	code, err = s.Load(key)
	if err == nil && code.Name == g.Name {
		ion.Log.Debug("cache: hit %s (%s)", g.Name, key[:12])
		return code, true, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		ion.Log.Warning("cache: dropping %s: %v", key, err)
		s.engine.RemoveArtifact(key)
	}
	code, err = ion.Generate(g, opts)
	if err != nil {
		return nil, false, err
	}
	if err := s.Save(key, code); err != nil {
		return code, false, fmt.Errorf("store %s: %w", g.Name, err)
	}
	return code, false, nil
}

// Export writes every artifact of e into an xz compressed tar archive and
// returns how many were written.
func Export(w io.Writer, e Engine) (int, error) {
	keys, err := e.ListArtifacts()
	if err != nil {
		return 0, err
	}
	xw, err := xz.NewWriter(w)
	if err != nil {
		return 0, err
	}
	tw := tar.NewWriter(xw)
	for i, key := range keys {
		r := e.ReadArtifact(key)
		data, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return i, fmt.Errorf("%s: %w", key, err)
		}
		if err := tw.WriteHeader(&tar.Header{Name: key, Mode: 0640, Size: int64(len(data))}); err != nil {
			return i, err
		}
		if _, err := tw.Write(data); err != nil {
			return i, err
		}
	}
	if err := tw.Close(); err != nil {
		return len(keys), err
	}
	return len(keys), xw.Close()
}

// Import stores every artifact of an archive written by Export into e.
// Entries that do not decode are rejected before anything is overwritten.
func Import(r io.Reader, e Engine) (int, error) {
	xr, err := xz.NewReader(r)
	if err != nil {
		return 0, err
	}
	tr := tar.NewReader(xr)
	n := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		} else if err != nil {
			return n, err
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return n, err
		}
		if _, err := DecodeArtifact(bytes.NewReader(data)); err != nil {
			return n, fmt.Errorf("%s: %w", hdr.Name, err)
		}
		w, err := e.WriteArtifact(hdr.Name)
		if err != nil {
			return n, err
		}
		if _, err := w.Write(data); err != nil {
			w.Close()
			return n, err
		}
		if err := w.Close(); err != nil {
			return n, err
		}
		n++
	}
}
