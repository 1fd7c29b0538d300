package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"typegraph/internal/chunk"
)

const rawDir = "raw"

// DiskStore keeps units under root/<stage>/<handle>, raw replies under
// root/raw and run artifacts directly under root.
type DiskStore struct {
	root string
}

func NewDiskStore(root string) *DiskStore {
	return &DiskStore{root: strings.TrimSpace(root)}
}

func (s *DiskStore) Root() string { return s.root }

func (s *DiskStore) Write(_ context.Context, stage Stage, u chunk.Unit) (Handle, error) {
	h := HandleFor(u)
	data, err := u.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("encode unit %s: %w", u.Key(), err)
	}
	path, err := s.pathFor(string(stage), string(h))
	if err != nil {
		return "", err
	}
	if err := writeFile(path, data); err != nil {
		return "", err
	}
	return h, nil
}

func (s *DiskStore) Read(_ context.Context, stage Stage, h Handle) (chunk.Unit, error) {
	data, err := s.read(string(stage), string(h))
	if err != nil {
		return chunk.Unit{}, err
	}
	return decodeUnit(data)
}

func (s *DiskStore) ReadAll(ctx context.Context, stage Stage, handles []Handle) ([]chunk.Unit, []ReadError) {
	return readAll(ctx, s, stage, handles)
}

func (s *DiskStore) List(_ context.Context, stage Stage) ([]Handle, error) {
	dir, err := s.pathFor(string(stage))
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Handle{}, nil
		}
		return nil, err
	}
	out := make([]Handle, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		out = append(out, Handle(e.Name()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *DiskStore) Exists(_ context.Context, stage Stage, h Handle) (bool, error) {
	path, err := s.pathFor(string(stage), string(h))
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *DiskStore) Reset(_ context.Context, stage Stage) error {
	dir, err := s.pathFor(string(stage))
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (s *DiskStore) WriteRaw(_ context.Context, h Handle, attempt int, raw []byte) error {
	path, err := s.pathFor(rawDir, rawName(h, attempt))
	if err != nil {
		return err
	}
	return writeFile(path, compress(raw))
}

func (s *DiskStore) ReadRaw(_ context.Context, h Handle, attempt int) ([]byte, error) {
	data, err := s.read(rawDir, rawName(h, attempt))
	if err != nil {
		return nil, err
	}
	return decompress(data)
}

func (s *DiskStore) WriteFile(_ context.Context, name string, content []byte) error {
	path, err := s.pathFor(name)
	if err != nil {
		return err
	}
	return writeFile(path, content)
}

func (s *DiskStore) ReadFile(_ context.Context, name string) ([]byte, error) {
	return s.read(name)
}

func (s *DiskStore) RemoveFile(_ context.Context, name string) error {
	path, err := s.pathFor(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *DiskStore) read(parts ...string) ([]byte, error) {
	path, err := s.pathFor(parts...)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filepath.ToSlash(filepath.Join(parts...)))
	}
	return data, err
}

func (s *DiskStore) pathFor(parts ...string) (string, error) {
	if s == nil {
		return "", fmt.Errorf("chunk store is not configured")
	}
	if s.root == "" {
		return "", fmt.Errorf("chunk store root is required")
	}
	clean := make([]string, 0, len(parts)+1)
	clean = append(clean, s.root)
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return "", fmt.Errorf("path element is required")
		}
		if strings.Contains(p, "..") || filepath.IsAbs(p) || strings.ContainsAny(p, `/\`) {
			return "", fmt.Errorf("invalid path element: %s", p)
		}
		clean = append(clean, p)
	}
	return filepath.Join(clean...), nil
}

// writeFile replaces path atomically so a crash never leaves half a unit.
func writeFile(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
