package registry

// This file contains the directory backed store: one directory per test
// holding test.json and the patch.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/testbit/testbit/model"
)

const (
	recordFile = "test.json"
	patchFile  = "patch"
)

// FileStore keeps tests under a root directory.
type FileStore struct {
	logger zerolog.Logger
	root   string
}

// NewFileStore creates root if needed and returns a store using it.
func NewFileStore(logger zerolog.Logger, root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{logger: logger, root: root}, nil
}

func (s *FileStore) dir(id int64) string {
	return filepath.Join(s.root, strconv.FormatInt(id, 10))
}

// Load reads every test.json below the root. Unreadable records are logged
// and skipped.
func (s *FileStore) Load(ctx context.Context) ([]model.Test, error) {
	var tests []model.Test

	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || path == s.root {
			return nil
		}

		recordPath := filepath.Join(path, recordFile)
		if _, err := os.Stat(recordPath); err == nil {
			t, err := parseRecord(recordPath)
			if err != nil {
				s.logger.Warn().Err(err).Str("path", recordPath).Msg("Failed to parse test record")
				return filepath.SkipDir
			}
			tests = append(tests, t)
		}
		return filepath.SkipDir
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk store directory: %w", err)
	}

	sort.Slice(tests, func(i, j int) bool {
		return tests[i].ID < tests[j].ID
	})
	return tests, nil
}

// MaxID returns the highest id that owns a directory below the root,
// including directories without a readable record.
func (s *FileStore) MaxID(ctx context.Context) (int64, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("failed to read store directory: %w", err)
	}

	var max int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		if id > max {
			max = id
		}
	}
	return max, nil
}

func (s *FileStore) Create(ctx context.Context, t model.Test, patch []byte) (err error) {
	dir := s.dir(t.ID)
	if err := os.Mkdir(dir, 0755); err != nil {
		return fmt.Errorf("failed to create test directory: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			s.logger.Warn().Err(rmErr).Str("dir", dir).Msg("Failed to remove partial test directory")
		}
	}()

	if err := writeFileAtomic(filepath.Join(dir, patchFile), patch); err != nil {
		return fmt.Errorf("failed to write patch: %w", err)
	}
	return s.writeRecord(t)
}

func (s *FileStore) Update(ctx context.Context, t model.Test) error {
	if _, err := os.Stat(s.dir(t.ID)); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("test %d: %w", t.ID, ErrNotFound)
	}
	return s.writeRecord(t)
}

func (s *FileStore) Patch(ctx context.Context, id int64) ([]byte, error) {
	patch, err := os.ReadFile(filepath.Join(s.dir(id), patchFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("test %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read patch: %w", err)
	}
	return patch, nil
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) writeRecord(t model.Test) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal test: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir(t.ID), recordFile), data); err != nil {
		return fmt.Errorf("failed to write test record: %w", err)
	}
	return nil
}

func parseRecord(path string) (model.Test, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Test{}, err
	}

	var t model.Test
	if err := json.Unmarshal(data, &t); err != nil {
		return model.Test{}, err
	}
	return t, nil
}

// writeFileAtomic replaces path so readers never see a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
