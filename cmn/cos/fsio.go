// Package cos provides common low-level types and utilities for meshrank
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// SaveFileAtomic writes via a sibling .tmp and renames into place, so that a
// reader never observes a torn file and a failed write leaves the previous
// content intact.
func SaveFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "mkdir")
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "rename %s", path)
	}
	return nil
}

func SaveJSONAtomic(path string, v any) error {
	data, err := JSON.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal")
	}
	return SaveFileAtomic(path, data)
}

func LoadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return JSON.Unmarshal(data, v)
}

func Mtime(path string) (int64, bool) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	return fi.ModTime().UnixNano(), true
}
