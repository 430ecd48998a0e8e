// Package pathutil validates file system paths supplied by users and configuration.
package pathutil

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Clean rejects traversal patterns and returns the absolute form of path.
func Clean(path string) (string, error) {
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path contains directory traversal pattern: %s", path)
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("getting absolute path: %w", err)
	}
	return abs, nil
}

// ValidateConfigPath validates a YAML configuration file path.
func ValidateConfigPath(path string) (string, error) {
	abs, err := Clean(path)
	if err != nil {
		return "", err
	}
	if ext := strings.ToLower(filepath.Ext(abs)); ext != ".yaml" && ext != ".yml" {
		return "", fmt.Errorf("config file must have .yaml or .yml extension, got %s", ext)
	}
	return abs, nil
}

// JoinAndValidate joins elems onto baseDir and ensures the result stays
// inside baseDir.
func JoinAndValidate(baseDir string, elems ...string) (string, error) {
	for _, elem := range elems {
		if strings.Contains(elem, "..") {
			return "", fmt.Errorf("path element contains directory traversal: %s", elem)
		}
	}

	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("getting absolute base directory: %w", err)
	}
	joined, err := filepath.Abs(filepath.Join(append([]string{baseDir}, elems...)...))
	if err != nil {
		return "", fmt.Errorf("getting absolute joined path: %w", err)
	}

	if !IsWithin(joined, absBase) {
		return "", fmt.Errorf("joined path %s is not within base directory %s", joined, baseDir)
	}
	return joined, nil
}

// IsWithin reports whether the absolute path abs is dir or lies beneath it.
func IsWithin(abs, dir string) bool {
	dir = strings.TrimSuffix(dir, string(filepath.Separator))
	return abs == dir || strings.HasPrefix(abs, dir+string(filepath.Separator))
}
