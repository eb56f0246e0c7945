package cache

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// CopyArtifacts copies compiled outputs from source to cache
func CopyArtifacts(sourceDir, destDir string, outputs []string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	for _, output := range outputs {
		src := filepath.Join(sourceDir, filepath.FromSlash(output))
		dst := filepath.Join(destDir, filepath.FromSlash(output))

		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("failed to copy %s: %w", output, err)
		}
	}

	return nil
}

// RestoreArtifacts copies cached outputs back to the working directory
func RestoreArtifacts(cacheDir, destDir string, outputs []string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	for _, output := range outputs {
		src := filepath.Join(cacheDir, filepath.FromSlash(output))
		dst := filepath.Join(destDir, filepath.FromSlash(output))

		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("failed to restore %s: %w", output, err)
		}
	}

	return nil
}

// CollectOutputs returns every regular file under dir as sorted,
// slash-separated relative paths
func CollectOutputs(dir string) ([]string, error) {
	var outputs []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		outputs = append(outputs, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No outputs yet
		}
		return nil, fmt.Errorf("failed to read output directory: %w", err)
	}

	sort.Strings(outputs)

	return outputs, nil
}

// copyFile copies a file from src to dst
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}

	defer srcFile.Close()

	// Create parent directory if needed
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		dstFile.Close()
		return err
	}

	if err := dstFile.Close(); err != nil {
		return err
	}

	// Preserve file permissions
	srcInfo, err := os.Stat(src)
	if err != nil {
		return err
	}

	return os.Chmod(dst, srcInfo.Mode())
}
