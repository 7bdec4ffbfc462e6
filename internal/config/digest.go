package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// FileDigest returns a content digest over every regular file under paths.
// Directories are walked recursively in lexical order. Missing paths
// contribute nothing, so deleting a watched file changes the digest.
func FileDigest(paths []string) (string, error) {
	h := sha256.New()
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			return hashFile(h, path)
		})
		if err != nil {
			return "", fmt.Errorf("failed to digest %s: %w", root, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	fmt.Fprintf(w, "%s\x00", path)
	_, err = io.Copy(w, f)
	return err
}
