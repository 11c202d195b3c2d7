package fsx

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

func PathExists(filePath string) (os.FileInfo, bool) {
	s, err := os.Stat(filePath)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return s, false
	}

	return s, true
}

// EnsureDir creates the directory (and any parents) if it does not exist yet.
func EnsureDir(dir string, perm os.FileMode) error {
	if info, exists := PathExists(dir); exists {
		if !info.IsDir() {
			return fmt.Errorf("path exists but is not a directory: %s", dir)
		}
		return nil
	}

	if err := os.MkdirAll(dir, perm); err != nil {
		return fmt.Errorf("couldn't create directory %s: %w", dir, err)
	}

	return nil
}

// IsWritableDir reports whether the directory exists and allows file creation.
// It probes by creating and removing a throwaway file, since permission bits
// alone don't account for read-only mounts.
func IsWritableDir(dir string) bool {
	info, exists := PathExists(dir)
	if !exists || !info.IsDir() {
		return false
	}

	probe, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return false
	}

	name := probe.Name()
	CloseFile(probe)
	RemoveFile(name)
	return true
}

func Copy(src string, dst string, perm os.FileMode) error {
	inputFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("couldn't open source file: %w", err)
	}
	defer CloseFile(inputFile)

	outputFile, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("couldn't open destination file: %w", err)
	}
	defer CloseFile(outputFile)

	if _, err = io.Copy(outputFile, inputFile); err != nil {
		return fmt.Errorf("couldn't copy to destination from source: %w", err)
	}

	if err = outputFile.Sync(); err != nil {
		return fmt.Errorf("failed to flush destination file: %w", err)
	}

	return nil
}

// WriteFileAtomic writes data to a temporary file in the target directory and
// renames it into place, so a reader never observes a partially written report.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("couldn't create temporary file in %s: %w", dir, err)
	}

	name := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		CloseFile(tmp)
		RemoveFile(name)
		return fmt.Errorf("couldn't write temporary file: %w", err)
	}

	if err = tmp.Sync(); err != nil {
		CloseFile(tmp)
		RemoveFile(name)
		return fmt.Errorf("failed to flush temporary file: %w", err)
	}

	CloseFile(tmp)

	if err = os.Chmod(name, perm); err != nil {
		RemoveFile(name)
		return fmt.Errorf("couldn't set permissions on temporary file: %w", err)
	}

	if err = os.Rename(name, path); err != nil {
		RemoveFile(name)
		return fmt.Errorf("couldn't rename temporary file into place: %w", err)
	}

	return nil
}

func CloseFile(file *os.File) {
	if file == nil {
		return
	}

	if err := file.Close(); err != nil {
		fmt.Printf("warning: failed to close file: %v\n", err)
	}
}

func RemoveFile(file string) {
	if err := os.Remove(file); err != nil {
		fmt.Printf("warning: failed to remove file: %v\n", err)
	}
}

func FileMD5(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}

	defer CloseFile(file)

	hash := md5.New()
	_, err = io.Copy(hash, file)
	if err != nil {
		return "", fmt.Errorf("failed to compute hash of the file: %w", err)
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}
