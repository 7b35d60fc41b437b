package sysinfo

import (
	"os"

	"golang.org/x/sys/unix"
)

// defaultReadFile reads a file and returns its content as a string.
func defaultReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// defaultStatFS calls unix.Statfs on the given path.
func defaultStatFS(path string) (*unix.Statfs_t, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return nil, err
	}
	return &stat, nil
}
