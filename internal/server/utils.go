package server

import (
	"io"
	"net/http"
	"path/filepath"
)

func basenameOf(path string) string {
	return filepath.Base(path)
}

func joinPath(dir, name string) string {
	return filepath.Join(dir, filepath.Base(name))
}

func copyResponse(w http.ResponseWriter, r io.Reader) (int64, error) {
	return io.Copy(w, r)
}
