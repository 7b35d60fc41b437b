// Package transfer implements the file-transfer surface exposed to
// clients: directory listing, mkdir/rm, streaming download, plain and
// chunked upload, and server-side URL ingestion. Every operation has a
// localhost fast path (direct filesystem/stdlib calls) and an
// SSH/SFTP-routed path used when the workspace lives on a remote host.
package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"

	"github.com/openagent/workspacehost/internal/sshadapter"
)

// Config configures a Service.
type Config struct {
	SSHAdapter       *sshadapter.Adapter // nil: every operation uses the localhost fast path
	MaxUploadBytes   int64
	TempDir          string
	URLIngestTimeout time.Duration
}

// Service implements the file-transfer operations.
type Service struct {
	cfg Config
}

// NewService builds a Service.
func NewService(cfg Config) *Service {
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.URLIngestTimeout == 0 {
		cfg.URLIngestTimeout = 300 * time.Second
	}
	return &Service{cfg: cfg}
}

func (s *Service) isLocal() bool {
	return s.cfg.SSHAdapter == nil || s.cfg.SSHAdapter.IsLocalhost()
}

// Entry describes one directory listing row.
type Entry struct {
	Name  string    `json:"name"`
	Path  string    `json:"path"`
	Kind  string    `json:"kind"` // file, dir, link, other
	Size  int64     `json:"size"`
	Mtime time.Time `json:"mtime"`
}

// List returns the entries of a directory. A missing path yields an
// empty list, not an error, matching a client that lists a workspace
// directory before it has been populated.
func (s *Service) List(ctx context.Context, path string) ([]Entry, error) {
	if s.isLocal() {
		return s.listLocal(path)
	}
	return s.listRemote(ctx, path)
}

func (s *Service) listLocal(path string) ([]Entry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Name:  e.Name(),
			Path:  filepath.Join(path, e.Name()),
			Kind:  entryKind(info),
			Size:  info.Size(),
			Mtime: info.ModTime(),
		})
	}
	return out, nil
}

func entryKind(info os.FileInfo) string {
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return "link"
	case info.IsDir():
		return "dir"
	case info.Mode().IsRegular():
		return "file"
	default:
		return "other"
	}
}

// remoteListScript is run over SSH as `python3 -c <script> <path>` and
// prints a JSON array of {name, path, kind, size, mtime} objects for the
// given directory, or an empty array if the directory doesn't exist.
const remoteListScript = `
import json, os, stat, sys
path = sys.argv[1]
out = []
try:
    names = sorted(os.listdir(path))
except OSError:
    print(json.dumps(out))
    sys.exit(0)
for name in names:
    full = os.path.join(path, name)
    try:
        st = os.lstat(full)
    except OSError:
        continue
    if stat.S_ISLNK(st.st_mode):
        kind = "link"
    elif stat.S_ISDIR(st.st_mode):
        kind = "dir"
    elif stat.S_ISREG(st.st_mode):
        kind = "file"
    else:
        kind = "other"
    out.append({"name": name, "path": full, "kind": kind, "size": st.st_size, "mtime": int(st.st_mtime)})
print(json.dumps(out))
`

func (s *Service) listRemote(ctx context.Context, path string) ([]Entry, error) {
	result, err := s.cfg.SSHAdapter.Exec(ctx, fmt.Sprintf("python3 -c %s %s", shellQuote(remoteListScript), shellQuote(path)))
	if err != nil {
		return nil, fmt.Errorf("remote list: %w", err)
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("remote list failed: %s", string(result.Stderr))
	}
	var rows []struct {
		Name  string `json:"name"`
		Path  string `json:"path"`
		Kind  string `json:"kind"`
		Size  int64  `json:"size"`
		Mtime int64  `json:"mtime"`
	}
	if err := json.Unmarshal(result.Stdout, &rows); err != nil {
		return nil, fmt.Errorf("parse remote listing: %w", err)
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, Entry{Name: r.Name, Path: r.Path, Kind: r.Kind, Size: r.Size, Mtime: time.Unix(r.Mtime, 0)})
	}
	return out, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Mkdir creates a directory and any missing parents.
func (s *Service) Mkdir(ctx context.Context, path string) error {
	if s.isLocal() {
		return os.MkdirAll(path, 0o755)
	}
	result, err := s.cfg.SSHAdapter.Exec(ctx, "mkdir -p "+shellQuote(path))
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("mkdir -p failed: %s", string(result.Stderr))
	}
	return nil
}

// Remove deletes a path, recursively if recursive is set.
func (s *Service) Remove(ctx context.Context, path string, recursive bool) error {
	if s.isLocal() {
		if recursive {
			return os.RemoveAll(path)
		}
		return os.Remove(path)
	}
	flag := "-f"
	if recursive {
		flag = "-rf"
	}
	result, err := s.cfg.SSHAdapter.Exec(ctx, "rm "+flag+" "+shellQuote(path))
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("rm failed: %s", string(result.Stderr))
	}
	return nil
}

// OpenForDownload returns a reader over path's contents and a cleanup
// function the caller must invoke once streaming is finished. For a
// remote workspace the file is fetched via SFTP into a temp file first;
// the temp file is best-effort deleted 30s after the cleanup func runs,
// giving a slow client time to finish reading even if it holds the
// handle open past the explicit Close.
func (s *Service) OpenForDownload(ctx context.Context, path string) (io.ReadCloser, error) {
	if s.isLocal() {
		return os.Open(path)
	}

	tmpPath := filepath.Join(s.cfg.TempDir, "open_agent_dl_"+uuid.NewString())
	err := s.cfg.SSHAdapter.SftpBatch(func(c *sftp.Client) error {
		remote, err := c.Open(path)
		if err != nil {
			return err
		}
		defer remote.Close()
		local, err := os.Create(tmpPath)
		if err != nil {
			return err
		}
		defer local.Close()
		_, err = io.Copy(local, remote)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("sftp fetch: %w", err)
	}

	return &selfDeletingFile{path: tmpPath}, nil
}

type selfDeletingFile struct {
	path string
	f    *os.File
}

func (f *selfDeletingFile) open() error {
	var err error
	f.f, err = os.Open(f.path)
	return err
}

func (f *selfDeletingFile) Read(p []byte) (int, error) {
	if f.f == nil {
		if err := f.open(); err != nil {
			return 0, err
		}
	}
	return f.f.Read(p)
}

func (f *selfDeletingFile) Close() error {
	var err error
	if f.f != nil {
		err = f.f.Close()
	}
	path := f.path
	time.AfterFunc(30*time.Second, func() { os.Remove(path) })
	return err
}

// Upload streams r to a temp file, then moves it into place: a rename
// for localhost (falling back to copy-then-delete across filesystems),
// or an SFTP put preceded by a remote mkdir -p of the destination dir.
func (s *Service) Upload(ctx context.Context, destPath string, r io.Reader) error {
	tmp, err := os.CreateTemp(s.cfg.TempDir, "open_agent_ul_*")
	if err != nil {
		return fmt.Errorf("create temp upload file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	limited := io.LimitReader(r, s.cfg.MaxUploadBytes+1)
	n, err := io.Copy(tmp, limited)
	closeErr := tmp.Close()
	if err != nil {
		return fmt.Errorf("write temp upload file: %w", err)
	}
	if closeErr != nil {
		return closeErr
	}
	if n > s.cfg.MaxUploadBytes {
		return fmt.Errorf("upload exceeds maximum size of %d bytes", s.cfg.MaxUploadBytes)
	}

	return s.moveIntoPlace(ctx, tmpPath, destPath)
}

func (s *Service) moveIntoPlace(ctx context.Context, tmpPath, destPath string) error {
	if s.isLocal() {
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return err
		}
		if err := os.Rename(tmpPath, destPath); err != nil {
			return copyThenDelete(tmpPath, destPath)
		}
		return nil
	}

	if err := s.Mkdir(ctx, filepath.Dir(destPath)); err != nil {
		return err
	}
	return s.cfg.SSHAdapter.SftpBatch(func(c *sftp.Client) error {
		local, err := os.Open(tmpPath)
		if err != nil {
			return err
		}
		defer local.Close()
		remote, err := c.Create(destPath)
		if err != nil {
			return err
		}
		defer remote.Close()
		_, err = io.Copy(remote, local)
		return err
	})
}

func copyThenDelete(srcPath, destPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	dst, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return os.Remove(srcPath)
}

// chunkDir returns the scratch directory a chunked upload's parts are
// written into, keyed by sanitized upload id so concurrent uploads never
// collide.
func (s *Service) chunkDir(uploadID string) string {
	return filepath.Join(s.cfg.TempDir, "open_agent_chunks_"+SanitizePathComponent(uploadID))
}

// UploadChunk persists one chunk of a multi-part upload.
func (s *Service) UploadChunk(uploadID string, chunkIndex int, r io.Reader) error {
	dir := s.chunkDir(uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create chunk dir: %w", err)
	}
	chunkPath := filepath.Join(dir, fmt.Sprintf("chunk_%06d", chunkIndex))
	f, err := os.Create(chunkPath)
	if err != nil {
		return fmt.Errorf("create chunk file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	return nil
}

// UploadFinalize concatenates all chunks of uploadID in index order into
// a single temp file, moves it into path/fileName, and removes the
// chunk scratch directory.
func (s *Service) UploadFinalize(ctx context.Context, path, uploadID, fileName string, totalChunks int) error {
	dir := s.chunkDir(uploadID)
	defer os.RemoveAll(dir)

	tmp, err := os.CreateTemp(s.cfg.TempDir, "open_agent_ul_*")
	if err != nil {
		return fmt.Errorf("create assembly temp file: %w", err)
	}
	tmpPath := tmp.Name()

	for i := 0; i < totalChunks; i++ {
		chunkPath := filepath.Join(dir, fmt.Sprintf("chunk_%06d", i))
		chunk, err := os.Open(chunkPath)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("missing chunk %d: %w", i, err)
		}
		_, err = io.Copy(tmp, chunk)
		chunk.Close()
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("assemble chunk %d: %w", i, err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	fileName = SanitizePathComponent(fileName)
	destPath := filepath.Join(path, fileName)
	return s.moveIntoPlace(ctx, tmpPath, destPath)
}

// DownloadURL fetches rawURL (validated against the SSRF guard both
// before the request and again against the final post-redirect URL) and
// saves it under path, using fileName if given or a name derived from
// the Content-Disposition header / URL path otherwise. Returns the
// saved file's path.
func (s *Service) DownloadURL(ctx context.Context, rawURL, path, fileName string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.URLIngestTimeout)
	defer cancel()

	if _, err := ValidateURLTarget(ctx, rawURL); err != nil {
		return "", err
	}

	client := &http.Client{
		Timeout:       s.cfg.URLIngestTimeout,
		CheckRedirect: guardedRedirectPolicy(ctx),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if _, err := ValidateURLTarget(ctx, resp.Request.URL.String()); err != nil {
		return "", err
	}

	if fileName == "" {
		fileName = filenameFromContentDisposition(resp.Header.Get("Content-Disposition"))
	}
	if fileName == "" {
		fileName = filepath.Base(resp.Request.URL.Path)
	}
	fileName = SanitizePathComponent(fileName)
	if fileName == "" || fileName == "unnamed" {
		fileName = "download-" + uuid.NewString()
	}

	tmp, err := os.CreateTemp(s.cfg.TempDir, "open_agent_url_*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	limited := io.LimitReader(resp.Body, s.cfg.MaxUploadBytes+1)
	n, err := io.Copy(tmp, limited)
	closeErr := tmp.Close()
	if err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("write downloaded content: %w", err)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return "", closeErr
	}
	if n > s.cfg.MaxUploadBytes {
		os.Remove(tmpPath)
		return "", fmt.Errorf("downloaded content exceeds maximum size of %d bytes", s.cfg.MaxUploadBytes)
	}

	destPath := filepath.Join(path, fileName)
	if err := s.moveIntoPlace(ctx, tmpPath, destPath); err != nil {
		return "", err
	}
	return destPath, nil
}

// filenameFromContentDisposition extracts the filename parameter from a
// Content-Disposition header, handling quoted, single-quoted, and bare
// unquoted forms.
func filenameFromContentDisposition(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Split(header, ";")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		lower := strings.ToLower(part)
		if !strings.HasPrefix(lower, "filename=") {
			continue
		}
		value := strings.TrimSpace(part[len("filename="):])
		value = strings.Trim(value, `"'`)
		if value != "" {
			return value
		}
	}
	return ""
}

// ChunkCount returns how many chunks are currently present for an
// upload id, letting callers validate totalChunks before finalizing.
func (s *Service) ChunkCount(uploadID string) (int, error) {
	dir := s.chunkDir(uploadID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "chunk_") {
			count++
		}
	}
	return count, nil
}
