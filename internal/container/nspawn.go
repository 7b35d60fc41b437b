// Package container manages the lifecycle of systemd-nspawn containers
// that back chroot-style workspaces: building a root filesystem with
// debootstrap or pacstrap, starting/stopping the container, and
// executing commands inside it.
package container

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Distro identifies a specific supported release, used to pick a
// bootstrap tool and, for apt-family distros, the debootstrap codename
// and mirror.
type Distro string

const (
	DistroUbuntuNoble    Distro = "ubuntu-noble"
	DistroUbuntuJammy    Distro = "ubuntu-jammy"
	DistroDebianBookworm Distro = "debian-bookworm"
	DistroArchLinux      Distro = "arch-linux"
	DistroUnknown        Distro = "unknown"
)

// codename returns the debootstrap release name for an apt-family
// distro, or "" if d isn't one.
func (d Distro) codename() string {
	switch d {
	case DistroUbuntuNoble:
		return "noble"
	case DistroUbuntuJammy:
		return "jammy"
	case DistroDebianBookworm:
		return "bookworm"
	default:
		return ""
	}
}

// mirrorURL returns the default debootstrap mirror for an apt-family
// distro, or "" if d isn't one.
func (d Distro) mirrorURL() string {
	switch d {
	case DistroUbuntuNoble, DistroUbuntuJammy:
		return "http://archive.ubuntu.com/ubuntu"
	case DistroDebianBookworm:
		return "http://deb.debian.org/debian"
	default:
		return ""
	}
}

// Driver creates and manages systemd-nspawn containers rooted under a
// base directory, one subdirectory per container name.
type Driver struct {
	baseDir string
}

// NewDriver creates a Driver rooted at baseDir, creating it if needed.
func NewDriver(baseDir string) (*Driver, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create container base dir: %w", err)
	}
	return &Driver{baseDir: baseDir}, nil
}

// RootPath returns the root filesystem directory for a container name.
func (d *Driver) RootPath(name string) string {
	return filepath.Join(d.baseDir, name)
}

// CreateOptions configures root filesystem bootstrapping.
type CreateOptions struct {
	Name   string
	Distro Distro
}

// Create bootstraps a new root filesystem for a container. It is a
// no-op if the root already exists and looks populated.
func (d *Driver) Create(ctx context.Context, opts CreateOptions) error {
	root := d.RootPath(opts.Name)
	if entries, err := os.ReadDir(root); err == nil && len(entries) > 0 {
		return nil
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create container root: %w", err)
	}

	if opts.Distro == DistroArchLinux {
		return d.createArchContainer(ctx, root)
	}
	if opts.Distro.codename() != "" {
		return d.createDebootstrapContainer(ctx, root, opts.Distro)
	}
	return fmt.Errorf("unsupported distro %q", opts.Distro)
}

func (d *Driver) createDebootstrapContainer(ctx context.Context, root string, distro Distro) error {
	args := []string{"--variant=minbase", distro.codename(), root, distro.mirrorURL()}
	cmd := exec.CommandContext(ctx, "debootstrap", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("debootstrap failed: %w: %s", err, truncate(out, 4096))
	}
	return nil
}

// createArchContainer bootstraps an Arch root with pacstrap, using an
// ephemeral pacman.conf at a fixed path so the host's pacman
// configuration (and any host-specific mirrorlist/keyring state) is
// never touched. SigLevel is Never: pacstrap runs against a fresh root
// with no populated keyring, and requiring signature verification here
// would make every package fail to install.
func (d *Driver) createArchContainer(ctx context.Context, root string) error {
	confPath := filepath.Join(os.TempDir(), "open_agent_pacman.conf")
	const pacmanConf = `[options]
Architecture = auto
SigLevel = Never

[core]
Include = /etc/pacman.d/mirrorlist

[extra]
Include = /etc/pacman.d/mirrorlist
`
	if err := os.WriteFile(confPath, []byte(pacmanConf), 0o644); err != nil {
		return fmt.Errorf("write ephemeral pacman.conf: %w", err)
	}
	defer os.Remove(confPath)

	cmd := exec.CommandContext(ctx, "pacstrap", "-C", confPath, "-c", root, "base")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("pacstrap failed: %w: %s", err, truncate(out, 4096))
	}
	return nil
}

// DetectDistro reads /etc/os-release under a root filesystem to
// classify which bootstrap family produced it.
func DetectDistro(root string) Distro {
	f, err := os.Open(filepath.Join(root, "etc", "os-release"))
	if err != nil {
		return DistroUnknown
	}
	defer f.Close()

	fields := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		fields[parts[0]] = strings.Trim(parts[1], `"`)
	}

	id := strings.ToLower(fields["ID"])
	codename := strings.ToLower(fields["VERSION_CODENAME"])
	switch id {
	case "ubuntu":
		switch codename {
		case "noble":
			return DistroUbuntuNoble
		case "jammy":
			return DistroUbuntuJammy
		default:
			return DistroUnknown
		}
	case "debian":
		if codename == "bookworm" {
			return DistroDebianBookworm
		}
		return DistroUnknown
	case "arch", "archlinux":
		return DistroArchLinux
	default:
		return DistroUnknown
	}
}

// IsReady reports whether a container root filesystem has been fully
// populated, used to poll a just-created workspace for build
// completion. A partially-bootstrapped root (e.g. debootstrap died
// mid-run) is missing one of these even if etc/os-release exists.
func (d *Driver) IsReady(name string) bool {
	root := d.RootPath(name)
	for _, rel := range []string{"bin", "usr", "etc", "var"} {
		if _, err := os.Stat(filepath.Join(root, rel)); err != nil {
			return false
		}
	}
	return true
}

// Destroy unmounts any lingering bind mounts inside the container root
// and removes the filesystem tree entirely.
func (d *Driver) Destroy(ctx context.Context, name string) error {
	root := d.RootPath(name)
	_ = exec.CommandContext(ctx, "umount", "-R", root).Run() // best-effort; root may have no active mounts
	return os.RemoveAll(root)
}

// IsRunning checks machinectl for a running machine with the given name.
func IsRunning(ctx context.Context, name string) bool {
	out, err := exec.CommandContext(ctx, "machinectl", "show", name, "--property=State").Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) == "State=running"
}

// TerminateStale terminates a running machine with the given name, if
// any, and waits briefly for systemd-nspawn to release its resources
// before a fresh session can bind the same machine name.
func TerminateStale(ctx context.Context, name string) {
	if !IsRunning(ctx, name) {
		return
	}
	_ = exec.CommandContext(ctx, "machinectl", "terminate", name).Run()
	time.Sleep(500 * time.Millisecond)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "...(truncated)"
}
