// Package migrate relocates files left behind by earlier plugin layouts into
// the directories the host assigns to the plugin.
package migrate

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/samber/oops"
	"go.uber.org/zap"
)

// CodeMoveFailed marks an error raised while relocating a file.
const CodeMoveFailed = "MIGRATION_MOVE_FAILED"

// Paths are the host-provided locations migrations read from and write to.
type Paths struct {
	HostHome    string
	UserHome    string
	SettingsDir string
	RuntimeDir  string
	LogDir      string
}

// Move records one relocated file.
type Move struct {
	Source      string
	Destination string
}

// Migrator moves the legacy files of a plugin that used to be installed
// under LegacyName.
type Migrator struct {
	paths      Paths
	legacyName string
	logger     *zap.Logger
}

// New creates a Migrator for the plugin formerly installed as legacyName.
func New(paths Paths, legacyName string, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{paths: paths, legacyName: legacyName, logger: logger}
}

// Run performs the log, settings and runtime migrations in that order and
// stops at the first failure.
func (m *Migrator) Run() ([]Move, error) {
	var all []Move
	for _, step := range []func() ([]Move, error){m.Logs, m.Settings, m.Runtime} {
		moves, err := step()
		all = append(all, moves...)
		if err != nil {
			return all, err
		}
	}
	return all, nil
}

// Logs moves ~/.config/<legacy>/template.log into the log directory.
func (m *Migrator) Logs() ([]Move, error) {
	return m.migrate("logs", m.paths.LogDir,
		filepath.Join(m.paths.UserHome, ".config", m.legacyName, "template.log"))
}

// Settings moves the host-level template.json and ~/.config/<legacy>/ into
// the settings directory.
func (m *Migrator) Settings() ([]Move, error) {
	return m.migrate("settings", m.paths.SettingsDir,
		filepath.Join(m.paths.HostHome, "settings", "template.json"),
		filepath.Join(m.paths.UserHome, ".config", m.legacyName))
}

// Runtime moves <host home>/template/ and ~/.local/share/<legacy>/ into the
// runtime directory.
func (m *Migrator) Runtime() ([]Move, error) {
	return m.migrate("runtime", m.paths.RuntimeDir,
		filepath.Join(m.paths.HostHome, "template"),
		filepath.Join(m.paths.UserHome, ".local", "share", m.legacyName))
}

func (m *Migrator) migrate(kind, dst string, sources ...string) ([]Move, error) {
	logger := m.logger.With(zap.String("kind", kind))
	if dst == "" {
		logger.Warn("no destination directory provided, skipping migration")
		return nil, nil
	}

	moves, err := MoveAll(dst, sources...)
	for _, mv := range moves {
		logger.Info("migrated", zap.String("from", mv.Source), zap.String("to", mv.Destination))
	}
	return moves, err
}

// MoveAll moves each source into dst. A file lands at dst/<basename>; the
// files under a directory keep their paths relative to it and the emptied
// directory tree is removed. Missing sources are skipped.
func MoveAll(dst string, sources ...string) ([]Move, error) {
	var moves []Move
	for _, src := range sources {
		if src == "" {
			continue
		}
		info, err := os.Lstat(src)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return moves, oops.Code(CodeMoveFailed).With("source", src).Wrapf(err, "failed to stat %s", src)
		}

		if !info.IsDir() {
			target := filepath.Join(dst, filepath.Base(src))
			if err := moveFile(src, target); err != nil {
				return moves, err
			}
			moves = append(moves, Move{Source: src, Destination: target})
			continue
		}

		tree, err := moveTree(src, dst)
		moves = append(moves, tree...)
		if err != nil {
			return moves, err
		}
	}
	return moves, nil
}

func moveTree(root, dst string) ([]Move, error) {
	var (
		moves []Move
		dirs  []string
	)

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			dirs = append(dirs, p)
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if err := moveFile(p, target); err != nil {
			return err
		}
		moves = append(moves, Move{Source: p, Destination: target})
		return nil
	})
	if err != nil {
		if _, ok := oops.AsOops(err); ok {
			return moves, err
		}
		return moves, oops.Code(CodeMoveFailed).With("source", root).Wrapf(err, "failed to walk %s", root)
	}

	// Deepest first so parents are empty by the time they are removed.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, d := range dirs {
		_ = os.Remove(d)
	}
	return moves, nil
}

// rename is swapped in tests to simulate moves across filesystems.
var rename = os.Rename

func moveFile(src, dst string) error {
	wrap := oops.Code(CodeMoveFailed).With("source", src).With("destination", dst)

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return wrap.Wrapf(err, "failed to create %s", filepath.Dir(dst))
	}

	err := rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return wrap.Wrapf(err, "failed to move %s", src)
	}

	if err := copyFile(src, dst); err != nil {
		return wrap.Wrapf(err, "failed to copy %s", src)
	}
	if err := os.Remove(src); err != nil {
		return wrap.Wrapf(err, "failed to remove %s", src)
	}
	return nil
}

func copyFile(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		link, err := os.Readlink(src)
		if err != nil {
			return err
		}
		_ = os.Remove(dst)
		return os.Symlink(link, dst)
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Chmod(info.Mode().Perm()); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
