// Copyright 2024-2026 Aiku AI

package session

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SnapshotFunc copies the identity file at src to dst.
type SnapshotFunc func(ctx context.Context, src, dst string) error

// SnapshotSQLite writes a transactionally consistent copy of the SQLite
// database at src to dst with VACUUM INTO. Writers on other connections may
// keep running; the copy reflects the last committed state.
func SnapshotSQLite(ctx context.Context, src, dst string) error {
	db, err := sql.Open("sqlite", "file:"+src+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", filepath.Base(src), err)
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		return fmt.Errorf("failed to snapshot %s: %w", filepath.Base(src), err)
	}
	return nil
}

// isSidecar reports whether name is a journal of the identity database.
// The snapshot is self-contained, so these are not archived.
func isSidecar(name string) bool {
	for _, suffix := range []string{"-journal", "-wal", "-shm"} {
		if name == IdentityFile+suffix {
			return true
		}
	}
	return false
}

// snapshotTree copies the credential directory src into the empty
// directory dst, taking the identity file through m.snapshot.
func (m *Manager) snapshotTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o700)
		case !d.Type().IsRegular():
			return nil
		case rel == IdentityFile:
			return m.snapshot(ctx, path, target)
		case isSidecar(rel):
			return nil
		default:
			return copyFile(ctx, path, target)
		}
	})
}

func copyFile(_ context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
