package appletmgr

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Repo is the on-disk applet repository: a directory containing
// <UUID>.dalp / <UUID>.acp files, plus PENDING-<UUID>.<ext> files for
// installs in flight.
type Repo struct {
	dir string
}

func NewRepo(dir string) *Repo { return &Repo{dir: dir} }

func extOf(isACP bool) string {
	if isACP {
		return "acp"
	}
	return "dalp"
}

func (r *Repo) finalPath(uuid string, isACP bool) string {
	return filepath.Join(r.dir, fmt.Sprintf("%s.%s", uuid, extOf(isACP)))
}

func (r *Repo) pendingPath(uuid string, isACP bool) string {
	return filepath.Join(r.dir, fmt.Sprintf("PENDING-%s.%s", uuid, extOf(isACP)))
}

// otherExtFinalPath returns the final path using the opposite extension,
// so a re-install that changes format can clean up the stale file.
func (r *Repo) otherExtFinalPath(uuid string, isACP bool) string {
	return r.finalPath(uuid, !isACP)
}

// CopyToPending copies srcPath into the repository as a PENDING file and
// returns the written path.
func (r *Repo) CopyToPending(uuid, srcPath string, isACP bool) (string, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("appletmgr: open %s: %w", srcPath, err)
	}
	defer src.Close()
	return r.copyBytesToPending(uuid, src, isACP)
}

// BufferToPending writes blob into the repository as a PENDING file.
func (r *Repo) BufferToPending(uuid string, blob []byte, isACP bool) (string, error) {
	return r.copyBytesToPending(uuid, bytes.NewReader(blob), isACP)
}

func (r *Repo) copyBytesToPending(uuid string, src io.Reader, isACP bool) (string, error) {
	dst := r.pendingPath(uuid, isACP)
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("appletmgr: create %s: %w", dst, err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(dst)
		return "", fmt.Errorf("appletmgr: copy into %s: %w", dst, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("appletmgr: close %s: %w", dst, err)
	}
	return dst, nil
}

// Commit atomically renames the PENDING file to its final name, removing
// any stale other-extension file for the same UUID.
func (r *Repo) Commit(uuid string, isACP bool) (string, error) {
	pending := r.pendingPath(uuid, isACP)
	final := r.finalPath(uuid, isACP)
	if err := os.Rename(pending, final); err != nil {
		return "", fmt.Errorf("appletmgr: commit %s: %w", uuid, err)
	}
	_ = os.Remove(r.otherExtFinalPath(uuid, isACP))
	return final, nil
}

// RemovePending deletes a PENDING file, ignoring a not-exist error.
func (r *Repo) RemovePending(uuid string, isACP bool) {
	_ = os.Remove(r.pendingPath(uuid, isACP))
}

// RemoveFinal deletes the installed file for uuid, trying both extensions.
func (r *Repo) RemoveFinal(uuid string) error {
	var firstErr error
	for _, isACP := range []bool{true, false} {
		if err := os.Remove(r.finalPath(uuid, isACP)); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// recoveredEntry describes one applet found in the repository at startup.
type recoveredEntry struct {
	UUID  string
	Path  string
	IsACP bool
}

// Scan lists the repository directory, classifying files by name. Orphaned
// PENDING-* files (an install that never got FW-acked) are removed rather
// than adopted, since step 7's commit never ran for them.
func (r *Repo) Scan() ([]recoveredEntry, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("appletmgr: scan %s: %w", r.dir, err)
	}

	var out []recoveredEntry
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "PENDING-") {
			_ = os.Remove(filepath.Join(r.dir, name))
			continue
		}
		switch {
		case strings.HasSuffix(name, ".dalp"):
			uuid := strings.TrimSuffix(name, ".dalp")
			out = append(out, recoveredEntry{UUID: uuid, Path: filepath.Join(r.dir, name), IsACP: false})
		case strings.HasSuffix(name, ".acp"):
			uuid := strings.TrimSuffix(name, ".acp")
			out = append(out, recoveredEntry{UUID: uuid, Path: filepath.Join(r.dir, name), IsACP: true})
		}
	}
	return out, nil
}
