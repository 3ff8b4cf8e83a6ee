package actions

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"autopanel/internal/task/model"
	logx "autopanel/pkg/logx"
)

const (
	archiveExt    = ".tar.gz"
	archiveLayout = "20060102T150405.000Z"
)

// backup archives payload.source into dest as <resource>-<UTC time>.tar.gz
// and prunes older archives of the same resource down to keep.
func (x *Executor) backup(ctx context.Context, t *model.Task) (string, error) {
	p, err := decodeBackupPayload(t.Payload)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(p.Source)
	if err != nil {
		return "", fmt.Errorf("backup source: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("backup source %s is not a directory", p.Source)
	}

	prefix := archivePrefix(t)
	dest := p.Dest
	if dest == "" {
		dest = filepath.Join(x.cfg.BackupDir, prefix)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("backup dest: %w", err)
	}
	keep := x.cfg.BackupKeep
	if p.Keep != nil {
		keep = *p.Keep
	}

	name := prefix + "-" + x.now().UTC().Format(archiveLayout) + archiveExt
	final := filepath.Join(dest, name)
	tmp, err := os.CreateTemp(dest, "."+name+".*")
	if err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	if err := writeArchive(ctx, tmp, p.Source, dest); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("backup: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("backup: %w", err)
	}

	if keep > 0 {
		removed, err := pruneArchives(dest, prefix, keep)
		if err != nil {
			x.log.Warn("backup prune failed", logx.String("dest", dest), logx.Err(err))
		} else if len(removed) > 0 {
			x.log.Debug("backup pruned", logx.String("dest", dest), logx.Int("removed", len(removed)))
		}
	}
	return final, nil
}

// archivePrefix is the resource (or task name) made safe for a file name.
func archivePrefix(t *model.Task) string {
	base := t.Resource
	if base == "" {
		base = t.Name
	}
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_':
			return r
		default:
			return '-'
		}
	}, strings.TrimSpace(base))
	base = strings.Trim(base, "-.")
	if base == "" {
		return "backup"
	}
	return base
}

// writeArchive streams src as a gzip-compressed tarball rooted at src's base
// name. Symlinks are stored as links, not followed. The skip directory (the
// archive destination, when it lives under src) is left out.
func writeArchive(ctx context.Context, w io.Writer, src, skip string) error {
	// Both sides are absolute so a relative skip still matches inside src.
	root, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	if skip != "" {
		if skip, err = filepath.Abs(skip); err != nil {
			return err
		}
	}
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	top := filepath.Base(root)

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() && path == skip && path != root {
			return filepath.SkipDir
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		} else if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(filepath.Join(top, rel))
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		_ = f.Close()
		return err
	})
	if err != nil {
		return fmt.Errorf("backup archive: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("backup archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("backup archive: %w", err)
	}
	return nil
}

// pruneArchives deletes all but the newest keep archives named
// <prefix>-<time>.tar.gz in dir. The time layout sorts lexically.
func pruneArchives(dir, prefix string, keep int) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		stamp, ok := strings.CutPrefix(n, prefix+"-")
		if !ok || !e.Type().IsRegular() || !strings.HasSuffix(n, archiveExt) {
			continue
		}
		// "web-api-<time>" belongs to another resource than "web".
		if stamp == "" || stamp[0] < '0' || stamp[0] > '9' {
			continue
		}
		names = append(names, n)
	}
	if len(names) <= keep {
		return nil, nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	var removed []string
	for _, n := range names[keep:] {
		if err := os.Remove(filepath.Join(dir, n)); err != nil {
			return removed, err
		}
		removed = append(removed, n)
	}
	return removed, nil
}
