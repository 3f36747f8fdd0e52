package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

const maxCopyDepth = 128

// FSCopier is the default Copier. It follows symlinks and never overwrites.
type FSCopier struct {
	Fs afero.Fs
}

// NewFSCopier returns a copier over fsys.
func NewFSCopier(fsys afero.Fs) *FSCopier {
	return &FSCopier{Fs: fsys}
}

// CopyInto copies src to dstDir/<base of src>. A file is copied as a file,
// a directory recursively.
func (c *FSCopier) CopyInto(src, dstDir string) (int64, error) {
	info, err := c.Fs.Stat(src)
	if err != nil {
		return 0, fmt.Errorf("copy %s: %w", src, err)
	}

	target := filepath.Join(dstDir, filepath.Base(src))
	exists, err := afero.Exists(c.Fs, target)
	if err != nil {
		return 0, fmt.Errorf("copy %s: stat target: %w", src, err)
	}
	if exists {
		return 0, fmt.Errorf("copy %s: %w: %s", src, ErrTargetExists, target)
	}

	if info.IsDir() {
		return c.copyDir(src, target, info, 0)
	}
	return c.copyFile(src, target, info)
}

func (c *FSCopier) copyDir(src, dst string, info os.FileInfo, depth int) (int64, error) {
	if depth > maxCopyDepth {
		return 0, fmt.Errorf("copy %s: directory nesting exceeds %d levels", src, maxCopyDepth)
	}
	if err := c.Fs.Mkdir(dst, info.Mode().Perm()|0700); err != nil {
		return 0, fmt.Errorf("copy %s: mkdir: %w", src, err)
	}

	entries, err := afero.ReadDir(c.Fs, src)
	if err != nil {
		return 0, fmt.Errorf("copy %s: read dir: %w", src, err)
	}

	var total int64
	for _, e := range entries {
		from := filepath.Join(src, e.Name())
		to := filepath.Join(dst, e.Name())

		// ReadDir reports symlinks unresolved.
		fi, err := c.Fs.Stat(from)
		if err != nil {
			return total, fmt.Errorf("copy %s: %w", from, err)
		}

		var n int64
		if fi.IsDir() {
			n, err = c.copyDir(from, to, fi, depth+1)
		} else {
			n, err = c.copyFile(from, to, fi)
		}
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *FSCopier) copyFile(src, dst string, info os.FileInfo) (int64, error) {
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("copy %s: unsupported file type %s", src, info.Mode().Type())
	}

	in, err := c.Fs.Open(src)
	if err != nil {
		return 0, fmt.Errorf("copy %s: %w", src, err)
	}
	defer in.Close()

	out, err := c.Fs.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return 0, fmt.Errorf("copy %s: create %s: %w", src, dst, err)
	}

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, fmt.Errorf("copy %s: write %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("copy %s: close %s: %w", src, dst, err)
	}
	return n, nil
}
