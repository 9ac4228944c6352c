// Package notebook hands finished reports to a hosted notebook's file browser.
package notebook

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	// EnvDownloadDir forces delivery into a directory on any host.
	EnvDownloadDir = "GAPSCAN_DOWNLOAD_DIR"
	// EnvColab is set by Google Colab runtimes.
	EnvColab = "COLAB_RELEASE_TAG"
	// ColabDir is the directory Colab's file browser shows.
	ColabDir = "/content"
)

// Downloader delivers a written report to the user.
type Downloader interface {
	Download(ctx context.Context, path string) error
}

// Detect returns the downloader for the current environment, or nil when
// no hosted notebook is present.
func Detect(getenv func(string) string) Downloader {
	if dir := getenv(EnvDownloadDir); dir != "" {
		return &DirCopier{Dir: dir}
	}
	if getenv(EnvColab) != "" {
		return &DirCopier{Dir: ColabDir}
	}
	return nil
}

// DirCopier copies reports into Dir.
type DirCopier struct {
	Dir string
}

// Download copies path into Dir under the same base name. A file already in Dir is left alone.
func (d *DirCopier) Download(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := filepath.Join(d.Dir, filepath.Base(path))
	srcAbs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	dstAbs, err := filepath.Abs(dst)
	if err != nil {
		return err
	}
	if srcAbs == dstAbs {
		return nil
	}

	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", path, err)
	}
	return out.Close()
}
