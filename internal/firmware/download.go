package firmware

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/cheggaaa/pb.v1"
)

// IsURL reports whether src names a remote package rather than a local file.
func IsURL(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// Download fetches a package into dir and returns the local path. Progress
// is drawn on progress when it is non-nil.
func Download(ctx context.Context, src, dir string, progress io.Writer) (string, error) {
	u, err := url.Parse(src)
	if err != nil {
		return "", fmt.Errorf("parsing package URL: %w", err)
	}
	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = "package.bin"
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating download dir: %w", err)
	}
	destPath := filepath.Join(dir, name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	log.Infof("Downloading %s", src)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading package: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}

	// Write to temp file first, then rename
	tmpPath := destPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}
	bar := pb.New64(total).SetUnits(pb.U_BYTES)
	bar.Prefix(name + " ")
	if progress != nil {
		bar.Output = progress
	} else {
		bar.NotPrint = true
	}
	bar.Start()

	written, err := io.Copy(f, bar.NewProxyReader(resp.Body))
	bar.Finish()
	f.Close()
	if err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("writing package file: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("moving package file: %w", err)
	}
	log.Debugf("Downloaded %d bytes to %s", written, destPath)
	return destPath, nil
}
