package diagnostics

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ExportBundle produces one compressed archive bundling the history store
// directory and the log directory, for attaching to a support request.
// Returns the archive path. Directories that do not exist are skipped rather
// than failing the whole export.
func ExportBundle(storeDir, logDir, outDir string) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("diagnostics: create output dir: %w", err)
	}
	archivePath := filepath.Join(outDir,
		fmt.Sprintf("dictare-diagnostics-%s.zip", time.Now().UTC().Format("20060102T150405Z")))

	f, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("diagnostics: create archive: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	defer zw.Close()

	for prefix, dir := range map[string]string{"store": storeDir, "logs": logDir} {
		if dir == "" {
			continue
		}
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		if err := addDir(zw, prefix, dir); err != nil {
			return "", err
		}
	}

	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("diagnostics: finalise archive: %w", err)
	}
	return archivePath, nil
}

// addDir walks dir and writes every regular file under prefix/ in the archive.
func addDir(zw *zip.Writer, prefix, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(filepath.Join(prefix, rel)))
		if err != nil {
			return fmt.Errorf("diagnostics: archive entry %q: %w", rel, err)
		}
		src, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("diagnostics: open %q: %w", path, err)
		}
		defer src.Close()
		if _, err := io.Copy(w, src); err != nil {
			return fmt.Errorf("diagnostics: copy %q: %w", path, err)
		}
		return nil
	})
}
