package meds

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// CopyTo copies the store in srcDir to dstDir so it can be corrected without
// touching the source. dstDir must not already hold a store.
func CopyTo(srcDir, dstDir string) error {
	srcAbs, err := filepath.Abs(srcDir)
	if err != nil {
		return err
	}
	dstAbs, err := filepath.Abs(dstDir)
	if err != nil {
		return err
	}
	if srcAbs == dstAbs {
		return fmt.Errorf("source and destination are the same directory: %s", srcAbs)
	}

	if _, err := os.Stat(filepath.Join(dstDir, CatalogFile)); err == nil {
		return fmt.Errorf("destination %s already holds a store", dstDir)
	}

	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return fmt.Errorf("error creating destination directory: %w", err)
	}

	for _, name := range []string{CatalogFile, CutoutFile} {
		if err := copyFile(filepath.Join(srcDir, name), filepath.Join(dstDir, name)); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("error opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("error copying %s: %w", src, err)
	}
	return out.Close()
}
