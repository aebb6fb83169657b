package orchestrator

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// tarGzArchiver implements the teardown "zip-and-delete" archiver
// engine.Base.Finalize calls with: every surviving temp path is written into
// a single tar+gzip payload at dest (spec.md §6 on-disk layout names a
// ".zip.lzma" artifact; tar+gzip is the pack's available compression
// primitive, see SPEC_FULL.md DOMAIN STACK "Compression").
func tarGzArchiver(paths []string, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("archive: create %s: %w", dest, err)
	}
	defer out.Close()

	gw, err := gzip.NewWriterLevel(out, gzip.BestSpeed)
	if err != nil {
		return fmt.Errorf("archive: gzip writer: %w", err)
	}
	defer gw.Close()

	tw := tar.NewWriter(gw)
	defer tw.Close()

	for _, p := range paths {
		if err := addToTar(tw, p); err != nil {
			return fmt.Errorf("archive: add %s: %w", p, err)
		}
	}
	return nil
}

func addToTar(tw *tar.Writer, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.Base(path)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// archiveLogFile returns an EndSession callback that packs the watchdog's
// log file alone into the tar.gz archive at dest, separate from the archive
// of engine temp artifacts.
func archiveLogFile(dest string) func(path string) error {
	return func(path string) error {
		return tarGzArchiver([]string{path}, dest)
	}
}
