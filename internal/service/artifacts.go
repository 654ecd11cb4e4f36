package service

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// moveArtifacts moves <outputFile> and every <outputFile>.<ext> from the
// running folder to the same relative place below the output folder and
// returns the new base path. Tools choose their own extensions (-oA
// writes .nmap, .gnmap and .xml). Names merely sharing the base as a
// prefix belong to other jobs and stay.
func moveArtifacts(outputFile, runningDir, outputDir string) (string, error) {
	rel, err := filepath.Rel(runningDir, outputFile)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is not inside %s", outputFile, runningDir)
	}
	dest := filepath.Join(outputDir, rel)

	dir, base := filepath.Split(outputFile)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return dest, fmt.Errorf("listing %s: %w", dir, err)
	}

	var errs []error
	var mkdir bool
	for _, e := range entries {
		if !artifactOf(e.Name(), base) {
			continue
		}
		if !mkdir {
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return dest, fmt.Errorf("creating output folder: %w", err)
			}
			mkdir = true
		}
		src := filepath.Join(dir, e.Name())
		if err := move(src, dest+strings.TrimPrefix(e.Name(), base)); err != nil {
			errs = append(errs, err)
		}
	}
	return dest, errors.Join(errs...)
}

func artifactOf(name, base string) bool {
	return name == base || strings.HasPrefix(name, base+".")
}

// move renames src, falling back to copy and remove when src and dst
// live on different filesystems.
func move(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}

	info, statErr := os.Stat(src)
	if statErr != nil {
		return err
	}
	if info.IsDir() {
		if err := os.CopyFS(dst, os.DirFS(src)); err != nil {
			return fmt.Errorf("copying %s: %w", src, err)
		}
	} else if err := copyFile(src, dst, info.Mode().Perm()); err != nil {
		return err
	}
	return os.RemoveAll(src)
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	return out.Close()
}

// archiveImport stores a copy of an imported nmap report below
// <outputDir>/nmap and returns its path.
func archiveImport(outputDir, src string, now time.Time) (string, error) {
	content, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", src, err)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("creating output folder: %w", err)
	}

	root, err := os.OpenRoot(outputDir)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = root.Close()
	}()

	if err := root.Mkdir("nmap", 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		return "", fmt.Errorf("creating nmap output folder: %w", err)
	}
	name := path.Join("nmap", timestamp(now)+"-import-"+filepath.Base(src))
	f, err := root.Create(name)
	if err != nil {
		return "", fmt.Errorf("creating imported report: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("saving imported report: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing imported report: %w", err)
	}
	return filepath.Join(outputDir, filepath.FromSlash(name)), nil
}
