package main

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/codervisor/clawden/internal/config"
	"github.com/codervisor/clawden/internal/process"
	"github.com/codervisor/clawden/internal/store"
	"github.com/klauspost/compress/zstd"
)

// Archive sections. Every entry is stored under one of these prefixes.
const (
	sectionState = "state"
	sectionDB    = "db"
)

type section struct {
	name string
	dir  string
}

func runBackup(args []string) error {
	var outputPath string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}

	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: clawden backup -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	procs, err := process.NewManager(cfg.Runtimes.Root, process.ModeAuto)
	if err != nil {
		return fmt.Errorf("init process manager: %w", err)
	}

	sections := []section{{name: sectionState, dir: procs.Root()}}

	// Snapshot the database so a running server does not tear the copy.
	if _, err := os.Stat(cfg.Store.Path); err == nil {
		tmp, err := os.MkdirTemp("", "clawden-backup-")
		if err != nil {
			return fmt.Errorf("create temp dir: %w", err)
		}
		defer os.RemoveAll(tmp)

		db, err := store.New(cfg.Store, nil)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		err = db.BackupTo(filepath.Join(tmp, filepath.Base(cfg.Store.Path)))
		db.Close()
		if err != nil {
			return err
		}
		sections = append(sections, section{name: sectionDB, dir: tmp})
	} else {
		slog.Warn("database not found, skipping", "path", cfg.Store.Path)
	}

	n, err := writeArchive(outputPath, sections)
	if err != nil {
		return err
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}

	fmt.Printf("Backup complete: %d files, %s\n", n, formatSize(size))
	return nil
}

// writeArchive streams every regular file and directory of the sections
// into a zstd-compressed tar at outputPath and returns the file count.
func writeArchive(outputPath string, sections []section) (int, error) {
	f, err := os.Create(outputPath)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	files := 0
	for _, sec := range sections {
		slog.Info("backing up", "section", sec.name, "dir", sec.dir)
		n, err := addSection(tw, sec)
		if err != nil {
			return 0, fmt.Errorf("backup %s: %w", sec.name, err)
		}
		files += n
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close file: %w", err)
	}
	return files, nil
}

func addSection(tw *tar.Writer, sec section) (int, error) {
	files := 0
	err := filepath.WalkDir(sec.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(sec.dir, p)
		if err != nil {
			return err
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = path.Join(sec.name, filepath.ToSlash(rel))
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write tar header: %w", err)
		}
		if d.IsDir() {
			return nil
		}

		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		if _, err := io.Copy(tw, src); err != nil {
			return fmt.Errorf("write tar data: %w", err)
		}
		files++
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return files, err
}

func runRestore(args []string) error {
	var inputPath string
	overwrite := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			inputPath = args[i]
		case "-overwrite":
			overwrite = true
		}
	}

	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: clawden restore -f <backup.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	procs, err := process.NewManager(cfg.Runtimes.Root, process.ModeAuto)
	if err != nil {
		return fmt.Errorf("init process manager: %w", err)
	}

	targets := map[string]string{
		sectionState: procs.Root(),
		sectionDB:    filepath.Dir(cfg.Store.Path),
	}
	n, err := extractArchive(inputPath, targets, overwrite)
	if err != nil {
		return err
	}

	fmt.Printf("Restore complete: %d files\n", n)
	return nil
}

// extractArchive writes archive entries into the directory mapped to their
// section. Existing files are only replaced when overwrite is set.
func extractArchive(inputPath string, targets map[string]string, overwrite bool) (int, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	files := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return files, fmt.Errorf("read tar entry: %w", err)
		}

		sec, rel := splitArchivePath(hdr.Name)
		dir, ok := targets[sec]
		if !ok || rel == "" {
			continue
		}
		if !filepath.IsLocal(rel) {
			return files, fmt.Errorf("unsafe path in archive: %s", hdr.Name)
		}
		dst := filepath.Join(dir, filepath.FromSlash(rel))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return files, fmt.Errorf("create dir: %w", err)
			}
		case tar.TypeReg:
			if err := writeFile(dst, tr, hdr.FileInfo().Mode().Perm(), overwrite); err != nil {
				return files, err
			}
			files++
		}
	}
	return files, nil
}

func writeFile(dst string, r io.Reader, perm fs.FileMode, overwrite bool) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	out, err := os.OpenFile(dst, flags, perm)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%s already exists, add -overwrite to replace files", dst)
	}
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return out.Close()
}

// splitArchivePath splits "state/run/zeroclaw.pid" into ("state", "run/zeroclaw.pid").
// Returns empty section for entries outside a known section.
func splitArchivePath(name string) (sec, rel string) {
	// Clean leading slashes/dots
	name = strings.TrimLeft(name, "./")
	if name == "" {
		return "", ""
	}

	sec, rel, _ = strings.Cut(name, "/")
	if sec != sectionState && sec != sectionDB {
		return "", ""
	}
	rel = strings.TrimSuffix(rel, "/")
	return sec, rel
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
