package main

import (
	"archive/tar"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/synodos/internal/config"
	_ "modernc.org/sqlite"
)

// Archive layout: the database snapshot under synodos-db/ and the JetStream
// directory under synodos-nats/.
const (
	entryPrefix = "synodos-"
	dbSection   = "synodos-db"
	natsSection = "synodos-nats"
	dbEntry     = dbSection + "/synodos.db"
)

func runBackup(cfg *config.Config, args []string) error {
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
		fmt.Fprintf(os.Stderr, "Usage: synodos backup -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	snapshot, err := snapshotDB(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("snapshot database: %w", err)
	}
	defer os.Remove(snapshot)

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	if err := addFile(tw, snapshot, dbEntry); err != nil {
		return fmt.Errorf("archive database: %w", err)
	}
	files := 1

	n, err := addDir(tw, cfg.NATS.DataDir, natsSection)
	if err != nil {
		return fmt.Errorf("archive nats data: %w", err)
	}
	files += n

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}
	fmt.Printf("Backup complete: %d files, %s\n", files, formatSize(size))
	return nil
}

// snapshotDB copies a consistent image of the database to a temporary file.
// VACUUM INTO is safe while the gateway is writing.
func snapshotDB(dbPath string) (string, error) {
	tmp, err := os.CreateTemp("", "synodos-snapshot-*.db")
	if err != nil {
		return "", err
	}
	name := tmp.Name()
	tmp.Close()
	// VACUUM INTO refuses to overwrite an existing file.
	os.Remove(name)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return "", err
	}
	defer db.Close()
	if _, err := db.Exec(`VACUUM INTO ?`, name); err != nil {
		return "", err
	}
	return name, nil
}

func addFile(tw *tar.Writer, src, name string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// addDir archives every regular file under dir beneath section. A missing
// dir is skipped.
func addDir(tw *tar.Writer, dir, section string) (int, error) {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		slog.Warn("directory not found, skipping", "dir", dir)
		return 0, nil
	}
	n := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		n++
		return addFile(tw, p, path.Join(section, filepath.ToSlash(rel)))
	})
	return n, err
}

func runRestore(cfg *config.Config, args []string) error {
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
		fmt.Fprintf(os.Stderr, "Usage: synodos restore -f <backup.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	sections, err := scanArchiveSections(inputPath)
	if err != nil {
		return fmt.Errorf("scan archive: %w", err)
	}
	if len(sections) == 0 {
		fmt.Println("Archive contains no data.")
		return nil
	}

	targets := map[string]string{
		dbSection:   filepath.Dir(cfg.Store.Path),
		natsSection: cfg.NATS.DataDir,
	}
	if !overwrite {
		if _, err := os.Stat(cfg.Store.Path); err == nil && sections[dbSection] {
			return fmt.Errorf("database %s already exists, add -overwrite to replace it", cfg.Store.Path)
		}
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("open zstd: %w", err)
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
			return fmt.Errorf("read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		section, rel := splitEntryPath(hdr.Name)
		base, ok := targets[section]
		if !ok || rel == "" {
			continue
		}
		dest := filepath.Join(base, filepath.FromSlash(rel))
		if section == dbSection {
			dest = cfg.Store.Path
			// A stale WAL would be replayed over the restored image.
			os.Remove(dest + "-wal")
			os.Remove(dest + "-shm")
		}
		if !withinDir(base, dest) && section != dbSection {
			return fmt.Errorf("archive entry %s escapes %s", hdr.Name, base)
		}
		if err := writeEntry(tr, dest, hdr.FileInfo().Mode().Perm()); err != nil {
			return fmt.Errorf("restore %s: %w", hdr.Name, err)
		}
		files++
	}

	fmt.Printf("Restore complete: %d files\n", files)
	return nil
}

func writeEntry(r io.Reader, dest string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func withinDir(dir, p string) bool {
	rel, err := filepath.Rel(dir, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func scanArchiveSections(path string) (map[string]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	sections := make(map[string]bool)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if section, _ := splitEntryPath(hdr.Name); section != "" {
			sections[section] = true
		}
	}
	return sections, nil
}

// splitEntryPath splits "synodos-nats/jetstream/x" into ("synodos-nats",
// "jetstream/x"). Returns an empty section for foreign paths.
func splitEntryPath(name string) (section, relPath string) {
	name = strings.TrimLeft(name, "./")
	if name == "" {
		return "", ""
	}

	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		if strings.HasPrefix(name, entryPrefix) {
			return name, ""
		}
		return "", ""
	}

	section = name[:idx]
	relPath = path.Clean(name[idx+1:])
	if relPath == "." {
		relPath = ""
	}
	if !strings.HasPrefix(section, entryPrefix) {
		return "", ""
	}
	return section, relPath
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
