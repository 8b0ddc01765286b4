package switchboard

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/igorsilveira/switchboard/pkg/config"
	"github.com/spf13/cobra"
)

const archiveRoot = "switchboard-data"

var backupCmd = &cobra.Command{
	Use:   "backup [output-path]",
	Short: "Snapshot conversations, agents and the audit trail to a tarball",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBackup,
}

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-path>",
	Short: "Restore Switchboard state from a backup tarball",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestore,
}

func init() {
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
}

func runBackup(cmd *cobra.Command, args []string) error {
	dataDir := config.DataDir()
	if _, err := os.Stat(dataDir); err != nil {
		return fmt.Errorf("data directory %s does not exist", dataDir)
	}

	outPath := fmt.Sprintf("switchboard-backup-%s.tar.gz", time.Now().Format("20060102-150405"))
	if len(args) > 0 {
		outPath = args[0]
	}

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("creating backup file: %w", err)
	}
	defer f.Close()

	count, err := writeArchive(f, dataDir)
	if err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}

	fmt.Printf("%s %s (%d files)\n", green("Backup created:"), outPath, count)
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	dataDir := config.DataDir()

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening backup: %w", err)
	}
	defer f.Close()

	count, err := extractArchive(f, dataDir)
	if err != nil {
		return err
	}

	fmt.Printf("%s %d files to %s\n", green("Restored"), count, dataDir)
	return nil
}

// writeArchive tars dir under archiveRoot. sqlite side files are skipped; the
// databases are opened in WAL mode and checkpoint on close.
func writeArchive(w io.Writer, dir string) (int, error) {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	count := 0
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if strings.HasSuffix(path, "-wal") || strings.HasSuffix(path, "-shm") {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(filepath.Join(archiveRoot, rel))
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		if _, err := io.Copy(tw, file); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return count, err
	}

	if err := tw.Close(); err != nil {
		return count, err
	}
	return count, gw.Close()
}

func extractArchive(r io.Reader, dir string) (int, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("reading gzip: %w", err)
	}
	defer gr.Close()

	if err := os.MkdirAll(dir, 0700); err != nil {
		return 0, fmt.Errorf("creating data directory: %w", err)
	}
	root := filepath.Clean(dir)

	tr := tar.NewReader(gr)
	count := 0
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return count, fmt.Errorf("reading tar: %w", err)
		}

		rel := header.Name
		if idx := strings.Index(rel, "/"); idx != -1 {
			rel = rel[idx+1:]
		}
		if rel == "" || rel == "." {
			continue
		}

		target := filepath.Join(dir, filepath.FromSlash(rel))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return count, fmt.Errorf("invalid path in backup: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0700); err != nil {
				return count, fmt.Errorf("creating directory %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, os.FileMode(header.Mode)); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

func writeFile(path string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("writing file %s: %w", path, err)
	}
	return out.Close()
}
