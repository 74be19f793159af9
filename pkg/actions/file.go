package actions

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"
)

// File writes content to a local file, leaving it untouched when the content
// already matches.
//
// Arguments:
//
//	path     target file (required)
//	content  file content
//	create   create the file if missing (default true)
//	backup   copy an existing file to path.bak before changing it
//	mode     octal permissions, e.g. "0644"
//
// The result is a map with path, changed, created, bytes_written, checksum
// and, when a backup was taken, backup_path.
type File struct{}

// Execute implements engine.Action.
func (f *File) Execute(ctx context.Context, name string, args, vars map[string]interface{}) (interface{}, error) {
	path, ok := stringArg(args, "path")
	if !ok || path == "" {
		return nil, fmt.Errorf("file requires argument: path")
	}
	content, _ := stringArg(args, "content")
	create, err := boolArg(args, "create", true)
	if err != nil {
		return nil, fmt.Errorf("argument create: %w", err)
	}
	backup, err := boolArg(args, "backup", false)
	if err != nil {
		return nil, fmt.Errorf("argument backup: %w", err)
	}

	var mode os.FileMode = 0o644
	if m, ok := stringArg(args, "mode"); ok {
		parsed, err := strconv.ParseUint(m, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid mode: %w", err)
		}
		mode = os.FileMode(parsed)
	}

	data := []byte(content)
	sum := sha256.Sum256(data)
	result := map[string]interface{}{
		"path":          path,
		"changed":       false,
		"created":       false,
		"bytes_written": 0,
		"checksum":      fmt.Sprintf("%x", sum),
	}

	existing, err := os.ReadFile(path)
	exists := err == nil
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if !exists && !create {
		return nil, fmt.Errorf("file does not exist and create=false: %s", path)
	}

	if exists && bytes.Equal(existing, data) {
		if err := os.Chmod(path, mode); err != nil {
			return nil, fmt.Errorf("failed to set mode: %w", err)
		}
		return result, nil
	}

	if exists && backup {
		backupPath := path + ".bak"
		if err := copyFile(path, backupPath); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result["backup_path"] = backupPath
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Chmod(path, mode); err != nil {
		return nil, fmt.Errorf("failed to set mode: %w", err)
	}

	result["changed"] = true
	result["created"] = !exists
	result["bytes_written"] = len(data)

	zerolog.Ctx(ctx).Debug().Str("node", name).Str("path", path).Int("bytes", len(data)).Msg("Wrote file")
	return result, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
