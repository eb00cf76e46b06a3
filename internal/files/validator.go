package files

import (
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
)

// FileInfo describes a file queued for sending.
type FileInfo struct {
	Path string // absolute
	Name string
	Size int64
	Type string // MIME type, application/octet-stream when unknown
}

// ValidateFiles checks that every path is a readable regular file. Empty
// files are allowed. Duplicate paths are sent once. All problems are
// reported together.
func ValidateFiles(filePaths []string) ([]FileInfo, error) {
	if len(filePaths) == 0 {
		return nil, fmt.Errorf("no files specified")
	}

	var fileInfos []FileInfo
	var problems []error
	seen := make(map[string]bool)

	for _, path := range filePaths {
		info, err := validateSingleFile(path)
		if err != nil {
			problems = append(problems, err)
			continue
		}
		if seen[info.Path] {
			continue
		}
		seen[info.Path] = true
		fileInfos = append(fileInfos, info)
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("file validation failed:\n%w", errors.Join(problems...))
	}
	return fileInfos, nil
}

func validateSingleFile(path string) (FileInfo, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("  - %s: failed to get absolute path: %w", path, err)
	}

	stat, err := os.Stat(absPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return FileInfo{}, fmt.Errorf("  - %s: file does not exist", path)
	case err != nil:
		return FileInfo{}, fmt.Errorf("  - %s: failed to stat file: %w", path, err)
	case stat.IsDir():
		return FileInfo{}, fmt.Errorf("  - %s: is a directory (directories not yet supported)", path)
	case !stat.Mode().IsRegular():
		return FileInfo{}, fmt.Errorf("  - %s: not a regular file", path)
	}

	f, err := os.Open(absPath)
	if err != nil {
		return FileInfo{}, fmt.Errorf("  - %s: cannot open file (check permissions): %w", path, err)
	}
	f.Close()

	mimeType := mime.TypeByExtension(filepath.Ext(absPath))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	return FileInfo{
		Path: absPath,
		Name: filepath.Base(absPath),
		Size: stat.Size(),
		Type: mimeType,
	}, nil
}
