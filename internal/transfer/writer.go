package transfer

import (
	"os"
	"path/filepath"

	"github.com/BioHazard786/directdrop/internal/utils"
)

// Artifact is a reassembled file handed to the caller.
type Artifact struct {
	Record FileRecord
	Path   string
}

// FileWriter writes one reassembled file into the output directory.
type FileWriter struct {
	File    *os.File
	Record  FileRecord
	Path    string
	Written int64
}

func NewFileWriter(rec FileRecord, opts *TransferOptions) (*FileWriter, error) {
	name := filepath.Base(filepath.Clean(rec.Name))
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = rec.ID
	}

	if opts != nil && opts.OutputDir != "" {
		if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
			return nil, NewFileError("create directory", opts.OutputDir, err)
		}
		name = filepath.Join(opts.OutputDir, name)
	}
	path := utils.GetUniqueFilename(name)

	file, err := os.Create(path)
	if err != nil {
		return nil, NewFileError("create file", rec.Name, err)
	}

	return &FileWriter{
		File:   file,
		Record: rec,
		Path:   path,
	}, nil
}

func (w *FileWriter) Write(data []byte) (int, error) {
	n, err := w.File.Write(data)
	w.Written += int64(n)
	if err != nil {
		return n, NewFileError("write", w.Record.Name, err)
	}
	return n, nil
}

func (w *FileWriter) IsComplete() bool {
	return w.Written >= w.Record.Size
}

func (w *FileWriter) Close() error {
	return w.File.Close()
}

// Artifact returns the delivered file description.
func (w *FileWriter) Artifact() Artifact {
	rec := w.Record
	rec.Status = StatusDone
	rec.BytesTransferred = w.Written
	return Artifact{Record: rec, Path: w.Path}
}
