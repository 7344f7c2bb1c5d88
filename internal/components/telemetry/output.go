package telemetry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
)

// InstrumentOutput receives the full text of http exchanges, see
// InstrumentResty.
type InstrumentOutput interface {
	Write(id string, contents string)
}

// FilesystemOutput writes every exchange to its own file of a directory. It
// can be shared by many clients, files are numbered in the order they are
// written.
type FilesystemOutput struct {
	directory string
	counter   *atomic.Uint64
}

func NewFilesystemOutput(dir string) (FilesystemOutput, error) {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return FilesystemOutput{}, err
	}
	return FilesystemOutput{directory: dir, counter: &atomic.Uint64{}}, nil
}

func (o FilesystemOutput) Write(id string, contents string) {
	name := fmt.Sprintf("%06d_%s.http", o.counter.Add(1), id)
	err := os.WriteFile(filepath.Join(o.directory, name), []byte(contents), 0600)
	if err != nil {
		slog.Warn("failed to write http message file", "id", id, "err", err)
	}
}
