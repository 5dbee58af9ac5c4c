package dispatch

import (
	"path/filepath"
	"time"

	"github.com/hostbridge/hostbridged/internal/interfaces"
)

// FileEntry is one row of a list_directory reply.
type FileEntry struct {
	Name  string
	IsDir bool
	Size  int64
}

// StatResult is the reply shape for the stat tool.
type StatResult struct {
	Path    string
	Size    int64
	IsDir   bool
	ModTime time.Time
}

// fs lets tests inject a fake interfaces.FileSystem; production code
// always uses the real OS.
func (d *Dispatcher) fs() interfaces.FileSystem {
	if d.FS != nil {
		return d.FS
	}
	return interfaces.NewOSFileSystem()
}

// ReadFile validates path through C1, then reads it.
func (d *Dispatcher) ReadFile(path string) ([]byte, *Error) {
	abs, verr := d.validatePathArg(path)
	if verr != nil {
		return nil, verr
	}
	data, err := d.fs().ReadFile(abs)
	if err != nil {
		return nil, ioError(d.fs(), err)
	}
	return data, nil
}

// WriteFile validates path through C1, then writes it, creating parent
// directories as needed.
func (d *Dispatcher) WriteFile(path string, data []byte) *Error {
	abs, verr := d.validatePathArg(path)
	if verr != nil {
		return verr
	}
	if err := d.fs().MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return ioError(d.fs(), err)
	}
	if err := d.fs().WriteFile(abs, data, 0o644); err != nil {
		return ioError(d.fs(), err)
	}
	return nil
}

// MoveFile validates both endpoints through C1 before renaming.
func (d *Dispatcher) MoveFile(src, dst string) *Error {
	absSrc, verr := d.validatePathArg(src)
	if verr != nil {
		return verr
	}
	absDst, verr := d.validatePathArg(dst)
	if verr != nil {
		return verr
	}
	if err := d.fs().Rename(absSrc, absDst); err != nil {
		return ioError(d.fs(), err)
	}
	return nil
}

// ListDirectory validates path through C1, then lists its immediate
// children.
func (d *Dispatcher) ListDirectory(path string) ([]FileEntry, *Error) {
	abs, verr := d.validatePathArg(path)
	if verr != nil {
		return nil, verr
	}
	entries, err := d.fs().ReadDir(abs)
	if err != nil {
		return nil, ioError(d.fs(), err)
	}
	out := make([]FileEntry, 0, len(entries))
	for _, e := range entries {
		info, ierr := e.Info()
		var size int64
		if ierr == nil {
			size = info.Size()
		}
		out = append(out, FileEntry{Name: e.Name(), IsDir: e.IsDir(), Size: size})
	}
	return out, nil
}

// Stat validates path through C1, then reports basic metadata.
func (d *Dispatcher) Stat(path string) (*StatResult, *Error) {
	abs, verr := d.validatePathArg(path)
	if verr != nil {
		return nil, verr
	}
	info, err := d.fs().Stat(abs)
	if err != nil {
		return nil, ioError(d.fs(), err)
	}
	return &StatResult{Path: abs, Size: info.Size(), IsDir: info.IsDir(), ModTime: info.ModTime()}, nil
}

func ioError(fsys interfaces.FileSystem, err error) *Error {
	if fsys.IsNotExist(err) {
		return &Error{Code: "PathNotFound", Message: err.Error(), Recoverable: true}
	}
	return &Error{Code: "InternalError", Message: err.Error(), Recoverable: false}
}
