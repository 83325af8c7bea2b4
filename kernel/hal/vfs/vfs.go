// Package vfs provides the minimal file-access surface the exec loader
// needs to read an executable image off storage: open/read/close plus path
// normalization. It is a thin client over whatever filesystem driver is
// registered; no filesystem implementation lives here.
package vfs

import "strings"

const maxOpenFiles = 32

// fileHandle describes one open file slot.
type fileHandle struct {
	inUse  bool
	data   []byte
	offset int
}

var (
	openFiles [maxOpenFiles]fileHandle

	// readFileFn is registered by whatever backing store (e.g. the AHCI
	// driver layered under a block-device filesystem) can resolve a path
	// to its full contents. It defaults to a stub that always fails so
	// the package stays safely inert until a backend is registered.
	readFileFn = func(path string) ([]byte, bool) { return nil, false }
)

// RegisterBackend installs the function used to resolve a path to file
// contents. Called once during kernel init after the storage driver has
// brought up whatever filesystem it understands.
func RegisterBackend(fn func(path string) ([]byte, bool)) {
	readFileFn = fn
}

// Open resolves path via the registered backend and reserves a descriptor
// for it. It returns ok == false if the backend has no such file or if
// every descriptor slot is in use.
func Open(path string) (fd int, ok bool) {
	data, found := readFileFn(NormalizePath(path))
	if !found {
		return -1, false
	}

	for i := range openFiles {
		if !openFiles[i].inUse {
			openFiles[i] = fileHandle{inUse: true, data: data}
			return i, true
		}
	}

	return -1, false
}

// Read copies up to len(buf) bytes from the current offset of fd into buf
// and advances the offset, returning the number of bytes copied.
func Read(fd int, buf []byte) int {
	if fd < 0 || fd >= maxOpenFiles || !openFiles[fd].inUse {
		return 0
	}

	h := &openFiles[fd]
	n := copy(buf, h.data[h.offset:])
	h.offset += n
	return n
}

// Close releases fd, making the slot available for reuse.
func Close(fd int) {
	if fd < 0 || fd >= maxOpenFiles {
		return
	}
	openFiles[fd] = fileHandle{}
}

// NormalizePath collapses "." and ".." segments and duplicate slashes,
// always returning an absolute, slash-separated path.
func NormalizePath(path string) string {
	parts := SplitPath(path)
	return "/" + strings.Join(parts, "/")
}

// SplitPath splits path into its non-empty, "."-free segments, resolving
// ".." against the segments already collected.
func SplitPath(path string) []string {
	var out []string
	for _, seg := range strings.Split(path, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, seg)
		}
	}
	return out
}
