package litecask

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	dataFileSuffix   = ".litecask_data"
	hintFileSuffix   = ".litecask_hint"
	tmpFileSuffix    = ".litecask_tmp"
	removeFileSuffix = ".litecask_to_remove"
)

// dataFileName builds the on-disk name spec.md §6 specifies:
// litecask_<fileId>_<timestamp>.data (suffix differs slightly from the
// literal spec text to match the original header's constants, as
// DESIGN.md's datafile.go section records).
func dataFileName(fileID uint16, timestamp int64) string {
	return fmt.Sprintf("litecask_%05d_%020d%s", fileID, timestamp, dataFileSuffix)
}

func hintFileName(fileID uint16, timestamp int64) string {
	return fmt.Sprintf("litecask_%05d_%020d%s", fileID, timestamp, hintFileSuffix)
}

// parseDataFileName extracts the fileId and timestamp embedded in a data
// file's name, returning ok=false for anything that doesn't match.
func parseDataFileName(name string) (fileID uint16, timestamp int64, ok bool) {
	if !strings.HasPrefix(name, "litecask_") || !strings.HasSuffix(name, dataFileSuffix) {
		return 0, 0, false
	}
	base := strings.TrimSuffix(strings.TrimPrefix(name, "litecask_"), dataFileSuffix)
	parts := strings.SplitN(base, "_", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	id, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return 0, 0, false
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return uint16(id), ts, true
}

func hintPathFor(dataPath string) string {
	return strings.TrimSuffix(dataPath, dataFileSuffix) + hintFileSuffix
}

// dataFile tracks one log segment: its path, open handle, write buffer for
// the active segment, and the per-file liveness stats the merge engine
// reads. A sealed (non-active) file keeps its handle open read-only for
// pread; only the active file is ever appended to.
type dataFile struct {
	id   uint16
	path string

	mu       sync.Mutex
	handle   *os.File
	sealed   bool
	onDisk   uint32 // bytes durably written to handle
	buffered []byte // bytes appended but not yet flushed to handle

	stats DataFileStats
}

func openDataFileForAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
}

func openDataFileReadOnly(path string) (*os.File, error) {
	return os.Open(path)
}

// length returns the logical length of the file: on-disk bytes plus
// whatever is still sitting in the write buffer. Readers use this to
// decide whether an offset falls in the buffer or on disk.
func (f *dataFile) length() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onDisk + uint32(len(f.buffered))
}

// isBuffered reports whether offset falls within the still-unflushed tail
// of the file, for the getWriteBufferHitQty/getDiskHitQty counters.
func (f *dataFile) isBuffered(offset uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return offset >= f.onDisk
}

// append adds rec to the write buffer, returning the offset it was placed
// at. The caller is responsible for deciding when to flush.
func (f *dataFile) append(rec []byte) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	offset := f.onDisk + uint32(len(f.buffered))
	f.buffered = append(f.buffered, rec...)
	return offset
}

// readAt returns a copy of size bytes starting at offset, first trying the
// write buffer (the tail of the active file is reader-visible per
// spec.md §4.D) and falling back to a pread against the handle.
func (f *dataFile) readAt(offset uint32, size uint32) ([]byte, error) {
	f.mu.Lock()
	onDisk := f.onDisk
	if offset >= onDisk {
		bufOff := offset - onDisk
		if int(bufOff+size) > len(f.buffered) {
			f.mu.Unlock()
			return nil, fmt.Errorf("litecask: read past end of write buffer for file %d", f.id)
		}
		out := make([]byte, size)
		copy(out, f.buffered[bufOff:bufOff+size])
		f.mu.Unlock()
		return out, nil
	}
	handle := f.handle
	f.mu.Unlock()

	out := make([]byte, size)
	if _, err := handle.ReadAt(out, int64(offset)); err != nil {
		return nil, fmt.Errorf("litecask: pread file %d at %d: %w", f.id, offset, err)
	}
	return out, nil
}

// flush writes the buffered tail to disk. forceSync additionally calls
// Sync on the handle (spec.md §4.D: "a forced sync additionally calls the
// OS flush-file primitive").
func (f *dataFile) flush(forceSync bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.buffered) > 0 {
		if _, err := f.handle.Write(f.buffered); err != nil {
			return fmt.Errorf("litecask: flush file %d: %w", f.id, err)
		}
		f.onDisk += uint32(len(f.buffered))
		f.buffered = f.buffered[:0]
	}
	if forceSync {
		if err := f.handle.Sync(); err != nil {
			return fmt.Errorf("litecask: sync file %d: %w", f.id, err)
		}
	}
	return nil
}

func (f *dataFile) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handle == nil {
		return nil
	}
	err := f.handle.Close()
	f.handle = nil
	return err
}

// sanitizeDirectory removes the artifacts a crash or interrupted merge may
// have left behind (spec.md §4.B recovery, DESIGN.md's merge crash-safety
// note): stray .litecask_tmp files from an in-progress merge, files
// marked .litecask_to_remove that a crash prevented from being unlinked,
// and zero-size data files that never received a single record.
func sanitizeDirectory(dbPath string) error {
	entries, err := os.ReadDir(dbPath)
	if err != nil {
		return fmt.Errorf("litecask: read directory %s: %w", dbPath, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch {
		case strings.HasSuffix(name, tmpFileSuffix), strings.HasSuffix(name, removeFileSuffix):
			if err := os.Remove(filepath.Join(dbPath, name)); err != nil {
				return fmt.Errorf("litecask: remove stale artifact %s: %w", name, err)
			}
		case strings.HasSuffix(name, dataFileSuffix):
			info, err := e.Info()
			if err == nil && info.Size() == 0 {
				_ = os.Remove(filepath.Join(dbPath, name))
			}
		}
	}
	return nil
}

// listDataFiles returns the data files present in dbPath sorted by fileId
// ascending, matching spec.md §4.B's "enumerate data files by id".
func listDataFiles(dbPath string) ([]string, error) {
	entries, err := os.ReadDir(dbPath)
	if err != nil {
		return nil, fmt.Errorf("litecask: read directory %s: %w", dbPath, err)
	}
	type found struct {
		name string
		id   uint16
	}
	var found1 []found
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), dataFileSuffix) {
			continue
		}
		if id, _, ok := parseDataFileName(e.Name()); ok {
			found1 = append(found1, found{name: e.Name(), id: id})
		}
	}
	sort.Slice(found1, func(i, j int) bool { return found1[i].id < found1[j].id })

	names := make([]string, len(found1))
	for i, f := range found1 {
		names[i] = f.name
	}
	return names, nil
}
