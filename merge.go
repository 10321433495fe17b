package litecask

import (
	"os"
	"path/filepath"
	"time"

	"github.com/dfeneyrou/litecask/internal/keydir"
	"github.com/dfeneyrou/litecask/internal/keyhash"
	"github.com/dfeneyrou/litecask/internal/record"
)

// RequestMerge starts a merge cycle if one isn't already running, per
// spec.md §4.H/§5 ("a requestMerge returns a boolean indicating whether a
// new run was started; it cannot be cancelled once begun").
func (d *Datastore) RequestMerge() bool {
	if !d.mergeOnGoing.CompareAndSwap(false, true) {
		return false
	}
	go func() {
		defer d.mergeOnGoing.Store(false)
		d.runMergeCycle()
	}()
	return true
}

// isItWorthMerging implements the trigger half of spec.md §4.I: any
// sealed file qualifies once either its fragmentation percentage or its
// absolute dead-byte count crosses the trigger threshold.
func (d *Datastore) isItWorthMerging(cfg Config) bool {
	for _, f := range d.sealedFilesSnapshot() {
		if f.stats.FragmentationPercentage() >= cfg.MergeTriggerDataFileFragmentationPercentage {
			return true
		}
		if f.stats.DeadBytes.Load() >= cfg.MergeTriggerDataFileDeadByteThreshold {
			return true
		}
	}
	return false
}

// selectDataFilesToMerge implements the selection half of spec.md §4.I,
// run once triggering has already decided a merge is worthwhile.
func (d *Datastore) selectDataFilesToMerge(cfg Config) []*dataFile {
	var selected []*dataFile
	for _, f := range d.sealedFilesSnapshot() {
		size, _ := fileSizeOf(f.path)
		switch {
		case f.stats.FragmentationPercentage() >= cfg.MergeSelectDataFileFragmentationPercentage:
			selected = append(selected, f)
		case f.stats.DeadBytes.Load() >= cfg.MergeSelectDataFileDeadByteThreshold:
			selected = append(selected, f)
		case size > 0 && size <= int64(cfg.MergeSelectDataFileSmallSizeThreshold):
			selected = append(selected, f)
		}
	}
	return selected
}

func fileSizeOf(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (d *Datastore) sealedFilesSnapshot() []*dataFile {
	d.filesMu.RLock()
	defer d.filesMu.RUnlock()
	out := make([]*dataFile, 0, len(d.files))
	for _, id := range d.fileOrder {
		f := d.files[id]
		if f != nil && f.sealed {
			out = append(out, f)
		}
	}
	return out
}

// runMergeCycle runs one complete merge: select, stream-compact, and swap
// in the merged output. Mid-flight disk errors are contained to the
// in-progress merge (spec.md §7): partial new files are removed and the
// originals are left untouched for the next cycle to retry.
func (d *Datastore) runMergeCycle() {
	cfg := d.GetConfig()
	d.counters.MergeCycleQty.Add(1)

	if !d.isItWorthMerging(cfg) {
		return
	}
	selected := d.selectDataFilesToMerge(cfg)
	if len(selected) == 0 {
		return
	}
	d.mergeFiles(selected, cfg)
}

// runMergeCycleForTest bypasses trigger/selection and merges exactly the
// given sealed files — used by tests that need to exercise the
// delete-retention rule against a specific file layout.
func (d *Datastore) runMergeCycleForTest(selected []*dataFile) {
	d.mergeFiles(selected, d.GetConfig())
}

func (d *Datastore) mergeFiles(selected []*dataFile, cfg Config) {
	selectedIDs := make(map[uint16]bool, len(selected))
	for _, f := range selected {
		selectedIDs[f.id] = true
	}

	// A tombstone survives the merge iff some sealed file with a lower
	// fileId exists outside this merge batch and might still carry an
	// older live version of that key (spec.md §4.I-3).
	hasUnmergedPredecessor := func(belowFileID uint16) bool {
		for _, id := range d.fileOrder {
			if id < belowFileID && !selectedIDs[id] {
				return true
			}
		}
		return false
	}

	writer := newMergeWriter(d, cfg.DataFileMaxBytes)
	defer writer.abortIfOpen()

	for _, f := range selected {
		data, err := os.ReadFile(f.path)
		if err != nil {
			d.logger.Errorf("merge: read %s: %v", f.path, err)
			return
		}

		offset := uint32(0)
		buf := data
		for len(buf) > 0 {
			entry, n, err := record.DecodeData(buf)
			if err != nil {
				break // tail corruption on a sealed file: stop at last verified record
			}
			recOffset := offset
			offset += uint32(n)
			buf = buf[n:]

			hash := keyhash.Sum64(entry.Key)
			cur, ok := d.kd.Find(hash, entry.Key)
			stillHere := ok && cur.Location.FileID == f.id && cur.Location.Offset == recOffset

			if entry.Tombstone {
				if !stillHere {
					continue // superseded by a newer write or remove already
				}
				if hasUnmergedPredecessor(f.id) {
					if err := writer.writeTombstone(hash, entry.Key); err != nil {
						d.logger.Errorf("merge: write tombstone: %v", err)
						return
					}
				}
				continue
			}

			if !stillHere {
				continue // dead record: superseded or deleted since
			}
			if err := writer.writeLive(hash, entry, cur.Location); err != nil {
				d.logger.Errorf("merge: write live record: %v", err)
				return
			}
		}
	}

	newFiles, err := writer.finish()
	if err != nil {
		d.logger.Errorf("merge: finish: %v", err)
		return
	}

	d.swapInMergedFiles(newFiles, selected)
}

// swapInMergedFiles installs the merged output files, unlinks the
// originals, and removes their entries. Because merged files always carry
// fileIds higher than everything they replace, a crash between finishing
// the new files and unlinking the old ones is safe: recovery processes
// files in ascending fileId order, so the merged (higher-id) file's
// newest-wins entries simply supersede the stale originals again.
func (d *Datastore) swapInMergedFiles(newFiles []*dataFile, merged []*dataFile) {
	d.filesMu.Lock()
	for _, nf := range newFiles {
		d.files[nf.id] = nf
		d.fileOrder = append(d.fileOrder, nf.id)
	}
	d.filesMu.Unlock()

	var gained int64
	for _, f := range merged {
		size, _ := fileSizeOf(f.path)
		gained += size
		_ = f.close()

		d.filesMu.Lock()
		delete(d.files, f.id)
		d.fileOrder = removeID(d.fileOrder, f.id)
		d.filesMu.Unlock()

		_ = os.Remove(f.path)
		_ = os.Remove(hintPathFor(f.path))
	}

	d.counters.MergeGainedBytes.Add(gained)
	d.counters.MergeGainedDataFileQty.Add(int64(len(merged)))
}

func removeID(ids []uint16, target uint16) []uint16 {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// mergeWriter accumulates the compacted output of one merge cycle into a
// sequence of new data+hint file pairs bounded by maxBytes.
type mergeWriter struct {
	d          *Datastore
	maxBytes   uint32
	produced   []*dataFile
	hintBuf    [][]byte
	dataHandle *os.File
	hintPath   string
	curID      uint16
	curSize    uint32
	open       bool
}

func newMergeWriter(d *Datastore, maxBytes uint32) *mergeWriter {
	return &mergeWriter{d: d, maxBytes: maxBytes}
}

func (w *mergeWriter) rotate() error {
	if w.open {
		if err := w.sealCurrent(); err != nil {
			return err
		}
	}

	w.d.filesMu.Lock()
	id := uint16(w.d.nextFileID)
	w.d.nextFileID++
	w.d.filesMu.Unlock()

	ts := time.Now().UnixNano()
	path := filepath.Join(w.d.dbPath, dataFileName(id, ts))
	handle, err := openDataFileForAppend(path)
	if err != nil {
		return err
	}

	w.curID = id
	w.curSize = 0
	w.dataHandle = handle
	w.hintPath = hintPathFor(path)
	w.hintBuf = nil
	w.open = true
	w.produced = append(w.produced, &dataFile{id: id, path: path, handle: nil, sealed: true})
	return nil
}

func (w *mergeWriter) ensureCapacity(n uint32) error {
	if !w.open || w.curSize+n > w.maxBytes {
		return w.rotate()
	}
	return nil
}

func (w *mergeWriter) writeLive(hash uint64, entry record.Entry, oldLoc keydir.Location) error {
	rec := record.EncodeData(entry)
	if err := w.ensureCapacity(uint32(len(rec))); err != nil {
		return err
	}
	offset := w.curSize
	if _, err := w.dataHandle.Write(rec); err != nil {
		return err
	}
	w.curSize += uint32(len(rec))

	newLoc := keydir.Location{
		FileID:         w.curID,
		KeySize:        uint16(len(entry.Key)),
		Offset:         offset,
		EntrySize:      uint32(len(rec)),
		ValueSize:      uint32(len(entry.Value)),
		TTLDeadlineSec: entry.TTLDeadlineSec,
	}

	// Only move the KeyDir pointer if it still points exactly where the
	// merge scan observed it; a newer write since the scan wins instead.
	cur, ok := w.d.kd.Find(hash, entry.Key)
	if ok && cur.Location.FileID == oldLoc.FileID && cur.Location.Offset == oldLoc.Offset {
		w.d.kd.Insert(hash, entry.Key, newLoc, entry.Indexes)
	}

	w.hintBuf = append(w.hintBuf, record.EncodeHint(uint32(hash), offset, entry))
	return nil
}

func (w *mergeWriter) writeTombstone(hash uint64, key []byte) error {
	entry := record.Entry{Key: key, Tombstone: true}
	rec := record.EncodeData(entry)
	if err := w.ensureCapacity(uint32(len(rec))); err != nil {
		return err
	}
	offset := w.curSize
	if _, err := w.dataHandle.Write(rec); err != nil {
		return err
	}
	w.curSize += uint32(len(rec))
	w.hintBuf = append(w.hintBuf, record.EncodeHint(uint32(hash), offset, entry))
	return nil
}

func (w *mergeWriter) sealCurrent() error {
	if err := w.dataHandle.Sync(); err != nil {
		return err
	}
	if err := w.dataHandle.Close(); err != nil {
		return err
	}
	if len(w.hintBuf) > 0 {
		var all []byte
		for _, h := range w.hintBuf {
			all = append(all, h...)
		}
		if err := os.WriteFile(w.hintPath, all, 0o644); err != nil {
			return err
		}
		w.d.counters.HintFileCreatedQty.Add(1)
	}

	last := w.produced[len(w.produced)-1]
	handle, err := openDataFileReadOnly(last.path)
	if err != nil {
		return err
	}
	last.handle = handle
	last.onDisk = w.curSize
	w.open = false
	return nil
}

func (w *mergeWriter) finish() ([]*dataFile, error) {
	if w.open {
		if err := w.sealCurrent(); err != nil {
			return nil, err
		}
	}
	return w.produced, nil
}

// abortIfOpen is a defensive cleanup: if finish() was never reached (an
// error path returned early), make sure no dangling open handle leaks.
func (w *mergeWriter) abortIfOpen() {
	if w.open && w.dataHandle != nil {
		_ = w.dataHandle.Close()
	}
}
