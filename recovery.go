package litecask

import (
	"os"
	"path/filepath"

	"github.com/dfeneyrou/litecask/internal/keydir"
	"github.com/dfeneyrou/litecask/internal/keyhash"
	"github.com/dfeneyrou/litecask/internal/record"
)

// recover implements spec.md §4.B's open-time recovery: enumerate data
// files by id, prefer each file's hint file when present, otherwise scan
// the data file itself verifying CRCs, and insert newest-wins into the
// KeyDir. The highest-numbered file is reopened for append and becomes
// the active file; every other file is sealed and reopened read-only.
func (d *Datastore) recover() error {
	names, err := listDataFiles(d.dbPath)
	if err != nil {
		return err
	}

	for i, name := range names {
		id, _, ok := parseDataFileName(name)
		if !ok {
			continue
		}
		path := filepath.Join(d.dbPath, name)
		isLast := i == len(names)-1

		if err := d.loadDataFile(id, path, isLast); err != nil {
			return err
		}
		if uint32(id)+1 > d.nextFileID {
			d.nextFileID = uint32(id) + 1
		}
	}
	return nil
}

// loadDataFile opens one on-disk file, loads its records into the KeyDir
// (preferring the paired hint file), and registers it in d.files. isLast
// marks the highest-fileId file: it is opened for append and becomes the
// active file rather than being sealed read-only.
func (d *Datastore) loadDataFile(id uint16, path string, isLast bool) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	hintPath := hintPathFor(path)
	loaded := false
	if _, err := os.Stat(hintPath); err == nil {
		if err := d.loadFromHint(id, hintPath); err == nil {
			loaded = true
		} else {
			d.logger.Warnf("hint file %s unusable, falling back to data scan: %v", hintPath, err)
		}
	}

	var validLength uint32
	if loaded {
		validLength = uint32(info.Size())
	} else {
		validLength, err = d.loadFromDataScan(id, path)
		if err != nil {
			return err
		}
	}

	var handle *os.File
	if isLast {
		handle, err = openDataFileForAppend(path)
	} else {
		handle, err = openDataFileReadOnly(path)
	}
	if err != nil {
		return err
	}

	if validLength < uint32(info.Size()) {
		// Corruption was detected mid-scan: truncate the tail to the last
		// verified record boundary (spec.md §4.B), so appends to the active
		// file continue right after it.
		if err := os.Truncate(path, int64(validLength)); err != nil {
			_ = handle.Close()
			return err
		}
	}

	f := &dataFile{id: id, path: path, handle: handle, onDisk: validLength, sealed: !isLast}
	d.filesMu.Lock()
	d.files[id] = f
	d.fileOrder = append(d.fileOrder, id)
	if isLast {
		d.activeFile = f
	}
	d.filesMu.Unlock()

	return nil
}

// loadFromHint rebuilds the KeyDir entries for one sealed file from its
// compact hint sidecar (spec.md §4.B: "prefer its hint file if present").
func (d *Datastore) loadFromHint(fileID uint16, hintPath string) error {
	data, err := os.ReadFile(hintPath)
	if err != nil {
		return err
	}

	buf := data
	for len(buf) > 0 {
		hint, n, err := record.DecodeHint(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]

		entrySize := uint32(record.DataSize(len(hint.Key), int(hint.ValueSize), len(hint.Indexes)))
		d.insertRecoveredLocked(fileID, hint.Offset, entrySize, hint.Key, hint.ValueSize, hint.TTLDeadlineSec, hint.Tombstone, hint.Indexes)
	}
	return nil
}

// loadFromDataScan scans a data file record by record, verifying each
// CRC, and returns the offset of the first unverifiable byte (either the
// file's full size, or the boundary before a corrupted/truncated tail).
func (d *Datastore) loadFromDataScan(fileID uint16, path string) (uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	var offset uint32
	buf := data
	for len(buf) > 0 {
		entry, n, err := record.DecodeData(buf)
		if err != nil {
			// Corruption or truncation: stop here, keep everything already
			// verified, and let the caller truncate the physical tail.
			break
		}
		entrySize := uint32(n)
		d.insertRecoveredLocked(fileID, offset, entrySize, entry.Key, uint32(len(entry.Value)), entry.TTLDeadlineSec, entry.Tombstone, entry.Indexes)
		offset += entrySize
		buf = buf[n:]
	}
	return offset, nil
}

// insertRecoveredLocked applies one recovered record to the KeyDir,
// skipping entries whose TTL has already expired and honoring
// newest-wins ordering (files are processed in ascending fileId order,
// and within a file strictly by increasing offset, so a plain Insert
// naturally keeps the newest version per spec.md §4.B). A tombstone is
// kept in the KeyDir as a location flagged record.FlagTombstone, as at
// runtime, so a later merge can still apply the delete-retention rule.
func (d *Datastore) insertRecoveredLocked(fileID uint16, offset, entrySize uint32, key []byte, valueSize, ttlDeadline uint32, tombstone bool, idx []record.KeyIndex) {
	if ttlDeadline != 0 && d.now() >= ttlDeadline {
		return
	}

	hash := keyhash.Sum64(key)

	if tombstone {
		tomb := keydir.Location{
			FileID:    fileID,
			KeySize:   uint16(len(key)),
			Offset:    offset,
			EntrySize: entrySize,
			Flags:     record.FlagTombstone,
		}
		d.kd.Insert(hash, key, tomb, nil)
		d.keyBytesByHash.Delete(hash)
		d.tombstones.Store(hash, tombLoc{fileID: fileID, offset: offset})
		return
	}

	flags := uint8(0)
	loc := keydir.Location{
		FileID:         fileID,
		KeySize:        uint16(len(key)),
		Offset:         offset,
		EntrySize:      entrySize,
		ValueSize:      valueSize,
		TTLDeadlineSec: ttlDeadline,
		Flags:          flags,
	}
	d.kd.Insert(hash, key, loc, idx)
	d.keyBytesByHash.Store(hash, append([]byte(nil), key...))
	d.tombstones.Delete(hash)
	d.indexKeyParts(key, idx)
}
