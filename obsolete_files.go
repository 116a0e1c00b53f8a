// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package levelkv

import (
	"github.com/cockroachdb/levelkv/internal/base"
)

type obsoleteFile struct {
	fileType base.FileType
	fileNum  FileNum
	path     string
}

// deleteObsoleteFiles deletes the files of the DB directory that are no
// longer needed: WALs older than the version's log number, manifests older
// than the current one, and tables that are neither referenced by a live
// version nor being written.
//
// DB.mu must be held, and is released while the files are deleted.
func (d *DB) deleteObsoleteFiles(jobID int) {
	if d.mu.bgErr != nil {
		// After a background error, we don't know whether a new version may
		// or may not have been committed, so we cannot safely garbage
		// collect.
		return
	}

	live := make(map[FileNum]struct{}, len(d.mu.compact.pendingOutputs))
	for fileNum := range d.mu.compact.pendingOutputs {
		live[fileNum] = struct{}{}
	}
	d.mu.versions.addLiveFileNums(live)

	names, err := d.opts.FS.List(d.dirname)
	if err != nil {
		d.opts.Logger.Errorf("levelkv: [JOB %d] listing %q for obsolete files: %v", jobID, d.dirname, err)
		return
	}
	vs := &d.mu.versions
	var obsolete []obsoleteFile
	for _, name := range names {
		fileType, fileNum, ok := base.ParseFilename(d.opts.FS, name)
		if !ok {
			continue
		}
		keep := true
		switch fileType {
		case base.FileTypeLog:
			keep = fileNum >= vs.logNum || fileNum == vs.prevLogNum
		case base.FileTypeManifest:
			// Keep my manifest, and any newer incarnations'.
			keep = fileNum >= vs.manifestFileNum
		case base.FileTypeTable, base.FileTypeTemp:
			_, keep = live[fileNum]
		}
		if !keep {
			obsolete = append(obsolete, obsoleteFile{
				fileType: fileType,
				fileNum:  fileNum,
				path:     d.opts.FS.PathJoin(d.dirname, name),
			})
		}
	}
	if len(obsolete) == 0 {
		return
	}

	// The files can be deleted without the mutex: they are unreferenced and
	// their numbers are never reused.
	d.mu.Unlock()
	defer d.mu.Lock()
	for _, f := range obsolete {
		if f.fileType == base.FileTypeTable {
			d.tableCache.evict(f.fileNum)
		}
		err := d.opts.FS.Remove(f.path)
		switch f.fileType {
		case base.FileTypeTable:
			d.opts.EventListener.TableDeleted(TableDeleteInfo{
				JobID:   jobID,
				Path:    f.path,
				FileNum: f.fileNum,
				Err:     err,
			})
		default:
			if err != nil {
				d.opts.Logger.Errorf("levelkv: [JOB %d] deleting %s: %v", jobID, f.path, err)
			}
		}
	}
}
