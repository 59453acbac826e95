package store

import (
	"fmt"

	"github.com/keepmail/keepmail/metrics"
)

// Copy duplicates the item into the target folder, optionally under a parent
// grouping. The search-index entry is shared between original and copy when
// the original is immutable, fully indexed, not in the dumpster, and the copy
// is not routed into spam; both then carry the copied flag so index cleanup
// at delete time goes through reference counting. Otherwise the copy is
// queued for independent indexing. The copy is detached from the parent
// grouping when there is no parent, the source is a draft, or the copy
// crosses the spam boundary. Content is hard-linked where the file system
// allows, copied otherwise. History is duplicated only when recovering an
// item out of the dumpster.
func (it *Item) Copy(txn *Txn, target *Folder, parentID int64) (*Item, error) {
	srcSpam, err := it.inSpam(txn)
	if err != nil {
		return nil, err
	}
	detach := parentID == 0 || it.rec.Flags&FDraft != 0 || srcSpam != target.Spam
	if detach {
		parentID = 0
	}
	return it.copy(txn, target, parentID)
}

// ICopy is the protocol-driven copy variant: the same sharing and rights
// rules, but the original is detached from its parent grouping with a
// synthetic singleton key, so the copy implicitly keeps the shared grouping.
func (it *Item) ICopy(txn *Txn, target *Folder) (*Item, error) {
	parentID := it.rec.ParentID
	cp, err := it.copy(txn, target, parentID)
	if err != nil {
		return nil, err
	}

	if parentID > 0 {
		if it.rec.Kind == KindMessage || it.rec.Kind == KindChat {
			it.rec.ParentID = -it.rec.ID
		} else {
			it.rec.ParentID = -1
		}
		if err := it.metadataChanged(txn); err != nil {
			return nil, err
		}
		if err := it.save(txn); err != nil {
			return nil, err
		}
		txn.Change(ChangeItemModified{ID: it.rec.ID, ModSeq: it.rec.ModMetadata})
	}
	return cp, nil
}

func (it *Item) copy(txn *Txn, target *Folder, parentID int64) (*Item, error) {
	if !it.Kind().Copyable() {
		return nil, fmt.Errorf("%w: %s %d", ErrCannotCopy, it.Kind(), it.ID())
	}
	if !target.CanContain(it.Kind()) {
		return nil, fmt.Errorf("%w: %s in folder %q", ErrCannotContain, it.Kind(), target.Name)
	}
	if err := txn.require(it, RightRead); err != nil {
		return nil, err
	}
	if err := txn.requireKind(KindFolder, target.ID, RightInsert); err != nil {
		return nil, err
	}
	var parent *Item
	if parentID > 0 {
		var err error
		parent, err = txn.Item(parentID, KindUnknown)
		if err != nil {
			return nil, err
		}
		if !parent.Kind().CanChildren() {
			return nil, fmt.Errorf("%w: %s %d", ErrCannotParent, parent.Kind(), parent.ID())
		}
	}
	if it.rec.Name != "" {
		taken, err := txn.nameTaken(target.ID, it.rec.Name, 0)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, fmt.Errorf("%w: %q in folder %q", ErrAlreadyExists, it.rec.Name, target.Name)
		}
	}

	fromDumpster, err := it.inDumpster(txn)
	if err != nil {
		return nil, err
	}
	shareIndex := !fromDumpster && !it.Kind().Mutable() && it.rec.IndexStatus == IndexDone && !target.Spam
	if shareIndex && it.rec.Flags&FCopied == 0 {
		if err := it.AlterSystemFlag(txn, FCopied, true); err != nil {
			return nil, err
		}
	}

	id, err := txn.nextID()
	if err != nil {
		return nil, err
	}
	modseq, err := txn.ModSeq()
	if err != nil {
		return nil, err
	}

	rec := it.rec
	rec.ID = id
	rec.FolderID = target.ID
	rec.ParentID = parentID
	rec.Tags = nil // Applied through finishCreation below.
	rec.Flags &^= FUncached | FCopied | FVersioned
	rec.LockOwner = ""
	rec.ModMetadata = modseq
	rec.ModContent = modseq
	rec.DateChanged = txn.now
	rec.SyncID = 0
	if txn.mb.Limits.TrackProtocolIDs {
		rec.SyncID = id
	}
	if it.rec.Locator != "" {
		loc, err := txn.mb.Blobs.Link(it.rec.Locator, id, int64(modseq))
		if err != nil {
			return nil, err
		}
		txn.newBlobs = append(txn.newBlobs, loc)
		rec.Locator = loc
	}
	if shareIndex {
		rec.Flags |= FCopied
		rec.IndexID = it.rec.IndexID
		rec.IndexStatus = IndexDone
	} else if it.Kind().Indexable() {
		rec.IndexID = id
		rec.IndexStatus = IndexDeferred
	} else {
		rec.IndexID = 0
		rec.IndexStatus = IndexNone
	}

	cp := &Item{rec: rec, color: it.color, version: it.version, sections: copySections(it.sections)}
	if err := cp.insert(txn); err != nil {
		return nil, err
	}
	txn.mb.cache[id] = cp
	if err := cp.finishCreation(txn, target, parent, it.Tags()); err != nil {
		return nil, err
	}

	if !shareIndex && cp.Kind().Indexable() {
		txn.action(ActionIndex{ID: id, IndexID: rec.IndexID, Kind: rec.Kind, Subject: rec.Subject, Name: rec.Name, Digest: rec.Digest})
	}

	// Ordinary copies never duplicate history. Recovery out of the dumpster
	// does, the original will be purged with its snapshots.
	if fromDumpster && !target.Dumpster {
		if err := it.copyRevisions(txn, cp); err != nil {
			return nil, err
		}
	}

	metrics.ItemOpInc("copy")
	return cp, nil
}

func (it *Item) copyRevisions(txn *Txn, cp *Item) error {
	revs, err := it.Revisions(txn)
	if err != nil {
		return err
	}
	var size int64
	var prevSeq ModSeq
	var prevLoc string
	for _, rev := range revs {
		rev.ID = 0
		rev.ItemID = cp.rec.ID
		if rev.Locator != "" {
			// Consecutive snapshots without a content change share one blob.
			if rev.ModContent == prevSeq && prevLoc != "" {
				rev.Locator = prevLoc
			} else {
				loc, err := txn.mb.Blobs.Link(rev.Locator, cp.rec.ID, int64(rev.ModContent))
				if err != nil {
					return err
				}
				txn.newBlobs = append(txn.newBlobs, loc)
				prevSeq = rev.ModContent
				prevLoc = loc
				rev.Locator = loc
			}
		}
		if err := txn.tx.Insert(&rev); err != nil {
			return fmt.Errorf("inserting copied revision: %w", err)
		}
		size += rev.Size
	}
	if len(revs) > 0 {
		if err := cp.AlterSystemFlag(txn, FVersioned, true); err != nil {
			return err
		}
		// Revision content counts against the mailbox size.
		if err := txn.addMailboxCounts(size, 0); err != nil {
			return err
		}
	}
	return nil
}

func copySections(sections map[string]map[string]string) map[string]map[string]string {
	if sections == nil {
		return nil
	}
	m := make(map[string]map[string]string, len(sections))
	for name, kv := range sections {
		c := make(map[string]string, len(kv))
		for k, v := range kv {
			c[k] = v
		}
		m[name] = c
	}
	return m
}
