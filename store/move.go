package store

import (
	"errors"
	"fmt"

	"github.com/keepmail/keepmail/metrics"
)

// Move relocates the item to the target folder, returning whether anything
// changed: moving into the current folder is a no-op. Insert access on the
// target is waived for trash and spam, anyone may discard. Moving into trash
// forces the item read, propagating the unread delta. Moving out of spam
// marks an already-indexed item stale and queues reindexing. Moving into spam
// detaches the item from its conversation.
func (it *Item) Move(txn *Txn, target *Folder) (bool, error) {
	if !it.Kind().Movable() {
		return false, fmt.Errorf("%w: %s %d", ErrImmutable, it.Kind(), it.ID())
	}
	if it.rec.FolderID == target.ID {
		return false, nil
	}
	if !target.CanContain(it.Kind()) {
		return false, fmt.Errorf("%w: %s in folder %q", ErrCannotContain, it.Kind(), target.Name)
	}
	src, err := txn.Folder(it.rec.FolderID)
	if err != nil {
		return false, err
	}
	if err := txn.requireKind(KindFolder, src.ID, RightDelete); err != nil {
		return false, err
	}
	if !target.Trash && !target.Spam {
		if err := txn.requireKind(KindFolder, target.ID, RightInsert); err != nil {
			return false, err
		}
	}
	if it.rec.Name != "" {
		taken, err := txn.nameTaken(target.ID, it.rec.Name, it.rec.ID)
		if err != nil {
			return false, err
		}
		if taken {
			return false, fmt.Errorf("%w: %q in folder %q", ErrAlreadyExists, it.rec.Name, target.Name)
		}
	}

	if target.Trash && it.Unread() {
		if err := it.AlterUnread(txn, false); err != nil {
			return false, err
		}
	}

	d := folderDelta(&it.rec)
	src.Counts.Sub(d)
	if err := txn.saveFolder(src); err != nil {
		return false, err
	}
	target.Counts.Add(d)
	if err := txn.saveFolder(target); err != nil {
		return false, err
	}

	if src.Spam && !target.Spam && it.rec.IndexStatus == IndexDone {
		it.rec.IndexStatus = IndexStale
		txn.action(ActionIndex{ID: it.rec.ID, IndexID: it.rec.IndexID, Kind: it.rec.Kind, Subject: it.rec.Subject, Name: it.rec.Name, Digest: it.rec.Digest})
	}
	if !src.Spam && target.Spam && it.rec.ParentID > 0 {
		if it.rec.Kind == KindMessage || it.rec.Kind == KindChat {
			it.rec.ParentID = -it.rec.ID
		} else {
			it.rec.ParentID = 0
		}
	}

	from := it.rec.FolderID
	it.rec.FolderID = target.ID
	if txn.mb.Limits.TrackProtocolIDs {
		syncID, err := txn.nextID()
		if err != nil {
			return false, err
		}
		it.rec.SyncID = syncID
	}
	if err := it.metadataChanged(txn); err != nil {
		return false, err
	}
	if err := it.save(txn); err != nil {
		return false, err
	}
	txn.Change(ChangeItemFolder{ID: it.rec.ID, FromFolderID: from, ToFolderID: target.ID, ModSeq: it.rec.ModMetadata})
	metrics.ItemOpInc("move")
	return true, nil
}

// Rename gives the item a new name, optionally moving it to another folder in
// the same step. The name is normalized and validated; a sibling in the
// destination already using it fails with ErrAlreadyExists, renaming an item
// to its own name (e.g. a case change) is allowed.
func (it *Item) Rename(txn *Txn, name string, target *Folder) error {
	if !it.Kind().Named() {
		return fmt.Errorf("%w: %s has no name", ErrCannotRename, it.Kind())
	}
	if !it.Kind().Mutable() {
		return fmt.Errorf("%w: %s %d", ErrImmutable, it.Kind(), it.ID())
	}
	name, err := validName(name, txn.mb.Limits.MaxNameLength)
	if err != nil {
		return err
	}
	if err := txn.require(it, RightWrite); err != nil {
		return err
	}
	if target == nil {
		target, err = txn.Folder(it.rec.FolderID)
		if err != nil {
			return err
		}
	}
	if name == it.rec.Name && target.ID == it.rec.FolderID {
		return nil
	}
	taken, err := txn.nameTaken(target.ID, name, it.rec.ID)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("%w: %q in folder %q", ErrAlreadyExists, name, target.Name)
	}

	if name != it.rec.Name {
		it.rec.Name = name
		if err := it.metadataChanged(txn); err != nil {
			return err
		}
		if err := it.save(txn); err != nil {
			return err
		}
		txn.Change(ChangeItemModified{ID: it.rec.ID, ModSeq: it.rec.ModMetadata})
	}
	if target.ID != it.rec.FolderID {
		if _, err := it.Move(txn, target); err != nil {
			return err
		}
	}
	metrics.ItemOpInc("rename")
	return nil
}

// RenameFolder renames a folder and/or moves it under another parent. Moving
// a folder under itself or one of its descendants is rejected.
func (txn *Txn) RenameFolder(f *Folder, name string, parentID int64) error {
	name, err := validName(name, txn.mb.Limits.MaxNameLength)
	if err != nil {
		return err
	}
	if err := txn.requireKind(KindFolder, f.ID, RightWrite); err != nil {
		return err
	}
	if name == f.Name && parentID == f.ParentID {
		return nil
	}

	for id := parentID; id != 0; {
		if id == f.ID {
			return fmt.Errorf("%w: folder %q under itself", ErrCannotContain, f.Name)
		}
		p, err := txn.Folder(id)
		if err != nil {
			return err
		}
		id = p.ParentID
	}

	sibling, err := txn.FolderByName(parentID, name)
	if err == nil && sibling.ID != f.ID {
		return fmt.Errorf("%w: folder %q", ErrAlreadyExists, name)
	} else if err != nil && !errors.Is(err, ErrNoSuchFolder) {
		return err
	}

	modseq, err := txn.ModSeq()
	if err != nil {
		return err
	}
	f.Name = name
	f.ParentID = parentID
	f.ModSeq = modseq
	return txn.saveFolder(f)
}
