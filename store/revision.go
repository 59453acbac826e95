package store

import (
	"fmt"

	"github.com/mjl-/bstore"

	"github.com/keepmail/keepmail/metrics"
)

// maxRevisions returns the configured revision cap for a kind: 1 means no
// history is kept, 0 means unbounded. The current version counts towards the
// cap.
func (mb *Mailbox) maxRevisions(k Kind) int {
	return mb.Limits.MaxRevisions[k.String()]
}

// loadRevisions reads the stored snapshots, ascending by version. The loaded
// list mirrors the persisted order.
func (it *Item) loadRevisions(txn *Txn) error {
	if it.haveRevs {
		return nil
	}
	revs, err := bstore.QueryTx[Revision](txn.tx).FilterNonzero(Revision{ItemID: it.rec.ID}).SortAsc("Version").List()
	if err != nil {
		return fmt.Errorf("loading revisions of item %d: %w", it.rec.ID, err)
	}
	it.revisions = revs
	it.haveRevs = true
	return nil
}

// Revisions returns the item's stored prior snapshots, oldest first.
func (it *Item) Revisions(txn *Txn) ([]Revision, error) {
	if err := it.loadRevisions(txn); err != nil {
		return nil, err
	}
	return append([]Revision{}, it.revisions...), nil
}

// AddRevision snapshots the item's current state before a content mutation.
// Within one transaction only one snapshot is taken, a second call is a
// no-op. With the revision cap at exactly 1, no history is kept at all. The
// snapshot gets a version strictly above any stored revision, healing the
// live counter if it drifted low, and the live version is advanced past it.
// Excess revisions beyond the cap are purged oldest-first; a purged
// revision's blob is queued for removal only once no surviving revision (or
// the live record) still shares its save-sequence.
func (it *Item) AddRevision(txn *Txn) error {
	if !it.Kind().Mutable() {
		return nil
	}
	if txn.modseq > 0 && it.rec.ModMetadata == txn.modseq {
		// This transaction already produced a revision for this item.
		return nil
	}
	max := txn.mb.maxRevisions(it.Kind())
	if max == 1 {
		return nil
	}
	if err := it.loadRevisions(txn); err != nil {
		return err
	}
	if n := len(it.revisions); n > 0 {
		last := it.revisions[n-1]
		if last.ModContent == it.rec.ModContent && last.ModMetadata == it.rec.ModMetadata {
			return nil
		}
	}

	ver := it.version
	if n := len(it.revisions); n > 0 && it.revisions[n-1].Version >= ver {
		ver = it.revisions[n-1].Version + 1
	}

	buf, err := encodeMetadata(it.color, ver, it.sections)
	if err != nil {
		return err
	}
	rev := Revision{
		ItemID:      it.rec.ID,
		Version:     ver,
		Date:        it.rec.Date,
		Size:        it.rec.Size,
		Locator:     it.rec.Locator,
		Digest:      it.rec.Digest,
		Subject:     it.rec.Subject,
		Name:        it.rec.Name,
		Flags:       it.rec.Flags | FUncached,
		Metadata:    buf,
		ModMetadata: it.rec.ModMetadata,
		ModContent:  it.rec.ModContent,
	}
	if err := txn.tx.Insert(&rev); err != nil {
		return fmt.Errorf("inserting revision: %w", err)
	}
	// Snapshot content counts against the mailbox size until the row goes.
	if err := txn.addMailboxCounts(rev.Size, 0); err != nil {
		return err
	}
	it.revisions = append(it.revisions, rev)
	if it.rec.Flags&FVersioned == 0 {
		if err := it.AlterSystemFlag(txn, FVersioned, true); err != nil {
			return err
		}
	}
	it.version = ver + 1

	if max > 0 && len(it.revisions) > max-1 {
		if err := it.purge(txn, it.revisions[:len(it.revisions)-(max-1)]); err != nil {
			return err
		}
	}
	return it.save(txn)
}

// purge removes the given stored snapshots, which must be a prefix of the
// loaded list. Revisions are monotonic in (version, modContent, modMetadata),
// so a purged blob is no longer referenced exactly when its save-sequence is
// below that of the first surviving revision, or of the live record when none
// survive.
func (it *Item) purge(txn *Txn, victims []Revision) error {
	if len(victims) == 0 {
		return nil
	}
	cut := it.rec.ModContent
	if len(victims) < len(it.revisions) {
		cut = it.revisions[len(victims)].ModContent
	}
	var size int64
	for _, rev := range victims {
		if err := txn.tx.Delete(&Revision{ID: rev.ID}); err != nil {
			return fmt.Errorf("deleting revision %d of item %d: %w", rev.Version, it.rec.ID, err)
		}
		size += rev.Size
		if rev.Locator != "" && rev.ModContent < cut {
			txn.action(ActionRemoveBlob{Locator: rev.Locator})
		}
		metrics.RevisionPurgeInc()
	}
	if err := txn.addMailboxCounts(-size, 0); err != nil {
		return err
	}
	it.revisions = append([]Revision{}, it.revisions[len(victims):]...)
	if len(it.revisions) == 0 && it.rec.Flags&FVersioned != 0 {
		if err := it.AlterSystemFlag(txn, FVersioned, false); err != nil {
			return err
		}
	}
	return nil
}

// GetRevision returns the snapshot with the given version, or a synthesized
// snapshot of the live record when the version matches the current one.
func (it *Item) GetRevision(txn *Txn, version int) (Revision, error) {
	if version == it.version {
		buf, err := encodeMetadata(it.color, it.version, it.sections)
		if err != nil {
			return Revision{}, err
		}
		return Revision{
			ItemID:      it.rec.ID,
			Version:     it.version,
			Date:        it.rec.Date,
			Size:        it.rec.Size,
			Locator:     it.rec.Locator,
			Digest:      it.rec.Digest,
			Subject:     it.rec.Subject,
			Name:        it.rec.Name,
			Flags:       it.rec.Flags,
			Metadata:    buf,
			ModMetadata: it.rec.ModMetadata,
			ModContent:  it.rec.ModContent,
		}, nil
	}
	if err := it.loadRevisions(txn); err != nil {
		return Revision{}, err
	}
	for _, rev := range it.revisions {
		if rev.Version == version {
			return rev, nil
		}
	}
	return Revision{}, fmt.Errorf("%w: version %d of item %d", ErrNoSuchRevision, version, it.rec.ID)
}

// PurgeRevisions removes the snapshot with the given version and, if
// includeOlder is set, all older ones. The loaded history is invalidated,
// forcing a reload on next use.
func (it *Item) PurgeRevisions(txn *Txn, version int, includeOlder bool) error {
	if err := txn.require(it, RightWrite); err != nil {
		return err
	}
	if err := it.loadRevisions(txn); err != nil {
		return err
	}
	var victims []Revision
	for _, rev := range it.revisions {
		if rev.Version == version || includeOlder && rev.Version < version {
			victims = append(victims, rev)
		}
	}
	if len(victims) == 0 {
		return fmt.Errorf("%w: version %d of item %d", ErrNoSuchRevision, version, it.rec.ID)
	}
	if !includeOlder && len(victims) < len(it.revisions) && victims[0].Version != it.revisions[0].Version {
		// Dropping a snapshot from the middle: its blob may still be shared
		// with an older neighbour, only unreferenced locators are removed.
		for i, rev := range it.revisions {
			if rev.Version != version {
				continue
			}
			shared := rev.Locator == "" || i > 0 && it.revisions[i-1].ModContent == rev.ModContent
			if err := txn.tx.Delete(&Revision{ID: rev.ID}); err != nil {
				return fmt.Errorf("deleting revision: %w", err)
			}
			if err := txn.addMailboxCounts(-rev.Size, 0); err != nil {
				return err
			}
			if !shared && rev.ModContent < it.rec.ModContent && (i+1 >= len(it.revisions) || it.revisions[i+1].ModContent > rev.ModContent) {
				txn.action(ActionRemoveBlob{Locator: rev.Locator})
			}
			metrics.RevisionPurgeInc()
		}
	} else {
		if err := it.purge(txn, victims); err != nil {
			return err
		}
	}

	it.revisions = nil
	it.haveRevs = false
	remain, err := bstore.QueryTx[Revision](txn.tx).FilterNonzero(Revision{ItemID: it.rec.ID}).Exists()
	if err != nil {
		return fmt.Errorf("checking remaining revisions: %w", err)
	}
	if !remain && it.rec.Flags&FVersioned != 0 {
		if err := it.AlterSystemFlag(txn, FVersioned, false); err != nil {
			return err
		}
	}
	if err := it.metadataChanged(txn); err != nil {
		return err
	}
	if err := it.save(txn); err != nil {
		return err
	}
	txn.Change(ChangeItemModified{ID: it.rec.ID, ModSeq: it.rec.ModMetadata})
	return nil
}
