package store

import (
	"fmt"
	"strings"

	"github.com/mjl-/bstore"
	"golang.org/x/exp/slices"
)

// SortKey selects the total order used when listing items.
type SortKey int

const (
	SortID SortKey = iota
	SortDate
	SortSize
	SortSubject
	SortModSeq
	SortSyncID
	SortName // Natural order: runs of digits compare numerically.
)

// CompareItems orders two items by the given key, ascending, with the id as
// tiebreaker so every order is total.
func CompareItems(a, b *Item, key SortKey) int {
	var c int
	switch key {
	case SortDate:
		c = a.rec.Date.Compare(b.rec.Date)
	case SortSize:
		c = cmpInt64(a.rec.Size, b.rec.Size)
	case SortSubject:
		c = strings.Compare(strings.ToLower(a.rec.Subject), strings.ToLower(b.rec.Subject))
	case SortModSeq:
		c = cmpInt64(int64(a.rec.ModMetadata), int64(b.rec.ModMetadata))
	case SortSyncID:
		c = cmpInt64(a.rec.SyncID, b.rec.SyncID)
	case SortName:
		c = CompareNatural(a.rec.Name, b.rec.Name)
	}
	if c != 0 {
		return c
	}
	return cmpInt64(a.rec.ID, b.rec.ID)
}

// SortItems sorts items by the given key. The sort is stable, and reversal
// still breaks ties by ascending id through the embedded tiebreaker.
func SortItems(items []*Item, key SortKey, ascending bool) {
	slices.SortStableFunc(items, func(a, b *Item) int {
		c := CompareItems(a, b, key)
		if !ascending {
			c = -c
		}
		return c
	})
}

func cmpInt64(a, b int64) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}

// CompareNatural compares names so that embedded numbers order numerically:
// "doc2" sorts before "doc10". Case is ignored for the letter runs. Equal
// numeric values with different widths ("07" vs "7") fall back to the shorter
// run first, keeping the order total.
func CompareNatural(a, b string) int {
	for a != "" && b != "" {
		da, db := leadingDigits(a), leadingDigits(b)
		if da > 0 && db > 0 {
			na, nb := strings.TrimLeft(a[:da], "0"), strings.TrimLeft(b[:db], "0")
			if len(na) != len(nb) {
				return cmpLen(na, nb)
			}
			if c := strings.Compare(na, nb); c != 0 {
				return c
			}
			if da != db {
				return cmpLen(a[:da], b[:db])
			}
			a, b = a[da:], b[db:]
			continue
		}
		if da > 0 || db > 0 {
			// Digits order before letters.
			if da > 0 {
				return -1
			}
			return 1
		}
		ca, cb := lowerByte(a[0]), lowerByte(b[0])
		if ca != cb {
			if ca < cb {
				return -1
			}
			return 1
		}
		a, b = a[1:], b[1:]
	}
	return cmpLen(a, b)
}

func leadingDigits(s string) int {
	n := 0
	for n < len(s) && s[n] >= '0' && s[n] <= '9' {
		n++
	}
	return n
}

func cmpLen(a, b string) int {
	if len(a) < len(b) {
		return -1
	} else if len(a) > len(b) {
		return 1
	}
	return 0
}

func lowerByte(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}

// ItemsInFolder lists the items of a folder in the given order.
func (txn *Txn) ItemsInFolder(folderID int64, key SortKey, ascending bool) ([]*Item, error) {
	if _, err := txn.Folder(folderID); err != nil {
		return nil, err
	}
	recs, err := bstore.QueryTx[ItemRecord](txn.tx).FilterNonzero(ItemRecord{FolderID: folderID}).List()
	if err != nil {
		return nil, fmt.Errorf("listing folder %d: %w", folderID, err)
	}
	items := make([]*Item, 0, len(recs))
	for _, rec := range recs {
		it, err := txn.Item(rec.ID, KindUnknown)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	SortItems(items, key, ascending)
	return items, nil
}
