package store

import (
	"testing"
)

func TestCompareNatural(t *testing.T) {
	// Expected ascending order; every pair must agree with it.
	ordered := []string{
		"",
		"7",
		"07",
		"10",
		"doc2",
		"doc7",
		"doc07",
		"doc10",
		"doc10a",
		"doc10b",
		"Doc11",
		"report 2 final",
		"report 11 draft",
		"zeta",
	}
	for i, a := range ordered {
		if c := CompareNatural(a, a); c != 0 {
			t.Fatalf("CompareNatural(%q, %q) = %d, expected 0", a, a, c)
		}
		for _, b := range ordered[i+1:] {
			if c := CompareNatural(a, b); c >= 0 {
				t.Fatalf("CompareNatural(%q, %q) = %d, expected < 0", a, b, c)
			}
			if c := CompareNatural(b, a); c <= 0 {
				t.Fatalf("CompareNatural(%q, %q) = %d, expected > 0", b, a, c)
			}
		}
	}
}

func TestSortItems(t *testing.T) {
	mb := newTestMailbox(t, nil)
	inbox := tfolder(t, mb, "Inbox")

	names := []string{"doc10.txt", "doc2.txt", "doc1.txt"}
	for _, name := range names {
		twrite(t, mb, func(txn *Txn) error {
			_, err := txn.CreateItem(NewItem{Kind: KindDocument, FolderID: inbox, Name: name})
			return err
		})
	}

	twrite(t, mb, func(txn *Txn) error {
		items, err := txn.ItemsInFolder(inbox, SortName, true)
		tcheck(t, err, "list by name")
		var got []string
		for _, it := range items {
			got = append(got, it.Name())
		}
		tcompare(t, got, []string{"doc1.txt", "doc2.txt", "doc10.txt"})

		items, err = txn.ItemsInFolder(inbox, SortName, false)
		tcheck(t, err, "list by name descending")
		got = nil
		for _, it := range items {
			got = append(got, it.Name())
		}
		tcompare(t, got, []string{"doc10.txt", "doc2.txt", "doc1.txt"})

		// Creation order is id order.
		items, err = txn.ItemsInFolder(inbox, SortID, true)
		tcheck(t, err, "list by id")
		got = nil
		for _, it := range items {
			got = append(got, it.Name())
		}
		tcompare(t, got, names)
		return nil
	})
}
