package store

import (
	"testing"
)

func TestFlags(t *testing.T) {
	f := FFlagged | FDraft
	if s := f.String(); s != `\Flagged\Draft` {
		t.Fatalf("got %q", s)
	}
	if s := Flags(0).String(); s != "" {
		t.Fatalf("got %q for zero flags", s)
	}

	// Set replaces only the masked bits.
	f = f.Set(FDraft|FReplied, FReplied)
	if f != FFlagged|FReplied {
		t.Fatalf("got %v", f)
	}

	tcompare(t, (FFlagged | FDraft | FUncached).bits(), []Flags{FFlagged, FDraft, FUncached})

	if canFlag(FDraft, KindDocument) {
		t.Fatalf("draft flag allowed on document")
	}
	if !canFlag(FDraft, KindMessage) || !canFlag(FFlagged, KindDocument) {
		t.Fatalf("expected flag to be allowed")
	}
	if !canFlag(FSubscribed, KindFolder) || canFlag(FSubscribed, KindMessage) {
		t.Fatalf("subscribed flag applicability wrong")
	}
}

func TestModSeqClient(t *testing.T) {
	// The schema-creation modseq is internal, clients see 0.
	if v := ModSeq(1).Client(); v != 0 {
		t.Fatalf("got %d", v)
	}
	if v := ModSeq(2).Client(); v != 2 {
		t.Fatalf("got %d", v)
	}
}

func TestFolderPath(t *testing.T) {
	f := Folder{Name: "Active"}
	if p := f.Path(nil); p != "Active" {
		t.Fatalf("got %q", p)
	}
	if p := f.Path([]string{"Projects", "2026"}); p != "Projects/2026/Active" {
		t.Fatalf("got %q", p)
	}
}
