package store

import (
	"testing"
)

func TestParseKind(t *testing.T) {
	if k := ParseKind("message"); k != KindMessage {
		t.Fatalf("got %v", k)
	}
	if k := ParseKind(" Document "); k != KindDocument {
		t.Fatalf("got %v", k)
	}
	// Legacy synonym.
	if k := ParseKind("briefcase"); k != KindDocument {
		t.Fatalf("got %v", k)
	}
	if k := ParseKind("bogus"); k != KindUnknown {
		t.Fatalf("got %v", k)
	}
	if s := KindVirtualConv.String(); s != "virtualconversation" {
		t.Fatalf("got %q", s)
	}
	if s := Kind(200).String(); s != "unknown" {
		t.Fatalf("got %q", s)
	}
}

func TestAcceptableKind(t *testing.T) {
	ok := [][2]Kind{
		{KindUnknown, KindMessage},
		{KindMessage, KindMessage},
		{KindFolder, KindSearchFolder},
		{KindFolder, KindMountpoint},
		{KindTag, KindFlag},
		{KindConversation, KindVirtualConv},
		{KindDocument, KindWiki},
		{KindMessage, KindChat},
	}
	for _, p := range ok {
		if !AcceptableKind(p[0], p[1]) {
			t.Fatalf("%v should accept %v", p[0], p[1])
		}
	}
	bad := [][2]Kind{
		{KindMessage, KindDocument},
		{KindSearchFolder, KindFolder}, // Substitution is one-way.
		{KindChat, KindMessage},
		{KindMessage, KindUnknown},
	}
	for _, p := range bad {
		if AcceptableKind(p[0], p[1]) {
			t.Fatalf("%v should not accept %v", p[0], p[1])
		}
	}
}

func TestKindBitmask(t *testing.T) {
	mask := KindMessage.Bitmask() | KindConversation.Bitmask() | KindDocument.Bitmask()
	tcompare(t, KindsOfBitmask(mask), []Kind{KindConversation, KindMessage, KindDocument})
	if l := KindsOfBitmask(0); l != nil {
		t.Fatalf("got %v for empty mask", l)
	}
}
