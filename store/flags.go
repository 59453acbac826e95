package store

import (
	"strings"
)

// Flags is the bitmask of flags on an item. At most 31 bits are used, the
// persisted column is a signed 32-bit value.
type Flags uint32

const (
	FFromMe       Flags = 1 << 0
	FAttached     Flags = 1 << 1
	FReplied      Flags = 1 << 2
	FForwarded    Flags = 1 << 3
	FCopied       Flags = 1 << 4 // Shares its index entry with a copy.
	FFlagged      Flags = 1 << 5
	FHighPriority Flags = 1 << 6
	FLowPriority  Flags = 1 << 7
	FDraft        Flags = 1 << 8
	FDeleted      Flags = 1 << 9 // IMAP-style soft delete marker.
	FNotified     Flags = 1 << 10
	FSubscribed   Flags = 1 << 11
	FChecked      Flags = 1 << 12
	FNoInherit    Flags = 1 << 13
	FInvite       Flags = 1 << 14
	FMuted        Flags = 1 << 15
	FVersioned    Flags = 1 << 16 // Item has stored revisions.
	FArchived     Flags = 1 << 17
	FUncached     Flags = 1 << 18 // Memory-only: snapshot not registered in the cache.
)

// FlagsAll is the mask of all defined flags.
const FlagsAll = FFromMe | FAttached | FReplied | FForwarded | FCopied | FFlagged |
	FHighPriority | FLowPriority | FDraft | FDeleted | FNotified | FSubscribed |
	FChecked | FNoInherit | FInvite | FMuted | FVersioned | FArchived | FUncached

// FlagsSystem are set and cleared only by the store itself, never through the
// general tagging path.
const FlagsSystem = FFromMe | FAttached | FCopied | FDraft | FInvite | FVersioned | FUncached

// FlagsMemoryOnly are never persisted.
const FlagsMemoryOnly = FUncached

var flagNames = []struct {
	bit  Flags
	name string
}{
	{FFromMe, `\FromMe`},
	{FAttached, `\Attached`},
	{FReplied, `\Answered`},
	{FForwarded, `\Forwarded`},
	{FCopied, `\Copied`},
	{FFlagged, `\Flagged`},
	{FHighPriority, `\Urgent`},
	{FLowPriority, `\Bulk`},
	{FDraft, `\Draft`},
	{FDeleted, `\Deleted`},
	{FNotified, `\Notified`},
	{FSubscribed, `\Subscribed`},
	{FChecked, `\Checked`},
	{FNoInherit, `\NoInherit`},
	{FInvite, `\Invite`},
	{FMuted, `\Muted`},
	{FVersioned, `\Versioned`},
	{FArchived, `\Archived`},
	{FUncached, `\Uncached`},
}

// String formats the set bits as backslash-prefixed names, for logging.
func (f Flags) String() string {
	if f == 0 {
		return ""
	}
	var b strings.Builder
	for _, fn := range flagNames {
		if f&fn.bit != 0 {
			b.WriteString(fn.name)
		}
	}
	return b.String()
}

// Set returns f with the bits in mask set to the corresponding bits of v.
func (f Flags) Set(mask, v Flags) Flags {
	return (f &^ mask) | (v & mask)
}

// bits returns the individual set bits, lowest first.
func (f Flags) bits() []Flags {
	var l []Flags
	for bit := Flags(1); bit != 0 && bit <= f; bit <<= 1 {
		if f&bit != 0 {
			l = append(l, bit)
		}
	}
	return l
}

// canFlag returns whether flag may be set on items of kind k. The deleted and
// versioned markers follow taggability, draft and message-centric flags are
// limited to message-like kinds.
func canFlag(flag Flags, k Kind) bool {
	switch flag {
	case FDraft, FReplied, FForwarded, FNotified, FFromMe, FMuted:
		return k == KindMessage || k == KindChat || k == KindConversation || k == KindVirtualConv
	case FSubscribed:
		return k == KindFolder || k == KindSearchFolder || k == KindMountpoint
	case FVersioned:
		return k.Mutable()
	default:
		return k.Taggable() || !k.IsLeaf()
	}
}
