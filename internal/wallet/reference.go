package wallet

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// Reference prefixes, one per transaction origin
const (
	PrefixDeposit    = "DEP"
	PrefixWithdrawal = "WDR"
	PrefixEscrow     = "ESC"
	PrefixFee        = "FEE"
	PrefixRelease    = "REL"
	PrefixRefund     = "RFD"
)

// NewReference returns a fresh PREFIX_<ULID> reference. ULIDs sort by
// creation time, which keeps references roughly ordered in listings.
func NewReference(prefix string) string {
	return prefix + "_" + ulid.Make().String()
}

// HasPrefix reports whether reference was generated with prefix.
func HasPrefix(reference, prefix string) bool {
	return strings.HasPrefix(reference, prefix+"_")
}
