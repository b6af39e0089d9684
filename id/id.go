// Package id defines TypeID-based identifiers for Tithe records.
//
// Accruals, collections, donations, yield reports and policy changes are
// append-only records; each carries an ID whose prefix names the record kind.
// IDs are K-sortable (UUIDv7-based) and render as "prefix_suffix".
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the record kind encoded in a TypeID.
type Prefix string

// Prefix constants for all Tithe record kinds.
const (
	PrefixAccrual    Prefix = "acr" // Fee skimmed from a trade
	PrefixCollection Prefix = "col" // Settled fee forwarded to the sink
	PrefixDonation   Prefix = "don" // Vault deposit credited to the donation address
	PrefixYield      Prefix = "yld" // Strategy profit report
	PrefixChange     Prefix = "chg" // Governance change
)

// ID is the identifier type for all Tithe records.
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates a new ID with the given prefix.
// It panics if prefix is not a valid TypeID prefix.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return ID{inner: tid, valid: true}
}

// Parse parses a TypeID string such as "acr_01h2xcejqtf2nbrexx3vqjhp41".
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses s and checks that its prefix is expected.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}
	return parsed, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}
	return parsed
}

// AccrualID identifies an accrual record (prefix: "acr").
type AccrualID = ID

// CollectionID identifies a collection record (prefix: "col").
type CollectionID = ID

// DonationID identifies a donation record (prefix: "don").
type DonationID = ID

// YieldID identifies a yield report (prefix: "yld").
type YieldID = ID

// ChangeID identifies a policy change (prefix: "chg").
type ChangeID = ID

// NewAccrualID generates a new accrual record ID.
func NewAccrualID() ID { return New(PrefixAccrual) }

// NewCollectionID generates a new collection record ID.
func NewCollectionID() ID { return New(PrefixCollection) }

// NewDonationID generates a new donation record ID.
func NewDonationID() ID { return New(PrefixDonation) }

// NewYieldID generates a new yield report ID.
func NewYieldID() ID { return New(PrefixYield) }

// NewChangeID generates a new policy change ID.
func NewChangeID() ID { return New(PrefixChange) }

// ParseAccrualID parses s and validates the "acr" prefix.
func ParseAccrualID(s string) (ID, error) { return ParseWithPrefix(s, PrefixAccrual) }

// ParseCollectionID parses s and validates the "col" prefix.
func ParseCollectionID(s string) (ID, error) { return ParseWithPrefix(s, PrefixCollection) }

// ParseDonationID parses s and validates the "don" prefix.
func ParseDonationID(s string) (ID, error) { return ParseWithPrefix(s, PrefixDonation) }

// ParseYieldID parses s and validates the "yld" prefix.
func ParseYieldID(s string) (ID, error) { return ParseWithPrefix(s, PrefixYield) }

// ParseChangeID parses s and validates the "chg" prefix.
func ParseChangeID(s string) (ID, error) { return ParseWithPrefix(s, PrefixChange) }

// String returns "prefix_suffix", or "" for Nil.
func (i ID) String() string {
	if !i.valid {
		return ""
	}
	return i.inner.String()
}

// Prefix returns the prefix component of this ID.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}
	return Prefix(i.inner.Prefix())
}

// IsNil reports whether this ID is the zero value.
func (i ID) IsNil() bool {
	return !i.valid
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}
	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Value implements driver.Valuer. Nil is stored as NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}
	return i.inner.String(), nil
}

// Scan implements sql.Scanner.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		return i.UnmarshalText([]byte(v))
	case []byte:
		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
