package tithe

import "github.com/xraph/tithe/id"

// ID is the identifier type for all Tithe records.
type ID = id.ID

// Prefix identifies the record kind encoded in a TypeID.
type Prefix = id.Prefix
