package domain

import "fmt"

// SchemaIdentity identifies the data-encoding rules negotiated with one connection.
// RegistryID is unique per connection, so two connections to the same runtime
// still produce different identities.
type SchemaIdentity struct {
	RegistryID         string `json:"registry_id" yaml:"registry_id"`
	GenesisHash        string `json:"genesis_hash" yaml:"genesis_hash"`
	SpecName           string `json:"spec_name" yaml:"spec_name"`
	SpecVersion        uint32 `json:"spec_version" yaml:"spec_version"`
	TransactionVersion uint32 `json:"transaction_version" yaml:"transaction_version"`
	MetadataHash       string `json:"metadata_hash" yaml:"metadata_hash"`
}

// Equal reports whether two identities come from the same negotiated registry.
func (s SchemaIdentity) Equal(other SchemaIdentity) bool {
	return s == other
}

// IsZero reports whether the identity was never negotiated.
func (s SchemaIdentity) IsZero() bool {
	return s == SchemaIdentity{}
}

// String returns a short human-readable form, e.g. "polkadot/1003000#1a2b3c4d".
func (s SchemaIdentity) String() string {
	if s.IsZero() {
		return "<none>"
	}
	reg := s.RegistryID
	if len(reg) > 8 {
		reg = reg[:8]
	}
	return fmt.Sprintf("%s/%d#%s", s.SpecName, s.SpecVersion, reg)
}

// SchemaBound is implemented by values constructed under a schema identity.
type SchemaBound interface {
	SchemaIdentity() SchemaIdentity
}
