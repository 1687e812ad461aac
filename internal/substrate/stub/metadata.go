package stub

import (
	"dotbot-exec/internal/scale"
)

// Pallet is one pallet of a stub runtime's metadata. Errors[i] gets
// variant index i.
type Pallet struct {
	Name   string
	Index  uint8
	Errors []string
}

// Metadata builds RuntimeMetadataPrefixed for a stub runtime. Only the type
// registry and the pallet list are encoded. Every pallet gets one storage
// map, one plain storage value and one constant.
type Metadata struct {
	Version uint8 // 14 or 15. Default: 14
	Pallets []Pallet
}

// Balances is the error list of a trimmed Balances pallet.
var Balances = Pallet{
	Name:   "Balances",
	Index:  5,
	Errors: []string{"VestingBalance", "LiquidityRestrictions", "InsufficientBalance", "ExistentialDeposit"},
}

const (
	typeU8      = 0
	typeAccount = 1
)

// Encode returns the SCALE encoding.
func (m Metadata) Encode() []byte {
	version := m.Version
	if version == 0 {
		version = 14
	}

	out := []byte("meta")
	out = append(out, version)

	errorTypes := make(map[int]uint64)
	types := [][]byte{
		// u8
		concat(compact(typeU8), vec(), vec(), []byte{5, 3}, vec()),
		// struct AccountData { free: u8 }
		concat(compact(typeAccount), vec(str("AccountData")), vec(), []byte{0},
			vec(field("free", typeU8, "u8")), vec()),
	}
	for i, p := range m.Pallets {
		if len(p.Errors) == 0 {
			continue
		}
		id := uint64(len(types))
		errorTypes[i] = id

		variants := make([][]byte, len(p.Errors))
		for j, name := range p.Errors {
			variants[j] = concat(str(name), vec(), []byte{byte(j)}, vec(str("error "+name)))
		}
		types = append(types, concat(
			compact(id),
			vec(str("pallet_"+p.Name), str("pallet"), str("Error")),
			vec(concat(str("T"), []byte{0})),
			[]byte{1}, vec(variants...),
			vec(str("The Error enum of this pallet.")),
		))
	}
	out = append(out, vec(types...)...)

	pallets := make([][]byte, len(m.Pallets))
	for i, p := range m.Pallets {
		storage := concat([]byte{1}, str(p.Name), vec(
			// Account: map Blake2_128Concat u8 => AccountData
			concat(str("Account"), []byte{1}, []byte{1}, vec([]byte{2}), compact(typeU8), compact(typeAccount), str("\x00"), vec()),
			// Total: plain u8
			concat(str("Total"), []byte{0}, []byte{0}, compact(typeU8), str(""), vec(str("total"))),
		))
		errorsField := []byte{0}
		if id, ok := errorTypes[i]; ok {
			errorsField = concat([]byte{1}, compact(id))
		}
		pallet := concat(
			str(p.Name),
			storage,
			[]byte{0}, // calls
			[]byte{0}, // events
			vec(concat(str("MaxLocks"), compact(typeU8), str("\x32"), vec())),
			errorsField,
			[]byte{p.Index},
		)
		if version >= 15 {
			pallet = append(pallet, vec(str(p.Name+" pallet"))...)
		}
		pallets[i] = pallet
	}
	return append(out, vec(pallets...)...)
}

func field(name string, ty uint64, typeName string) []byte {
	return concat([]byte{1}, str(name), compact(ty), []byte{1}, str(typeName), vec())
}

func compact(v uint64) []byte { return scale.EncodeCompact(v) }

func str(s string) []byte { return scale.EncodeBytes([]byte(s)) }

func vec(items ...[]byte) []byte {
	return concat(append([][]byte{compact(uint64(len(items)))}, items...)...)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
