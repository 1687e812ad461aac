package scale

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// metadataMagic is "meta" read as a little-endian u32.
const metadataMagic = 0x6174656d

// ErrUnsupportedMetadata is returned for metadata versions other than 14 and 15.
var ErrUnsupportedMetadata = errors.New("scale: unsupported metadata version")

// ModuleErrors names the module errors of one runtime, read from its metadata.
type ModuleErrors struct {
	pallets map[uint8]palletErrors
}

type palletErrors struct {
	name   string
	errors map[uint8]string
}

// Resolve returns "<Pallet>.<Error>" for a module error. It has the
// ModuleErrorResolver signature.
func (m *ModuleErrors) Resolve(index uint8, errorBytes [4]byte) (string, bool) {
	if m == nil {
		return "", false
	}
	p, ok := m.pallets[index]
	if !ok {
		return "", false
	}
	name, ok := p.errors[errorBytes[0]]
	if !ok {
		return "", false
	}
	return p.name + "." + name, true
}

// Pallets returns the number of pallets that declare errors.
func (m *ModuleErrors) Pallets() int {
	if m == nil {
		return 0
	}
	return len(m.pallets)
}

// DecodeModuleErrors reads pallet names and their error variants from
// RuntimeMetadataPrefixed (V14 or V15). Decoding stops after the pallet list.
func DecodeModuleErrors(metadata []byte) (*ModuleErrors, error) {
	d := &decoder{data: metadata}
	if magic := d.u32(); d.err == nil && magic != metadataMagic {
		return nil, fmt.Errorf("scale: metadata magic 0x%08x", magic)
	}
	version := d.byte()
	if d.err != nil {
		return nil, d.err
	}
	if version != 14 && version != 15 {
		return nil, fmt.Errorf("%w: v%d", ErrUnsupportedMetadata, version)
	}

	variants := d.typeRegistry()
	out := &ModuleErrors{pallets: make(map[uint8]palletErrors)}
	for n := d.compact(); n > 0 && d.err == nil; n-- {
		name := d.str()
		d.storage()
		d.optionalType() // calls
		d.optionalType() // events
		d.constants()
		errorType, hasErrors := d.optionalType()
		index := d.byte()
		if version == 15 {
			d.strings()
		}
		if !hasErrors || d.err != nil {
			continue
		}
		out.pallets[index] = palletErrors{name: name, errors: variants[errorType]}
	}
	if d.err != nil {
		return nil, fmt.Errorf("scale: decode metadata: %w", d.err)
	}
	return out, nil
}

// decoder reads SCALE values in order and keeps the first error.
type decoder struct {
	data []byte
	off  int
	err  error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.off+n > len(d.data) {
		d.err = ErrShortInput
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) byte() byte {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) compact() uint64 {
	if d.err != nil {
		return 0
	}
	v, n, err := DecodeCompact(d.data[d.off:])
	if err != nil {
		d.err = err
		return 0
	}
	d.off += n
	return v
}

func (d *decoder) bytes() []byte {
	n := d.compact()
	if n > uint64(len(d.data)) {
		d.err = ErrShortInput
		return nil
	}
	return d.take(int(n))
}

func (d *decoder) str() string {
	return string(d.bytes())
}

func (d *decoder) strings() {
	for n := d.compact(); n > 0 && d.err == nil; n-- {
		d.bytes()
	}
}

func (d *decoder) option() bool {
	switch d.byte() {
	case 0:
		return false
	case 1:
		return true
	}
	if d.err == nil {
		d.err = errors.New("invalid option tag")
	}
	return false
}

func (d *decoder) optionalType() (uint64, bool) {
	if !d.option() {
		return 0, false
	}
	return d.compact(), true
}

// typeRegistry reads the portable type registry and returns the variant
// names of every enum type, keyed by type id and variant index.
func (d *decoder) typeRegistry() map[uint64]map[uint8]string {
	variants := make(map[uint64]map[uint8]string)
	for n := d.compact(); n > 0 && d.err == nil; n-- {
		id := d.compact()
		d.strings() // path
		for params := d.compact(); params > 0 && d.err == nil; params-- {
			d.bytes()
			d.optionalType()
		}
		if names := d.typeDef(); names != nil {
			variants[id] = names
		}
		d.strings() // docs
	}
	return variants
}

func (d *decoder) typeDef() map[uint8]string {
	switch tag := d.byte(); tag {
	case 0: // composite
		d.fields()
	case 1: // variant
		names := make(map[uint8]string)
		for n := d.compact(); n > 0 && d.err == nil; n-- {
			name := d.str()
			d.fields()
			names[d.byte()] = name
			d.strings()
		}
		return names
	case 2, 6: // sequence, compact
		d.compact()
	case 3: // array
		d.u32()
		d.compact()
	case 4: // tuple
		for n := d.compact(); n > 0 && d.err == nil; n-- {
			d.compact()
		}
	case 5: // primitive
		d.byte()
	case 7: // bit sequence
		d.compact()
		d.compact()
	default:
		if d.err == nil {
			d.err = fmt.Errorf("unknown type definition %d", tag)
		}
	}
	return nil
}

func (d *decoder) fields() {
	for n := d.compact(); n > 0 && d.err == nil; n-- {
		if d.option() {
			d.bytes() // name
		}
		d.compact()
		if d.option() {
			d.bytes() // type name
		}
		d.strings()
	}
}

func (d *decoder) storage() {
	if !d.option() {
		return
	}
	d.bytes() // prefix
	for n := d.compact(); n > 0 && d.err == nil; n-- {
		d.bytes() // name
		d.byte()  // modifier
		switch tag := d.byte(); tag {
		case 0: // plain
			d.compact()
		case 1: // map
			for h := d.compact(); h > 0 && d.err == nil; h-- {
				d.byte()
			}
			d.compact()
			d.compact()
		default:
			if d.err == nil {
				d.err = fmt.Errorf("unknown storage entry type %d", tag)
			}
		}
		d.bytes() // default
		d.strings()
	}
}

func (d *decoder) constants() {
	for n := d.compact(); n > 0 && d.err == nil; n-- {
		d.bytes() // name
		d.compact()
		d.bytes() // value
		d.strings()
	}
}
