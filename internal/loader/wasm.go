package loader

import (
	"bytes"
	"errors"
	"fmt"
)

// Interface is the link surface of a WebAssembly binary
type Interface struct {
	// Modules the binary imports from, in first-use order
	ImportModules []string

	// Exported names in declaration order
	Exports []string
}

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

const (
	sectionImport = 2
	sectionExport = 7
)

// Import descriptor kinds
const (
	externFunc   = 0x00
	externTable  = 0x01
	externMemory = 0x02
	externGlobal = 0x03
	externTag    = 0x04
)

// ReadInterface lists the import modules and exports of a WebAssembly binary.
// Only the import and export sections are decoded.
func ReadInterface(data []byte) (*Interface, error) {
	if len(data) < 8 || !bytes.Equal(data[:4], wasmMagic) {
		return nil, errors.New("not a WebAssembly binary")
	}

	r := &wasmReader{buf: data, pos: 8}
	iface := &Interface{}
	seen := make(map[string]struct{})

	for !r.done() {
		id, err := r.byte()
		if err != nil {
			return nil, err
		}

		size, err := r.u32()
		if err != nil {
			return nil, err
		}

		body, err := r.bytes(int(size))
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", id, err)
		}

		sr := &wasmReader{buf: body}

		switch id {
		case sectionImport:
			if err := readImports(sr, iface, seen); err != nil {
				return nil, fmt.Errorf("import section: %w", err)
			}
		case sectionExport:
			if err := readExports(sr, iface); err != nil {
				return nil, fmt.Errorf("export section: %w", err)
			}
		}
	}

	return iface, nil
}

func readImports(r *wasmReader, iface *Interface, seen map[string]struct{}) error {
	n, err := r.u32()
	if err != nil {
		return err
	}

	for i := uint32(0); i < n; i++ {
		module, err := r.name()
		if err != nil {
			return err
		}
		if _, err := r.name(); err != nil {
			return err
		}

		kind, err := r.byte()
		if err != nil {
			return err
		}

		switch kind {
		case externFunc:
			_, err = r.u32()
		case externTable:
			if _, err = r.byte(); err == nil {
				err = r.limits()
			}
		case externMemory:
			err = r.limits()
		case externGlobal:
			_, err = r.bytes(2)
		case externTag:
			if _, err = r.byte(); err == nil {
				_, err = r.u32()
			}
		default:
			err = fmt.Errorf("unknown import kind 0x%02x", kind)
		}
		if err != nil {
			return err
		}

		if _, ok := seen[module]; !ok {
			seen[module] = struct{}{}
			iface.ImportModules = append(iface.ImportModules, module)
		}
	}

	return nil
}

func readExports(r *wasmReader, iface *Interface) error {
	n, err := r.u32()
	if err != nil {
		return err
	}

	for i := uint32(0); i < n; i++ {
		name, err := r.name()
		if err != nil {
			return err
		}
		if _, err := r.byte(); err != nil {
			return err
		}
		if _, err := r.u32(); err != nil {
			return err
		}

		iface.Exports = append(iface.Exports, name)
	}

	return nil
}

type wasmReader struct {
	buf []byte
	pos int
}

var errTruncated = errors.New("truncated WebAssembly binary")

func (r *wasmReader) done() bool {
	return r.pos >= len(r.buf)
}

func (r *wasmReader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, errTruncated
	}

	b := r.buf[r.pos]
	r.pos++

	return b, nil
}

func (r *wasmReader) bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, errTruncated
	}

	b := r.buf[r.pos : r.pos+n]
	r.pos += n

	return b, nil
}

// u32 decodes an unsigned LEB128 value
func (r *wasmReader) u32() (uint32, error) {
	var v uint32
	for shift := uint(0); shift < 35; shift += 7 {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}

		v |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
	}

	return 0, errors.New("malformed LEB128 integer")
}

func (r *wasmReader) name() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}

	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}

	return string(b), nil
}

// limits skips a table or memory limits descriptor
func (r *wasmReader) limits() error {
	flags, err := r.byte()
	if err != nil {
		return err
	}

	if _, err := r.u32(); err != nil {
		return err
	}

	if flags&0x01 != 0 {
		if _, err := r.u32(); err != nil {
			return err
		}
	}

	return nil
}
