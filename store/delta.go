package store

import (
	"encoding/binary"
	"fmt"
)

// Delta codec: a minimal copy/insert instruction stream satisfying the
// external delta-codec contract (encode(src,target)
// -> patch, apply(src,patch) -> target). It is not a production VCS delta
// format; it only needs apply(encode(a,b), a) == b to hold, and to favor
// shorter output than a raw copy when the inputs share long runs, per the
// send engine's "never picks a longer form" tie-break.
//
// Patch format: a sequence of instructions, each one byte:
//   0x00 <varint len> <len bytes>         insert literal bytes
//   0x01 <varint off> <varint len>        copy len bytes from src at off
// terminated by end of patch bytes.

const (
	opInsert byte = 0x00
	opCopy   byte = 0x01
)

// DeltaEncode produces a patch transforming basis into target. It uses a
// simple longest-common-prefix / longest-common-suffix split, which is
// enough to make small edits (the common case this protocol optimizes
// for: successive revisions of a file) shorter than the raw target.
func DeltaEncode(basis, target []byte) []byte {
	prefix := commonPrefix(basis, target)
	suffix := commonSuffix(basis[prefix:], target[prefix:])

	midTargetStart := prefix
	midTargetEnd := len(target) - suffix

	var buf []byte
	if prefix > 0 {
		buf = appendCopy(buf, 0, uint64(prefix))
	}
	if midTargetEnd > midTargetStart {
		buf = appendInsert(buf, target[midTargetStart:midTargetEnd])
	}
	if suffix > 0 {
		buf = appendCopy(buf, uint64(len(basis)-suffix), uint64(suffix))
	}
	return buf
}

// DeltaApply replays patch against basis to reconstruct the target bytes.
func DeltaApply(basis, patch []byte) ([]byte, error) {
	var out []byte
	i := 0
	for i < len(patch) {
		op := patch[i]
		i++
		switch op {
		case opInsert:
			n, adv, err := readUvarint(patch[i:])
			if err != nil {
				return nil, fmt.Errorf("store: delta insert length: %w", err)
			}
			i += adv
			if i+int(n) > len(patch) {
				return nil, fmt.Errorf("store: delta insert overruns patch")
			}
			out = append(out, patch[i:i+int(n)]...)
			i += int(n)
		case opCopy:
			off, adv, err := readUvarint(patch[i:])
			if err != nil {
				return nil, fmt.Errorf("store: delta copy offset: %w", err)
			}
			i += adv
			n, adv, err := readUvarint(patch[i:])
			if err != nil {
				return nil, fmt.Errorf("store: delta copy length: %w", err)
			}
			i += adv
			if off+n > uint64(len(basis)) {
				return nil, fmt.Errorf("store: delta copy out of basis bounds")
			}
			out = append(out, basis[off:off+n]...)
		default:
			return nil, fmt.Errorf("store: unknown delta opcode %#x", op)
		}
	}
	return out, nil
}

func appendInsert(buf []byte, data []byte) []byte {
	buf = append(buf, opInsert)
	buf = appendUvarint(buf, uint64(len(data)))
	return append(buf, data...)
}

func appendCopy(buf []byte, off, n uint64) []byte {
	buf = append(buf, opCopy)
	buf = appendUvarint(buf, off)
	return appendUvarint(buf, n)
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func readUvarint(b []byte) (uint64, int, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, 0, fmt.Errorf("malformed varint")
	}
	return v, n, nil
}

func commonPrefix(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func commonSuffix(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[len(a)-1-i] == b[len(b)-1-i] {
		i++
	}
	return i
}
