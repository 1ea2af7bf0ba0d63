// Package insn implements a minimal x86-64 instruction length decoder.
// The differencing engine only ever needs instruction boundaries: a
// PC-relative relocation's effective addend depends on where the
// instruction containing it ends.
package insn

import (
	"errors"
	"fmt"
)

var errTruncated = errors.New("truncated instruction")

type cursor struct {
	code []byte
	pos  int
}

func (c *cursor) next() (byte, error) {
	if c.pos >= len(c.code) {
		return 0, errTruncated
	}
	b := c.code[c.pos]
	c.pos++
	return b, nil
}

func (c *cursor) skip(n int) error {
	if c.pos+n > len(c.code) {
		return errTruncated
	}
	c.pos += n
	return nil
}

// Length returns the encoded length of the instruction at the start of
// code.
func Length(code []byte) (int, error) {
	c := &cursor{code: code}

	opSize16 := false

	// legacy prefixes
	b, err := c.next()
	if err != nil {
		return 0, err
	}
	for isLegacyPrefix(b) {
		if b == 0x66 {
			opSize16 = true
		}
		if b, err = c.next(); err != nil {
			return 0, err
		}
	}

	// REX
	rexW := false
	if b&0xf0 == 0x40 {
		rexW = b&0x08 != 0
		if b, err = c.next(); err != nil {
			return 0, err
		}
	}

	// VEX encodes its opcode map in the prefix itself
	if b == 0xc5 || b == 0xc4 {
		return c.vex(b)
	}

	immz := 4
	if opSize16 {
		immz = 2
	}

	var modrm bool
	var imm int

	switch {
	case b == 0x0f:
		if b, err = c.next(); err != nil {
			return 0, err
		}
		switch b {
		case 0x38:
			// three byte map: modrm, no immediate
			if _, err = c.next(); err != nil {
				return 0, err
			}
			modrm = true
		case 0x3a:
			// three byte map: modrm + imm8
			if _, err = c.next(); err != nil {
				return 0, err
			}
			modrm, imm = true, 1
		default:
			modrm, imm = twoByteOpcode(b, immz)
		}
	default:
		modrm, imm, err = oneByteOpcode(c, b, immz, rexW)
		if err != nil {
			return 0, err
		}
	}

	if modrm {
		if err = c.modrm(); err != nil {
			return 0, err
		}
	}
	if err = c.skip(imm); err != nil {
		return 0, err
	}

	return c.pos, nil
}

// NextBoundary decodes code from its beginning and returns the offset
// of the first instruction boundary strictly beyond pos.
func NextBoundary(code []byte, pos uint64) (uint64, error) {
	offset := uint64(0)
	for offset < uint64(len(code)) {
		length, err := Length(code[offset:])
		if err != nil {
			return 0, fmt.Errorf("decode at offset %#x: %w", offset, err)
		}
		offset += uint64(length)
		if offset > pos {
			return offset, nil
		}
	}

	return 0, fmt.Errorf("no instruction covers offset %#x", pos)
}

func isLegacyPrefix(b byte) bool {
	switch b {
	case 0xf0, 0xf2, 0xf3, // lock, repne, rep
		0x2e, 0x36, 0x3e, 0x26, 0x64, 0x65, // segment overrides
		0x66, 0x67: // operand/address size
		return true
	}
	return false
}

func (c *cursor) vex(prefix byte) (int, error) {
	imm := 0

	if prefix == 0xc4 {
		b, err := c.next()
		if err != nil {
			return 0, err
		}
		if b&0x1f == 3 {
			// map 0F 3A always carries imm8
			imm = 1
		}
	}
	// final VEX payload byte, then opcode
	if err := c.skip(1); err != nil {
		return 0, err
	}
	if _, err := c.next(); err != nil {
		return 0, err
	}
	if err := c.modrm(); err != nil {
		return 0, err
	}
	if err := c.skip(imm); err != nil {
		return 0, err
	}

	return c.pos, nil
}

// modrm consumes the ModRM byte and whatever SIB/displacement it
// implies.
func (c *cursor) modrm() error {
	b, err := c.next()
	if err != nil {
		return err
	}

	mod := b >> 6
	rm := b & 7

	if mod == 3 {
		return nil
	}

	disp := 0
	if rm == 4 {
		sib, err := c.next()
		if err != nil {
			return err
		}
		if sib&7 == 5 && mod == 0 {
			disp = 4
		}
	}

	switch {
	case mod == 1:
		disp = 1
	case mod == 2:
		disp = 4
	case mod == 0 && rm == 5:
		// RIP-relative
		disp = 4
	}

	return c.skip(disp)
}

// oneByteOpcode reports whether the opcode takes a ModRM byte and how
// many immediate bytes follow.
func oneByteOpcode(c *cursor, op byte, immz int, rexW bool) (bool, int, error) {
	// the classic ALU block: 00-3F minus the prefix rows already eaten
	if op < 0x40 && op&7 <= 5 {
		switch op & 7 {
		case 4:
			return false, 1, nil // op AL, imm8
		case 5:
			return false, immz, nil // op eAX, immz
		default:
			return true, 0, nil
		}
	}

	switch {
	case op >= 0x50 && op <= 0x5f: // push/pop reg
		return false, 0, nil
	case op == 0x63: // movsxd
		return true, 0, nil
	case op == 0x68: // push immz
		return false, immz, nil
	case op == 0x69: // imul r, r/m, immz
		return true, immz, nil
	case op == 0x6a: // push imm8
		return false, 1, nil
	case op == 0x6b: // imul r, r/m, imm8
		return true, 1, nil
	case op >= 0x70 && op <= 0x7f: // jcc rel8
		return false, 1, nil
	case op == 0x80: // group1 r/m8, imm8
		return true, 1, nil
	case op == 0x81: // group1 r/m, immz
		return true, immz, nil
	case op == 0x83: // group1 r/m, imm8
		return true, 1, nil
	case op >= 0x84 && op <= 0x8f: // test/xchg/mov/lea/pop
		return true, 0, nil
	case op >= 0x90 && op <= 0x99: // nop/xchg/cwde/cdq
		return false, 0, nil
	case op >= 0x9b && op <= 0x9f: // fwait/pushf/popf/sahf/lahf
		return false, 0, nil
	case op >= 0xa0 && op <= 0xa3: // mov moffs (64-bit offset)
		return false, 8, nil
	case op >= 0xa4 && op <= 0xa7: // movs/cmps
		return false, 0, nil
	case op == 0xa8: // test al, imm8
		return false, 1, nil
	case op == 0xa9: // test eax, immz
		return false, immz, nil
	case op >= 0xaa && op <= 0xaf: // stos/lods/scas
		return false, 0, nil
	case op >= 0xb0 && op <= 0xb7: // mov r8, imm8
		return false, 1, nil
	case op >= 0xb8 && op <= 0xbf: // mov r, immv
		if rexW {
			return false, 8, nil
		}
		return false, immz, nil
	case op == 0xc0 || op == 0xc1: // shift r/m, imm8
		return true, 1, nil
	case op == 0xc2: // ret imm16
		return false, 2, nil
	case op == 0xc3: // ret
		return false, 0, nil
	case op == 0xc6: // mov r/m8, imm8
		return true, 1, nil
	case op == 0xc7: // mov r/m, immz
		return true, immz, nil
	case op == 0xc8: // enter imm16, imm8
		return false, 3, nil
	case op == 0xc9: // leave
		return false, 0, nil
	case op == 0xca: // retf imm16
		return false, 2, nil
	case op == 0xcb || op == 0xcc || op == 0xce || op == 0xcf:
		return false, 0, nil
	case op == 0xcd: // int imm8
		return false, 1, nil
	case op >= 0xd0 && op <= 0xd3: // shift r/m, 1/cl
		return true, 0, nil
	case op == 0xd7: // xlat
		return false, 0, nil
	case op >= 0xd8 && op <= 0xdf: // x87
		return true, 0, nil
	case op >= 0xe0 && op <= 0xe7: // loop/jcxz/in/out imm8
		return false, 1, nil
	case op == 0xe8 || op == 0xe9: // call/jmp rel32
		return false, 4, nil
	case op == 0xeb: // jmp rel8
		return false, 1, nil
	case op >= 0xec && op <= 0xef: // in/out dx
		return false, 0, nil
	case op == 0xf1 || op == 0xf4 || op == 0xf5: // int1/hlt/cmc
		return false, 0, nil
	case op == 0xf6 || op == 0xf7: // group3
		// test takes an immediate, the rest of the group does not
		if c.pos >= len(c.code) {
			return false, 0, errTruncated
		}
		reg := c.code[c.pos] >> 3 & 7
		imm := 0
		if reg == 0 || reg == 1 {
			if op == 0xf6 {
				imm = 1
			} else {
				imm = immz
			}
		}
		return true, imm, nil
	case op >= 0xf8 && op <= 0xfd: // clc..std
		return false, 0, nil
	case op == 0xfe || op == 0xff: // group4/5
		return true, 0, nil
	}

	return false, 0, fmt.Errorf("unsupported opcode %#02x", op)
}

func twoByteOpcode(op byte, immz int) (bool, int) {
	switch {
	case op == 0x05 || op == 0x06 || op == 0x07 || op == 0x08 ||
		op == 0x09 || op == 0x0b || op == 0x0e: // syscall/clts/ud2/...
		return false, 0
	case op >= 0x30 && op <= 0x37: // wrmsr/rdtsc/rdmsr/...
		return false, 0
	case op == 0x77: // emms
		return false, 0
	case op >= 0x70 && op <= 0x73: // pshuf/group12-14 imm8
		return true, 1
	case op >= 0x80 && op <= 0x8f: // jcc rel32
		return false, immz
	case op == 0xa0 || op == 0xa1 || op == 0xa8 || op == 0xa9: // push/pop fs/gs
		return false, 0
	case op == 0xaa: // rsm
		return false, 0
	case op == 0xa4 || op == 0xac: // shld/shrd imm8
		return true, 1
	case op == 0xba: // group8 bt imm8
		return true, 1
	case op == 0xc2 || op == 0xc4 || op == 0xc5 || op == 0xc6: // cmpps/pinsrw/... imm8
		return true, 1
	case op >= 0xc8 && op <= 0xcf: // bswap
		return false, 0
	}

	// everything else in the 0F map takes a ModRM and no immediate
	return true, 0
}
