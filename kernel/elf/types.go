// Package elf reads and relocates a 64-bit ELF executable into physical
// memory through a *paging.PageTables, per original_source/boot/elf64.cc
// and the type layouts in original_source/boot/elf64decl.h.
package elf

import (
	"encoding/binary"

	"ignition/kernel"
)

const ehdrSize = 64
const phdrSize = 56
const shdrSize = 64
const relaSize = 24

var elfMagic = [4]byte{0x7F, 'E', 'L', 'F'}

const (
	elfClass64  = 2
	elfData2LSB = 1
)

// ptType values (Elf64_Phdr.p_type).
const (
	ptLoad = 1
)

// pFlags bits (Elf64_Phdr.p_flags).
const (
	pfX = 1 << 0
	pfW = 1 << 1
	pfR = 1 << 2
)

// shType values (Elf64_Shdr.sh_type).
const (
	shtRela = 4
)

// rInfo relocation type for R_X86_64_RELATIVE: the only relocation kind
// this loader supports, matching spec.md §4.E step 7 ("only the implicit
// kernel-image relocation type is handled").
const rX86_64Relative = 8

var (
	// ErrBadElf is returned for a bad magic number, truncated header, or
	// any relocation type this loader does not implement.
	ErrBadElf = &kernel.Error{Module: "elf", Message: "bad or unsupported ELF image"}

	// ErrDiskRead is returned when a Pread from the firmware file
	// collaborator does not return the requested byte count.
	ErrDiskRead = &kernel.Error{Module: "elf", Message: "ELF image read error"}
)

type ehdr struct {
	entry  uint64
	phoff  uint64
	shoff  uint64
	phnum  uint16
	phsize uint16
	shnum  uint16
	shsize uint16
}

func parseEhdr(b []byte) (ehdr, *kernel.Error) {
	if len(b) < ehdrSize {
		return ehdr{}, ErrBadElf
	}
	if b[0] != elfMagic[0] || b[1] != elfMagic[1] || b[2] != elfMagic[2] || b[3] != elfMagic[3] {
		return ehdr{}, ErrBadElf
	}
	if b[4] != elfClass64 || b[5] != elfData2LSB {
		return ehdr{}, ErrBadElf
	}

	var h ehdr
	h.entry = binary.LittleEndian.Uint64(b[24:32])
	h.phoff = binary.LittleEndian.Uint64(b[32:40])
	h.shoff = binary.LittleEndian.Uint64(b[40:48])
	h.phsize = binary.LittleEndian.Uint16(b[54:56])
	h.phnum = binary.LittleEndian.Uint16(b[56:58])
	h.shsize = binary.LittleEndian.Uint16(b[58:60])
	h.shnum = binary.LittleEndian.Uint16(b[60:62])
	return h, nil
}

type phdr struct {
	pType  uint32
	flags  uint32
	offset uint64
	vaddr  uint64
	filesz uint64
	memsz  uint64
}

func parsePhdr(b []byte) phdr {
	return phdr{
		pType:  binary.LittleEndian.Uint32(b[0:4]),
		flags:  binary.LittleEndian.Uint32(b[4:8]),
		offset: binary.LittleEndian.Uint64(b[8:16]),
		vaddr:  binary.LittleEndian.Uint64(b[16:24]),
		filesz: binary.LittleEndian.Uint64(b[32:40]),
		memsz:  binary.LittleEndian.Uint64(b[40:48]),
	}
}

type shdr struct {
	shType uint32
	offset uint64
	size   uint64
}

func parseShdr(b []byte) shdr {
	return shdr{
		shType: binary.LittleEndian.Uint32(b[4:8]),
		offset: binary.LittleEndian.Uint64(b[24:32]),
		size:   binary.LittleEndian.Uint64(b[32:40]),
	}
}

type rela struct {
	offset uint64
	info   uint64
	addend int64
}

func parseRela(b []byte) rela {
	return rela{
		offset: binary.LittleEndian.Uint64(b[0:8]),
		info:   binary.LittleEndian.Uint64(b[8:16]),
		addend: int64(binary.LittleEndian.Uint64(b[16:24])),
	}
}

// relocType extracts the relocation type from Elf64_Rela.r_info (low 32
// bits), per the ELF64 ABI's ELF64_R_TYPE macro.
func relocType(info uint64) uint32 { return uint32(info) }
