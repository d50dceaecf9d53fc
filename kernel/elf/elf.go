package elf

import (
	"ignition/kernel"
	"ignition/kernel/cpu"
	"ignition/kernel/firmware"
	"ignition/kernel/mem"
	"ignition/kernel/paging"
)

// kernelBase is the canonical high-half kernel load address spec.md §4.E
// names explicitly.
const kernelBase = uint64(0xFFFFFFFF80000000)

// kernelHalf is the boundary above which a mapping is considered part of
// the kernel's address half, used to decide Global eligibility the same
// way original_source/boot/elf64.cc only globals pages above this split.
const kernelHalf = uint64(0xFFFF800000000000)

// maxChunk bounds a single IoVec entry; matches the single-page-sized
// read_buffer the original C++ loader streams through.
const maxChunk = uint64(mem.PageSize)

// ProgressReporter receives done/total byte counts as the loader streams
// segment contents, the Go-native replacement for elf64.cc's
// progress_bar_draw callback.
type ProgressReporter interface {
	Report(doneBytes, totalBytes uint64)
}

// ElfContext tracks progress across the per-segment loading steps,
// mirroring elf64_context_t (original_source/boot/elf64_abstract.h), pared
// to the fields spec.md's data model names.
type ElfContext struct {
	PageFlags  paging.PTEFlags
	DoneBytes  uint64
	TotalBytes uint64
}

// Result is what Load hands back to the hand-off sequencer.
type Result struct {
	// Entry is the kernel entry point, e_entry adjusted by the
	// relocation distance.
	Entry uint64
}

// Load reads the ELF64 image at path through fs, maps every PT_LOAD
// segment via pt, streams its contents, applies RELA relocations, and
// returns the adjusted entry point. Every DiskRead/BadElf failure is
// returned rather than escalated directly, per this module's
// "recoverable return value, caller escalates" rule (spec §7); the caller
// (cmd/bios, cmd/efi) is expected to route a non-nil error to
// kernel.Panic.
func Load(fs firmware.FileSystem, path string, pt *paging.PageTables, progress ProgressReporter) (Result, *kernel.Error) {
	fd, oerr := fs.Open(path)
	if oerr != nil {
		return Result{}, ErrDiskRead
	}
	defer fs.Close(fd)

	var hdrBuf [ehdrSize]byte
	if n, err := fs.Pread(fd, hdrBuf[:], 0); err != nil || n != ehdrSize {
		return Result{}, ErrDiskRead
	}
	h, berr := parseEhdr(hdrBuf[:])
	if berr != nil {
		return Result{}, berr
	}
	if h.phsize != phdrSize {
		return Result{}, ErrBadElf
	}

	phdrs := make([]phdr, h.phnum)
	phdrBuf := make([]byte, phdrSize)
	for i := range phdrs {
		n, err := fs.Pread(fd, phdrBuf, int64(h.phoff)+int64(i)*phdrSize)
		if err != nil || n != phdrSize {
			return Result{}, ErrDiskRead
		}
		phdrs[i] = parsePhdr(phdrBuf)
	}

	fileBase := kernelBase
	for _, p := range phdrs {
		if p.pType == ptLoad && p.vaddr < fileBase {
			fileBase = p.vaddr
		}
	}
	delta := int64(kernelBase - fileBase)

	var totalBytes uint64
	for _, p := range phdrs {
		if p.pType == ptLoad {
			totalBytes += p.memsz
		}
	}

	ctx := ElfContext{TotalBytes: totalBytes}
	for _, p := range phdrs {
		if p.pType != ptLoad || p.memsz == 0 {
			continue
		}
		if p.flags&(pfR|pfW|pfX) == 0 {
			continue
		}

		vaddr := uint64(int64(p.vaddr) + delta)
		ctx.PageFlags = segmentFlags(p.flags, vaddr)

		if err := loadSegment(fs, fd, pt, p, vaddr, &ctx, progress); err != nil {
			return Result{}, err
		}

		if p.memsz > p.filesz {
			pt.ModifyFlags(vaddr+p.filesz, p.memsz-p.filesz, paging.Dirty|paging.Accessed, 0)
		}
	}

	if berr := applyRelocations(fs, fd, h, delta, pt); berr != nil {
		return Result{}, berr
	}

	return Result{Entry: uint64(int64(h.entry) + delta)}, nil
}

// segmentFlags derives a PT_LOAD segment's PTE flags from its {R,W,X}
// triple, following spec.md §4.E step 3.
func segmentFlags(pFlags uint32, vaddr uint64) paging.PTEFlags {
	flags := paging.Present
	if pFlags&pfW != 0 {
		flags |= paging.RW
	}
	if pFlags&pfX == 0 {
		flags |= paging.NX
	}
	if vaddr >= kernelHalf && cpu.HasGlobalPages() {
		flags |= paging.Global
	}
	return flags
}

// loadSegment commits backing pages for one PT_LOAD segment, streams its
// file-backed bytes, and zero-fills its BSS tail (spec.md §4.E steps 4-5).
func loadSegment(fs firmware.FileSystem, fd int32, pt *paging.PageTables, p phdr, vaddr uint64, ctx *ElfContext, progress ProgressReporter) *kernel.Error {
	if err := pt.MapRange(vaddr, p.memsz, ctx.PageFlags); err != nil {
		return err
	}

	if p.filesz > 0 {
		chunks, err := pt.IoVec(vaddr, p.filesz, maxChunk)
		if err != nil {
			return err
		}
		fileOff := int64(p.offset)
		for _, c := range chunks {
			buf := make([]byte, c.Size)
			n, rerr := fs.Pread(fd, buf, fileOff)
			if rerr != nil || uint64(n) != c.Size {
				return ErrDiskRead
			}
			pt.Memory().Copy(uintptr(c.Base), buf)
			fileOff += int64(c.Size)
			ctx.DoneBytes += c.Size
			if progress != nil {
				progress.Report(ctx.DoneBytes, ctx.TotalBytes)
			}
		}
	}

	if p.memsz > p.filesz {
		bssLen := p.memsz - p.filesz
		chunks, err := pt.IoVec(vaddr+p.filesz, bssLen, maxChunk)
		if err != nil {
			return err
		}
		for _, c := range chunks {
			pt.Memory().Zero(uintptr(c.Base), uintptr(c.Size))
			ctx.DoneBytes += c.Size
			if progress != nil {
				progress.Report(ctx.DoneBytes, ctx.TotalBytes)
			}
		}
	}

	return nil
}

// applyRelocations reads every SHT_RELA section and writes addend+delta
// to each r_offset+delta, per spec.md §4.E step 7. Any relocation type
// other than R_X86_64_RELATIVE escalates as ErrBadElf: this loader only
// ever relocates a statically-linked kernel image against a single base
// shift, never resolves symbols.
func applyRelocations(fs firmware.FileSystem, fd int32, h ehdr, delta int64, pt *paging.PageTables) *kernel.Error {
	if h.shnum == 0 {
		return nil
	}
	if h.shsize != shdrSize {
		return ErrBadElf
	}

	shdrBuf := make([]byte, shdrSize)
	for i := 0; i < int(h.shnum); i++ {
		n, err := fs.Pread(fd, shdrBuf, int64(h.shoff)+int64(i)*shdrSize)
		if err != nil || n != shdrSize {
			return ErrDiskRead
		}
		sh := parseShdr(shdrBuf)
		if sh.shType != shtRela {
			continue
		}
		if sh.size%relaSize != 0 {
			return ErrBadElf
		}

		count := sh.size / relaSize
		relaBuf := make([]byte, relaSize)
		for r := uint64(0); r < count; r++ {
			rn, rerr := fs.Pread(fd, relaBuf, int64(sh.offset)+int64(r)*relaSize)
			if rerr != nil || rn != relaSize {
				return ErrDiskRead
			}
			rl := parseRela(relaBuf)

			if relocType(rl.info) != rX86_64Relative {
				return ErrBadElf
			}

			target := uint64(int64(rl.offset) + delta)
			value := uint64(rl.addend + delta)
			if err := writeReloc(pt, target, value); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeReloc writes an 8-byte relocated value at the mapped virtual
// address target, resolving it to physical memory via a 1-entry IoVec
// (the relocation site is always within an already-mapped PT_LOAD
// segment).
func writeReloc(pt *paging.PageTables, target uint64, value uint64) *kernel.Error {
	chunks, err := pt.IoVec(target, 8, maxChunk)
	if err != nil {
		return err
	}
	if len(chunks) != 1 || chunks[0].Size != 8 {
		return ErrBadElf
	}
	pt.Memory().PutUint64(uintptr(chunks[0].Base), value)
	return nil
}
