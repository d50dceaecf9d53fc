// Package heap implements the low-heap allocator: a coalescing free-list
// allocator over a single bootloader-owned memory window. Every other
// subsystem (physmap bookkeeping, page-table scaffolding, the ELF loader,
// the hand-off sequencer) allocates its working storage from here before
// the Go runtime's own allocator exists.
//
// It is the Go translation of original_source/boot/malloc.cc: the same
// 16-byte block header layout and signatures, the same rover-based
// first-fit scan with lazy coalescing.
package heap

import (
	"ignition/kernel"
	"ignition/kernel/mem"
)

const (
	sigFree uint32 = 0xFEEEB10C
	sigUsed uint32 = 0xA10CA1ED

	headerSize uintptr = 16
)

// header mirrors blk_hdr_t from malloc.cc: {size, sig, neg_size, self},
// 16 bytes including itself. size counts the header.
type header struct {
	size    uint32
	sig     uint32
	negSize uint32
	self    uint32
}

func (h header) invalid(addr uintptr) bool {
	return h.size+h.negSize != 0 || h.self != uint32(addr)
}

// Heap is a coalescing free-list allocator over a *mem.Memory window.
// Corruption detected on any header touch is returned to the caller as
// errCorrupt; the heap itself never calls kernel.Panic, so escalation is
// the caller's decision. Validate checks the whole heap on demand.
type Heap struct {
	m         *mem.Memory
	start     uintptr
	end       uintptr // address of the end-of-heap sentinel header
	firstFree uintptr
}

var (
	errCorrupt  = &kernel.Error{Module: "heap", Message: "Corrupt heap block header"}
	errBadFree  = &kernel.Error{Module: "heap", Message: "Bad free call, block signature is not USED"}
	errValidate = &kernel.Error{Module: "heap", Message: "Heap validation failed"}
)

// Init carves [start, end) into a single free block plus a zero-size
// used sentinel at the very end, matching malloc_init. Both bounds are
// addresses within m's window and are aligned to 16 bytes (start up,
// end down).
func Init(m *mem.Memory, start, end uintptr) *Heap {
	start = (start + 15) &^ 15
	end = end &^ 15

	h := &Heap{m: m}
	h.end = end - headerSize
	h.start = start
	h.firstFree = start

	h.writeHeader(h.end, header{size: 0, self: uint32(h.end), sig: sigUsed})
	h.writeHeader(h.start, header{size: uint32(h.end - h.start), self: uint32(h.start), sig: sigFree})

	return h
}

func (h *Heap) readHeader(addr uintptr) header {
	b := h.m.Slice(addr, headerSize)
	return header{
		size:    leUint32(b[0:4]),
		sig:     leUint32(b[4:8]),
		negSize: leUint32(b[8:12]),
		self:    leUint32(b[12:16]),
	}
}

func (h *Heap) writeHeader(addr uintptr, hd header) {
	b := h.m.Slice(addr, headerSize)
	hd.negSize = -hd.size
	putLeUint32(b[0:4], hd.size)
	putLeUint32(b[4:8], hd.sig)
	putLeUint32(b[8:12], hd.negSize)
	putLeUint32(b[12:16], uint32(addr))
}

// invalidate stamps addr with the sentinel garbage pattern malloc_coalesce
// leaves on an absorbed header: size deliberately does not satisfy
// size+negSize==0, so header.invalid() reports true on any later touch.
func (h *Heap) invalidate(addr uintptr) {
	b := h.m.Slice(addr, headerSize)
	putLeUint32(b[0:4], 0xBAD11111)
	putLeUint32(b[4:8], 0)
	putLeUint32(b[8:12], 0)
	putLeUint32(b[12:16], 0)
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLeUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func (h *Heap) nextBlock(addr uintptr, hd header) uintptr {
	return addr + uintptr(hd.size)
}

// coalesce merges addr forward while both it and its immediate neighbor
// are free, keeping firstFree pointed at a live header. Returns the
// address of the block immediately following the (possibly grown) addr
// block.
func (h *Heap) coalesce(addr uintptr, hd header) (uintptr, header) {
	next := h.nextBlock(addr, hd)
	nextHd := h.readHeader(next)

	for hd.sig == sigFree && nextHd.sig == sigFree {
		hd.size += nextHd.size
		h.writeHeader(addr, hd)

		// invalidate the absorbed header
		h.invalidate(next)

		if h.firstFree == next {
			h.firstFree = addr
		}

		next = h.nextBlock(addr, hd)
		nextHd = h.readHeader(next)
	}

	return next, nextHd
}

// Alloc reserves bytes rounded up to a 16-byte multiple, plus header
// overhead, returning the address of the payload (immediately following
// the block header) such that payload mod alignment == 0. alignment must
// be a power of two. Returns (0, err) on failure; err is non-nil only for
// heap corruption (kernel.Panic candidate), not for plain
// out-of-memory — a plain miss returns (0, nil).
func (h *Heap) Alloc(bytes, alignment uintptr) (uintptr, *kernel.Error) {
	if bytes == 0 {
		return 0, nil
	}

	need := ((bytes + 15) &^ 15) + headerSize

	blk := h.firstFree
	startPos := blk

	blkHd := h.readHeader(blk)
	if blkHd.invalid(blk) {
		return 0, errCorrupt
	}

	for {
		nextAddr, nextHd := h.coalesce(blk, blkHd)
		if nextHd.invalid(nextAddr) {
			return 0, errCorrupt
		}
		blkHd = h.readHeader(blk)

		if blkHd.sig == sigFree {
			if h.firstFree > blk || h.readHeader(h.firstFree).sig == sigUsed {
				h.firstFree = blk
			}

			payload := blk + headerSize
			alignAdj := (alignUp(payload, alignment)) - payload

			if uintptr(blkHd.size) >= need+alignAdj {
				if alignAdj != 0 {
					alignedHdr := blk + alignAdj
					h.writeHeader(alignedHdr, header{size: blkHd.size - uint32(alignAdj), sig: sigFree})

					if h.firstFree > alignedHdr {
						h.firstFree = alignedHdr
					}

					h.writeHeader(blk, header{size: uint32(alignAdj), sig: blkHd.sig})
					blk = alignedHdr
					blkHd = h.readHeader(blk)
				}

				remain := uintptr(blkHd.size) - need

				if remain != 0 {
					tail := blk + need
					h.writeHeader(tail, header{size: uint32(remain), sig: sigFree})
				}

				h.writeHeader(blk, header{size: uint32(need), sig: sigUsed})

				return blk + headerSize, nil
			}
		}

		if blkHd.size > 0 {
			blk = nextAddr
		} else {
			blk = h.start
		}
		blkHd = h.readHeader(blk)
		if blkHd.invalid(blk) {
			return 0, errCorrupt
		}

		if blk == startPos {
			break
		}
	}

	return 0, nil
}

func alignUp(addr, alignment uintptr) uintptr {
	return (addr + alignment - 1) &^ (alignment - 1)
}

// Realloc tries to extend the block at p in place by coalescing with the
// block that follows; failing that, it allocates a fresh block (using
// alignment only in that fallback path), copies the payload, and frees
// the old block. A nil p behaves like Alloc.
func (h *Heap) Realloc(p uintptr, bytes, alignment uintptr) (uintptr, *kernel.Error) {
	if p == 0 {
		return h.Alloc(bytes, alignment)
	}

	blk := p - headerSize
	blkHd := h.readHeader(blk)
	if blkHd.invalid(blk) {
		return 0, errCorrupt
	}

	need := ((bytes + 15) &^ 15) + headerSize

	next := h.nextBlock(blk, blkHd)
	nextHd := h.readHeader(next)

	if uintptr(blkHd.size) < need {
		if nextHd.invalid(next) {
			return 0, errCorrupt
		}

		if nextHd.sig == sigFree {
			h.coalesce(next, nextHd)
			nextHd = h.readHeader(next)
		}

		if nextHd.sig == sigFree && uintptr(blkHd.size)+uintptr(nextHd.size) >= need {
			runEnd := next + uintptr(nextHd.size)
			newBlk := blk + need
			h.invalidate(next)
			if newBlk < runEnd {
				h.writeHeader(newBlk, header{size: uint32(runEnd - newBlk), sig: sigFree})
			}
			h.writeHeader(blk, header{size: uint32(need), sig: sigUsed})
			if h.firstFree == next {
				h.firstFree = blk
			}

			return blk + headerSize, nil
		}

		other, err := h.Alloc(bytes, alignment)
		if err != nil {
			return 0, err
		}
		if other == 0 {
			return 0, nil
		}

		h.m.Copy(other, h.m.Slice(p, uintptr(blkHd.size)-headerSize))

		h.writeHeader(blk, header{size: blkHd.size, sig: sigFree})
		if h.firstFree > blk {
			h.firstFree = blk
		}

		return other, nil
	}

	if uintptr(blkHd.size) > need {
		newBlk := blk + need
		h.writeHeader(newBlk, header{size: uint32(next - newBlk), sig: sigFree})
		h.writeHeader(blk, header{size: uint32(need), sig: sigUsed})
		return blk + headerSize, nil
	}

	return blk + headerSize, nil
}

// Free marks the block at payload address p as free and pulls the rover
// back to it if it precedes the current rover position. Freeing an
// address whose header signature is not Used is a double-free or a
// caller bug and is reported as errBadFree.
func (h *Heap) Free(p uintptr) *kernel.Error {
	if p == 0 {
		return nil
	}

	blk := p - headerSize
	blkHd := h.readHeader(blk)

	if blkHd.sig != sigUsed {
		return errBadFree
	}
	if blkHd.invalid(blk) {
		return errCorrupt
	}

	blkHd.sig = sigFree
	h.writeHeader(blk, blkHd)

	if h.firstFree > blk {
		h.firstFree = blk
	}

	return nil
}

// Calloc allocates num*size bytes and zeroes them.
func (h *Heap) Calloc(num, size uintptr) (uintptr, *kernel.Error) {
	bytes := num * size
	p, err := h.Alloc(bytes, 16)
	if err != nil || p == 0 {
		return p, err
	}
	h.m.Zero(p, bytes)
	return p, nil
}

// Validate walks the heap from start to the end sentinel, checking every
// header's signature, self-pointer, and 16-byte size alignment. Mirrors
// malloc_validate.
func (h *Heap) Validate() *kernel.Error {
	for addr := h.start; ; {
		hd := h.readHeader(addr)

		if hd.invalid(addr) || (hd.sig != sigFree && hd.sig != sigUsed) {
			return errValidate
		}
		if hd.size&15 != 0 {
			return errValidate
		}
		if addr < h.start || addr > h.end {
			return errValidate
		}
		if addr == h.end {
			if hd.size != 0 {
				return errValidate
			}
			break
		}

		addr = h.nextBlock(addr, hd)
	}

	return nil
}
