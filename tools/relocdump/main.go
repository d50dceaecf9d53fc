// Command relocdump disassembles the bytes surrounding an ELF relocation
// site to help diagnose a kernel/elf BadElf/unsupported-RELA-type panic:
// point it at the on-disk kernel image and the file offset the panic
// message named, and it prints the instruction stream around that offset
// with the offending instruction marked.
package main

import (
	"flag"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func main() {
	image := flag.String("image", "", "path to the kernel ELF image")
	offset := flag.Int64("offset", -1, "file offset of the relocation site")
	before := flag.Int("before", windowBefore, "bytes of context before the site")
	after := flag.Int("after", windowAfter, "bytes of context after the site")
	flag.Parse()

	if *image == "" || *offset < 0 {
		exit(fmt.Errorf("usage: relocdump -image <path> -offset <n> [-before n] [-after n]"))
	}

	data, closeFn, err := mmapFile(*image)
	if err != nil {
		exit(err)
	}
	defer closeFn()

	lines, err := disassembleWindow(data, int(*offset), *before, *after)
	if err != nil {
		exit(err)
	}

	for _, l := range lines {
		fmt.Println(l)
	}
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "relocdump: %s\n", err.Error())
	os.Exit(1)
}

// mmapFile memory-maps path read-only, the same way the BIOS/UEFI
// FileSystem collaborators kernel/firmware declares are expected to serve
// Pread from a file-backed mapping rather than a buffered read.
func mmapFile(path string) ([]byte, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}

	return data, func() error { return unix.Munmap(data) }, nil
}
