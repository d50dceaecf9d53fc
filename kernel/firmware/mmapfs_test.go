package firmware

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// mmapFileSystem is a FileSystem test double backed by a real memory-mapped
// disk image, rather than an in-memory byte buffer, so Pread is exercised
// against file-backed bytes the way the BIOS/UEFI disk collaborators that
// implement this interface on real hardware actually behave.
type mmapFileSystem struct {
	data []byte
}

var _ FileSystem = (*mmapFileSystem)(nil)

func newMmapFileSystem(t *testing.T, contents []byte) *mmapFileSystem {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "ignition-disk-*.img")
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write(contents)
	require.NoError(t, err)

	data, err := unix.Mmap(int(f.Fd()), 0, len(contents), unix.PROT_READ, unix.MAP_PRIVATE)
	require.NoError(t, err)

	t.Cleanup(func() { unix.Munmap(data) })

	return &mmapFileSystem{data: data}
}

func (m *mmapFileSystem) Open(path string) (int32, error) { return 0, nil }
func (m *mmapFileSystem) Filesize(fd int32) (int64, error) {
	return int64(len(m.data)), nil
}

func (m *mmapFileSystem) Pread(fd int32, dst []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.data)) {
		return 0, os.ErrInvalid
	}
	n := copy(dst, m.data[off:])
	return n, nil
}

func (m *mmapFileSystem) Close(fd int32) error { return nil }
func (m *mmapFileSystem) DrvSerial() uint64     { return 0x81 }

func TestMmapFileSystemPreadServesFileBackedBytes(t *testing.T) {
	contents := append([]byte("ignitionboot"), make([]byte, 4084)...)
	fs := newMmapFileSystem(t, contents)

	fd, err := fs.Open("/boot/ignition.elf")
	require.NoError(t, err)

	dst := make([]byte, 12)
	n, err := fs.Pread(fd, dst, 0)
	require.NoError(t, err)
	require.Equal(t, 12, n)
	require.Equal(t, "ignitionboot", string(dst))

	size, err := fs.Filesize(fd)
	require.NoError(t, err)
	require.Equal(t, int64(len(contents)), size)

	require.NoError(t, fs.Close(fd))
}
