//go:build unix

package imagechan

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func mapFile(filePath string, writable bool) ([]byte, func() error, error) {
	flag := os.O_RDONLY
	prot := unix.PROT_READ
	if writable {
		flag = os.O_RDWR
		prot |= unix.PROT_WRITE
	}

	f, err := os.OpenFile(filePath, flag, 0)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}

	if info.Size() == 0 {
		return nil, nil, fmt.Errorf("file is empty")
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap failed - %w", err)
	}

	unmap := func() error {
		if writable {
			err := unix.Msync(data, unix.MS_SYNC)
			if err != nil {
				_ = unix.Munmap(data)
				return fmt.Errorf("msync failed - %w", err)
			}
		}

		return unix.Munmap(data)
	}

	return data, unmap, nil
}
