//go:build !unix

package imagechan

import (
	"fmt"
	"os"
)

// mapFile reads the whole file into memory on platforms without
// mmap. Changes are written back when the image is closed.
func mapFile(filePath string, writable bool) ([]byte, func() error, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, nil, err
	}

	if len(data) == 0 {
		return nil, nil, fmt.Errorf("file is empty")
	}

	unmap := func() error {
		if !writable {
			return nil
		}

		return os.WriteFile(filePath, data, 0o600)
	}

	return data, unmap, nil
}
