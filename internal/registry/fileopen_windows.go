//go:build windows

package registry

import (
	"os"

	"github.com/hpungsan/kizuna/internal/errors"
)

// createNoFollow creates path for writing. Windows has no O_NOFOLLOW;
// ValidatePath has already rejected symlinks.
func createNoFollow(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
}

// openNoFollow opens path for reading.
func openNoFollow(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewFileNotFound(path)
		}
		return nil, err
	}
	return f, nil
}
