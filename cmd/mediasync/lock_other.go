//go:build !unix

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
)

// acquireLock creates path exclusively. A lock file left behind by a
// crashed daemon has to be removed by hand.
func acquireLock(path string) (release func(), err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("another daemon is running (remove %s if it is not)", path)
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	f.WriteString(strconv.Itoa(os.Getpid()))
	f.Close()

	return func() { os.Remove(path) }, nil
}
