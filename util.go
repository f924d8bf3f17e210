package instill

import (
	"errors"
	"io"
	"os"
	"sync"
)

type uncopyable struct {
	_ sync.Mutex
}

func removeOnErr(fname string, currErr error) error {
	if err := os.Remove(fname); err != nil {
		return errors.Join(err, currErr)
	}
	return currErr
}

func closeOnErr(closer io.Closer, curErr error) error {
	if err := closer.Close(); err != nil {
		return errors.Join(err, curErr)
	}
	return curErr
}
