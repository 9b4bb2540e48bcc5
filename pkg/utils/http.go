package utils

import "io"

// DrainAndClose empties rc before closing it so keep-alive connections go
// back to the pool.
func DrainAndClose(rc io.ReadCloser) error {
	if rc == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 1<<20))
	return rc.Close()
}
