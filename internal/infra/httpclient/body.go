package httpclient

import (
	"fmt"
	"io"
)

// ErrBodyTooLarge is returned by ReadAllWithLimit when the body exceeds the limit.
var ErrBodyTooLarge = fmt.Errorf("response body exceeds limit")

// ReadAllWithLimit reads at most limit bytes from r.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return data[:limit], fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, limit)
	}
	return data, nil
}
