package frame

import (
	"bytes"
	"fmt"
	"io"

	"github.com/danmuck/relaylink/internal/protocol"
	"github.com/klauspost/compress/zlib"
)

var ErrDecompressedTooLarge = fmt.Errorf("%w: decompressed payload too large", protocol.ErrProtocolViolation)

// Compress deflates data into a zlib stream.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("frame: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("frame: compress: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress inflates a zlib stream, refusing output larger than limit bytes.
// A limit <= 0 disables the bound.
func Decompress(data []byte, limit int64) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: inflate: %v", protocol.ErrProtocolViolation, err)
	}
	defer r.Close()

	var src io.Reader = r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, src); err != nil {
		return nil, fmt.Errorf("%w: inflate: %v", protocol.ErrProtocolViolation, err)
	}
	if limit > 0 && int64(buf.Len()) > limit {
		return nil, fmt.Errorf("%w: limit=%d", ErrDecompressedTooLarge, limit)
	}
	return buf.Bytes(), nil
}
