// Package wire implements the length-prefixed client protocol over TCP.
//
// Every request starts with a 4 byte tag followed by big-endian uint32 lengths
// and the raw bytes:
//
//	PUT <klen><vlen><key><value>  -> "OK" | "ER"
//	GET <klen><key>               -> <vlen><value>, vlen 0 when absent
//	DEL <klen><key>               -> "OK" | "ER"
//
// A GET that fails on the server closes the connection.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/coretex/internal/sentinel"
)

// Command tags.
var (
	TagPut = [4]byte{'P', 'U', 'T', ' '}
	TagGet = [4]byte{'G', 'E', 'T', ' '}
	TagDel = [4]byte{'D', 'E', 'L', ' '}
)

// Acknowledgements.
var (
	AckOK  = [2]byte{'O', 'K'}
	AckErr = [2]byte{'E', 'R'}
)

// MaxFrame bounds a single key or value.
const MaxFrame = 64 << 20

const lenSize = 4

func writeLen(w io.Writer, n int) error {
	var b [lenSize]byte

	binary.BigEndian.PutUint32(b[:], uint32(n)) //nolint:gosec // bounded by MaxFrame

	_, err := w.Write(b[:])

	return err
}

func readLen(r io.Reader) (int, error) {
	var b [lenSize]byte

	_, err := io.ReadFull(r, b[:])
	if err != nil {
		return 0, err
	}

	n := binary.BigEndian.Uint32(b[:])
	if n > MaxFrame {
		return 0, ewrap.Wrapf(sentinel.ErrProtocol, "frame of %d bytes exceeds limit", n)
	}

	return int(n), nil
}

func readBytes(r io.Reader, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}

	b := make([]byte, n)

	_, err := io.ReadFull(r, b)

	return b, err
}

func checkFrame(b []byte) error {
	if len(b) > MaxFrame {
		return ewrap.Wrapf(sentinel.ErrProtocol, "frame of %d bytes exceeds limit", len(b))
	}

	return nil
}
