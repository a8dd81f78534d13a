package ipc

import (
	"encoding/binary"
	"io"

	"github.com/mrizaln/madbfs-sub001/pkg/errors"
)

// MaxMessageSize bounds one frame body.
const MaxMessageSize = 4 * 1024

const headerSize = 4

// ReadFrame reads one length-prefixed message. A frame over the limit is
// drained from r so the stream stays aligned, and MESSAGE_TOO_LARGE is
// returned.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxMessageSize {
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return nil, err
		}
		return nil, errors.Newf(errors.ErrCodeMessageTooLarge, "message of %d bytes exceeds %d", n, MaxMessageSize).
			WithComponent("ipc")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// WriteFrame writes body with its length prefix in a single write.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxMessageSize {
		return errors.Newf(errors.ErrCodeMessageTooLarge, "message of %d bytes exceeds %d", len(body), MaxMessageSize).
			WithComponent("ipc")
	}
	buf := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[headerSize:], body)
	_, err := w.Write(buf)
	return err
}
