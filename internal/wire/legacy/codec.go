// Package legacy implements the generation-1 protocol client: a
// length-prefixed binary framing over TCP. The gen-1 gateway has no push
// event stream, so sessions on this client always use the polling update
// source.
package legacy

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Frame layout: u32 body length | u16 opcode | u32 sequence | body (JSON).
const frameHeaderSize = 10

// maxFrameSize bounds a single frame (1 MiB file chunk + envelope).
const maxFrameSize = 2 * 1024 * 1024

// Opcodes of the gen-1 gateway.
const (
	opRequestCode  uint16 = 0x0101
	opSignIn       uint16 = 0x0102
	opImportToken  uint16 = 0x0103
	opSendMessage  uint16 = 0x0201
	opGetHistory   uint16 = 0x0202
	opGetDialogs   uint16 = 0x0203
	opResolve      uint16 = 0x0204
	opSearch       uint16 = 0x0205
	opSavePart     uint16 = 0x0301
	opFinalizeFile uint16 = 0x0302
	opUploadSmall  uint16 = 0x0303
	opSendFile     uint16 = 0x0304
	opDownload     uint16 = 0x0305
	opReply        uint16 = 0x7f00
	opError        uint16 = 0x7fff
)

type frame struct {
	opcode uint16
	seq    uint32
	body   []byte
}

func writeFrame(w io.Writer, f frame) error {
	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(f.body)))
	binary.BigEndian.PutUint16(header[4:6], f.opcode)
	binary.BigEndian.PutUint32(header[6:10], f.seq)
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(f.body) > 0 {
		if _, err := w.Write(f.body); err != nil {
			return fmt.Errorf("write frame body: %w", err)
		}
	}
	return nil
}

func readFrame(r io.Reader) (frame, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return frame{}, fmt.Errorf("read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(header[0:4])
	if n > maxFrameSize {
		return frame{}, fmt.Errorf("frame size %d exceeds limit", n)
	}
	f := frame{
		opcode: binary.BigEndian.Uint16(header[4:6]),
		seq:    binary.BigEndian.Uint32(header[6:10]),
	}
	if n > 0 {
		f.body = make([]byte, n)
		if _, err := io.ReadFull(r, f.body); err != nil {
			return frame{}, fmt.Errorf("read frame body: %w", err)
		}
	}
	return f, nil
}

// wireErrorBody is the JSON body of an opError frame.
type wireErrorBody struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	RetryAfterSec int    `json:"retry_after_sec,omitempty"`
}

func marshalBody(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal frame body: %w", err)
	}
	return b, nil
}
