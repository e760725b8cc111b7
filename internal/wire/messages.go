package wire

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"
)

// HelloFail reasons (spec §4.7).
const (
	HelloFailBadSecret       byte = 1
	HelloFailVersionMismatch byte = 2
)

// ProtocolVersion is the HELLO version byte this codec speaks.
const ProtocolVersion byte = 1

// Hello is the sender's opening message: proves knowledge of the shared
// secret and contributes the sender's half of the HKDF salt.
type Hello struct {
	Version byte
	Secret  []byte
	Nonce   [NonceLen]byte
}

// EncodeHello builds the HELLO frame payload.
func EncodeHello(h Hello) (Frame, error) {
	if len(h.Secret) > MaxSecretLen {
		return Frame{}, fmt.Errorf("wire: secret length %d exceeds %d", len(h.Secret), MaxSecretLen)
	}
	buf := make([]byte, 2+len(h.Secret)+NonceLen)
	buf[0] = h.Version
	buf[1] = byte(len(h.Secret))
	copy(buf[2:], h.Secret)
	copy(buf[2+len(h.Secret):], h.Nonce[:])
	return Frame{Type: TypeHello, Payload: buf}, nil
}

// DecodeHello parses a HELLO frame's payload.
func DecodeHello(payload []byte) (Hello, error) {
	if len(payload) < 2 {
		return Hello{}, fmt.Errorf("wire: HELLO payload too short")
	}
	secretLen := int(payload[1])
	want := 2 + secretLen + NonceLen
	if len(payload) != want {
		return Hello{}, fmt.Errorf("wire: HELLO payload length %d, want %d", len(payload), want)
	}
	h := Hello{Version: payload[0], Secret: append([]byte(nil), payload[2:2+secretLen]...)}
	copy(h.Nonce[:], payload[2+secretLen:])
	return h, nil
}

// HelloOK is the receiver's acceptance reply, carrying its half of the
// HKDF salt.
type HelloOK struct {
	Nonce [NonceLen]byte
}

// EncodeHelloOK builds the HELLO_OK frame.
func EncodeHelloOK(h HelloOK) Frame {
	buf := make([]byte, NonceLen)
	copy(buf, h.Nonce[:])
	return Frame{Type: TypeHelloOK, Payload: buf}
}

// DecodeHelloOK parses a HELLO_OK frame's payload.
func DecodeHelloOK(payload []byte) (HelloOK, error) {
	if len(payload) != NonceLen {
		return HelloOK{}, fmt.Errorf("wire: HELLO_OK payload length %d, want %d", len(payload), NonceLen)
	}
	var h HelloOK
	copy(h.Nonce[:], payload)
	return h, nil
}

// EncodeHelloFail builds a HELLO_FAIL frame.
func EncodeHelloFail(reason byte) Frame {
	return Frame{Type: TypeHelloFail, Payload: []byte{reason}}
}

// DecodeHelloFail parses a HELLO_FAIL frame's payload.
func DecodeHelloFail(payload []byte) (byte, error) {
	if len(payload) != 1 {
		return 0, fmt.Errorf("wire: HELLO_FAIL payload length %d, want 1", len(payload))
	}
	return payload[0], nil
}

// FileHdr announces the next file's metadata and advertised size.
type FileHdr struct {
	Size int64
	Mode uint32
	Path string
}

// EncodeFileHdr builds a FILE_HDR frame, validating the path per spec
// §4.7 (relative, bounded, UTF-8, no NUL, no leading '/', no '..').
func EncodeFileHdr(h FileHdr) (Frame, error) {
	if err := ValidatePath(h.Path); err != nil {
		return Frame{}, err
	}
	pathBytes := []byte(h.Path)
	buf := make([]byte, 8+4+2+len(pathBytes))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.Size))
	binary.LittleEndian.PutUint32(buf[8:12], h.Mode)
	binary.LittleEndian.PutUint16(buf[12:14], uint16(len(pathBytes)))
	copy(buf[14:], pathBytes)
	return Frame{Type: TypeFileHdr, Payload: buf}, nil
}

// DecodeFileHdr parses and validates a FILE_HDR frame's payload.
func DecodeFileHdr(payload []byte) (FileHdr, error) {
	if len(payload) < 14 {
		return FileHdr{}, fmt.Errorf("wire: FILE_HDR payload too short")
	}
	size := int64(binary.LittleEndian.Uint64(payload[0:8]))
	mode := binary.LittleEndian.Uint32(payload[8:12])
	pathLen := int(binary.LittleEndian.Uint16(payload[12:14]))
	if len(payload) != 14+pathLen {
		return FileHdr{}, fmt.Errorf("wire: FILE_HDR payload length %d, want %d", len(payload), 14+pathLen)
	}
	path := string(payload[14:])
	if err := ValidatePath(path); err != nil {
		return FileHdr{}, err
	}
	if size < 0 {
		return FileHdr{}, fmt.Errorf("wire: FILE_HDR negative size %d", size)
	}
	return FileHdr{Size: size, Mode: mode, Path: path}, nil
}

// ValidatePath enforces spec §4.7's FILE_HDR path safety rules: relative,
// at most MaxPathLen bytes, valid UTF-8, no NUL byte, no leading '/', no
// '..' path segment.
func ValidatePath(path string) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: empty path", ErrUnsafePath)
	}
	if len(path) > MaxPathLen {
		return fmt.Errorf("%w: path length %d exceeds %d", ErrUnsafePath, len(path), MaxPathLen)
	}
	if !utf8.ValidString(path) {
		return fmt.Errorf("%w: path is not valid UTF-8", ErrUnsafePath)
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("%w: embedded NUL", ErrUnsafePath)
	}
	if strings.HasPrefix(path, "/") {
		return fmt.Errorf("%w: absolute path %q", ErrUnsafePath, path)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: %q contains a '..' segment", ErrUnsafePath, path)
		}
	}
	return nil
}

// EncodeFileData wraps a chunk of file bytes as a FILE_DATA frame. The
// caller is responsible for chunking a file's contents into one or more
// such frames whose payload lengths sum to the FILE_HDR's advertised
// size (spec §4.7, per-chunk framing variant).
func EncodeFileData(chunk []byte) Frame {
	return Frame{Type: TypeFileData, Payload: chunk}
}

// EncodeFileEnd builds an empty FILE_END frame.
func EncodeFileEnd() Frame { return Frame{Type: TypeFileEnd} }

// EncodeAllDone builds an empty ALL_DONE frame.
func EncodeAllDone() Frame { return Frame{Type: TypeAllDone} }

// ErrorMsg carries a receiver- or sender-reported error code and
// message.
type ErrorMsg struct {
	Code byte
	Msg  string
}

// EncodeError builds an ERROR frame.
func EncodeError(e ErrorMsg) Frame {
	msgBytes := []byte(e.Msg)
	buf := make([]byte, 1+2+len(msgBytes))
	buf[0] = e.Code
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(msgBytes)))
	copy(buf[3:], msgBytes)
	return Frame{Type: TypeError, Payload: buf}
}

// DecodeError parses an ERROR frame's payload.
func DecodeError(payload []byte) (ErrorMsg, error) {
	if len(payload) < 3 {
		return ErrorMsg{}, fmt.Errorf("wire: ERROR payload too short")
	}
	msgLen := int(binary.LittleEndian.Uint16(payload[1:3]))
	if len(payload) != 3+msgLen {
		return ErrorMsg{}, fmt.Errorf("wire: ERROR payload length %d, want %d", len(payload), 3+msgLen)
	}
	return ErrorMsg{Code: payload[0], Msg: string(payload[3:])}, nil
}
