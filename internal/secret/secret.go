// Package secret derives kTLS key material from a shared secret and a
// pair of nonces (spec §4.8, component C10). The derivation itself is
// pure; internal/ktls consumes its output to arm a socket.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// NonceSize is the length of each side's contribution to the HKDF salt.
	NonceSize = 16

	keySize    = 16                            // AES-128 key
	ivSize     = 4                             // implicit IV
	recSeqSize = 8                             // initial record sequence number
	dirSize    = keySize + ivSize + recSeqSize // 28 bytes per direction

	// Info is the HKDF info string, fixed for domain separation (spec §4.8).
	Info = "uring-sync-ktls-v1"
)

// Direction is one AES-128-GCM/TLS-1.2 key-structure: key, implicit IV,
// and initial record sequence number.
type Direction struct {
	Key    [keySize]byte
	IV     [ivSize]byte
	RecSeq [recSeqSize]byte
}

// Keys holds both derived directions. SenderToReceiver is the first 28
// bytes of the HKDF output, ReceiverToSender the remaining 28.
type Keys struct {
	SenderToReceiver Direction
	ReceiverToSender Direction
}

// GenerateNonce returns NonceSize bytes of cryptographically random
// data. Nonces must never be reused across a run (spec §4.8).
func GenerateNonce() ([NonceSize]byte, error) {
	var n [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return n, fmt.Errorf("secret: generate nonce: %w", err)
	}
	return n, nil
}

// Derive computes Keys from secret and the two sides' nonces, per spec
// §4.8: salt = senderNonce‖receiverNonce, HKDF-SHA256 extract+expand
// with the fixed info string, 56 bytes split into two 28-byte
// directions.
func Derive(sharedSecret []byte, senderNonce, receiverNonce [NonceSize]byte) (Keys, error) {
	salt := make([]byte, 0, 2*NonceSize)
	salt = append(salt, senderNonce[:]...)
	salt = append(salt, receiverNonce[:]...)

	kdf := hkdf.New(sha256.New, sharedSecret, salt, []byte(Info))
	material := make([]byte, 2*dirSize)
	if _, err := io.ReadFull(kdf, material); err != nil {
		return Keys{}, fmt.Errorf("secret: hkdf expand: %w", err)
	}

	return Keys{
		SenderToReceiver: parseDirection(material[:dirSize]),
		ReceiverToSender: parseDirection(material[dirSize:]),
	}, nil
}

func parseDirection(b []byte) Direction {
	var d Direction
	copy(d.Key[:], b[0:keySize])
	copy(d.IV[:], b[keySize:keySize+ivSize])
	copy(d.RecSeq[:], b[keySize+ivSize:dirSize])
	return d
}
