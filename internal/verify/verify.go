// Package verify implements the optional post-copy hash spot-check
// (--verify, additive to spec §1: not a transfer-correctness mechanism,
// an opt-in after-the-fact check), grounded in the teacher's BLAKE3
// HashFile helper.
package verify

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// HashFile returns the hex-encoded BLAKE3 digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("verify: open %s: %w", path, err)
	}
	defer f.Close()

	h := blake3.New()
	buf := make([]byte, 32*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("verify: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Mismatch describes one file whose source and destination digests
// disagree after a copy.
type Mismatch struct {
	SrcPath string
	DstPath string
	SrcHash string
	DstHash string
}

// Pair hashes src and dst and reports a Mismatch if their digests
// differ. A Mismatch result with a nil error means the comparison ran
// to completion and disagreed; an error means the comparison itself
// could not be made (e.g. a file vanished mid-run).
func Pair(srcPath, dstPath string) (*Mismatch, error) {
	srcHash, err := HashFile(srcPath)
	if err != nil {
		return nil, err
	}
	dstHash, err := HashFile(dstPath)
	if err != nil {
		return nil, err
	}
	if srcHash == dstHash {
		return nil, nil
	}
	return &Mismatch{SrcPath: srcPath, DstPath: dstPath, SrcHash: srcHash, DstHash: dstHash}, nil
}
