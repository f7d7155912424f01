package engine

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

const (
	// MaxProofHashes bounds the length of a chained-hash proof.
	MaxProofHashes = 10

	// ProofHashSize is the size of every proof element and of the root.
	ProofHashSize = sha256.Size
)

// ChainedRoot folds a left-to-right chained hash over the ordered proof
// fragments. The fold's initial accumulator is the SHA-256 hash of the
// 8-byte big-endian encoding of reportedReserves, binding the chain to the
// attested figure; each step computes SHA-256(accumulator || fragment).
// Order matters: the fold is not commutative.
//
// Returns ErrInvalidProof (wrapped with detail) if the proof is
// structurally invalid: more than MaxProofHashes fragments, or any
// fragment not exactly ProofHashSize bytes.
func ChainedRoot(reportedReserves uint64, proofHashes [][]byte) ([]byte, error) {
	if len(proofHashes) > MaxProofHashes {
		return nil, fmt.Errorf("%w: %d fragments exceeds limit of %d", ErrInvalidProof, len(proofHashes), MaxProofHashes)
	}

	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], reportedReserves)
	acc := sha256.Sum256(seed[:])

	for i, fragment := range proofHashes {
		if len(fragment) != ProofHashSize {
			return nil, fmt.Errorf("%w: fragment %d is %d bytes, want %d", ErrInvalidProof, i, len(fragment), ProofHashSize)
		}
		h := sha256.New()
		h.Write(acc[:])
		h.Write(fragment)
		h.Sum(acc[:0])
	}

	return acc[:], nil
}

// verifyProof recomputes the chained root and compares it against the
// claimed root in constant time. A structurally valid proof whose root
// does not match is not an error: the mismatch is reported through the
// boolean so the audit can still be recorded as unverified.
func verifyProof(reportedReserves uint64, merkleRoot []byte, proofHashes [][]byte) (bool, error) {
	if len(merkleRoot) != ProofHashSize {
		return false, fmt.Errorf("%w: root is %d bytes, want %d", ErrInvalidProof, len(merkleRoot), ProofHashSize)
	}
	calculated, err := ChainedRoot(reportedReserves, proofHashes)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(calculated, merkleRoot) == 1, nil
}
