package tape

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// Fingerprint identifies a tape's structure: operator kinds, variable
// indices and arities. Constants, exponents and parameters are left out
// because traced programs do not depend on them.
type Fingerprint [32]byte

// String returns the lowercase hex form.
func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

// ParseFingerprint reverses String.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil {
		return f, err
	}
	if len(b) != len(f) {
		return f, hex.ErrLength
	}
	copy(f[:], b)
	return f, nil
}

// Fingerprint hashes the tape's structure with SHA3-256.
func (t *Tape) Fingerprint() Fingerprint {
	buf := make([]byte, 0, len(t.ops)*5)
	for _, op := range t.ops {
		buf = append(buf, byte(op.kind))
		switch op.kind {
		case KindVar, KindSqrVar, KindAdd, KindMul:
			buf = binary.LittleEndian.AppendUint32(buf, op.index)
		}
	}
	return sha3.Sum256(buf)
}
