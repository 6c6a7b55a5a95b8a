package postgresql

import (
	"errors"

	"github.com/lib/pq"
	"github.com/libsv/go-p2p/chaincfg/chainhash"
)

const pqUniqueViolation = "23505"

func hashesToBytea(hashes []*chainhash.Hash) pq.ByteaArray {
	out := make([][]byte, len(hashes))
	for i, h := range hashes {
		out[i] = h[:]
	}
	return pq.ByteaArray(out)
}

// uniqueViolationConstraint returns the name of the violated unique
// constraint, letting callers map constraints to distinct sentinels.
func uniqueViolationConstraint(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return pqErr.Constraint, true
	}
	return "", false
}
