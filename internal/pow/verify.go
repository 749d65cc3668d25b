package pow

import (
	"sync"

	"golang.org/x/crypto/sha3"

	"github.com/dvandal/cnpool/pkg/errors"
)

// Verifier computes the proof of work hash for a hashing blob. Seed-keyed
// algorithms use the template seed hash; others ignore it.
type Verifier interface {
	// Name returns the algorithm identifier, e.g. "rx/0" or "k12"
	Name() string
	// Hash computes the PoW hash of blob. seedHash is the hex encoded
	// dataset seed for algorithms that need one, empty otherwise.
	Hash(blob []byte, seedHash string, height int64) ([]byte, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Verifier)
)

// Register adds a verifier to the algorithm registry. Registering the same
// name twice replaces the earlier entry.
func Register(v Verifier) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[v.Name()] = v
}

// Lookup returns the verifier registered under name
func Lookup(name string) (Verifier, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	v, ok := registry[name]
	if !ok {
		return nil, errors.New(errors.ErrorTypeInternal, "pow_lookup",
			"no verifier registered for algorithm "+name)
	}
	return v, nil
}

// keccakVerifier is a reference algorithm built on legacy Keccak-256. It is
// the PoW used by a number of small CryptoNote forks and doubles as the
// deterministic algorithm for tests and development pools.
type keccakVerifier struct{}

func (keccakVerifier) Name() string { return "keccak" }

func (keccakVerifier) Hash(blob []byte, _ string, _ int64) ([]byte, error) {
	if len(blob) == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "pow_hash", "empty hashing blob")
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(blob)
	return h.Sum(nil), nil
}

func init() {
	Register(keccakVerifier{})
}
