// Package template manages block templates fetched from the coin daemon and
// the minting of per-miner hashing blobs out of the template's reserved
// region.
package template

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"sync"

	"github.com/dvandal/cnpool/pkg/errors"
)

// Block blob layout. The previous block hash sits at a fixed offset in the
// CryptoNote block header; the 4-byte search nonce directly follows it.
const (
	PrevHashOffset = 7
	PrevHashLength = 32
	NonceOffset    = PrevHashOffset + PrevHashLength

	// Reserved region layout, relative to the daemon's reserved offset:
	// pool extra nonce, listener instance id, then in proxy mode the
	// downstream pool and worker sub-nonce slots.
	ExtraNonceSize   = 4
	instanceIDOffset = 4
	poolNonceOffset  = 8
	workerNonceOffset = 12

	// Reserved bytes requested from the daemon via reserve_size.
	ReservedSize = 17
)

// BlockTemplate is a daemon-supplied block candidate the pool subdivides
// into jobs by stamping unique extra nonces into its reserved region.
type BlockTemplate struct {
	Blob           []byte
	Difficulty     int64
	Height         int64
	ReservedOffset int
	SeedHash       string
	NextSeedHash   string
	PrevHash       []byte

	mu         sync.Mutex
	extraNonce uint32
}

// New builds a BlockTemplate from the daemon's getblocktemplate response.
// The instance id distinguishes sibling listener processes sharing one
// wallet so their extra nonce spaces cannot collide.
func New(blobHex string, difficulty, height int64, reservedOffset int, seedHash, nextSeedHash string, instanceID []byte) (*BlockTemplate, error) {
	blob, err := hex.DecodeString(blobHex)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDaemon, "template_parse", "invalid template blob hex")
	}
	if len(blob) < NonceOffset+ExtraNonceSize {
		return nil, errors.New(errors.ErrorTypeDaemon, "template_parse", "template blob too short")
	}
	if reservedOffset < 0 || reservedOffset+ReservedSize > len(blob) {
		return nil, errors.New(errors.ErrorTypeDaemon, "template_parse", "reserved offset out of range")
	}
	if len(instanceID) < 4 {
		return nil, errors.New(errors.ErrorTypeInternal, "template_parse", "instance id must be 4 bytes")
	}

	t := &BlockTemplate{
		Blob:           blob,
		Difficulty:     difficulty,
		Height:         height,
		ReservedOffset: reservedOffset,
		SeedHash:       seedHash,
		NextSeedHash:   nextSeedHash,
		PrevHash:       append([]byte(nil), blob[PrevHashOffset:PrevHashOffset+PrevHashLength]...),
	}
	copy(t.Blob[reservedOffset+instanceIDOffset:], instanceID[:4])
	return t, nil
}

// NextExtraNonce reserves the next extra nonce value for this template
func (t *BlockTemplate) NextExtraNonce() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.extraNonce++
	return t.extraNonce
}

// MintBlob reserves a fresh extra nonce, stamps it into the reserved region
// and returns the hex blob together with the extra nonce used. Every call
// yields a distinct blob.
func (t *BlockTemplate) MintBlob() (string, uint32) {
	extraNonce := t.NextExtraNonce()
	buf := t.bufferWith(extraNonce, 0, 0, false)
	return hex.EncodeToString(buf), extraNonce
}

// ProxyBlob is the job payload handed to a downstream pool proxy: the raw
// template blob with a fresh extra nonce, plus the offsets at which the
// proxy writes its own sub-nonces.
type ProxyBlob struct {
	BlobHex           string
	ExtraNonce        uint32
	ReservedOffset    int
	ClientPoolOffset  int
	ClientNonceOffset int
}

// MintProxyBlob reserves an extra nonce for a downstream proxy job
func (t *BlockTemplate) MintProxyBlob() ProxyBlob {
	extraNonce := t.NextExtraNonce()
	buf := t.bufferWith(extraNonce, 0, 0, false)
	return ProxyBlob{
		BlobHex:           hex.EncodeToString(buf),
		ExtraNonce:        extraNonce,
		ReservedOffset:    t.ReservedOffset,
		ClientPoolOffset:  t.ReservedOffset + poolNonceOffset,
		ClientNonceOffset: t.ReservedOffset + workerNonceOffset,
	}
}

// ShareBuffer reconstructs the block bytes a miner hashed for a given job.
// Proxy shares additionally carry the downstream pool and worker sub-nonces.
func (t *BlockTemplate) ShareBuffer(extraNonce uint32, poolNonce, workerNonce uint32, proxy bool) []byte {
	return t.bufferWith(extraNonce, poolNonce, workerNonce, proxy)
}

func (t *BlockTemplate) bufferWith(extraNonce, poolNonce, workerNonce uint32, proxy bool) []byte {
	buf := append([]byte(nil), t.Blob...)
	binary.BigEndian.PutUint32(buf[t.ReservedOffset:], extraNonce)
	if proxy {
		binary.BigEndian.PutUint32(buf[t.ReservedOffset+poolNonceOffset:], poolNonce)
		binary.BigEndian.PutUint32(buf[t.ReservedOffset+workerNonceOffset:], workerNonce)
	}
	return buf
}

// HashingBlob assembles the final hashable block bytes from a share buffer
// and the miner's submitted 4-byte nonce
func HashingBlob(shareBuffer []byte, nonce []byte) ([]byte, error) {
	if len(nonce) != ExtraNonceSize {
		return nil, errors.New(errors.ErrorTypeValidation, "hashing_blob", "nonce must be 4 bytes")
	}
	if len(shareBuffer) < NonceOffset+ExtraNonceSize {
		return nil, errors.New(errors.ErrorTypeValidation, "hashing_blob", "share buffer too short")
	}
	blob := append([]byte(nil), shareBuffer...)
	copy(blob[NonceOffset:], nonce)
	return blob, nil
}

// SamePrevHash reports whether both templates extend the same parent block
func (t *BlockTemplate) SamePrevHash(other *BlockTemplate) bool {
	return other != nil && bytes.Equal(t.PrevHash, other.PrevHash)
}

// Cache holds the current block template plus a short history of superseded
// ones so shares racing a template rotation can still be validated.
type Cache struct {
	mu      sync.RWMutex
	current *BlockTemplate
	history []*BlockTemplate
}

const historyDepth = 3

// NewCache creates an empty template cache
func NewCache() *Cache {
	return &Cache{}
}

// SetCurrent installs a new current template, pushing the prior one onto
// the history. Returns true when the chain tip actually changed.
func (c *Cache) SetCurrent(t *BlockTemplate) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := c.current == nil || !c.current.SamePrevHash(t)

	if c.current != nil {
		c.history = append(c.history, c.current)
		if len(c.history) > historyDepth {
			c.history = c.history[1:]
		}
	}
	c.current = t
	return changed
}

// Current returns the active template, or nil before the first fetch
func (c *Cache) Current() *BlockTemplate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// FindByHeight resolves the template a job was minted from. Returns false
// when the height has rolled off the retained window.
func (c *Cache) FindByHeight(height int64) (*BlockTemplate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.current != nil && c.current.Height == height {
		return c.current, true
	}
	for i := len(c.history) - 1; i >= 0; i-- {
		if c.history[i].Height == height {
			return c.history[i], true
		}
	}
	return nil, false
}
