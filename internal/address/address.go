// Package address implements CryptoNote wallet address parsing and the
// pool's login string conventions (reward type prefix, payment id and
// static difficulty suffixes).
package address

import (
	"encoding/binary"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/dvandal/cnpool/pkg/errors"
)

const b58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// CryptoNote base58 works on 8-byte blocks, each encoded to 11 characters.
// A shorter trailing block maps through this table.
var encodedBlockSizes = [9]int{0, 2, 3, 5, 6, 7, 9, 10, 11}

var (
	b58Lookup    [256]int8
	paymentIDRe  = regexp.MustCompile(`^([0-9a-fA-F]{16}|[0-9a-fA-F]{64})$`)
	workerNameRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)
)

func init() {
	for i := range b58Lookup {
		b58Lookup[i] = -1
	}
	for i, c := range b58Alphabet {
		b58Lookup[c] = int8(i)
	}
}

// RewardType identifies how shares from a miner are accounted
type RewardType string

const (
	RewardProp RewardType = "prop"
	RewardSolo RewardType = "solo"
)

// Login holds the parsed components of a stratum login string. Identity
/// is the accounting key: the address with its payment id suffix still
// attached, so integrated-payment miners stay distinct in the ledger.
type Login struct {
	Identity   string
	Address    string
	PaymentID  string
	RewardType RewardType
	FixedDiff  int64
	WorkerName string
}

// decodeBlock decodes one base58 block into at most 8 bytes
func decodeBlock(block string) ([]byte, error) {
	resSize := -1
	for i, s := range encodedBlockSizes {
		if s == len(block) {
			resSize = i
			break
		}
	}
	if resSize <= 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "base58_decode", "invalid block length")
	}

	num := new(big.Int)
	base := big.NewInt(58)
	for _, c := range block {
		digit := b58Lookup[c&0xff]
		if digit < 0 {
			return nil, errors.New(errors.ErrorTypeValidation, "base58_decode", "invalid base58 character")
		}
		num.Mul(num, base)
		num.Add(num, big.NewInt(int64(digit)))
	}

	if num.BitLen() > resSize*8 {
		return nil, errors.New(errors.ErrorTypeValidation, "base58_decode", "block overflow")
	}

	buf := make([]byte, resSize)
	num.FillBytes(buf)
	return buf, nil
}

// DecodeBase58 decodes a CryptoNote block-wise base58 string
func DecodeBase58(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "base58_decode", "empty input")
	}

	const fullBlockEncoded = 11
	var out []byte
	for i := 0; i < len(encoded); i += fullBlockEncoded {
		end := i + fullBlockEncoded
		if end > len(encoded) {
			end = len(encoded)
		}
		block, err := decodeBlock(encoded[i:end])
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
	}
	return out, nil
}

// Prefix extracts the varint address prefix from a base58 encoded address
func Prefix(address string) (uint64, error) {
	raw, err := DecodeBase58(address)
	if err != nil {
		return 0, err
	}
	prefix, n := binary.Uvarint(raw)
	if n <= 0 {
		return 0, errors.New(errors.ErrorTypeValidation, "address_prefix", "invalid varint prefix")
	}
	return prefix, nil
}

// Validator checks wallet addresses against the configured coin prefixes
type Validator struct {
	base       uint64
	integrated uint64
	sub        uint64
}

// NewValidator creates a validator for the given address prefixes
func NewValidator(base, integrated, sub uint64) *Validator {
	return &Validator{base: base, integrated: integrated, sub: sub}
}

// Validate checks that the address decodes and carries a known prefix
func (v *Validator) Validate(address string) error {
	prefix, err := Prefix(address)
	if err != nil {
		return err
	}
	if prefix != v.base && prefix != v.integrated && prefix != v.sub {
		return errors.New(errors.ErrorTypeValidation, "address_validate",
			"unknown address prefix "+strconv.FormatUint(prefix, 10))
	}
	return nil
}

// IsIntegrated reports whether the address carries the integrated prefix
func (v *Validator) IsIntegrated(address string) bool {
	prefix, err := Prefix(address)
	return err == nil && prefix == v.integrated
}

// ValidPaymentID reports whether s is a 16 or 64 hex character payment id
func ValidPaymentID(s string) bool {
	return paymentIDRe.MatchString(s)
}

// ParseOptions controls login string parsing
type ParseOptions struct {
	PaymentIDSeparator string
	FixedDiffSeparator string
	FixedDiffEnabled   bool
	MinDiff            int64
}

// Parse splits a raw stratum login into its components. The recognized
// shape is:
//
//	[solo:|prop:]address[<pidSep>paymentid][<diffSep>difficulty]
func Parse(raw string, opts ParseOptions) (*Login, error) {
	if raw == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "login_parse", "empty login")
	}

	login := &Login{RewardType: RewardProp}

	rest := raw
	if strings.HasPrefix(rest, "solo:") {
		login.RewardType = RewardSolo
		rest = rest[len("solo:"):]
	} else if strings.HasPrefix(rest, "prop:") {
		rest = rest[len("prop:"):]
	}

	if opts.FixedDiffEnabled && opts.FixedDiffSeparator != "" {
		if idx := strings.LastIndex(rest, opts.FixedDiffSeparator); idx >= 0 {
			diffStr := rest[idx+len(opts.FixedDiffSeparator):]
			if diff, err := strconv.ParseInt(diffStr, 10, 64); err == nil && diff > 0 {
				if diff < opts.MinDiff {
					diff = opts.MinDiff
				}
				login.FixedDiff = diff
				rest = rest[:idx]
			}
		}
	}

	login.Identity = rest

	if opts.PaymentIDSeparator != "" {
		if idx := strings.Index(rest, opts.PaymentIDSeparator); idx >= 0 {
			login.PaymentID = rest[idx+len(opts.PaymentIDSeparator):]
			rest = rest[:idx]
		}
	}

	if rest == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "login_parse", "missing wallet address")
	}
	login.Address = rest

	return login, nil
}

// WorkerFromPass extracts the worker name from a stratum password of the
// form "anything@workername". Returns empty string when no valid worker
// name is present.
func WorkerFromPass(pass string) string {
	idx := strings.LastIndex(pass, "@")
	if idx < 0 {
		return ""
	}
	worker := pass[idx+1:]
	if !workerNameRe.MatchString(worker) {
		return ""
	}
	return worker
}
