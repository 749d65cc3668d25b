// Package share validates miner submissions against their jobs and block
// templates, and routes accepted shares into the round ledger.
package share

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/dvandal/cnpool/internal/address"
	"github.com/dvandal/cnpool/internal/ban"
	"github.com/dvandal/cnpool/internal/pow"
	"github.com/dvandal/cnpool/internal/stratum"
	"github.com/dvandal/cnpool/internal/template"
	"github.com/dvandal/cnpool/pkg/log"
)

var (
	nonceRe  = regexp.MustCompile(`^[0-9a-f]{8}$`)
	resultRe = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// Outcome classifies a processed submission
type Outcome string

const (
	OutcomeAccepted       Outcome = "accepted"
	OutcomeBlockCandidate Outcome = "block_candidate"
)

// RejectReason classifies a rejected submission
type RejectReason string

const (
	RejectInvalidJob     RejectReason = "invalid_job"
	RejectBlockExpired   RejectReason = "block_expired"
	RejectMalformedNonce RejectReason = "malformed_nonce"
	RejectDuplicate      RejectReason = "duplicate_share"
	RejectBadHash        RejectReason = "bad_hash"
	RejectLowDifficulty  RejectReason = "low_difficulty"
)

// Reject is returned for a share that failed validation. Message is the
// wire text sent back to the miner; Banned reports whether this share
// tripped the ban threshold.
type Reject struct {
	Reason  RejectReason
	Message string
	Banned  bool
}

func (r *Reject) Error() string { return string(r.Reason) + ": " + r.Message }

// Result describes an accepted share
type Result struct {
	Outcome   Outcome
	ShareDiff *big.Int
	BlockHash string
	Trusted   bool
}

// Data is the accounting record of an accepted share
type Data struct {
	Login      string
	WorkerName string
	IP         string
	RewardType address.RewardType
	Difficulty int64
	ShareDiff  *big.Int
	Height     int64
	Trusted    bool
	Timestamp  time.Time
}

// BlockSubmitter pushes a solved block to the coin daemon
type BlockSubmitter interface {
	SubmitBlock(ctx context.Context, blobHex string) error
}

// Recorder persists share accounting. RecordBlockCandidate additionally
// rotates the current round.
type Recorder interface {
	RecordShare(ctx context.Context, data Data) error
	RecordBlockCandidate(ctx context.Context, data Data, blockHash string) error
}

// Processor runs the submission validation pipeline
type Processor struct {
	cache     *template.Cache
	bans      *ban.Controller
	submitter BlockSubmitter
	recorder  Recorder
	onBlock   func()
	logger    *log.Logger
	nowFunc   func() time.Time
}

// NewProcessor wires a share processor. onBlock is signaled after a block
// candidate was submitted so the template poller refetches immediately.
func NewProcessor(cache *template.Cache, bans *ban.Controller, submitter BlockSubmitter, recorder Recorder, onBlock func(), logger *log.Logger) *Processor {
	return &Processor{
		cache:     cache,
		bans:      bans,
		submitter: submitter,
		recorder:  recorder,
		onBlock:   onBlock,
		logger:    logger.WithComponent("share_processor"),
		nowFunc:   time.Now,
	}
}

// Process validates one submission. Returns a Result on acceptance or a
// Reject describing why the share was refused.
func (p *Processor) Process(ctx context.Context, miner *stratum.Miner, params *stratum.SubmitParams) (*Result, *Reject) {
	job, found := miner.FindJob(params.JobID)
	if !found {
		return nil, &Reject{Reason: RejectInvalidJob, Message: stratum.MsgInvalidJob}
	}

	nonce := strings.ToLower(params.Nonce)
	if !nonceRe.MatchString(nonce) {
		banned := p.bans.ForceFail(miner.IP)
		return nil, &Reject{Reason: RejectMalformedNonce, Message: stratum.MsgInvalidNonce, Banned: banned}
	}

	dedupKey := nonce
	var poolNonce, workerNonce uint32
	if miner.Proxy {
		pn, ok := numericNonce(params.PoolNonce)
		if !ok {
			banned := p.bans.ForceFail(miner.IP)
			return nil, &Reject{Reason: RejectMalformedNonce, Message: stratum.MsgInvalidNonce, Banned: banned}
		}
		wn, ok := numericNonce(params.WorkerNonce)
		if !ok {
			banned := p.bans.ForceFail(miner.IP)
			return nil, &Reject{Reason: RejectMalformedNonce, Message: stratum.MsgInvalidNonce, Banned: banned}
		}
		poolNonce, workerNonce = pn, wn
		dedupKey = nonce + "_" + params.PoolNonce.String() + "_" + params.WorkerNonce.String()
	}

	if !job.RecordSubmission(dedupKey) {
		banned := p.bans.ForceFail(miner.IP)
		return nil, &Reject{Reason: RejectDuplicate, Message: stratum.MsgDuplicateShare, Banned: banned}
	}

	bt, found := p.cache.FindByHeight(job.Height)
	if !found {
		return nil, &Reject{Reason: RejectBlockExpired, Message: stratum.MsgBlockExpired}
	}

	nonceBytes, _ := hex.DecodeString(nonce)
	shareBuffer := bt.ShareBuffer(job.ExtraNonce, poolNonce, workerNonce, miner.Proxy)
	blob, err := template.HashingBlob(shareBuffer, nonceBytes)
	if err != nil {
		return nil, &Reject{Reason: RejectMalformedNonce, Message: stratum.MsgInvalidNonce}
	}

	resultHash := strings.ToLower(params.Result)
	if !resultRe.MatchString(resultHash) {
		banned := p.reject(miner)
		return nil, &Reject{Reason: RejectBadHash, Message: stratum.MsgLowDifficulty, Banned: banned}
	}

	trusted := miner.Trust.CanSkipVerification()
	if !trusted {
		if rej := p.verifySubmitted(miner, blob, bt, resultHash); rej != nil {
			return nil, rej
		}
	}
	hash, _ := hex.DecodeString(resultHash)

	shareDiff := pow.HashDifficulty(hash)

	data := Data{
		Login:      miner.Login,
		WorkerName: miner.WorkerName,
		IP:         miner.IP,
		RewardType: miner.RewardType,
		Difficulty: job.Difficulty,
		ShareDiff:  shareDiff,
		Height:     bt.Height,
		Trusted:    trusted,
		Timestamp:  p.nowFunc(),
	}

	if shareDiff.Cmp(big.NewInt(bt.Difficulty)) >= 0 {
		// Trust never extends to block submission: a skipped share that
		// claims the block is verified before the daemon sees it.
		if trusted {
			if rej := p.verifySubmitted(miner, blob, bt, resultHash); rej != nil {
				return nil, rej
			}
			trusted = false
			data.Trusted = false
		}
		if result, ok := p.processCandidate(ctx, miner, data, blob); ok {
			return result, nil
		}
		// Submit failed: the share still counts at job difficulty.
	} else if shareDiff.Cmp(big.NewInt(job.Difficulty)) < 0 {
		banned := p.reject(miner)
		return nil, &Reject{Reason: RejectLowDifficulty, Message: stratum.MsgLowDifficulty, Banned: banned}
	}

	p.accept(ctx, miner, data)
	return &Result{Outcome: OutcomeAccepted, ShareDiff: shareDiff, Trusted: trusted}, nil
}

// verifySubmitted recomputes the hash for the reconstructed block bytes
// and checks it against the miner-supplied result
func (p *Processor) verifySubmitted(miner *stratum.Miner, blob []byte, bt *template.BlockTemplate, resultHash string) *Reject {
	verifier, err := pow.Lookup(miner.Algo)
	if err != nil {
		p.logger.WithError(err).Error("no verifier for miner algorithm", "algo", miner.Algo)
		return &Reject{Reason: RejectBadHash, Message: stratum.MsgLowDifficulty}
	}
	computed, err := verifier.Hash(blob, bt.SeedHash, bt.Height)
	if err != nil {
		p.logger.WithError(err).Error("pow verification failed", "algo", miner.Algo)
		return &Reject{Reason: RejectBadHash, Message: stratum.MsgLowDifficulty}
	}
	if hex.EncodeToString(computed) != resultHash {
		banned := p.reject(miner)
		return &Reject{Reason: RejectBadHash, Message: stratum.MsgLowDifficulty, Banned: banned}
	}
	return nil
}

// processCandidate submits a winning share as a block. Returns ok=false
// when the daemon rejected the submission and the share should fall back
// to normal accounting.
func (p *Processor) processCandidate(ctx context.Context, miner *stratum.Miner, data Data, blob []byte) (*Result, bool) {
	blockHash := blockID(blob)
	logger := p.logger.WithMiner(miner.Login, miner.IP).WithFields("height", data.Height, "block_hash", blockHash)

	if err := p.submitter.SubmitBlock(ctx, hex.EncodeToString(blob)); err != nil {
		logger.WithError(err).Error("block submission rejected by daemon")
		return nil, false
	}

	miner.Trust.OnValidShare()
	p.bans.RecordShare(miner.IP, true)
	miner.Diff.OnShare(data.Timestamp)

	if err := p.recorder.RecordBlockCandidate(ctx, data, blockHash); err != nil {
		logger.WithError(err).Error("critical: block candidate not recorded in ledger")
	}

	logger.LogBlockCandidate(blockHash, data.Height, miner.Login, miner.IP)
	if p.onBlock != nil {
		p.onBlock()
	}
	return &Result{Outcome: OutcomeBlockCandidate, ShareDiff: data.ShareDiff, BlockHash: blockHash, Trusted: data.Trusted}, true
}

func (p *Processor) accept(ctx context.Context, miner *stratum.Miner, data Data) {
	miner.Trust.OnValidShare()
	p.bans.RecordShare(miner.IP, true)
	miner.Diff.OnShare(data.Timestamp)

	if err := p.recorder.RecordShare(ctx, data); err != nil {
		p.logger.WithError(err).Error("critical: share not recorded in ledger")
	}
}

// reject applies the invalid-share side effects and reports whether the
// miner's IP just got banned
func (p *Processor) reject(miner *stratum.Miner) bool {
	miner.Trust.OnInvalidShare()
	return p.bans.RecordShare(miner.IP, false)
}

// blockID derives the block identifier logged and stored for a candidate
func blockID(blob []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(blob)
	return hex.EncodeToString(h.Sum(nil))
}

// numericNonce validates a proxy sub-nonce as a non-negative integer
func numericNonce(n *json.Number) (uint32, bool) {
	if n == nil {
		return 0, false
	}
	v, err := n.Int64()
	if err != nil || v < 0 || v > int64(^uint32(0)) {
		return 0, false
	}
	return uint32(v), true
}
