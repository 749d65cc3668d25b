// Package ledger persists share accounting and round state in Redis. All
// multi-key updates run inside a single transaction so sibling listener
// processes sharing the database never observe a torn round.
package ledger

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dvandal/cnpool/internal/address"
	"github.com/dvandal/cnpool/internal/config"
	"github.com/dvandal/cnpool/internal/share"
	"github.com/dvandal/cnpool/pkg/errors"
	"github.com/dvandal/cnpool/pkg/log"
)

// slushScript applies time-decayed slush scoring inside the transaction so
// the round start read and the score write cannot interleave with a round
// rotation.
//
// KEYS[1] scores hash, KEYS[2] stats hash
// ARGV[1] login, ARGV[2] difficulty, ARGV[3] now ms, ARGV[4] weight
var slushScript = redis.NewScript(`
local start = tonumber(redis.call('hget', KEYS[2], 'lastBlockFound'))
if not start then start = tonumber(ARGV[3]) end
local age = (tonumber(ARGV[3]) - start) / 1000
local score = tonumber(ARGV[2]) * math.exp(age / tonumber(ARGV[4]))
redis.call('hincrbyfloat', KEYS[1], ARGV[1], score)
return 0
`)

// Ledger is the Redis-backed round accounting store
type Ledger struct {
	client *redis.Client
	coin   string
	slush  config.SlushMiningConfig
	expiry time.Duration
	logger *log.Logger

	nowFunc func() time.Time
}

// New creates a ledger on an established Redis client. Worker hashes expire
// after cleanupDays of inactivity.
func New(client *redis.Client, coin string, slush config.SlushMiningConfig, cleanupDays int, logger *log.Logger) *Ledger {
	if cleanupDays < 1 {
		cleanupDays = 1
	}
	return &Ledger{
		client:  client,
		coin:    coin,
		slush:   slush,
		expiry:  time.Duration(cleanupDays) * 24 * time.Hour,
		logger:  logger.WithComponent("ledger"),
		nowFunc: time.Now,
	}
}

// Connect dials Redis from configuration and verifies the connection
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeRedis, "redis_connect", "invalid redis URL")
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	opts.MaxRetries = cfg.MaxRetries
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeRedis, "redis_connect", "redis ping failed")
	}
	return client, nil
}

// Key builders. The whole schema hangs off the coin name so multiple pools
// can share one Redis database.

func (l *Ledger) keyScores(rt address.RewardType) string {
	return fmt.Sprintf("%s:scores:%s:roundCurrent", l.coin, rt)
}

func (l *Ledger) keySharesActual(rt address.RewardType) string {
	return fmt.Sprintf("%s:shares_actual:%s:roundCurrent", l.coin, rt)
}

func (l *Ledger) keyScoresRound(rt address.RewardType, height int64) string {
	return fmt.Sprintf("%s:scores:%s:round%d", l.coin, rt, height)
}

func (l *Ledger) keySharesRound(rt address.RewardType, height int64) string {
	return fmt.Sprintf("%s:shares_actual:%s:round%d", l.coin, rt, height)
}

func (l *Ledger) keyHashrate() string {
	return l.coin + ":hashrate"
}

func (l *Ledger) keyWorkers(login string) string {
	return l.coin + ":workers:" + login
}

func (l *Ledger) keyUniqueWorker(login, worker string) string {
	return l.coin + ":unique_workers:" + login + "~" + worker
}

func (l *Ledger) keyStats() string {
	return l.coin + ":stats"
}

func (l *Ledger) keyCandidates() string {
	return l.coin + ":blocks:candidates"
}

func (l *Ledger) keyWorkersIP(login string) string {
	return l.coin + ":workers_ip:" + login
}

func (l *Ledger) keyPortUsers(port int) string {
	return fmt.Sprintf("%s:ports:%d", l.coin, port)
}

func (l *Ledger) keyActiveConnections(rt address.RewardType) string {
	if rt == address.RewardSolo {
		return l.coin + ":active_connections:solo"
	}
	return l.coin + ":active_connections"
}

func loginWorkerID(login, worker string) string {
	if worker == "" {
		return login
	}
	return login + "~" + worker
}

// hashrateMember encodes one hashrate sample for the stats collector
func hashrateMember(difficulty int64, login, worker string, nowMs int64, rt address.RewardType) string {
	return fmt.Sprintf("%d:%s:%d:%s", difficulty, loginWorkerID(login, worker), nowMs, rt)
}

// candidateMember encodes a block candidate for the unlocker
func candidateMember(rt address.RewardType, login, blockHash string, nowMs, difficulty, totalShares int64, totalScore float64) string {
	return fmt.Sprintf("%s:%s:%s:%d:%d:%d:%s",
		rt, login, blockHash, nowMs, difficulty, totalShares,
		strconv.FormatFloat(totalScore, 'f', -1, 64))
}

// RecordShare accounts one accepted share in a single transaction.
// Deliberately not retried: replaying a share transaction would double
// count it.
func (l *Ledger) RecordShare(ctx context.Context, data share.Data) error {
	now := l.nowFunc()
	nowMs := now.UnixMilli()

	pipe := l.client.TxPipeline()
	l.queueShare(ctx, pipe, data, now, nowMs)

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeRedis, "record_share", "share transaction failed")
	}
	return nil
}

func (l *Ledger) queueShare(ctx context.Context, pipe redis.Pipeliner, data share.Data, now time.Time, nowMs int64) {
	diff := data.Difficulty

	if l.slush.Enabled {
		slushScript.Run(ctx, pipe,
			[]string{l.keyScores(data.RewardType), l.keyStats()},
			data.Login, diff, nowMs, l.slush.Weight)
	} else {
		pipe.HIncrByFloat(ctx, l.keyScores(data.RewardType), data.Login, float64(diff))
	}
	pipe.HIncrBy(ctx, l.keySharesActual(data.RewardType), data.Login, diff)

	pipe.ZAdd(ctx, l.keyHashrate(), redis.Z{
		Score:  float64(now.Unix()),
		Member: hashrateMember(diff, data.Login, data.WorkerName, nowMs, data.RewardType),
	})

	pipe.HIncrBy(ctx, l.keyWorkers(data.Login), "hashes", diff)
	pipe.HSet(ctx, l.keyWorkers(data.Login), "lastShare", now.Unix())
	pipe.Expire(ctx, l.keyWorkers(data.Login), l.expiry)

	if data.WorkerName != "" {
		uk := l.keyUniqueWorker(data.Login, data.WorkerName)
		pipe.HIncrBy(ctx, uk, "hashes", diff)
		pipe.HSet(ctx, uk, "lastShare", now.Unix())
		pipe.Expire(ctx, uk, l.expiry)
	}
}

// RecordBlockCandidate accounts the winning share, rotates the current
// round under the block height and files the candidate for the unlocker.
// A failure here is logged as critical and never retried: the round state
// is ambiguous and operator inspection beats automated replay.
func (l *Ledger) RecordBlockCandidate(ctx context.Context, data share.Data, blockHash string) error {
	now := l.nowFunc()
	nowMs := now.UnixMilli()

	pipe := l.client.TxPipeline()
	l.queueShare(ctx, pipe, data, now, nowMs)

	pipe.HSet(ctx, l.keyStats(), "lastBlockFound", nowMs)

	renames, sharesSnap, scoresSnap := l.queueRotation(ctx, pipe, data)

	if _, err := pipe.Exec(ctx); err != nil && !isMissingKey(err) {
		return errors.Wrap(err, errors.ErrorTypeRedis, "record_block", "round rotation transaction failed")
	}
	for _, cmd := range renames {
		if err := cmd.Err(); err != nil && !isMissingKey(err) {
			return errors.Wrap(err, errors.ErrorTypeRedis, "record_block", "round key rename failed")
		}
	}

	var totalShares int64
	for _, v := range sharesSnap.Val() {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			totalShares += n
		}
	}
	var totalScore float64
	for _, v := range scoresSnap.Val() {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			totalScore += f
		}
	}

	// The candidate lands after Exec because its member encodes the round
	// totals, which only exist once the snapshot replies are in. A crash
	// between the rotation and this ZADD leaves a rotated round without a
	// candidate entry; operators reconcile from the round<height> keys.
	member := candidateMember(data.RewardType, data.Login, blockHash, nowMs, data.Difficulty, totalShares, totalScore)
	if err := l.client.ZAdd(ctx, l.keyCandidates(), redis.Z{
		Score:  float64(data.Height),
		Member: member,
	}).Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeRedis, "record_block", "candidate zadd failed")
	}

	l.logger.Info("round rotated",
		"height", data.Height,
		"block_hash", blockHash,
		"reward_type", string(data.RewardType),
		"total_shares", totalShares,
	)
	return nil
}

// queueRotation moves the current round keys under the block height. A
// found block closes the round for both reward families, not only the
// winner's: the unlocker reads round<height> for each of them. The
// snapshots feed the candidate member's round totals.
func (l *Ledger) queueRotation(ctx context.Context, pipe redis.Pipeliner, data share.Data) ([]*redis.StatusCmd, *redis.MapStringStringCmd, *redis.MapStringStringCmd) {
	renames := make([]*redis.StatusCmd, 0, 4)
	for _, rt := range []address.RewardType{address.RewardProp, address.RewardSolo} {
		renames = append(renames,
			pipe.Rename(ctx, l.keyScores(rt), l.keyScoresRound(rt, data.Height)),
			pipe.Rename(ctx, l.keySharesActual(rt), l.keySharesRound(rt, data.Height)),
		)
	}
	sharesSnap := pipe.HGetAll(ctx, l.keySharesRound(data.RewardType, data.Height))
	scoresSnap := pipe.HGetAll(ctx, l.keyScoresRound(data.RewardType, data.Height))
	return renames, sharesSnap, scoresSnap
}

// WorkerConnected registers a live connection: the login's source IP set,
// the per-port user counter and the per-worker connection counter the
// stats frontend reads.
func (l *Ledger) WorkerConnected(ctx context.Context, login, worker, ip string, port int, rt address.RewardType) error {
	pipe := l.client.Pipeline()
	pipe.SAdd(ctx, l.keyWorkersIP(login), ip)
	pipe.HIncrBy(ctx, l.keyPortUsers(port), "users", 1)
	pipe.HIncrBy(ctx, l.keyActiveConnections(rt), loginWorkerID(login, worker), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeRedis, "worker_connected", "connection accounting failed")
	}
	return nil
}

// WorkerDisconnected decrements the connection counters for a closed
// session
func (l *Ledger) WorkerDisconnected(ctx context.Context, login, worker string, port int, rt address.RewardType) error {
	pipe := l.client.Pipeline()
	pipe.HIncrBy(ctx, l.keyPortUsers(port), "users", -1)
	pipe.HIncrBy(ctx, l.keyActiveConnections(rt), loginWorkerID(login, worker), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeRedis, "worker_disconnected", "connection accounting failed")
	}
	return nil
}

// ResetConnectionCounters clears connection state left over from a prior
// run. Called once when a listener process starts.
func (l *Ledger) ResetConnectionCounters(ctx context.Context) error {
	err := l.client.Del(ctx,
		l.keyActiveConnections(address.RewardProp),
		l.keyActiveConnections(address.RewardSolo),
	).Err()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeRedis, "reset_connections", "connection counter reset failed")
	}
	return nil
}

// PruneHashrate drops hashrate samples older than the retention window
func (l *Ledger) PruneHashrate(ctx context.Context, retention time.Duration) error {
	cutoff := l.nowFunc().Add(-retention).Unix()
	err := l.client.ZRemRangeByScore(ctx, l.keyHashrate(), "-inf", strconv.FormatInt(cutoff, 10)).Err()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeRedis, "prune_hashrate", "zremrangebyscore failed")
	}
	return nil
}

// slushScore mirrors the Lua script's scoring curve for reporting
func slushScore(difficulty int64, age time.Duration, weight float64) float64 {
	return float64(difficulty) * math.Exp(age.Seconds()/weight)
}

func isMissingKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such key")
}
