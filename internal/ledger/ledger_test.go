package ledger

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dvandal/cnpool/internal/address"
	"github.com/dvandal/cnpool/internal/config"
	"github.com/dvandal/cnpool/internal/share"
	"github.com/dvandal/cnpool/pkg/log"
)

func testLedger() *Ledger {
	// The client never dials: pipeline queueing happens client side and
	// the tests that would hit the network inspect queued commands only.
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	return New(client, "monero", config.SlushMiningConfig{}, 15, log.New("test", "dev", "error", "text"))
}

func TestKeySchema(t *testing.T) {
	l := testLedger()

	tests := []struct {
		got  string
		want string
	}{
		{l.keyScores(address.RewardProp), "monero:scores:prop:roundCurrent"},
		{l.keyScores(address.RewardSolo), "monero:scores:solo:roundCurrent"},
		{l.keySharesActual(address.RewardProp), "monero:shares_actual:prop:roundCurrent"},
		{l.keyScoresRound(address.RewardProp, 250000), "monero:scores:prop:round250000"},
		{l.keySharesRound(address.RewardSolo, 250000), "monero:shares_actual:solo:round250000"},
		{l.keyHashrate(), "monero:hashrate"},
		{l.keyWorkers("4abc"), "monero:workers:4abc"},
		{l.keyUniqueWorker("4abc", "rig1"), "monero:unique_workers:4abc~rig1"},
		{l.keyStats(), "monero:stats"},
		{l.keyCandidates(), "monero:blocks:candidates"},
		{l.keyWorkersIP("4abc"), "monero:workers_ip:4abc"},
		{l.keyPortUsers(4444), "monero:ports:4444"},
		{l.keyActiveConnections(address.RewardProp), "monero:active_connections"},
		{l.keyActiveConnections(address.RewardSolo), "monero:active_connections:solo"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("key = %s, want %s", tt.got, tt.want)
		}
	}
}

func TestHashrateMember(t *testing.T) {
	got := hashrateMember(5000, "4abc", "rig1", 1700000000123, address.RewardProp)
	want := "5000:4abc~rig1:1700000000123:prop"
	if got != want {
		t.Errorf("hashrateMember = %s, want %s", got, want)
	}

	// No worker name: the login stands alone.
	got = hashrateMember(5000, "4abc", "", 1700000000123, address.RewardSolo)
	want = "5000:4abc:1700000000123:solo"
	if got != want {
		t.Errorf("hashrateMember = %s, want %s", got, want)
	}
}

func TestCandidateMember(t *testing.T) {
	got := candidateMember(address.RewardProp, "4abc", "deadbeef", 1700000000123, 250000000, 1234567, 98765.5)
	want := "prop:4abc:deadbeef:1700000000123:250000000:1234567:98765.5"
	if got != want {
		t.Errorf("candidateMember = %s, want %s", got, want)
	}

	// Integral scores encode without a decimal point.
	got = candidateMember(address.RewardSolo, "4abc", "deadbeef", 1, 2, 3, 4)
	want = "solo:4abc:deadbeef:1:2:3:4"
	if got != want {
		t.Errorf("candidateMember = %s, want %s", got, want)
	}
}

func TestLoginWorkerID(t *testing.T) {
	if got := loginWorkerID("4abc", "rig1"); got != "4abc~rig1" {
		t.Errorf("loginWorkerID = %s, want 4abc~rig1", got)
	}
	if got := loginWorkerID("4abc", ""); got != "4abc" {
		t.Errorf("loginWorkerID = %s, want 4abc", got)
	}
}

func TestRotationRenamesBothRewardFamilies(t *testing.T) {
	l := testLedger()
	pipe := l.client.TxPipeline()

	renames, _, _ := l.queueRotation(context.Background(), pipe, share.Data{
		Login:      "4abc",
		RewardType: address.RewardProp,
		Height:     250000,
	})

	want := map[string]string{
		"monero:scores:prop:roundCurrent":        "monero:scores:prop:round250000",
		"monero:scores:solo:roundCurrent":        "monero:scores:solo:round250000",
		"monero:shares_actual:prop:roundCurrent": "monero:shares_actual:prop:round250000",
		"monero:shares_actual:solo:roundCurrent": "monero:shares_actual:solo:round250000",
	}
	if len(renames) != len(want) {
		t.Fatalf("queued %d renames, want %d", len(renames), len(want))
	}
	for _, cmd := range renames {
		args := cmd.Args()
		if len(args) != 3 {
			t.Fatalf("rename args = %v", args)
		}
		src := fmt.Sprint(args[1])
		dst, ok := want[src]
		if !ok {
			t.Errorf("unexpected rename source %s", src)
			continue
		}
		if got := fmt.Sprint(args[2]); got != dst {
			t.Errorf("rename %s -> %s, want %s", src, got, dst)
		}
		delete(want, src)
	}
	for src := range want {
		t.Errorf("missing rename for %s", src)
	}
}

func TestSlushScore(t *testing.T) {
	// A share at round start scores exactly its difficulty.
	if got := slushScore(1000, 0, 300); got != 1000 {
		t.Errorf("slushScore(age 0) = %v, want 1000", got)
	}

	// One weight period later the share is worth e times more.
	got := slushScore(1000, 300*time.Second, 300)
	want := 1000 * math.E
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("slushScore(age weight) = %v, want %v", got, want)
	}

	// Scoring grows monotonically with age within a round.
	if slushScore(1000, 100*time.Second, 300) >= slushScore(1000, 200*time.Second, 300) {
		t.Error("slush score must grow with share age in round")
	}
}

func TestCleanupFloor(t *testing.T) {
	l := New(nil, "monero", config.SlushMiningConfig{}, 0, log.New("test", "dev", "error", "text"))
	if l.expiry != 24*time.Hour {
		t.Errorf("expiry = %v, want floor of one day", l.expiry)
	}
}
