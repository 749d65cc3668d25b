package stratum

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dvandal/cnpool/internal/address"
	"github.com/dvandal/cnpool/internal/pow"
	"github.com/dvandal/cnpool/internal/template"
	"github.com/dvandal/cnpool/pkg/errors"
)

var errNoTemplate = errors.New(errors.ErrorTypeInternal, "mint_job", "no block template available")

// A session retains the last few jobs so shares racing a job push are still
// honored. The oldest job silently expires on overflow.
const maxActiveJobs = 4

// Job is a lease of a block template to one miner at one difficulty
type Job struct {
	ID          string
	ExtraNonce  uint32
	Height      int64
	Difficulty  int64
	Submissions map[string]struct{}
}

// RecordSubmission marks a dedup key as seen. Returns false when the key
// was already submitted for this job.
func (j *Job) RecordSubmission(key string) bool {
	if _, seen := j.Submissions[key]; seen {
		return false
	}
	j.Submissions[key] = struct{}{}
	return true
}

// Miner holds the authenticated mining state of one session
type Miner struct {
	mu sync.Mutex

	ID         string
	Login      string
	Address    string
	PaymentID  string
	WorkerName string
	RewardType address.RewardType
	IP         string
	Agent      string
	Proxy      bool
	Algo       string

	Diff  *DifficultyController
	Trust *TrustController

	jobs         []*Job
	cachedHeight int64
	cachedReply  interface{}

	lastActivity time.Time
}

// NewMiner creates the mining state for an authenticated session. The
// accounting login keeps the payment id suffix so integrated-payment
// miners do not collapse into one ledger identity.
func NewMiner(id, ip string, login *address.Login, workerName, agent, algo string, proxy bool, diff *DifficultyController, trust *TrustController, now time.Time) *Miner {
	identity := login.Identity
	if identity == "" {
		identity = login.Address
	}
	return &Miner{
		ID:           id,
		Login:        identity,
		Address:      login.Address,
		PaymentID:    login.PaymentID,
		WorkerName:   workerName,
		RewardType:   login.RewardType,
		IP:           ip,
		Agent:        agent,
		Proxy:        proxy,
		Algo:         algo,
		Diff:         diff,
		Trust:        trust,
		lastActivity: now,
	}
}

// Touch refreshes the activity heartbeat
func (m *Miner) Touch(now time.Time) {
	m.mu.Lock()
	m.lastActivity = now
	m.mu.Unlock()
}

// LastActivity returns the time of the last protocol interaction
func (m *Miner) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// FindJob resolves a job id against the session's active job window
func (m *Miner) FindJob(jobID string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ID == jobID {
			return j, true
		}
	}
	return nil, false
}

// MintJob produces the next job payload for this miner. When the template
// height is unchanged and no difficulty change is pending, the previous job
// is reused to avoid burning extra nonces on idle getjob polling.
func (m *Miner) MintJob(cache *template.Cache) (interface{}, error) {
	bt := cache.Current()
	if bt == nil {
		return nil, errNoTemplate
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cachedReply != nil && m.cachedHeight == bt.Height && m.Diff.PendingDifficulty() == 0 {
		return m.cachedReply, nil
	}

	difficulty := m.Diff.ApplyPending()
	jobID := uuid.New().String()

	job := &Job{
		ID:          jobID,
		Height:      bt.Height,
		Difficulty:  difficulty,
		Submissions: make(map[string]struct{}),
	}

	var reply interface{}
	if m.Proxy {
		pb := bt.MintProxyBlob()
		job.ExtraNonce = pb.ExtraNonce
		reply = &ProxyJobReply{
			BlocktemplateBlob: pb.BlobHex,
			ReservedOffset:    pb.ReservedOffset,
			ClientNonceOffset: pb.ClientNonceOffset,
			ClientPoolOffset:  pb.ClientPoolOffset,
			TargetDiff:        difficulty,
			JobID:             jobID,
			ID:                m.ID,
			SeedHash:          bt.SeedHash,
			NextSeedHash:      bt.NextSeedHash,
			Algo:              m.Algo,
			Height:            bt.Height,
		}
	} else {
		blob, extraNonce := bt.MintBlob()
		job.ExtraNonce = extraNonce
		reply = &JobReply{
			Blob:         blob,
			JobID:        jobID,
			Target:       pow.TargetHex(difficulty),
			ID:           m.ID,
			SeedHash:     bt.SeedHash,
			NextSeedHash: bt.NextSeedHash,
			Algo:         m.Algo,
			Height:       bt.Height,
		}
	}

	m.jobs = append(m.jobs, job)
	if len(m.jobs) > maxActiveJobs {
		m.jobs = m.jobs[1:]
	}
	m.cachedHeight = bt.Height
	m.cachedReply = reply

	return reply, nil
}

// InvalidateCachedJob forces the next MintJob call to produce a fresh job
func (m *Miner) InvalidateCachedJob() {
	m.mu.Lock()
	m.cachedReply = nil
	m.mu.Unlock()
}
