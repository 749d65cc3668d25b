// Package main implements poold, the stratum listener of the cnpool mining
// pool. It serves miner connections, validates shares, accounts rounds in
// Redis and coordinates with sibling processes over the fork channel.
package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dvandal/cnpool/internal/address"
	"github.com/dvandal/cnpool/internal/ban"
	"github.com/dvandal/cnpool/internal/config"
	"github.com/dvandal/cnpool/internal/daemon"
	"github.com/dvandal/cnpool/internal/events"
	"github.com/dvandal/cnpool/internal/fork"
	"github.com/dvandal/cnpool/internal/ledger"
	"github.com/dvandal/cnpool/internal/metrics"
	"github.com/dvandal/cnpool/internal/share"
	"github.com/dvandal/cnpool/internal/stratum"
	"github.com/dvandal/cnpool/internal/template"
	"github.com/dvandal/cnpool/pkg/log"
)

const (
	sweepInterval    = 30 * time.Second
	proxyAgentMarker = "xmr-node-proxy"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New("poold", cfg.ServiceVersion, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting poold",
		"coin", cfg.Coin.Name,
		"algorithm", cfg.Coin.Algorithm,
		"ports", len(cfg.Pool.Ports),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient, err := ledger.Connect(ctx, cfg.Redis)
	if err != nil {
		logger.WithError(err).Error("failed to connect to redis")
		os.Exit(1)
	}
	defer redisClient.Close()

	ledgerStore := ledger.New(redisClient, cfg.Coin.Name, cfg.SlushMining, cfg.Redis.CleanupInterval, logger)
	daemonClient := daemon.NewClient(cfg.Daemon, cfg.DaemonURL(), logger)
	broadcast := fork.New(redisClient, cfg.Coin.Name, "poold-"+uuid.New().String(), logger)
	publisher := events.NewPublisher(cfg.Kafka, cfg.Coin.Name, logger)
	defer publisher.Close()
	metricsWriter := metrics.NewWriter(cfg.Influx, cfg.Coin.Name, logger)
	defer metricsWriter.Close()

	server, err := NewPoolServer(cfg, logger, ledgerStore, daemonClient, broadcast, publisher, metricsWriter)
	if err != nil {
		logger.WithError(err).Error("failed to create pool server")
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("pool server failed")
			cancel()
		}
	}()

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Pool.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	logger.Info("poold stopped")
}

// PoolServer owns the listeners, the session registry and the background
// loops of one listener process
type PoolServer struct {
	cfg       *config.Config
	logger    *log.Logger
	cache     *template.Cache
	bans      *ban.Controller
	processor *share.Processor
	ledger    *ledger.Ledger
	daemon    *daemon.Client
	broadcast *fork.Broadcast
	events    *events.Publisher
	metrics   *metrics.Writer
	validator *address.Validator

	instanceID []byte

	mu        sync.RWMutex
	sessions  map[string]*stratum.Session
	listeners []net.Listener

	refresh chan struct{}
	done    chan struct{}

	// guarded by mu, written by the refresh loop and the fork listener
	lastTipHash string
}

// NewPoolServer wires the server and its subsystems
func NewPoolServer(cfg *config.Config, logger *log.Logger, ledgerStore *ledger.Ledger, daemonClient *daemon.Client, broadcast *fork.Broadcast, publisher *events.Publisher, metricsWriter *metrics.Writer) (*PoolServer, error) {
	instanceID := make([]byte, 4)
	if _, err := rand.Read(instanceID); err != nil {
		return nil, fmt.Errorf("generate instance id: %w", err)
	}

	s := &PoolServer{
		cfg:        cfg,
		logger:     logger.WithComponent("pool_server"),
		cache:      template.NewCache(),
		ledger:     ledgerStore,
		daemon:     daemonClient,
		broadcast:  broadcast,
		events:     publisher,
		metrics:    metricsWriter,
		validator:  address.NewValidator(cfg.Coin.AddressPrefix, cfg.Coin.IntPrefix, cfg.Coin.SubPrefix),
		instanceID: instanceID,
		sessions:   make(map[string]*stratum.Session),
		refresh:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	s.bans = ban.NewController(cfg.Banning, s.relayBan)
	s.processor = share.NewProcessor(s.cache, s.bans, daemonClient, ledgerStore, s.triggerRefresh, logger)
	return s, nil
}

// relayBan propagates a locally decided ban to sibling processes
func (s *PoolServer) relayBan(ip string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.broadcast != nil {
		if err := s.broadcast.PublishBan(ctx, ip); err != nil {
			s.logger.WithError(err).Warn("ban relay failed", "ip", ip)
		}
	}
	s.events.WorkerBanned(ctx, &events.WorkerEvent{IP: ip})
}

// triggerRefresh forces a template fetch outside the poll cadence
func (s *PoolServer) triggerRefresh() {
	select {
	case s.refresh <- struct{}{}:
	default:
	}
}

// Start fetches the initial template, opens all listen ports and runs the
// background loops until the context is canceled
func (s *PoolServer) Start(ctx context.Context) error {
	if err := s.ledger.ResetConnectionCounters(ctx); err != nil {
		s.logger.WithError(err).Warn("connection counter reset failed")
	}

	// A dead daemon at startup degrades to "no work yet": the refresh
	// loop keeps polling and miners get a job once it answers.
	if err := s.refreshTemplate(ctx); err != nil {
		s.logger.WithError(err).Error("initial template fetch failed, serving without work until the daemon answers")
	}

	for _, port := range s.cfg.Pool.Ports {
		listener, err := s.listen(port)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.listeners = append(s.listeners, listener)
		s.mu.Unlock()
		go s.acceptLoop(listener, port)
	}

	go s.refreshLoop(ctx)
	go s.retargetLoop(ctx)
	go s.sweepLoop(ctx)
	if s.broadcast != nil {
		go func() {
			if err := s.broadcast.Listen(ctx, s); err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Error("fork listener stopped")
			}
		}()
	}

	<-ctx.Done()
	return nil
}

func (s *PoolServer) listen(port config.PortConfig) (net.Listener, error) {
	addr := net.JoinHostPort(s.cfg.Pool.ListenAddr, fmt.Sprintf("%d", port.Port))

	if port.TLS {
		cert, err := tls.LoadX509KeyPair(s.cfg.Pool.TLSCertFile, s.cfg.Pool.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS keypair: %w", err)
		}
		listener, err := tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err != nil {
			return nil, fmt.Errorf("TLS listen %s: %w", addr, err)
		}
		s.logger.Info("listening", "addr", addr, "tls", true, "port_difficulty", port.Difficulty)
		return listener, nil
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	s.logger.Info("listening", "addr", addr, "port_difficulty", port.Difficulty)
	return listener, nil
}

func (s *PoolServer) acceptLoop(listener net.Listener, port config.PortConfig) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.WithError(err).Warn("accept failed")
			continue
		}

		s.mu.RLock()
		count := len(s.sessions)
		s.mu.RUnlock()
		if count >= s.cfg.Pool.MaxConnections {
			s.logger.Warn("connection limit reached, rejecting", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}

		session := stratum.NewSession(uuid.New().String(), conn, port.Port,
			s.cfg.Pool.ReadBufferLimit, s.logger, s.handleMessage, s.removeSession)

		if s.bans.IsBanned(session.RemoteIP) {
			s.logger.Debug("dropping connection from banned IP", "ip", session.RemoteIP)
			conn.Close()
			continue
		}

		s.mu.Lock()
		s.sessions[session.ID] = session
		s.mu.Unlock()

		go session.Serve()
	}
}

func (s *PoolServer) removeSession(sess *stratum.Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID)
	s.mu.Unlock()

	if m := sess.Miner(); m != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.ledger.WorkerDisconnected(ctx, m.Login, m.WorkerName, sess.Port, m.RewardType); err != nil {
			s.logger.WithError(err).Warn("worker disconnect accounting failed")
		}
		s.events.WorkerDisconnected(ctx, &events.WorkerEvent{Login: m.Login, Worker: m.WorkerName, IP: m.IP})
	}
}

// handleMessage dispatches one request line from a session
func (s *PoolServer) handleMessage(sess *stratum.Session, req *stratum.Request) {
	switch req.Method {
	case "login":
		s.handleLogin(sess, req)
	case "getjob":
		s.handleGetJob(sess, req)
	case "submit":
		s.handleSubmit(sess, req)
	case "keepalived":
		s.handleKeepalived(sess, req)
	default:
		s.logger.Warn("unknown stratum method",
			"method", req.Method,
			"remote_ip", sess.RemoteIP,
			"params", string(req.Params),
		)
		sess.SendError(req.ID, stratum.ErrCodeInvalid, "Invalid method")
	}
}

func (s *PoolServer) handleLogin(sess *stratum.Session, req *stratum.Request) {
	var params stratum.LoginParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		sess.SendError(req.ID, stratum.ErrCodeInvalid, "Invalid login parameters")
		return
	}

	if s.bans.IsBanned(sess.RemoteIP) {
		sess.SendError(req.ID, stratum.ErrCodeInvalid, stratum.MsgBanned)
		sess.Close()
		return
	}

	login, err := address.Parse(params.Login, address.ParseOptions{
		PaymentIDSeparator: s.cfg.PaymentID.AddressSeparator,
		FixedDiffSeparator: s.cfg.FixedDiff.AddressSeparator,
		FixedDiffEnabled:   s.cfg.FixedDiff.Enabled,
		MinDiff:            s.cfg.VarDiff.MinDiff,
	})
	if err != nil {
		sess.SendError(req.ID, stratum.ErrCodeInvalid, stratum.MsgInvalidAddress)
		return
	}

	if err := s.validator.Validate(login.Address); err != nil {
		sess.SendError(req.ID, stratum.ErrCodeInvalid, stratum.MsgInvalidAddress)
		return
	}

	if login.PaymentID != "" && s.cfg.PaymentID.Validation && !address.ValidPaymentID(login.PaymentID) {
		if s.cfg.PaymentID.Ban {
			s.bans.Ban(sess.RemoteIP)
		}
		sess.SendError(req.ID, stratum.ErrCodeInvalid, stratum.MsgInvalidPayID)
		sess.Close()
		return
	}

	now := time.Now()
	startDiff := s.portDifficulty(sess.Port)
	fixed := false
	if login.FixedDiff > 0 {
		startDiff = login.FixedDiff
		fixed = true
	}

	diff := stratum.NewDifficultyController(s.cfg.VarDiff, startDiff, fixed, now)
	trust := stratum.NewTrustController(s.cfg.ShareTrust)
	proxy := strings.Contains(strings.ToLower(params.Agent), proxyAgentMarker)
	workerName := address.WorkerFromPass(params.Pass)
	if workerName == "" && params.RigID != "" {
		workerName = params.RigID
	}

	miner := stratum.NewMiner(sess.ID, sess.RemoteIP, login, workerName, params.Agent,
		s.cfg.Coin.Algorithm, proxy, diff, trust, now)
	sess.SetMiner(miner)

	job, err := miner.MintJob(s.cache)
	if err != nil {
		sess.SendError(req.ID, stratum.ErrCodeInvalid, "Block template not available, try again later")
		return
	}

	sess.SendResult(req.ID, &stratum.LoginReply{ID: sess.ID, Job: job, Status: "OK"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.ledger.WorkerConnected(ctx, miner.Login, miner.WorkerName, miner.IP, sess.Port, miner.RewardType); err != nil {
		s.logger.WithError(err).Warn("worker connect accounting failed")
	}
	s.events.WorkerConnected(ctx, &events.WorkerEvent{Login: miner.Login, Worker: miner.WorkerName, IP: miner.IP})

	s.logger.WithMiner(miner.Login, miner.IP).Info("miner connected",
		"worker", miner.WorkerName,
		"agent", miner.Agent,
		"difficulty", diff.Difficulty(),
		"proxy", proxy,
	)
}

func (s *PoolServer) handleGetJob(sess *stratum.Session, req *stratum.Request) {
	miner := sess.Miner()
	if miner == nil {
		sess.SendError(req.ID, stratum.ErrCodeInvalid, stratum.MsgUnauthenticated)
		return
	}
	miner.Touch(time.Now())

	job, err := miner.MintJob(s.cache)
	if err != nil {
		sess.SendError(req.ID, stratum.ErrCodeInvalid, "Block template not available, try again later")
		return
	}
	sess.SendResult(req.ID, job)
}

func (s *PoolServer) handleSubmit(sess *stratum.Session, req *stratum.Request) {
	miner := sess.Miner()
	if miner == nil {
		sess.SendError(req.ID, stratum.ErrCodeInvalid, stratum.MsgUnauthenticated)
		return
	}
	now := time.Now()
	miner.Touch(now)

	var params stratum.SubmitParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		sess.SendError(req.ID, stratum.ErrCodeInvalid, "Invalid submit parameters")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, reject := s.processor.Process(ctx, miner, &params)
	if reject != nil {
		sess.SendError(req.ID, stratum.ErrCodeInvalid, reject.Message)
		s.events.ShareRejected(ctx, &events.ShareEvent{
			Login:      miner.Login,
			Worker:     miner.WorkerName,
			IP:         miner.IP,
			Difficulty: miner.Diff.Difficulty(),
			Reason:     string(reject.Reason),
		})
		s.metrics.RecordShare(miner.Login, miner.WorkerName, "rejected", miner.Diff.Difficulty(), false)
		s.logger.LogShareRejected(string(reject.Reason), miner.Login, miner.IP, params.JobID)

		if reject.Banned {
			sess.Close()
		}
		return
	}

	sess.SendResult(req.ID, &stratum.StatusReply{Status: "OK"})

	shareType := "valid"
	if result.Trusted {
		shareType = "trusted"
	}
	s.logger.LogShareAccepted(shareType, miner.Login, miner.IP, miner.Diff.Difficulty(), result.ShareDiff.String())

	s.events.ShareAccepted(ctx, &events.ShareEvent{
		Login:      miner.Login,
		Worker:     miner.WorkerName,
		IP:         miner.IP,
		Difficulty: miner.Diff.Difficulty(),
		ShareDiff:  result.ShareDiff.String(),
		Trusted:    result.Trusted,
	})
	s.metrics.RecordShare(miner.Login, miner.WorkerName, "accepted", miner.Diff.Difficulty(), result.Trusted)

	if result.Outcome == share.OutcomeBlockCandidate {
		bt := s.cache.Current()
		var height int64
		if bt != nil {
			height = bt.Height
		}
		s.events.BlockFound(ctx, &events.BlockEvent{
			Login:     miner.Login,
			Worker:    miner.WorkerName,
			Height:    height,
			BlockHash: result.BlockHash,
		})
		s.metrics.RecordBlock(miner.Login, height)
	}
}

func (s *PoolServer) handleKeepalived(sess *stratum.Session, req *stratum.Request) {
	miner := sess.Miner()
	if miner == nil {
		sess.SendError(req.ID, stratum.ErrCodeInvalid, stratum.MsgUnauthenticated)
		return
	}
	miner.Touch(time.Now())
	sess.SendResult(req.ID, &stratum.StatusReply{Status: "KEEPALIVED"})
}

// portDifficulty returns the configured starting difficulty of a port
func (s *PoolServer) portDifficulty(port int) int64 {
	for _, p := range s.cfg.Pool.Ports {
		if p.Port == port {
			return p.Difficulty
		}
	}
	return s.cfg.VarDiff.MinDiff
}

// refreshLoop keeps the template cache current: it reacts to refresh
// signals immediately and otherwise polls the chain tip on a fixed cadence
func (s *PoolServer) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Pool.BlockRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.refresh:
			if err := s.refreshTemplate(ctx); err != nil {
				s.logger.WithError(err).Error("forced template refresh failed")
			}
		case <-ticker.C:
			header, err := s.daemon.GetLastBlockHeader(ctx)
			if err != nil {
				s.logger.WithError(err).Warn("chain tip check failed")
				continue
			}
			if header.Hash == s.tipHash() {
				continue
			}
			if err := s.refreshTemplate(ctx); err != nil {
				s.logger.WithError(err).Error("template refresh failed")
			}
		}
	}
}

// refreshTemplate fetches a template from the daemon and installs it
func (s *PoolServer) refreshTemplate(ctx context.Context) error {
	reply, err := s.daemon.GetBlockTemplate(ctx, s.cfg.Daemon.ReserveSize, s.cfg.Coin.PoolAddress)
	if err != nil {
		return err
	}
	if reply.PrevHash != "" {
		s.setTipHash(reply.PrevHash)
	}
	return s.installTemplate(reply.BlocktemplateBlob, reply.Difficulty, reply.Height,
		reply.ReservedOffset, reply.SeedHash, reply.NextSeedHash)
}

func (s *PoolServer) tipHash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTipHash
}

func (s *PoolServer) setTipHash(hash string) {
	s.mu.Lock()
	s.lastTipHash = hash
	s.mu.Unlock()
}

func (s *PoolServer) installTemplate(blobHex string, difficulty, height int64, reservedOffset int, seedHash, nextSeedHash string) error {
	bt, err := template.New(blobHex, difficulty, height, reservedOffset, seedHash, nextSeedHash, s.instanceID)
	if err != nil {
		return err
	}

	tipChanged := s.cache.SetCurrent(bt)
	s.logger.Info("block template installed",
		"height", height,
		"difficulty", difficulty,
		"tip_changed", tipChanged,
	)

	if tipChanged || !s.cfg.Pool.JobRefreshOnPrevHash {
		s.broadcastJobs()
	}
	return nil
}

// broadcastJobs pushes a fresh job to every authenticated session
func (s *PoolServer) broadcastJobs() {
	s.mu.RLock()
	sessions := make([]*stratum.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	pushed := 0
	for _, sess := range sessions {
		miner := sess.Miner()
		if miner == nil {
			continue
		}
		miner.InvalidateCachedJob()
		job, err := miner.MintJob(s.cache)
		if err != nil {
			continue
		}
		sess.PushJob(job)
		pushed++
	}
	if pushed > 0 {
		s.logger.Info("jobs broadcast", "sessions", pushed)
	}
}

// retargetLoop runs the variable difficulty controllers on their cadence
func (s *PoolServer) retargetLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.VarDiff.RetargetTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.RLock()
			sessions := make([]*stratum.Session, 0, len(s.sessions))
			for _, sess := range s.sessions {
				sessions = append(sessions, sess)
			}
			s.mu.RUnlock()

			for _, sess := range sessions {
				miner := sess.Miner()
				if miner == nil {
					continue
				}
				newDiff, changed := miner.Diff.Retarget(now)
				if !changed {
					continue
				}
				s.logger.LogRetarget(miner.Login, miner.Diff.Difficulty(), newDiff)
				job, err := miner.MintJob(s.cache)
				if err != nil {
					continue
				}
				sess.PushJob(job)
			}
		}
	}
}

// sweepLoop evicts timed out miners and expired bans
func (s *PoolServer) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.bans.Sweep()

			s.mu.RLock()
			sessions := make([]*stratum.Session, 0, len(s.sessions))
			for _, sess := range s.sessions {
				sessions = append(sessions, sess)
			}
			miners := 0
			s.mu.RUnlock()

			for _, sess := range sessions {
				miner := sess.Miner()
				if miner == nil {
					continue
				}
				miners++
				if now.Sub(miner.LastActivity()) < s.cfg.Pool.MinerTimeout {
					continue
				}
				s.logger.WithMiner(miner.Login, miner.IP).Info("miner timed out",
					"last_activity", miner.LastActivity(),
				)
				evCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				s.events.WorkerTimeout(evCtx, &events.WorkerEvent{Login: miner.Login, Worker: miner.WorkerName, IP: miner.IP})
				cancel()
				sess.Close()
			}

			s.metrics.RecordConnections(len(sessions), miners)

			pruneCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := s.ledger.PruneHashrate(pruneCtx, 24*time.Hour); err != nil {
				s.logger.WithError(err).Warn("hashrate prune failed")
			}
			cancel()
		}
	}
}

// OnBanIP applies a ban relayed from a sibling process
func (s *PoolServer) OnBanIP(ip string) {
	s.logger.Info("applying relayed ban", "ip", ip)
	s.bans.Ban(ip)
}

// OnBlockTemplate installs a template relayed by templated or a sibling
func (s *PoolServer) OnBlockTemplate(ev *fork.TemplateEvent) {
	cur := s.cache.Current()
	if cur != nil && cur.Height >= ev.Height {
		return
	}
	if err := s.installTemplate(ev.BlobHex, ev.Difficulty, ev.Height, ev.ReservedOffset, ev.SeedHash, ev.NextSeedHash); err != nil {
		s.logger.WithError(err).Warn("relayed template rejected")
		return
	}
	if ev.PrevHash != "" {
		s.setTipHash(ev.PrevHash)
	}
}

// Shutdown closes the listeners and drains all sessions
func (s *PoolServer) Shutdown(_ context.Context) error {
	s.logger.Info("shutting down pool server")
	close(s.done)

	s.mu.Lock()
	for _, listener := range s.listeners {
		listener.Close()
	}
	sessions := make([]*stratum.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}

	s.logger.Info("pool server stopped", "sessions_closed", len(sessions))
	return nil
}
