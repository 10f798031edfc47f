// Package cluster keeps the node table, exchanges heartbeats with
// seed peers, and serves forwarding decisions for request types with
// no local handler. The service is passive when clustering is
// disabled: every lookup answers empty and Forward reports no
// eligible peer, so the dispatcher needs no enabled-flag of its own.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dgfacade/gateway/internal/config"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/prometheus"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
	clustertypes "github.com/dgfacade/gateway/pkg/types/cluster"
)

// ForwardHeader marks a relayed submit with the forwarding node's id,
// so the receiving gateway can count it as cluster traffic.
const ForwardHeader = "X-DGF-Forwarded-From"

// heartbeatPath is the peer exchange endpoint every gateway serves.
const heartbeatPath = "/api/v1/cluster/heartbeat"

// LoadReporter feeds the self snapshot with live execution facts. The
// gateway wiring satisfies it from the supervisor and the registry.
type LoadReporter interface {
	ActiveHandlers() int64
	RequestsProcessed() int64
	HandlerTypes() []string
}

// Options wires a Service.
type Options struct {
	Config   config.ClusterConfig
	HTTPPort int
	Version  string
	Load     LoadReporter
	Logger   logging.Logger
	Metrics  *prometheus.GatewayMetrics

	// Client overrides the heartbeat/forward HTTP client, mostly for
	// tests. Every call through it carries its own context deadline
	// (heartbeat interval cap, dispatcher forward timeout, shutdown
	// drain), so the default client sets none of its own.
	Client *http.Client
}

// peer is one known remote node keyed by its host:port address.
type peer struct {
	node        *clustertypes.Node
	lastContact time.Time
	misses      int
}

// Service is the cluster membership and forwarding engine.
type Service struct {
	cfg       config.ClusterConfig
	nodeID    string
	httpPort  int
	version   string
	load      LoadReporter
	client    *http.Client
	logger    logging.Logger
	metrics   *prometheus.GatewayMetrics
	sampler   *sampler
	startedAt time.Time

	mu    sync.RWMutex
	peers map[string]*peer

	forwarded atomic.Int64
	received  atomic.Int64
	leaving   atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds the service. The node id falls back to the hostname, then
// to a generated id, so two anonymous nodes never collide.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	nodeID := strings.TrimSpace(opts.Config.NodeID)
	if nodeID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			nodeID = host
		} else {
			nodeID = "node-" + uuid.NewString()[:8]
		}
	}
	return &Service{
		cfg:       opts.Config,
		nodeID:    nodeID,
		httpPort:  opts.HTTPPort,
		version:   opts.Version,
		load:      opts.Load,
		client:    client,
		logger:    logger.Named("cluster"),
		metrics:   opts.Metrics,
		sampler:   newSampler(),
		startedAt: time.Now().UTC(),
		peers:     make(map[string]*peer),
		stop:      make(chan struct{}),
	}
}

// NodeID returns the local node's identity.
func (s *Service) NodeID() string { return s.nodeID }

// Enabled reports whether clustering is on.
func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Start launches the heartbeat loop. A disabled service stays inert.
func (s *Service) Start() {
	if !s.cfg.Enabled {
		s.logger.Info("clustering disabled")
		return
	}
	s.logger.Info("cluster service starting",
		logging.NodeID(s.nodeID),
		logging.String("role", string(clustertypes.ParseRole(s.cfg.Role))),
		logging.Int("seeds", len(s.seedAddrs())),
		logging.Duration("heartbeat", s.cfg.HeartbeatInterval()))
	s.wg.Add(1)
	go s.run()
}

func (s *Service) run() {
	defer s.wg.Done()
	interval := s.cfg.HeartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.beatAll()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.beatAll()
			s.sweep(interval)
		}
	}
}

// Stop halts the loop and sends a best-effort LEAVING notice to every
// seed, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	if !s.cfg.Enabled {
		return
	}

	s.leaving.Store(true)
	hb := s.heartbeatPayload()
	body, err := json.Marshal(hb)
	if err != nil {
		return
	}
	for _, addr := range s.seedAddrs() {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+heartbeatPath, bytes.NewReader(body))
		if err != nil {
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		if resp, err := s.client.Do(req); err == nil {
			resp.Body.Close()
		}
	}
	s.logger.Info("cluster service stopped", logging.NodeID(s.nodeID))
}

// Self builds a fresh snapshot of the local node.
func (s *Service) Self() *clustertypes.Node {
	cpuLoad, heapUsed, heapMax := s.sampler.sample()
	n := &clustertypes.Node{
		NodeID:        s.nodeID,
		Host:          s.advertiseHost(),
		Port:          s.httpPort,
		Role:          clustertypes.ParseRole(s.cfg.Role),
		Status:        clustertypes.StatusUp,
		Version:       s.version,
		StartedAt:     s.startedAt,
		LastHeartbeat: time.Now().UTC(),
		CPULoad:       cpuLoad,
		HeapUsedMB:    float64(heapUsed),
		HeapMaxMB:     float64(heapMax),
	}
	if s.leaving.Load() {
		n.Status = clustertypes.StatusLeaving
	}
	if s.load != nil {
		n.ActiveHandlers = s.load.ActiveHandlers()
		n.TotalRequestsProcessed = s.load.RequestsProcessed()
		n.HandlerTypes = s.load.HandlerTypes()
	}
	return n
}

// Nodes returns the full table, self first, peers ordered by id.
func (s *Service) Nodes() []*clustertypes.Node {
	s.mu.RLock()
	peers := make([]*clustertypes.Node, 0, len(s.peers))
	for _, p := range s.peers {
		if p.node != nil {
			peers = append(peers, p.node.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i].NodeID < peers[j].NodeID })
	return append([]*clustertypes.Node{s.Self()}, peers...)
}

// Status summarizes the table for the cluster status endpoint.
func (s *Service) Status() map[string]interface{} {
	counts := map[clustertypes.NodeStatus]int{}
	s.mu.RLock()
	for _, p := range s.peers {
		if p.node != nil {
			counts[p.node.Status]++
		}
	}
	known := len(s.peers)
	s.mu.RUnlock()

	return map[string]interface{}{
		"enabled":            s.cfg.Enabled,
		"cluster_tag":        s.cfg.ClusterTag,
		"node_id":            s.nodeID,
		"nodes_known":        known + 1,
		"peers_up":           counts[clustertypes.StatusUp],
		"peers_suspect":      counts[clustertypes.StatusSuspect],
		"peers_down":         counts[clustertypes.StatusDown],
		"peers_leaving":      counts[clustertypes.StatusLeaving],
		"requests_forwarded": s.forwarded.Load(),
		"requests_received":  s.received.Load(),
	}
}

// HandleHeartbeat ingests a peer's POSTed snapshot and answers with
// our own. A tag mismatch refuses the exchange.
func (s *Service) HandleHeartbeat(hb *clustertypes.Heartbeat) (*clustertypes.Heartbeat, error) {
	if hb == nil || hb.Node == nil {
		return nil, apperrors.New(apperrors.ErrCodeValidation, "heartbeat missing node snapshot")
	}
	if s.cfg.ClusterTag != "" && hb.ClusterTag != "" && hb.ClusterTag != s.cfg.ClusterTag {
		return nil, apperrors.Newf(apperrors.ErrCodeValidation, "cluster tag mismatch: got %q", hb.ClusterTag)
	}
	if hb.Node.NodeID != s.nodeID {
		s.freshen(hb.Node.Address(), hb.Node)
	}
	return s.heartbeatPayload(), nil
}

// ReceivedForward counts one submit relayed to us by a peer.
func (s *Service) ReceivedForward() {
	s.received.Add(1)
}

func (s *Service) heartbeatPayload() *clustertypes.Heartbeat {
	return &clustertypes.Heartbeat{
		Node:       s.Self(),
		ClusterTag: s.cfg.ClusterTag,
		SentAt:     time.Now().UTC(),
	}
}

func (s *Service) advertiseHost() string {
	if h := strings.TrimSpace(s.cfg.AdvertiseHost); h != "" {
		return h
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "localhost"
}

// seedAddrs filters the configured seeds down to remote ones.
func (s *Service) seedAddrs() []string {
	self := s.advertiseHost() + ":" + strconv.Itoa(s.httpPort)
	out := make([]string, 0, len(s.cfg.SeedNodes))
	for _, seed := range s.cfg.SeedNodes {
		seed = strings.TrimSpace(seed)
		if seed == "" || seed == self {
			continue
		}
		out = append(out, seed)
	}
	return out
}

// beatAll sends one heartbeat round to every seed concurrently.
func (s *Service) beatAll() {
	seeds := s.seedAddrs()
	if len(seeds) == 0 {
		return
	}
	body, err := json.Marshal(s.heartbeatPayload())
	if err != nil {
		s.logger.Error("heartbeat payload not serializable", logging.Err(err))
		return
	}

	var wg sync.WaitGroup
	for _, addr := range seeds {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			s.beat(addr, body)
		}(addr)
	}
	wg.Wait()
}

func (s *Service) beat(addr string, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), s.beatTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+heartbeatPath, bytes.NewReader(body))
	if err != nil {
		s.miss(addr, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.miss(addr, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.miss(addr, apperrors.Newf(apperrors.ErrCodePeerUnreachable, "heartbeat to %s returned %d", addr, resp.StatusCode))
		return
	}

	var reply clustertypes.Heartbeat
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil || reply.Node == nil {
		s.miss(addr, apperrors.Wrap(err, apperrors.ErrCodePeerUnreachable, "malformed heartbeat reply"))
		return
	}
	s.freshen(addr, reply.Node)
}

func (s *Service) beatTimeout() time.Duration {
	interval := s.cfg.HeartbeatInterval()
	if interval < 5*time.Second {
		return interval
	}
	return 5 * time.Second
}

// freshen stores a peer snapshot after any successful contact. A
// fresh exchange lifts SUSPECT and DOWN back to UP; an announced
// LEAVING sticks.
func (s *Service) freshen(addr string, node *clustertypes.Node) {
	now := time.Now().UTC()
	cp := node.Clone()
	cp.LastHeartbeat = now
	if cp.Status != clustertypes.StatusLeaving {
		cp.Status = clustertypes.StatusUp
	}

	s.mu.Lock()
	p, ok := s.peers[addr]
	if !ok {
		p = &peer{}
		s.peers[addr] = p
	}
	wasDown := p.node != nil && p.node.Status == clustertypes.StatusDown
	p.node = cp
	p.lastContact = now
	p.misses = 0
	s.mu.Unlock()

	if !ok || wasDown {
		s.logger.Info("peer up",
			logging.NodeID(cp.NodeID),
			logging.String("addr", addr),
			logging.String("role", string(cp.Role)))
	}
}

// miss records a failed heartbeat and applies the downgrade ladder:
// SUSPECT once contact is older than twice the interval, DOWN after
// three consecutive misses.
func (s *Service) miss(addr string, err error) {
	s.metrics.RecordHeartbeatFailure(addr)
	interval := s.cfg.HeartbeatInterval()

	s.mu.Lock()
	p, ok := s.peers[addr]
	if !ok {
		p = &peer{}
		s.peers[addr] = p
	}
	p.misses++
	misses := p.misses
	var transition clustertypes.NodeStatus
	if p.node != nil {
		switch {
		case p.misses >= 3 && p.node.Status != clustertypes.StatusDown:
			p.node.Status = clustertypes.StatusDown
			transition = clustertypes.StatusDown
		case p.node.Status == clustertypes.StatusUp && time.Since(p.lastContact) > 2*interval:
			p.node.Status = clustertypes.StatusSuspect
			transition = clustertypes.StatusSuspect
		}
	}
	s.mu.Unlock()

	if transition != "" {
		s.logger.Warn("peer "+strings.ToLower(string(transition)),
			logging.String("addr", addr),
			logging.Int("misses", misses),
			logging.Err(err))
	} else {
		s.logger.Debug("heartbeat miss",
			logging.String("addr", addr),
			logging.Err(err))
	}
}

// sweep downgrades peers that have gone quiet, covering nodes that
// heartbeat us rather than the other way round.
func (s *Service) sweep(interval time.Duration) {
	now := time.Now()
	s.mu.Lock()
	for addr, p := range s.peers {
		if p.node == nil || p.lastContact.IsZero() {
			continue
		}
		quiet := now.Sub(p.lastContact)
		switch p.node.Status {
		case clustertypes.StatusUp:
			if quiet > 2*interval {
				p.node.Status = clustertypes.StatusSuspect
				s.logger.Warn("peer suspect",
					logging.NodeID(p.node.NodeID),
					logging.String("addr", addr),
					logging.Duration("quiet", quiet))
			}
		case clustertypes.StatusSuspect:
			if quiet > 5*interval {
				p.node.Status = clustertypes.StatusDown
				s.logger.Warn("peer down",
					logging.NodeID(p.node.NodeID),
					logging.String("addr", addr),
					logging.Duration("quiet", quiet))
			}
		}
	}
	s.mu.Unlock()
}

// pickPeer chooses the UP executor peer advertising the type with the
// lowest active_handlers, ties broken by lowest cpu_load.
func (s *Service) pickPeer(requestType string) *clustertypes.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *clustertypes.Node
	for _, p := range s.peers {
		n := p.node
		if n == nil || !n.Alive() || !n.Role.CanExecute() || !n.Advertises(requestType) {
			continue
		}
		if best == nil ||
			n.ActiveHandlers < best.ActiveHandlers ||
			(n.ActiveHandlers == best.ActiveHandlers && n.CPULoad < best.CPULoad) {
			best = n
		}
	}
	if best == nil {
		return nil
	}
	return best.Clone()
}

