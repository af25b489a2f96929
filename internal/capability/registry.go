package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/loqalabs/loqa-asr/internal/bus"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "asr.node.announce"
	SubjectHeartbeatPrefix = "asr.node.heartbeat"
)

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Stream describes the audio a recognizer node consumes.
type Stream struct {
	ID         string `json:"id"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Engine     string `json:"engine"`
}

// Status is the live part of a heartbeat.
type Status struct {
	State      string `json:"state"`
	Utterances int    `json:"utterances"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Stream       Stream       `json:"stream"`
	Status       Status       `json:"status"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Stream       Stream       `json:"stream"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry announces this recognizer node, heartbeats its decode status and tracks peers.
type Registry struct {
	cfg    config.NodeConfig
	stream Stream
	status func() Status
	log    *slog.Logger
	bus    *bus.Client
	mu     sync.RWMutex
	nodes  map[string]*NodeInfo
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
	meter  metric.Meter
	clock  func() time.Time
}

// NewRegistry subscribes to peer presence and announces the local node. status may be nil.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, stream Stream, status func() Status, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	if status == nil {
		status = func() Status { return Status{} }
	}
	r := &Registry{
		cfg:    cfg,
		stream: stream,
		status: status,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		nodes:  make(map[string]*NodeInfo),
		cancel: cancel,
		meter:  otel.Meter("github.com/loqalabs/loqa-asr/capability"),
		clock:  time.Now,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.wg.Wait()
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(SubjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(SubjectHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	interval := time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) localCapabilities() []Capability {
	caps := convertCapabilities(r.cfg.Capabilities)
	for i := range caps {
		attrs := make(map[string]string, len(caps[i].Attributes)+3)
		for k, v := range caps[i].Attributes {
			attrs[k] = v
		}
		attrs["sample_rate"] = strconv.Itoa(r.stream.SampleRate)
		attrs["channels"] = strconv.Itoa(r.stream.Channels)
		attrs["engine"] = r.stream.Engine
		caps[i].Attributes = attrs
	}
	return caps
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.localCapabilities(),
		Stream:       r.stream,
		Timestamp:    r.clock().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(SubjectAnnounce, payload); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, func(n *NodeInfo) {
		n.Role = msg.Role
		n.Capabilities = msg.Capabilities
		n.Stream = msg.Stream
		n.LastSeen = msg.Timestamp
	})
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:    r.cfg.ID,
		Status:    r.status(),
		Timestamp: r.clock().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(SubjectHeartbeatPrefix+"."+r.cfg.ID, payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a announceMessage
	if err := json.Unmarshal(msg.Data, &a); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if a.NodeID == "" {
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = r.clock().UTC()
	}
	r.updateNode(a.NodeID, func(n *NodeInfo) {
		n.Role = a.Role
		n.Capabilities = a.Capabilities
		n.Stream = a.Stream
		n.LastSeen = a.Timestamp
	})
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.updateNode(hb.NodeID, func(n *NodeInfo) {
		n.Status = hb.Status
		n.LastSeen = hb.Timestamp
	})
}

func (r *Registry) updateNode(nodeID string, apply func(*NodeInfo)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	apply(node)
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()
	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether the local node has been seen on the bus recently.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	return results
}

func (r *Registry) initMetrics() error {
	nodes, err := r.meter.Int64ObservableGauge("asr.nodes", metric.WithDescription("Known recognizer nodes"))
	if err != nil {
		return err
	}
	decoding, err := r.meter.Int64ObservableGauge("asr.nodes.decoding", metric.WithDescription("Healthy nodes currently decoding"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		total, active := r.snapshotCounts()
		obs.ObserveInt64(nodes, total)
		obs.ObserveInt64(decoding, active)
		return nil
	}, nodes, decoding)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total, active int64
	for _, node := range r.nodes {
		total++
		if node.Healthy && node.Status.State != "" && node.Status.State != "idle" {
			active++
		}
	}
	return total, active
}

func convertCapabilities(source []config.NodeCapability) []Capability {
	if len(source) == 0 {
		return nil
	}
	result := make([]Capability, 0, len(source))
	for _, c := range source {
		result = append(result, Capability{
			Name:       c.Name,
			Tier:       c.Tier,
			Attributes: c.Attributes,
		})
	}
	return result
}

func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

// WithStreamFilter selects nodes consuming the given stream.
func WithStreamFilter(streamID string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		return node.Stream.ID == streamID
	}
}
