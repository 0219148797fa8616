package ethereum

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Compile-time check that Pool implements Client.
var _ Client = (*Pool)(nil)

// Pool spreads calls over the healthy nodes and applies each node's rate
// limit before every call.
type Pool struct {
	log      logrus.FieldLogger
	nodes    []Node
	limiters map[Node]*rate.Limiter
	metrics  *Metrics
	config   *Config

	mu      sync.RWMutex
	healthy map[Node]bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool creates a node per configured execution endpoint.
func NewPool(log logrus.FieldLogger, namespace string, config *Config, factory NodeFactory) *Pool {
	nodes := make([]Node, 0, len(config.Execution))
	limits := make([]*NodeConfig, 0, len(config.Execution))

	for _, conf := range config.Execution {
		nodes = append(nodes, factory(log, conf))
		limits = append(limits, conf)
	}

	return newPool(log, namespace, nodes, limits, config)
}

// NewPoolWithNodes creates a pool over pre-built nodes without rate limits.
func NewPoolWithNodes(log logrus.FieldLogger, namespace string, nodes []Node, config *Config) *Pool {
	if config == nil {
		config = &Config{}
	}

	return newPool(log, namespace, nodes, make([]*NodeConfig, len(nodes)), config)
}

func newPool(log logrus.FieldLogger, namespace string, nodes []Node, limits []*NodeConfig, config *Config) *Pool {
	limiters := make(map[Node]*rate.Limiter, len(nodes))

	for i, node := range nodes {
		if conf := limits[i]; conf != nil && conf.RateLimit > 0 {
			limiters[node] = rate.NewLimiter(rate.Limit(conf.RateLimit), conf.RateBurst)
		}
	}

	return &Pool{
		log:      log.WithField("component", "ethereum-pool"),
		nodes:    nodes,
		limiters: limiters,
		healthy:  make(map[Node]bool, len(nodes)),
		metrics:  GetMetricsInstance(fmt.Sprintf("%s_ethereum", namespace)),
		config:   config,
	}
}

func (p *Pool) HasExecutionNodes() bool {
	return len(p.nodes) > 0
}

func (p *Pool) HasHealthyExecutionNodes() bool {
	return len(p.GetHealthyExecutionNodes()) > 0
}

func (p *Pool) GetHealthyExecutionNodes() []Node {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Node, 0, len(p.healthy))

	for node, ok := range p.healthy {
		if ok {
			out = append(out, node)
		}
	}

	return out
}

// GetHealthyExecutionNode returns a random healthy node, or nil.
func (p *Pool) GetHealthyExecutionNode() Node {
	nodes := p.GetHealthyExecutionNodes()
	if len(nodes) == 0 {
		return nil
	}

	//nolint:gosec // load spreading only
	return nodes[rand.IntN(len(nodes))]
}

// WaitForHealthyExecutionNode blocks until a node is ready or ctx ends.
func (p *Pool) WaitForHealthyExecutionNode(ctx context.Context) (Node, error) {
	if len(p.nodes) == 0 {
		return nil, fmt.Errorf("no execution nodes configured")
	}

	start := time.Now()

	p.log.WithField("total_nodes", len(p.nodes)).Info("Waiting for healthy execution node")

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	status := time.NewTicker(10 * time.Second)
	defer status.Stop()

	for {
		if node := p.GetHealthyExecutionNode(); node != nil {
			p.log.WithFields(logrus.Fields{
				"node":     node.Name(),
				"duration": time.Since(start).Round(time.Millisecond),
			}).Info("Found healthy execution node")

			return node, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-status.C:
			p.log.WithField("waiting_for", time.Since(start).Round(time.Second)).Info("Still waiting for a healthy execution node")
		case <-ticker.C:
		}
	}
}

func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	g := new(errgroup.Group)

	p.UpdateNodeMetrics()

	for _, node := range p.nodes {
		node.OnReady(ctx, func(_ context.Context) error {
			p.mu.Lock()
			p.healthy[node] = true
			p.mu.Unlock()

			p.log.WithFields(logrus.Fields{
				"node":        node.Name(),
				"chain_id":    node.ChainID(),
				"client_type": node.ClientType(),
			}).Info("Execution node ready")

			p.UpdateNodeMetrics()

			return nil
		})

		g.Go(func() error {
			return node.Start(ctx)
		})
	}

	p.wg.Go(func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.UpdateNodeMetrics()
			}
		}
	})

	p.wg.Go(func() {
		if err := g.Wait(); err != nil && ctx.Err() == nil {
			p.log.WithError(err).Error("Failed to start execution node")
		}
	})
}

func (p *Pool) UpdateNodeMetrics() {
	healthy := len(p.GetHealthyExecutionNodes())

	p.metrics.SetNodesTotal(float64(healthy), "healthy")
	p.metrics.SetNodesTotal(float64(len(p.nodes)-healthy), "unhealthy")
}

// Stop gracefully shuts down the pool.
func (p *Pool) Stop(ctx context.Context) error {
	p.log.Info("Stopping pool")

	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})

	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.log.Warn("Timeout waiting for pool goroutines to stop")
	}

	for _, node := range p.nodes {
		if err := node.Stop(ctx); err != nil {
			p.log.WithError(err).WithField("node", node.Name()).Error("Failed to stop execution node")
		}
	}

	return nil
}

// NetworkName returns the configured override or the well-known name of
// the chain reported by a healthy node.
func (p *Pool) NetworkName() (string, error) {
	if p.config.OverrideNetworkName != nil && *p.config.OverrideNetworkName != "" {
		return *p.config.OverrideNetworkName, nil
	}

	node := p.GetHealthyExecutionNode()
	if node == nil {
		return "", ErrNoHealthyNode
	}

	network, err := GetNetworkByChainID(node.ChainID())
	if err != nil {
		return "", err
	}

	return network.Name, nil
}

// GetNetworkByChainID returns the network information for the given chain ID.
// If overrideNetworkName is set in config, it returns that name instead of using networkMap.
func (p *Pool) GetNetworkByChainID(chainID int64) (*Network, error) {
	if p.config.OverrideNetworkName != nil && *p.config.OverrideNetworkName != "" {
		return &Network{ID: chainID, Name: *p.config.OverrideNetworkName}, nil
	}

	return GetNetworkByChainID(chainID)
}

// pick returns a healthy node once its rate limiter admits the call.
func (p *Pool) pick(ctx context.Context) (Node, error) {
	node := p.GetHealthyExecutionNode()
	if node == nil {
		return nil, ErrNoHealthyNode
	}

	if limiter := p.limiters[node]; limiter != nil {
		start := time.Now()

		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter for %s: %w", node.Name(), err)
		}

		p.metrics.ObserveLimiterWait(node.Name(), time.Since(start).Seconds())
	}

	return node, nil
}

func call[T any](ctx context.Context, p *Pool, fn func(n Node) (T, error)) (T, error) {
	var zero T

	node, err := p.pick(ctx)
	if err != nil {
		return zero, err
	}

	return fn(node)
}

func (p *Pool) HeadBlock(ctx context.Context) (*Block, error) {
	return call(ctx, p, func(n Node) (*Block, error) { return n.HeadBlock(ctx) })
}

func (p *Pool) BlockByNumber(ctx context.Context, number uint64) (*Block, error) {
	return call(ctx, p, func(n Node) (*Block, error) { return n.BlockByNumber(ctx, number) })
}

func (p *Pool) BlockByHash(ctx context.Context, hash string) (*Block, error) {
	return call(ctx, p, func(n Node) (*Block, error) { return n.BlockByHash(ctx, hash) })
}

func (p *Pool) TransactionReceipt(ctx context.Context, hash string) (*Receipt, error) {
	return call(ctx, p, func(n Node) (*Receipt, error) { return n.TransactionReceipt(ctx, hash) })
}

func (p *Pool) CodeAt(ctx context.Context, address string) (string, error) {
	return call(ctx, p, func(n Node) (string, error) { return n.CodeAt(ctx, address) })
}

func (p *Pool) CallContract(ctx context.Context, address string, data []byte) ([]byte, error) {
	return call(ctx, p, func(n Node) ([]byte, error) { return n.CallContract(ctx, address, data) })
}
