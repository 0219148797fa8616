// Package geth implements ethereum.Node over go-ethereum's JSON-RPC client.
package geth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/chain-indexer/pkg/ethereum"
)

// Compile-time check that RPCNode implements ethereum.Node.
var _ ethereum.Node = (*RPCNode)(nil)

// headerTransport adds custom headers to requests and respects context cancellation.
type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for key, value := range t.headers {
		req.Header.Set(key, value)
	}

	if req.Context().Err() != nil {
		return nil, req.Context().Err()
	}

	return t.base.RoundTrip(req)
}

// RPCNode talks to one execution client.
type RPCNode struct {
	config    *ethereum.NodeConfig
	log       logrus.FieldLogger
	client    *ethclient.Client
	rpcClient *rpc.Client
	meta      *metadata

	mu               sync.RWMutex
	onReadyCallbacks []func(ctx context.Context) error
	cancel           context.CancelFunc
}

func NewRPCNode(log logrus.FieldLogger, conf *ethereum.NodeConfig) *RPCNode {
	return &RPCNode{
		config: conf,
		log:    log.WithFields(logrus.Fields{"type": "execution", "source": conf.Name}),
	}
}

// Factory adapts NewRPCNode to ethereum.NodeFactory.
func Factory(log logrus.FieldLogger, conf *ethereum.NodeConfig) ethereum.Node {
	return NewRPCNode(log, conf)
}

func (n *RPCNode) OnReady(_ context.Context, callback func(ctx context.Context) error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.onReadyCallbacks = append(n.onReadyCallbacks, callback)
}

func newHTTPClient(headers map[string]string) *http.Client {
	// No client timeout: every call is bounded by its context.
	return &http.Client{
		Transport: &headerTransport{
			headers: headers,
			base: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
			},
		},
	}
}

// Dial connects without starting the metadata service. Start calls it.
func (n *RPCNode) Dial(ctx context.Context) error {
	rpcClient, err := rpc.DialOptions(ctx, n.config.NodeAddress, rpc.WithHTTPClient(newHTTPClient(n.config.NodeHeaders)))
	if err != nil {
		return fmt.Errorf("failed to create RPC client for %s: %w", n.config.NodeAddress, err)
	}

	n.rpcClient = rpcClient
	n.client = ethclient.NewClient(rpcClient)
	n.meta = newMetadata(n.log, rpcClient, n.client)

	return nil
}

func (n *RPCNode) Start(ctx context.Context) error {
	n.log.Info("Starting execution node")

	nodeCtx, cancel := context.WithCancel(ctx)

	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()

	if err := n.Dial(nodeCtx); err != nil {
		n.log.WithError(err).Error("Failed to create RPC client")

		return err
	}

	return n.meta.start(nodeCtx, func() {
		n.mu.RLock()
		callbacks := append([]func(context.Context) error(nil), n.onReadyCallbacks...)
		n.mu.RUnlock()

		for _, callback := range callbacks {
			callbackCtx, callbackCancel := context.WithTimeout(context.Background(), 10*time.Second)

			if err := callback(callbackCtx); err != nil {
				n.log.WithError(err).Error("Failed to run on ready callback")
			}

			callbackCancel()
		}

		n.log.WithField("client_type", n.ClientType()).Info("Node initialization completed")
	})
}

func (n *RPCNode) Stop(_ context.Context) error {
	n.log.Info("Stopping execution node")

	n.mu.Lock()
	if n.cancel != nil {
		n.cancel()
	}
	n.mu.Unlock()

	if n.meta != nil {
		n.meta.stop()
	}

	if n.rpcClient != nil {
		n.rpcClient.Close()
	}

	return nil
}

func (n *RPCNode) Name() string {
	return n.config.Name
}

func (n *RPCNode) ChainID() int64 {
	if n.meta == nil {
		return 0
	}

	return n.meta.ChainID()
}

func (n *RPCNode) ClientType() string {
	if n.meta == nil {
		return ""
	}

	return n.meta.ClientVersion()
}

func (n *RPCNode) IsSynced() bool {
	if n.meta == nil {
		return false
	}

	return n.meta.IsSynced()
}
