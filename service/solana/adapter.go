package solana

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
)

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	SendRawTransaction(
		ctx context.Context,
		rawTx []byte,
		opts rpc.TransactionOpts,
	) (solana.Signature, error)

	GetSignatureStatuses(
		ctx context.Context,
		signatures ...solana.Signature,
	) (*rpc.GetSignatureStatusesResult, error)

	SimulateRawTransaction(
		ctx context.Context,
		rawTx []byte,
		opts *rpc.SimulateTransactionOpts,
	) (*rpc.SimulateTransactionResponse, error)

	GetLatestBlockhash(
		ctx context.Context,
		commitment rpc.CommitmentType,
	) (*rpc.GetLatestBlockhashResult, error)

	GetTransaction(
		ctx context.Context,
		signature solana.Signature,
		opts *rpc.GetTransactionOpts,
	) (*rpc.GetTransactionResult, error)
}

// SignatureSubscription delivers the push notification for one signature.
// *ws.SignatureSubscription satisfies it.
type SignatureSubscription interface {
	Recv(ctx context.Context) (*ws.SignatureResult, error)
	Unsubscribe()
}

// SignatureSubscriber opens push subscriptions for signature updates.
type SignatureSubscriber interface {
	SubscribeSignature(
		ctx context.Context,
		signature solana.Signature,
		commitment rpc.CommitmentType,
	) (SignatureSubscription, error)
}

// realRPCClient adapts the actual solana-go RPC client to our RPCClient interface.
// This adapter allows us to control the interface and makes testing easier.
type realRPCClient struct {
	client *rpc.Client
}

// NewRPCClient creates a new RPCClient that wraps the solana-go RPC client.
// For premium RPC endpoints that require API keys, include the key in the URL:
// - Helius: https://mainnet.helius-rpc.com/?api-key=YOUR-KEY
// - QuickNode: https://YOUR-ENDPOINT.quiknode.pro/YOUR-KEY/
func NewRPCClient(rpcURL string) RPCClient {
	return &realRPCClient{
		client: rpc.New(rpcURL),
	}
}

func (r *realRPCClient) SendRawTransaction(
	ctx context.Context,
	rawTx []byte,
	opts rpc.TransactionOpts,
) (solana.Signature, error) {
	return r.client.SendRawTransactionWithOpts(ctx, rawTx, opts)
}

func (r *realRPCClient) GetSignatureStatuses(
	ctx context.Context,
	signatures ...solana.Signature,
) (*rpc.GetSignatureStatusesResult, error) {
	return r.client.GetSignatureStatuses(ctx, false, signatures...)
}

func (r *realRPCClient) SimulateRawTransaction(
	ctx context.Context,
	rawTx []byte,
	opts *rpc.SimulateTransactionOpts,
) (*rpc.SimulateTransactionResponse, error) {
	return r.client.SimulateRawTransactionWithOpts(ctx, rawTx, opts)
}

func (r *realRPCClient) GetLatestBlockhash(
	ctx context.Context,
	commitment rpc.CommitmentType,
) (*rpc.GetLatestBlockhashResult, error) {
	return r.client.GetLatestBlockhash(ctx, commitment)
}

func (r *realRPCClient) GetTransaction(
	ctx context.Context,
	signature solana.Signature,
	opts *rpc.GetTransactionOpts,
) (*rpc.GetTransactionResult, error) {
	return r.client.GetTransaction(ctx, signature, opts)
}

// WebsocketSubscriber keeps one websocket connection and opens signature
// subscriptions on it. The connection is dialed on first use and redialed
// after a failed subscribe.
type WebsocketSubscriber struct {
	endpoint string

	mu   sync.Mutex
	conn *ws.Client
}

// NewWebsocketSubscriber returns a SignatureSubscriber backed by the solana-go
// websocket client.
func NewWebsocketSubscriber(wsURL string) *WebsocketSubscriber {
	return &WebsocketSubscriber{endpoint: wsURL}
}

func (s *WebsocketSubscriber) SubscribeSignature(
	ctx context.Context,
	signature solana.Signature,
	commitment rpc.CommitmentType,
) (SignatureSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		conn, err := ws.Connect(ctx, s.endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to connect websocket: %w", err)
		}
		s.conn = conn
	}

	sub, err := s.conn.SignatureSubscribe(signature, commitment)
	if err != nil {
		s.conn.Close()
		s.conn = nil
		return nil, fmt.Errorf("failed to subscribe to signature: %w", err)
	}
	return sub, nil
}

// Close closes the underlying websocket connection, if any.
func (s *WebsocketSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	return nil
}

// ClusterForNetwork returns the public cluster endpoints for a network name.
func ClusterForNetwork(network string) (rpc.Cluster, error) {
	switch network {
	case "mainnet", "mainnet-beta":
		return rpc.MainNetBeta, nil
	case "devnet":
		return rpc.DevNet, nil
	case "testnet":
		return rpc.TestNet, nil
	case "localnet":
		return rpc.LocalNet, nil
	default:
		return rpc.Cluster{}, fmt.Errorf("unknown network %q", network)
	}
}

// WebsocketURL derives the websocket endpoint for an HTTP RPC endpoint the way
// the Solana tooling does: http becomes ws, https becomes wss, and an explicit
// port is bumped by one.
func WebsocketURL(rpcURL string) (string, error) {
	u, err := url.Parse(rpcURL)
	if err != nil {
		return "", fmt.Errorf("invalid RPC URL %q: %w", rpcURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		return rpcURL, nil
	default:
		return "", fmt.Errorf("unsupported RPC URL scheme %q", u.Scheme)
	}
	if port := u.Port(); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return "", fmt.Errorf("invalid RPC URL port %q: %w", port, err)
		}
		u.Host = u.Hostname() + ":" + strconv.Itoa(n+1)
	}
	return u.String(), nil
}

// EndpointLabel extracts a short identifier from an RPC URL for metrics
// labeling, so API keys in the URL never end up in label values.
// Examples:
//   - "https://api.mainnet-beta.solana.com" -> "mainnet"
//   - "https://mainnet.helius-rpc.com/?api-key=..." -> "helius"
//   - "http://localhost:8899" -> "localhost"
func EndpointLabel(rpcURL string) string {
	parsed, err := url.Parse(rpcURL)
	if err != nil || parsed.Hostname() == "" {
		return "unknown"
	}
	host := parsed.Hostname()

	for _, provider := range []string{"helius", "quiknode", "quicknode", "alchemy", "triton", "rpcpool"} {
		if strings.Contains(host, provider) {
			if provider == "quicknode" {
				return "quiknode"
			}
			return provider
		}
	}
	for _, cluster := range []string{"mainnet", "devnet", "testnet"} {
		if strings.Contains(host, cluster) {
			return cluster
		}
	}
	return host
}
