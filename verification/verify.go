package verification

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/vitwit/x402-market/clients"
	"github.com/vitwit/x402-market/logger"
	"github.com/vitwit/x402-market/metrics"
	"github.com/vitwit/x402-market/types"
	"golang.org/x/sync/errgroup"
)

// Verifier interface defines the contract for payment verification
type Verifier interface {
	Verify(ctx context.Context, network types.Network, txRef string, expected []types.ExpectedTransfer) (*types.VerificationResult, error)
}

// ResultCache stores terminal verification results.
type ResultCache interface {
	Get(ctx context.Context, key string) (*types.VerificationResult, bool, error)
	Set(ctx context.Context, key string, res *types.VerificationResult) error
}

// Request is one entry of a batch verification.
type Request struct {
	Network  types.Network
	TxRef    string
	Expected []types.ExpectedTransfer
}

// VerificationService manages payment verification across multiple networks
type VerificationService struct {
	mu      sync.RWMutex
	clients map[types.Network]clients.Client
	order   []types.Network

	timeout time.Duration
	cache   ResultCache
	logger  logger.Logger
	metrics metrics.Recorder
}

var _ Verifier = (*VerificationService)(nil)

type Option func(*VerificationService)

func WithCache(c ResultCache) Option {
	return func(s *VerificationService) {
		s.cache = c
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *VerificationService) {
		s.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *VerificationService) {
		s.metrics = r
	}
}

// NewVerificationService creates a new verification service
func NewVerificationService(timeout time.Duration, opts ...Option) *VerificationService {
	s := &VerificationService{
		clients: make(map[types.Network]clients.Client),
		timeout: timeout,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddClient registers the client under the network it serves.
func (s *VerificationService) AddClient(client clients.Client) error {
	network := client.GetNetwork()
	if network.Family() == "" {
		return &types.X402Error{
			Code:    types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("unsupported network: %s", network),
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[network]; !exists {
		s.order = append(s.order, network)
	}
	s.clients[network] = client
	return nil
}

// Client returns the client configured for network.
func (s *VerificationService) Client(network types.Network) (clients.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, exists := s.clients[network]
	if !exists {
		return nil, &types.X402Error{
			Code:    types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("no client configured for network %s", network),
		}
	}
	return client, nil
}

// Verify checks txRef on network against the expected transfers. A failed
// check is a result, not an error. Errors mean the network is not
// configured or the caller went away.
func (s *VerificationService) Verify(
	ctx context.Context,
	network types.Network,
	txRef string,
	expected []types.ExpectedTransfer,
) (*types.VerificationResult, error) {
	client, err := s.Client(network)
	if err != nil {
		return nil, err
	}

	if len(expected) == 0 {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidRequirements,
			Message: "at least one expected transfer is required",
		}
	}

	key := cacheKey(network, txRef, expected)
	if s.cache != nil {
		if cached, ok, err := s.cache.Get(ctx, key); err != nil {
			s.logger.Warn("verification cache read failed", map[string]any{"error": err.Error()})
		} else if ok {
			return cached, nil
		}
	}

	verifyCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		verifyCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	labels := map[string]string{"network": network.String()}
	start := time.Now()

	result, err := client.VerifyPayment(verifyCtx, txRef, expected)
	s.metrics.ObserveLatency("verify", time.Since(start), labels)
	if err != nil {
		// our own deadline ran out while the chain was still silent
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			result = types.Rejected(network, txRef, types.ReasonTxNotFound)
			result.Error = clients.ErrNotConfirmed
		} else {
			return nil, err
		}
	}

	for i := 1; i < result.Attempts; i++ {
		s.metrics.IncCounter("verify_retry", labels)
	}

	if result.OK {
		s.metrics.IncCounter("verify_ok", labels)
		s.logger.Debug("payment verified", map[string]any{
			"network":  network.String(),
			"tx":       txRef,
			"attempts": result.Attempts,
		})
	} else {
		s.metrics.IncCounter("verify_failed", labels)
		s.logger.Info("payment rejected", map[string]any{
			"network":  network.String(),
			"tx":       txRef,
			"reason":   string(result.Reason),
			"expected": result.Expected,
			"got":      result.Got,
		})
	}

	// not-found may still become visible later
	if s.cache != nil && result.Reason != types.ReasonTxNotFound {
		if err := s.cache.Set(ctx, key, result); err != nil {
			s.logger.Warn("verification cache write failed", map[string]any{"error": err.Error()})
		}
	}

	return result, nil
}

// VerifyIntent verifies txRef against every transfer the intent requires.
func (s *VerificationService) VerifyIntent(ctx context.Context, intent types.PaymentIntent, txRef string) (*types.VerificationResult, error) {
	return s.Verify(ctx, intent.Network, txRef, intent.Transfers())
}

// BatchVerify verifies multiple payments concurrently
func (s *VerificationService) BatchVerify(ctx context.Context, reqs []Request) ([]*types.VerificationResult, error) {
	if len(reqs) == 0 {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: "batch is empty",
		}
	}

	results := make([]*types.VerificationResult, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			res, err := s.Verify(gctx, req.Network, req.TxRef, req.Expected)
			if err != nil {
				return fmt.Errorf("verify %s on %s: %w", req.TxRef, req.Network, err)
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Supported lists the payment kinds of every configured network.
func (s *VerificationService) Supported() []types.SupportedItem {
	caps := s.Capabilities()
	kinds := make([]types.SupportedItem, 0, len(caps))
	for _, c := range caps {
		kinds = append(kinds, c.Supported())
	}
	return kinds
}

func (s *VerificationService) Capabilities() []types.NetworkCapability {
	s.mu.RLock()
	defer s.mu.RUnlock()

	caps := make([]types.NetworkCapability, 0, len(s.order))
	for _, n := range s.order {
		caps = append(caps, s.clients[n].Capability())
	}
	return caps
}

// GetSupportedNetworks returns all networks that have configured clients
func (s *VerificationService) GetSupportedNetworks() []types.Network {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Network(nil), s.order...)
}

// IsNetworkSupported checks if a network is supported
func (s *VerificationService) IsNetworkSupported(network types.Network) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.clients[network]
	return exists
}

// Health probes every configured network.
func (s *VerificationService) Health(ctx context.Context) map[types.Network]error {
	s.mu.RLock()
	cs := make(map[types.Network]clients.Client, len(s.clients))
	for n, c := range s.clients {
		cs[n] = c
	}
	s.mu.RUnlock()

	out := make(map[types.Network]error, len(cs))
	for n, c := range cs {
		out[n] = c.Health(ctx)
	}
	return out
}

// Close closes all client connections
func (s *VerificationService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, client := range s.clients {
		client.Close()
	}
}

func cacheKey(network types.Network, txRef string, expected []types.ExpectedTransfer) string {
	parts := make([]string, 0, len(expected))
	for _, e := range expected {
		parts = append(parts, e.Recipient+":"+strconv.FormatUint(e.AmountBase, 10))
	}
	sort.Strings(parts)

	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%s:%s:%s", network, txRef, hex.EncodeToString(h.Sum(nil))[:16])
}
