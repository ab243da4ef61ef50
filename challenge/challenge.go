// Package challenge implements the two-round x402 exchange: round 1
// answers with payment terms, round 2 takes a proof of payment and checks
// it against terms recomputed on the server.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/vitwit/x402-market/clients"
	"github.com/vitwit/x402-market/signer"
	"github.com/vitwit/x402-market/types"
	"github.com/vitwit/x402-market/utils"
)

// DefaultMaxTimeoutSeconds is how long a payer has to settle a challenge.
const DefaultMaxTimeoutSeconds = 300

// Verifier is the part of the verification service the protocol needs.
type Verifier interface {
	VerifyIntent(ctx context.Context, intent types.PaymentIntent, txRef string) (*types.VerificationResult, error)
	Client(network types.Network) (clients.Client, error)
}

// Offer is what a resource costs on one network.
type Offer struct {
	Network     types.Network
	AmountBase  uint64
	Splits      []types.ExpectedTransfer
	Resource    string
	Description string
}

type Protocol struct {
	verifier   Verifier
	signer     signer.Active
	payTo      map[types.Network]string
	maxTimeout int
}

type Option func(*Protocol)

// WithPayTo sets the static recipient of an EVM network.
func WithPayTo(network types.Network, address string) Option {
	return func(p *Protocol) {
		p.payTo[network] = address
	}
}

func WithMaxTimeout(seconds int) Option {
	return func(p *Protocol) {
		p.maxTimeout = seconds
	}
}

// New builds the protocol. The ledger network recipient is read from
// active on every challenge, so a rotated key takes effect immediately.
func New(v Verifier, active signer.Active, opts ...Option) (*Protocol, error) {
	if v == nil {
		return nil, errors.New("verifier is nil")
	}

	p := &Protocol{
		verifier:   v,
		signer:     active,
		payTo:      make(map[types.Network]string),
		maxTimeout: DefaultMaxTimeoutSeconds,
	}
	for _, opt := range opts {
		opt(p)
	}

	for network, addr := range p.payTo {
		if err := utils.ValidateAddressForNetwork(addr, network); err != nil {
			return nil, &types.X402Error{
				Code:    types.ErrConfigError,
				Message: fmt.Sprintf("pay-to address for %s: %v", network, err),
			}
		}
	}
	return p, nil
}

// Price converts a display price to base units with the network's adapter.
func (p *Protocol) Price(network types.Network, price decimal.Decimal) (uint64, error) {
	client, err := p.verifier.Client(network)
	if err != nil {
		return 0, err
	}

	amount, err := client.ParseAmount(price)
	if err != nil {
		return 0, &types.X402Error{Code: types.ErrInvalidAmount, Message: err.Error()}
	}
	return amount, nil
}

// Recipient resolves where payments on network must be sent right now.
func (p *Protocol) Recipient(network types.Network) (string, error) {
	switch network.Family() {
	case types.ChainSolana:
		if p.signer == nil {
			return "", &types.X402Error{Code: types.ErrConfigError, Message: "no signer configured"}
		}
		pk, err := p.signer.Active()
		if err != nil {
			return "", &types.X402Error{Code: types.ErrConfigError, Message: err.Error()}
		}
		return pk.String(), nil

	case types.ChainEVM:
		addr := p.payTo[network]
		if addr == "" {
			return "", &types.X402Error{
				Code:    types.ErrConfigError,
				Message: fmt.Sprintf("no pay-to address configured for %s", network),
			}
		}
		return addr, nil
	}

	return "", &types.X402Error{
		Code:    types.ErrUnsupportedNetwork,
		Message: fmt.Sprintf("unsupported network: %s", network),
	}
}

// Issue builds the round 1 terms for an offer. It touches no state.
func (p *Protocol) Issue(offer Offer) (types.PaymentRequirements, error) {
	client, err := p.verifier.Client(offer.Network)
	if err != nil {
		return types.PaymentRequirements{}, err
	}
	if offer.AmountBase == 0 {
		return types.PaymentRequirements{}, &types.X402Error{
			Code:    types.ErrInvalidAmount,
			Message: "amount must be greater than 0",
		}
	}

	recipient, err := p.Recipient(offer.Network)
	if err != nil {
		return types.PaymentRequirements{}, err
	}

	capability := client.Capability()
	req := types.PaymentRequirements{
		Scheme:            string(types.SchemeExact),
		Network:           offer.Network.String(),
		Recipient:         recipient,
		AmountBase:        offer.AmountBase,
		Asset:             capability.Asset,
		AssetAddress:      capability.AssetAddress,
		PayTo:             recipient,
		MaxAmountRequired: strconv.FormatUint(offer.AmountBase, 10),
		Resource:          offer.Resource,
		Description:       offer.Description,
		MaxTimeoutSeconds: p.maxTimeout,
		Splits:            offer.Splits,
	}
	if err := req.Validate(); err != nil {
		return types.PaymentRequirements{}, &types.X402Error{Code: types.ErrInvalidRequirements, Message: err.Error()}
	}
	return req, nil
}

// Envelope wraps terms into the body of a 402 response.
func Envelope(reason string, accepts ...types.PaymentRequirements) types.X402Response {
	if accepts == nil {
		accepts = []types.PaymentRequirements{}
	}
	return types.X402Response{
		X402Version: int(types.X402Version1),
		Accepts:     accepts,
		Error:       reason,
	}
}

// DecodeProof parses an X-PAYMENT header and checks it targets network.
func DecodeProof(header string, network types.Network) (*types.PaymentProof, error) {
	proof, err := utils.ParsePaymentHeader(header)
	if err != nil {
		return nil, err
	}

	got, err := types.ParseNetwork(proof.Network)
	if err != nil {
		return nil, &types.X402Error{Code: types.ErrInvalidPayload, Message: err.Error()}
	}
	if got != network {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: fmt.Sprintf("proof is for %s, challenge is for %s", got, network),
		}
	}
	return proof, nil
}

// Redeem checks the proof in header against req. A verification failure
// is returned as a result carrying the reason verbatim.
func (p *Protocol) Redeem(ctx context.Context, req types.PaymentRequirements, header string) (*types.VerificationResult, error) {
	network, err := types.ParseNetwork(req.Network)
	if err != nil {
		return nil, err
	}

	proof, err := DecodeProof(header, network)
	if err != nil {
		return nil, err
	}

	intent := req.Intent()
	intent.Network = network
	return p.verifier.VerifyIntent(ctx, intent, proof.Payload.Reference())
}
