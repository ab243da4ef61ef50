package utils

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/vitwit/x402-market/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate runs struct-tag validation.
func Validate(v any) error {
	return validate.Struct(v)
}

// ParsePaymentHeader decodes the X-PAYMENT header: base64 encoded JSON
// carrying the scheme, network and transaction reference.
func ParsePaymentHeader(header string) (*types.PaymentProof, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: "payment header is empty",
		}
	}

	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		// some agents send unpadded or raw JSON headers
		if raw, rerr := base64.RawStdEncoding.DecodeString(header); rerr == nil {
			data = raw
		} else if strings.HasPrefix(header, "{") {
			data = []byte(header)
		} else {
			return nil, &types.X402Error{
				Code:    types.ErrInvalidPayload,
				Message: fmt.Sprintf("invalid base64 payment header: %v", err),
			}
		}
	}

	return ParsePaymentProof(data)
}

// ParsePaymentProof parses and validates a proof object from JSON
func ParsePaymentProof(data []byte) (*types.PaymentProof, error) {
	var proof types.PaymentProof

	if err := json.Unmarshal(data, &proof); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: fmt.Sprintf("failed to parse payment proof: %v", err),
		}
	}

	if proof.Scheme == "" {
		proof.Scheme = string(types.SchemeExact)
	}

	if err := validate.Struct(&proof); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: fmt.Sprintf("validation failed: %v", err),
		}
	}

	if proof.Payload.Reference() == "" {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: "payment proof carries no transaction reference",
		}
	}

	return &proof, nil
}

// EncodePaymentHeader is the inverse of ParsePaymentHeader.
func EncodePaymentHeader(proof *types.PaymentProof) (string, error) {
	data, err := json.Marshal(proof)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// ParseListing parses and validates a new listing from JSON
func ParseListing(data []byte) (*types.Listing, error) {
	var l types.Listing

	if err := json.Unmarshal(data, &l); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: fmt.Sprintf("failed to parse listing: %v", err),
		}
	}

	if err := ValidateListing(&l); err != nil {
		return nil, err
	}

	return &l, nil
}

// ValidateListing normalizes and validates a listing before it is stored.
func ValidateListing(l *types.Listing) error {
	if l.Kind == "" {
		l.Kind = types.KindDigital
	}

	if err := validate.Struct(l); err != nil {
		return &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: fmt.Sprintf("validation failed: %v", err),
		}
	}

	network, err := types.ParseNetwork(string(l.Network))
	if err != nil {
		return err
	}
	l.Network = network

	if err := ValidateAddressForNetwork(l.Seller, network); err != nil {
		return &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: fmt.Sprintf("invalid seller: %v", err),
		}
	}

	if l.Remaining == 0 {
		l.Remaining = l.Supply
	}
	if l.Remaining < 0 || l.Remaining > l.Supply {
		return &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: "remaining must be between 0 and supply",
		}
	}

	return nil
}

// SerializeVerificationResult converts VerificationResult to JSON
func SerializeVerificationResult(result *types.VerificationResult) ([]byte, error) {
	return json.Marshal(result)
}
