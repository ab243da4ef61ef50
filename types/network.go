package types

// ChainFamily classifies a network into a blockchain family.
type ChainFamily string

const (
	ChainEVM    ChainFamily = "evm"
	ChainSolana ChainFamily = "solana"
)

// Family returns the verification algorithm family for the network.
func (n Network) Family() ChainFamily {
	switch n {
	case NetworkSolana:
		return ChainSolana
	case NetworkBase:
		return ChainEVM
	}
	return ""
}

func (n Network) IsEVM() bool {
	return n.Family() == ChainEVM
}

func (n Network) IsSolana() bool {
	return n.Family() == ChainSolana
}

// NetworkCapability describes one network the facilitator accepts payment on.
type NetworkCapability struct {
	Network      Network
	X402Version  int
	Scheme       PaymentScheme
	ChainFamily  ChainFamily
	Asset        string
	AssetAddress string
	Decimals     int32
}

func (c NetworkCapability) Supported() SupportedItem {
	return SupportedItem{
		X402Version: c.X402Version,
		Scheme:      string(c.Scheme),
		Network:     c.Network.String(),
	}
}
