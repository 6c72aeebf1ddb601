package refstub

import (
	"context"
	"crypto/sha256"
	"math/big"

	"github.com/r3e-network/workflow-engine/internal/engine/payment"
)

// StaticWallet is the reference Wallet: a fixed balance per network and a
// deterministic, non-cryptographic signature derived from the requirement's
// fields. Good enough to drive the 402 handshake's happy and
// insufficient-balance paths without a real chain client; production
// wiring swaps this for an HTTP- or SDK-backed signer behind the same
// payment.Wallet interface.
type StaticWallet struct {
	// BalanceAtomic is returned for every network unless overridden in
	// PerNetworkAtomic.
	BalanceAtomic    *big.Int
	PerNetworkAtomic map[string]*big.Int
}

// NewStaticWallet constructs a wallet with a flat balance across networks.
func NewStaticWallet(balanceAtomic *big.Int) *StaticWallet {
	if balanceAtomic == nil {
		balanceAtomic = big.NewInt(0)
	}
	return &StaticWallet{BalanceAtomic: balanceAtomic, PerNetworkAtomic: map[string]*big.Int{}}
}

// Balance implements payment.Wallet.
func (w *StaticWallet) Balance(ctx context.Context, address, network string) (*big.Int, error) {
	if b, ok := w.PerNetworkAtomic[network]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int).Set(w.BalanceAtomic), nil
}

// Sign implements payment.Wallet. It returns a deterministic digest of the
// requirement's fields rather than a real cryptographic signature, since no
// chain is actually settling the transfer in this reference implementation.
func (w *StaticWallet) Sign(ctx context.Context, req payment.Requirement) ([]byte, error) {
	h := sha256.New()
	h.Write([]byte(req.Network))
	h.Write([]byte(req.Asset))
	h.Write([]byte(req.Recipient))
	h.Write([]byte(req.AmountAtomic))
	h.Write([]byte(req.Scheme))
	return h.Sum(nil), nil
}

var _ payment.Wallet = (*StaticWallet)(nil)
