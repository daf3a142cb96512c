package crypto

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/rg-network/node/pkg/types"
)

// BitcoinAddress derives a native segwit (P2WPKH) address for pub under
// params, grounded on the arcsign bitcoin adapter's
// btcutil.Hash160+NewAddressWitnessPubKeyHash derivation.
func BitcoinAddress(pub types.PublicKey, params *chaincfg.Params) (btcutil.Address, error) {
	hash := btcutil.Hash160(pub)
	return btcutil.NewAddressWitnessPubKeyHash(hash, params)
}
