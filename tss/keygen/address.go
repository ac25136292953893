package keygen

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// Address derives the Ethereum-style address of a compressed secp256k1
// public key and returns it together with the uncompressed key.
func Address(compressed []byte) (common.Address, []byte, error) {
	pub, err := crypto.DecompressPubkey(compressed)
	if err != nil {
		return common.Address{}, nil, errors.Wrap(err, "invalid public key")
	}
	return crypto.PubkeyToAddress(*pub), crypto.FromECDSAPub(pub), nil
}
