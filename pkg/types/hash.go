package types

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
)

// Hash is a content-addressed digest used for transaction, observation and
// block-free identity throughout the node.
type Hash [32]byte

func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

func (h Hash) String() string { return h.Hex() }

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) Less(o Hash) bool { return bytes.Compare(h[:], o[:]) < 0 }

func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Hex())
}

func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	copy(h[:], b)
	return nil
}

// HashFromHex parses a hex-encoded hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	copy(h[:], b)
	return h, nil
}

// Address is the destination identifier for an output: the hash of a
// public key under the scheme implemented by pkg/crypto.
type Address [20]byte

func (a Address) Hex() string { return hex.EncodeToString(a[:]) }
func (a Address) String() string { return a.Hex() }
func (a Address) IsZero() bool { return a == Address{} }

func (a Address) MarshalJSON() ([]byte, error) { return json.Marshal(a.Hex()) }

func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	copy(a[:], b)
	return nil
}

// AddressFromHex parses a hex-encoded address.
func AddressFromHex(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, err
	}
	copy(a[:], b)
	return a, nil
}

// AddressZero is the distinguished fee-sink / burn address.
var AddressZero = Address{}

// PublicKey is a compressed secp256k1 public key, the signer identity bound
// into input proofs, node identities, and party keys.
type PublicKey []byte

func (p PublicKey) Hex() string { return hex.EncodeToString(p) }
func (p PublicKey) Equal(o PublicKey) bool { return bytes.Equal(p, o) }

// UtxoID identifies an unspent output by its parent transaction hash and
// output index within that transaction.
type UtxoID struct {
	TxHash      Hash   `json:"tx_hash"`
	OutputIndex uint32 `json:"output_index"`
}

func (u UtxoID) String() string {
	return u.TxHash.Hex() + ":" + hex.EncodeToString([]byte{byte(u.OutputIndex)})
}

// Key returns a canonical map key for use in Go maps (UtxoID is not
// directly comparable-friendly as a map key across encodings, but as a
// plain struct of comparable fields it already is; Key exists for string
// keyed stores such as the SQL/KV backends).
func (u UtxoID) Key() string {
	b := make([]byte, 0, 36)
	b = append(b, u.TxHash[:]...)
	b = append(b, byte(u.OutputIndex>>24), byte(u.OutputIndex>>16), byte(u.OutputIndex>>8), byte(u.OutputIndex))
	return hex.EncodeToString(b)
}
