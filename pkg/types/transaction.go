package types

import (
	"crypto/sha256"
	"encoding/json"
)

// OutputType distinguishes the opaque request/response payload carried by
// an Output beyond a plain currency transfer.
type OutputType string

const (
	OutputCurrency       OutputType = "currency"
	OutputFee            OutputType = "fee"
	OutputSwap           OutputType = "swap"
	OutputStake          OutputType = "stake"
	OutputDepositFulfill OutputType = "deposit_fulfillment"
	OutputContractDeploy OutputType = "contract_deploy"
	OutputData           OutputType = "data"
)

// InputType mirrors OutputType for the predicate side of a spend.
type InputType string

const (
	InputStandard InputType = "standard"
	InputSwap     InputType = "swap"
)

// Proof binds a signer's public key and a signature over the child
// transaction's signable hash to the parent output's address. The actual
// signature scheme is an external collaborator (pkg/crypto.Signer); this
// struct only carries the resulting bytes.
type Proof struct {
	PublicKey PublicKey `json:"public_key"`
	Signature []byte    `json:"signature"`
}

// Input references a parent UTXO and carries the proof authorizing its
// spend in this transaction.
type Input struct {
	UtxoID    UtxoID     `json:"utxo_id"`
	Proof     Proof      `json:"proof"`
	InputType *InputType `json:"input_type,omitempty"`
}

// Output is a new value allocation created by a transaction. Amount is
// present for currency outputs; Request/Response carry opaque payloads for
// the swap, stake, fee, deposit-fulfilment and contract-deploy variants.
type Output struct {
	Address  Address     `json:"address"`
	Amount   uint64      `json:"amount"`
	Currency string      `json:"currency"` // native currency code unless OutputType says otherwise
	Type     OutputType  `json:"type"`
	Contract *Contract   `json:"contract,omitempty"`
	Request  []byte      `json:"request,omitempty"`
	Response []byte      `json:"response,omitempty"`
}

// Contract is the opaque payload of a contract-deploy output. Execution
// semantics are out of scope for the core (§1); only the address and code
// digest are modeled here so deploy transactions can be represented and
// hashed.
type Contract struct {
	Address    Address `json:"address"`
	CodeHash   Hash    `json:"code_hash"`
	InitParams []byte  `json:"init_params,omitempty"`
}

// RejectionReason explains why a transaction stored with a non-nil
// rejection was not accepted.
type RejectionReason struct {
	Kind ErrorKind `json:"kind"`
	Msg  string    `json:"msg"`
}

// Transaction is the tuple of inputs, outputs, options and struct-metadata
// that the rest of the core operates on.
type Transaction struct {
	Inputs   []Input           `json:"inputs"`
	Outputs  []Output          `json:"outputs"`
	Options  map[string]string `json:"options,omitempty"`
	Time     int64             `json:"time"`
	FeeLimit uint64            `json:"fee_limit"`
}

// SignableHash is the digest of the transaction's canonical serialisation
// excluding signatures — the bit-exact identity used throughout the store
// and wire protocol.
func (t *Transaction) SignableHash() Hash {
	stripped := *t
	stripped.Inputs = make([]Input, len(t.Inputs))
	for i, in := range t.Inputs {
		stripped.Inputs[i] = Input{UtxoID: in.UtxoID, InputType: in.InputType}
	}
	return hashJSON(stripped)
}

// AcceptedHash is the digest of the transaction's canonical serialisation
// including signatures, computed once all input proofs are attached.
func (t *Transaction) AcceptedHash() Hash {
	return hashJSON(*t)
}

func hashJSON(v any) Hash {
	// encoding/json sorts map keys and preserves struct field order, giving
	// a deterministic byte stream suitable for content addressing.
	b, err := json.Marshal(v)
	if err != nil {
		panic("types: canonical marshal: " + err.Error())
	}
	return sha256.Sum256(b)
}

// CanonicalBytes returns the deterministic serialisation used for hashing
// and Merkle-leaf construction of arbitrary core values.
func CanonicalBytes(v any) ([]byte, error) {
	return json.Marshal(v)
}

// OutputTotals sums output amounts for currency-bearing outputs grouped
// by currency code; fee outputs are included per the balance invariant in
// §3 ("fees are an explicit fee-typed output, included in the equality").
func (t *Transaction) OutputTotals() map[string]uint64 {
	totals := make(map[string]uint64)
	for _, o := range t.Outputs {
		if o.Type == OutputCurrency || o.Type == OutputFee {
			totals[o.Currency] += o.Amount
		}
	}
	return totals
}

// UtxoEntry is the materialised index entry for an unspent output.
type UtxoEntry struct {
	ID     UtxoID `json:"id"`
	Output Output `json:"output"`
}
