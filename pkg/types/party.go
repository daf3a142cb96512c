package types

// Currency is a foreign or native currency code tracked by the party
// event stream (e.g. "RDG" for native, "BTC", "ETH").
type Currency string

// EventDirection distinguishes incoming and outgoing transfers.
type EventDirection string

const (
	DirIncoming EventDirection = "incoming"
	DirOutgoing EventDirection = "outgoing"
)

// InternalEvent is an AddressEvent sourced from the node's own ledger: an
// internal transaction touching the party address, together with the
// observations that have been collected for it and whether it has been
// priced yet.
type InternalEvent struct {
	Tx           Transaction         `json:"tx"`
	Observations []ObservationProof  `json:"observations"`
	Priced       bool                `json:"priced"`
}

// ExternalEvent is an AddressEvent sourced from an external chain reader
// (Bitcoin, Ethereum): a transfer of `currency` between the party's
// chain-specific address and a counterparty address.
type ExternalEvent struct {
	TxID       string   `json:"tx_id"`
	Timestamp  int64    `json:"timestamp"`
	From       string   `json:"from"`
	To         string   `json:"to"`
	Amount     uint64   `json:"amount"`
	Currency   Currency `json:"currency"`
	Fee        uint64   `json:"fee"`
	Incoming   bool     `json:"incoming"`
	PriceUSD   *float64 `json:"price_usd,omitempty"`
}

// AddressEvent is the tagged union folded by the party event stream (C10),
// ordered by seed-consensus time.
type AddressEvent struct {
	Internal *InternalEvent `json:"internal,omitempty"`
	External *ExternalEvent `json:"external,omitempty"`
	// ResolvedTime is the seed-consensus timestamp used for ordering; zero
	// means the event is still in the unconfirmed pocket (§4.10 step 1).
	ResolvedTime int64 `json:"resolved_time"`
}

func (e AddressEvent) IsResolved() bool { return e.ResolvedTime > 0 }

// CentralPrice is the party's current quote for one foreign currency,
// derived deterministically from reserves, spreads, and cumulative
// fulfilment bias (§3). The pure pricing functions live in
// internal/party/central_price.go; this struct is the serialisable state.
type CentralPrice struct {
	Currency       Currency `json:"currency"`
	NativeReserve  uint64   `json:"native_reserve"`
	ForeignReserve uint64   `json:"foreign_reserve"`
	MidPriceNum    uint64   `json:"mid_price_num"`
	MidPriceDen    uint64   `json:"mid_price_den"`
	MinAskFloor    uint64   `json:"min_ask_floor"`
	MinAskSetAt    int64    `json:"min_ask_set_at"`
	SpreadBps      uint32   `json:"spread_bps"`
	CumulativeBias int64    `json:"cumulative_bias"`
}

// OrderKind distinguishes a deposit (foreign incoming -> native payout) from
// a withdrawal (native swap -> foreign payout) order.
type OrderKind string

const (
	OrderDeposit    OrderKind = "deposit"
	OrderWithdrawal OrderKind = "withdrawal"
)

// Order is an open obligation to pay a counterparty as a consequence of an
// accepted incoming event, awaiting a fulfilment transaction.
type Order struct {
	Kind          OrderKind `json:"kind"`
	Currency      Currency  `json:"currency"`
	SourceEventID string    `json:"source_event_id"`
	Destination   string    `json:"destination"`
	Amount        uint64    `json:"amount"`
	EventTime     int64     `json:"event_time"`
}

// OrderFulfillment carries enough information to both execute and audit a
// fulfilment of one order against the current CentralPrice curve.
type OrderFulfillment struct {
	OrderAmount     uint64       `json:"order_amount"`
	FulfilledAmount uint64       `json:"fulfilled_amount"`
	UpdatedCurve    CentralPrice `json:"updated_curve"`
	IsDeposit       bool         `json:"is_deposit"`
	EventTime       int64        `json:"event_time"`
	TxIDRef         string       `json:"tx_id_ref,omitempty"`
	Destination     string       `json:"destination"`
}

// PartyInternalData is the derived snapshot of one party key: its public
// key, metadata, event log, and the folded PartyEvents (balances, central
// prices, open orders, fulfilment history) produced by C10.
type PartyInternalData struct {
	PublicKey           PublicKey                 `json:"public_key"`
	EventLog            []AddressEvent            `json:"event_log"`
	Balances            map[Currency]uint64        `json:"balances"`
	CentralPrices       map[Currency]CentralPrice  `json:"central_prices"`
	UnfulfilledDeposits []Order                    `json:"unfulfilled_deposits"`
	UnfulfilledWithdraw []Order                    `json:"unfulfilled_withdrawals"`
	FulfillmentHistory  []OrderFulfillment         `json:"fulfillment_history"`
	Unconfirmed         []AddressEvent             `json:"unconfirmed"`
}
