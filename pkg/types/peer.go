package types

// PeerId uniquely identifies a peer independent of its node key, used to
// group trust-weighted attestation tallies so one node key cannot be
// sybil-multiplied across the conflict manager's tie-break (§4.5).
type PeerId string

// NetworkEnvironment distinguishes peers participating in different
// deployments of the network (mainnet/testnet/devnet).
type NetworkEnvironment string

const (
	EnvMain NetworkEnvironment = "main"
	EnvTest NetworkEnvironment = "test"
	EnvDev  NetworkEnvironment = "dev"
)

// NodeMetadata is the self-reported identity of a node: its public key,
// external address, ports, and network environment.
type NodeMetadata struct {
	PublicKey    PublicKey          `json:"public_key"`
	ExternalAddr string             `json:"external_addr"`
	P2PPort      int                `json:"p2p_port"`
	Environment  NetworkEnvironment `json:"environment"`
}

// PeerNodeInfo is the persisted, trust-weighted view of a peer used for
// broadcast target selection and attestation weighting.
type PeerNodeInfo struct {
	PeerID   PeerId       `json:"peer_id"`
	Node     NodeMetadata `json:"node"`
	Trust    float64      `json:"trust"`
	SeedNode bool         `json:"seed_node"`
	AddedAt  int64        `json:"added_at"`
}
