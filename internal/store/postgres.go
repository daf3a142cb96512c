package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/rg-network/node/pkg/merkle"
	"github.com/rg-network/node/pkg/types"
)

// schema creates the tables backing a PostgresStore. Transaction, UTXO,
// observation, peer, and party rows all carry a JSONB payload column
// alongside the indexed lookup keys the Store interface needs, grounded on
// the coinjoin forensics engine's JSONB-plus-indexed-columns table layout.
const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	signable_hash TEXT PRIMARY KEY,
	accepted      BOOLEAN NOT NULL,
	rejection     JSONB,
	observed_at   BIGINT NOT NULL,
	addresses     TEXT[] NOT NULL DEFAULT '{}',
	payload       JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS transactions_addresses_idx ON transactions USING GIN (addresses);
CREATE TABLE IF NOT EXISTS utxo (
	utxo_key TEXT PRIMARY KEY,
	addr     TEXT NOT NULL,
	payload  JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS utxo_addr_idx ON utxo (addr);
-- output_history retains every output ever produced, including spent ones,
-- so a later by-address transaction scan can still resolve what address an
-- Input's UtxoID paid even after the live utxo row is deleted.
CREATE TABLE IF NOT EXISTS output_history (
	utxo_key TEXT PRIMARY KEY,
	addr     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS observation_edges (
	observed_hash TEXT NOT NULL,
	node_pubkey   TEXT NOT NULL,
	height        BIGINT NOT NULL,
	payload       JSONB NOT NULL,
	PRIMARY KEY (observed_hash, node_pubkey, height)
);
CREATE TABLE IF NOT EXISTS observation_latest (
	node_pubkey TEXT PRIMARY KEY,
	height      BIGINT NOT NULL,
	payload     JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS peers (
	peer_id TEXT PRIMARY KEY,
	payload JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS parties (
	public_key TEXT PRIMARY KEY,
	payload    JSONB NOT NULL
);
`

// PostgresStore is a pgx-backed Store implementation, for deployments that
// need a shared, externally-durable backend instead of the per-process WAL
// MemoryStore uses.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, pings it, and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	logrus.Info("store: connected to postgres backend")
	return &PostgresStore{pool: pool}, nil
}

type txRow struct {
	Tx        *types.Transaction     `json:"tx"`
	Accepted  bool                   `json:"accepted"`
	Rejection *types.RejectionReason `json:"rejection,omitempty"`
}

func (s *PostgresStore) InsertTransaction(ctx context.Context, tx *types.Transaction, at int64, accepted bool, rejection *types.RejectionReason) error {
	h := tx.SignableHash()

	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = pgtx.Rollback(ctx) }()

	var existingRejection *types.RejectionReason
	row := pgtx.QueryRow(ctx, `SELECT rejection FROM transactions WHERE signable_hash=$1`, h.Hex())
	var rejBytes []byte
	switch err := row.Scan(&rejBytes); err {
	case nil:
		if len(rejBytes) > 0 {
			existingRejection = &types.RejectionReason{}
			if jerr := json.Unmarshal(rejBytes, existingRejection); jerr != nil {
				return fmt.Errorf("store: unmarshal existing rejection: %w", jerr)
			}
		}
		if (existingRejection != nil) != (rejection != nil) {
			return types.NewError(types.ErrDuplicate, "transaction already stored with different rejection status")
		}
		return nil // idempotent no-op
	case pgx.ErrNoRows:
		// not yet stored, fall through to insert
	default:
		return fmt.Errorf("store: lookup transaction: %w", err)
	}

	addrSet := make(map[types.Address]struct{})
	for _, out := range tx.Outputs {
		addrSet[out.Address] = struct{}{}
	}
	for _, in := range tx.Inputs {
		var addrHex string
		row := pgtx.QueryRow(ctx, `SELECT addr FROM output_history WHERE utxo_key=$1`, in.UtxoID.Key())
		if err := row.Scan(&addrHex); err == nil {
			if a, aerr := types.AddressFromHex(addrHex); aerr == nil {
				addrSet[a] = struct{}{}
			}
		} else if err != pgx.ErrNoRows {
			return fmt.Errorf("store: lookup spent output address: %w", err)
		}
	}
	addresses := make([]string, 0, len(addrSet))
	for a := range addrSet {
		addresses = append(addresses, a.Hex())
	}

	payload := txRow{Tx: tx, Accepted: accepted, Rejection: rejection}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("store: marshal transaction: %w", err)
	}
	var rejBytesIn []byte
	if rejection != nil {
		rejBytesIn, err = json.Marshal(rejection)
		if err != nil {
			return fmt.Errorf("store: marshal rejection: %w", err)
		}
	}
	if _, err := pgtx.Exec(ctx,
		`INSERT INTO transactions (signable_hash, accepted, rejection, observed_at, addresses, payload) VALUES ($1,$2,$3,$4,$5,$6)`,
		h.Hex(), accepted, rejBytesIn, at, addresses, payloadBytes); err != nil {
		return fmt.Errorf("store: insert transaction: %w", err)
	}

	if accepted {
		for _, in := range tx.Inputs {
			tag, err := pgtx.Exec(ctx, `DELETE FROM utxo WHERE utxo_key=$1`, in.UtxoID.Key())
			if err != nil {
				return fmt.Errorf("store: delete spent utxo: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return types.NewError(types.ErrUtxoInvalid, "input utxo is not currently unspent: "+in.UtxoID.Key())
			}
		}
		for idx, out := range tx.Outputs {
			id := types.UtxoID{TxHash: h, OutputIndex: uint32(idx)}
			if _, err := pgtx.Exec(ctx,
				`INSERT INTO output_history (utxo_key, addr) VALUES ($1,$2) ON CONFLICT (utxo_key) DO NOTHING`,
				id.Key(), out.Address.Hex()); err != nil {
				return fmt.Errorf("store: insert output history: %w", err)
			}
			if out.Type == types.OutputFee || out.Type == types.OutputData {
				continue
			}
			entry := types.UtxoEntry{ID: id, Output: out}
			eb, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("store: marshal utxo entry: %w", err)
			}
			if _, err := pgtx.Exec(ctx,
				`INSERT INTO utxo (utxo_key, addr, payload) VALUES ($1,$2,$3) ON CONFLICT (utxo_key) DO UPDATE SET addr=EXCLUDED.addr, payload=EXCLUDED.payload`,
				id.Key(), out.Address.Hex(), eb); err != nil {
				return fmt.Errorf("store: insert utxo: %w", err)
			}
		}
	}

	return pgtx.Commit(ctx)
}

func (s *PostgresStore) QueryMaybeTransaction(ctx context.Context, hash types.Hash) (*types.Transaction, *types.RejectionReason, bool, error) {
	var payloadBytes []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM transactions WHERE signable_hash=$1`, hash.Hex()).Scan(&payloadBytes)
	if err == pgx.ErrNoRows {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("store: query transaction: %w", err)
	}
	var row txRow
	if err := json.Unmarshal(payloadBytes, &row); err != nil {
		return nil, nil, false, fmt.Errorf("store: unmarshal transaction: %w", err)
	}
	return row.Tx, row.Rejection, true, nil
}

func (s *PostgresStore) QueryUtxo(ctx context.Context, id types.UtxoID) (*types.UtxoEntry, bool, error) {
	var payloadBytes []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM utxo WHERE utxo_key=$1`, id.Key()).Scan(&payloadBytes)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: query utxo: %w", err)
	}
	var entry types.UtxoEntry
	if err := json.Unmarshal(payloadBytes, &entry); err != nil {
		return nil, false, fmt.Errorf("store: unmarshal utxo: %w", err)
	}
	return &entry, true, nil
}

func (s *PostgresStore) UtxoIDValid(ctx context.Context, id types.UtxoID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM utxo WHERE utxo_key=$1)`, id.Key()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: check utxo: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) QueryUtxosByAddress(ctx context.Context, addr types.Address) ([]types.UtxoEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT payload FROM utxo WHERE addr=$1`, addr.Hex())
	if err != nil {
		return nil, fmt.Errorf("store: query utxos by address: %w", err)
	}
	defer rows.Close()
	var out []types.UtxoEntry
	for rows.Next() {
		var pb []byte
		if err := rows.Scan(&pb); err != nil {
			return nil, fmt.Errorf("store: scan utxo: %w", err)
		}
		var entry types.UtxoEntry
		if err := json.Unmarshal(pb, &entry); err != nil {
			return nil, fmt.Errorf("store: unmarshal utxo: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *PostgresStore) QueryTransactionsByAddress(ctx context.Context, addr types.Address, since, until int64) ([]*types.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM transactions WHERE accepted=true AND addresses @> ARRAY[$1]::TEXT[]
		 AND ($2=0 OR observed_at>=$2) AND ($3=0 OR observed_at<$3)`,
		addr.Hex(), since, until)
	if err != nil {
		return nil, fmt.Errorf("store: query transactions by address: %w", err)
	}
	defer rows.Close()
	var out []*types.Transaction
	for rows.Next() {
		var pb []byte
		if err := rows.Scan(&pb); err != nil {
			return nil, fmt.Errorf("store: scan transaction: %w", err)
		}
		var row txRow
		if err := json.Unmarshal(pb, &row); err != nil {
			return nil, fmt.Errorf("store: unmarshal transaction: %w", err)
		}
		out = append(out, row.Tx)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SelectObservationEdge(ctx context.Context, hash types.Hash) ([]types.ObservationProof, error) {
	rows, err := s.pool.Query(ctx, `SELECT payload FROM observation_edges WHERE observed_hash=$1`, hash.Hex())
	if err != nil {
		return nil, fmt.Errorf("store: query observation edges: %w", err)
	}
	defer rows.Close()
	var out []types.ObservationProof
	for rows.Next() {
		var payloadBytes []byte
		if err := rows.Scan(&payloadBytes); err != nil {
			return nil, fmt.Errorf("store: scan observation edge: %w", err)
		}
		var proof types.ObservationProof
		if err := json.Unmarshal(payloadBytes, &proof); err != nil {
			return nil, fmt.Errorf("store: unmarshal observation edge: %w", err)
		}
		out = append(out, proof)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertObservationAndEdges(ctx context.Context, obs *types.Observation, at int64) error {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = pgtx.Rollback(ctx) }()

	leaves := make([]types.Hash, len(obs.Observations))
	for i, m := range obs.Observations {
		leaf, err := merkle.LeafHash(m)
		if err != nil {
			return fmt.Errorf("store: hash observation leaf: %w", err)
		}
		leaves[i] = leaf
	}
	tree := merkle.Build(leaves)

	for i, m := range obs.Observations {
		proof := types.ObservationProof{
			Metadata:   m,
			Path:       tree.Proof(i),
			MerkleRoot: obs.MerkleRoot,
			NodeProof:  obs.Proof,
			Height:     obs.Height,
		}
		pb, err := json.Marshal(proof)
		if err != nil {
			return fmt.Errorf("store: marshal observation proof: %w", err)
		}
		if _, err := pgtx.Exec(ctx,
			`INSERT INTO observation_edges (observed_hash, node_pubkey, height, payload) VALUES ($1,$2,$3,$4)
			 ON CONFLICT (observed_hash, node_pubkey, height) DO NOTHING`,
			m.ObservedHash.Hex(), obs.Proof.PublicKey.Hex(), int64(obs.Height), pb); err != nil {
			return fmt.Errorf("store: insert observation edge: %w", err)
		}
	}

	ob, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("store: marshal observation: %w", err)
	}
	if _, err := pgtx.Exec(ctx,
		`INSERT INTO observation_latest (node_pubkey, height, payload) VALUES ($1,$2,$3)
		 ON CONFLICT (node_pubkey) DO UPDATE SET height=EXCLUDED.height, payload=EXCLUDED.payload
		 WHERE EXCLUDED.height > observation_latest.height`,
		obs.Proof.PublicKey.Hex(), int64(obs.Height), ob); err != nil {
		return fmt.Errorf("store: upsert latest observation: %w", err)
	}

	return pgtx.Commit(ctx)
}

func (s *PostgresStore) SelectLatestObservation(ctx context.Context, publicKey types.PublicKey) (*types.Observation, bool, error) {
	var payloadBytes []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM observation_latest WHERE node_pubkey=$1`, publicKey.Hex()).Scan(&payloadBytes)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: query latest observation: %w", err)
	}
	var obs types.Observation
	if err := json.Unmarshal(payloadBytes, &obs); err != nil {
		return nil, false, fmt.Errorf("store: unmarshal observation: %w", err)
	}
	return &obs, true, nil
}

func (s *PostgresStore) AddPeerNew(ctx context.Context, info types.PeerNodeInfo, weight float64, selfKey types.PublicKey) error {
	pb, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("store: marshal peer: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO peers (peer_id, payload) VALUES ($1,$2) ON CONFLICT (peer_id) DO UPDATE SET payload=EXCLUDED.payload`,
		string(info.PeerID), pb)
	if err != nil {
		return fmt.Errorf("store: insert peer: %w", err)
	}
	return nil
}

func (s *PostgresStore) ActiveNodes(ctx context.Context, filter PeerFilter) ([]types.PeerNodeInfo, error) {
	rows, err := s.pool.Query(ctx, `SELECT payload FROM peers`)
	if err != nil {
		return nil, fmt.Errorf("store: query peers: %w", err)
	}
	defer rows.Close()
	var out []types.PeerNodeInfo
	for rows.Next() {
		var pb []byte
		if err := rows.Scan(&pb); err != nil {
			return nil, fmt.Errorf("store: scan peer: %w", err)
		}
		var p types.PeerNodeInfo
		if err := json.Unmarshal(pb, &p); err != nil {
			return nil, fmt.Errorf("store: unmarshal peer: %w", err)
		}
		if filter.SeedOnly && !p.SeedNode {
			continue
		}
		if filter.Environment != "" && p.Node.Environment != filter.Environment {
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AllPeersInfo(ctx context.Context) ([]types.PeerNodeInfo, error) {
	return s.ActiveNodes(ctx, PeerFilter{})
}

func (s *PostgresStore) PartyDataFor(ctx context.Context, publicKey types.PublicKey) (*PartyData, bool, error) {
	var pb []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM parties WHERE public_key=$1`, publicKey.Hex()).Scan(&pb)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: query party: %w", err)
	}
	var pd PartyData
	if err := json.Unmarshal(pb, &pd); err != nil {
		return nil, false, fmt.Errorf("store: unmarshal party: %w", err)
	}
	return &pd, true, nil
}

func (s *PostgresStore) AddKeygen(ctx context.Context, info types.PeerNodeInfo, publicKey types.PublicKey) error {
	pd := PartyData{PublicKey: publicKey, Info: info}
	pb, err := json.Marshal(pd)
	if err != nil {
		return fmt.Errorf("store: marshal party: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO parties (public_key, payload) VALUES ($1,$2) ON CONFLICT (public_key) DO UPDATE SET payload=EXCLUDED.payload`,
		publicKey.Hex(), pb)
	if err != nil {
		return fmt.Errorf("store: insert party: %w", err)
	}
	return nil
}

func (s *PostgresStore) AllPartyInfoWithKey(ctx context.Context) ([]PartyData, error) {
	rows, err := s.pool.Query(ctx, `SELECT payload FROM parties`)
	if err != nil {
		return nil, fmt.Errorf("store: query parties: %w", err)
	}
	defer rows.Close()
	var out []PartyData
	for rows.Next() {
		var pb []byte
		if err := rows.Scan(&pb); err != nil {
			return nil, fmt.Errorf("store: scan party: %w", err)
		}
		var pd PartyData
		if err := json.Unmarshal(pb, &pd); err != nil {
			return nil, fmt.Errorf("store: unmarshal party: %w", err)
		}
		out = append(out, pd)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutPartyInternal(ctx context.Context, publicKey types.PublicKey, data *types.PartyInternalData) error {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = pgtx.Rollback(ctx) }()

	var existing []byte
	var pd PartyData
	err = pgtx.QueryRow(ctx, `SELECT payload FROM parties WHERE public_key=$1`, publicKey.Hex()).Scan(&existing)
	switch err {
	case nil:
		if jerr := json.Unmarshal(existing, &pd); jerr != nil {
			return fmt.Errorf("store: unmarshal party: %w", jerr)
		}
	case pgx.ErrNoRows:
		pd = PartyData{PublicKey: publicKey}
	default:
		return fmt.Errorf("store: query party: %w", err)
	}
	pd.Internal = data
	pb, err := json.Marshal(pd)
	if err != nil {
		return fmt.Errorf("store: marshal party: %w", err)
	}
	if _, err := pgtx.Exec(ctx,
		`INSERT INTO parties (public_key, payload) VALUES ($1,$2) ON CONFLICT (public_key) DO UPDATE SET payload=EXCLUDED.payload`,
		publicKey.Hex(), pb); err != nil {
		return fmt.Errorf("store: upsert party: %w", err)
	}
	return pgtx.Commit(ctx)
}

// Reconcile mirrors MemoryStore.Reconcile against the relational schema: any
// accepted transaction whose utxo rows don't match its own inputs/outputs is
// re-applied.
func (s *PostgresStore) Reconcile(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `SELECT payload, accepted, observed_at FROM transactions WHERE accepted=true`)
	if err != nil {
		return fmt.Errorf("store: query transactions for reconcile: %w", err)
	}
	var toReapply []txRow
	for rows.Next() {
		var pb []byte
		var accepted bool
		var at int64
		if err := rows.Scan(&pb, &accepted, &at); err != nil {
			rows.Close()
			return fmt.Errorf("store: scan transaction for reconcile: %w", err)
		}
		var row txRow
		if err := json.Unmarshal(pb, &row); err != nil {
			rows.Close()
			return fmt.Errorf("store: unmarshal transaction for reconcile: %w", err)
		}
		h := row.Tx.SignableHash()
		mismatched := false
		for _, in := range row.Tx.Inputs {
			ok, err := s.UtxoIDValid(ctx, in.UtxoID)
			if err != nil {
				rows.Close()
				return err
			}
			if ok {
				mismatched = true
				break
			}
		}
		if !mismatched {
			for idx, out := range row.Tx.Outputs {
				if out.Type == types.OutputFee || out.Type == types.OutputData {
					continue
				}
				ok, err := s.UtxoIDValid(ctx, types.UtxoID{TxHash: h, OutputIndex: uint32(idx)})
				if err != nil {
					rows.Close()
					return err
				}
				if !ok {
					mismatched = true
					break
				}
			}
		}
		if mismatched {
			toReapply = append(toReapply, row)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, row := range toReapply {
		if err := s.InsertTransaction(ctx, row.Tx, 0, row.Accepted, row.Rejection); err != nil {
			logrus.WithError(err).Warn("store: reconcile reapply failed")
		}
	}
	if len(toReapply) > 0 {
		logrus.WithField("reconciled", len(toReapply)).Warn("store: reapplied inconsistent transaction effects during recovery")
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
