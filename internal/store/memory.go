package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/rg-network/node/pkg/merkle"
	"github.com/rg-network/node/pkg/types"
)

// walRecord is one write-ahead-log entry. Exactly one of the payload fields
// is populated; Kind selects which. Grounded on the teacher's ledger.go WAL,
// which replays a stream of JSON-encoded blocks on startup; here the unit of
// replay is one store mutation instead of one block.
type walRecord struct {
	Kind        string                 `json:"kind"`
	Transaction *txRecord              `json:"transaction,omitempty"`
	Observation *types.Observation     `json:"observation,omitempty"`
	ObservedAt  int64                  `json:"observed_at,omitempty"`
	Peer        *peerRecord            `json:"peer,omitempty"`
	Keygen      *keygenRecord          `json:"keygen,omitempty"`
	PartyKey    types.PublicKey        `json:"party_key,omitempty"`
	PartyData   *types.PartyInternalData `json:"party_data,omitempty"`
}

type txRecord struct {
	Tx         *types.Transaction    `json:"tx"`
	At         int64                 `json:"at"`
	Accepted   bool                  `json:"accepted"`
	Rejection  *types.RejectionReason `json:"rejection,omitempty"`
}

type peerRecord struct {
	Info     types.PeerNodeInfo `json:"info"`
	Weight   float64            `json:"weight"`
	SelfKey  types.PublicKey    `json:"self_key"`
}

type keygenRecord struct {
	Info      types.PeerNodeInfo `json:"info"`
	PublicKey types.PublicKey    `json:"public_key"`
}

// MemoryStore is a WAL-backed, in-process implementation of Store. All
// mutating operations append one walRecord before mutating in-memory state,
// so a crash can recover by replaying the file from scratch. Grounded on the
// teacher's core.Ledger, which does the same thing for blocks instead of
// individual ledger rows.
type MemoryStore struct {
	mu sync.RWMutex

	walFile *os.File
	walPath string

	transactions map[types.Hash]*txRecord
	utxo         map[string]types.UtxoEntry
	// outputHistory indexes every output ever produced (by UtxoID key), kept
	// even after the output is spent, so a later by-address scan can still
	// resolve what address an Input's UtxoID paid.
	outputHistory map[string]types.Output
	obsEdges      map[types.Hash][]types.ObservationProof
	obsLatest    map[string]*types.Observation // keyed by PublicKey.Equal-friendly hex
	peers        map[types.PeerId]types.PeerNodeInfo
	parties      map[string]*PartyData // keyed by hex public key
}

// NewMemoryStore opens (creating if absent) the WAL at walPath and replays
// any existing records into a fresh in-memory index.
func NewMemoryStore(walPath string) (*MemoryStore, error) {
	if dir := filepath.Dir(walPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create wal dir: %w", err)
		}
	}
	f, err := os.OpenFile(walPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("store: open wal: %w", err)
	}
	s := &MemoryStore{
		walFile:      f,
		walPath:      walPath,
		transactions:  make(map[types.Hash]*txRecord),
		utxo:          make(map[string]types.UtxoEntry),
		outputHistory: make(map[string]types.Output),
		obsEdges:      make(map[types.Hash][]types.ObservationProof),
		obsLatest:    make(map[string]*types.Observation),
		peers:        make(map[types.PeerId]types.PeerNodeInfo),
		parties:      make(map[string]*PartyData),
	}
	if err := s.replay(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

func (s *MemoryStore) replay() error {
	if _, err := s.walFile.Seek(0, 0); err != nil {
		return fmt.Errorf("store: seek wal: %w", err)
	}
	scanner := bufio.NewScanner(s.walFile)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec walRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return fmt.Errorf("store: wal unmarshal: %w", err)
		}
		s.applyRecord(&rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("store: wal scan: %w", err)
	}
	if _, err := s.walFile.Seek(0, 2); err != nil {
		return fmt.Errorf("store: seek wal end: %w", err)
	}
	return nil
}

func (s *MemoryStore) applyRecord(rec *walRecord) {
	switch rec.Kind {
	case "tx":
		s.applyTx(rec.Transaction)
	case "observation":
		s.applyObservation(rec.Observation, rec.ObservedAt)
	case "peer":
		s.peers[rec.Peer.Info.PeerID] = rec.Peer.Info
	case "keygen":
		s.parties[rec.Keygen.PublicKey.Hex()] = &PartyData{
			PublicKey: rec.Keygen.PublicKey,
			Info:      rec.Keygen.Info,
		}
	case "party_internal":
		key := rec.PartyKey.Hex()
		pd, ok := s.parties[key]
		if !ok {
			pd = &PartyData{PublicKey: rec.PartyKey}
			s.parties[key] = pd
		}
		pd.Internal = rec.PartyData
	}
}

func (s *MemoryStore) applyTx(rec *txRecord) {
	h := rec.Tx.SignableHash()
	s.transactions[h] = rec
	if rec.Accepted {
		for i, in := range rec.Tx.Inputs {
			_ = i
			delete(s.utxo, in.UtxoID.Key())
		}
		for idx, out := range rec.Tx.Outputs {
			id := types.UtxoID{TxHash: h, OutputIndex: uint32(idx)}
			s.outputHistory[id.Key()] = out
			if out.Type == types.OutputFee || out.Type == types.OutputData {
				continue
			}
			s.utxo[id.Key()] = types.UtxoEntry{ID: id, Output: out}
		}
	}
}

func (s *MemoryStore) applyObservation(obs *types.Observation, at int64) {
	proof := types.ObservationProof{
		MerkleRoot: obs.MerkleRoot,
		NodeProof:  obs.Proof,
		Height:     obs.Height,
	}
	leaves := make([]types.Hash, len(obs.Observations))
	for i, m := range obs.Observations {
		leaf, err := merkle.LeafHash(m)
		if err != nil {
			logrus.WithError(err).Error("store: hash observation leaf")
			continue
		}
		leaves[i] = leaf
	}
	tree := merkle.Build(leaves)
	for i, m := range obs.Observations {
		p := proof
		p.Metadata = m
		p.Path = tree.Proof(i)
		s.obsEdges[m.ObservedHash] = append(s.obsEdges[m.ObservedHash], p)
	}
	key := obs.Proof.PublicKey.Hex()
	if cur, ok := s.obsLatest[key]; !ok || obs.Height > cur.Height {
		s.obsLatest[key] = obs
	}
}

func (s *MemoryStore) appendWAL(rec walRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal wal record: %w", err)
	}
	b = append(b, '\n')
	if _, err := s.walFile.Write(b); err != nil {
		return fmt.Errorf("store: write wal: %w", err)
	}
	return s.walFile.Sync()
}

func (s *MemoryStore) InsertTransaction(ctx context.Context, tx *types.Transaction, at int64, accepted bool, rejection *types.RejectionReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := tx.SignableHash()
	if existing, ok := s.transactions[h]; ok {
		existingRejected := existing.Rejection != nil
		newRejected := rejection != nil
		if existingRejected != newRejected {
			return types.NewError(types.ErrDuplicate, "transaction already stored with different rejection status")
		}
		return nil // idempotent no-op
	}

	if accepted {
		for _, in := range tx.Inputs {
			if _, ok := s.utxo[in.UtxoID.Key()]; !ok {
				return types.NewError(types.ErrUtxoInvalid, "input utxo is not currently unspent: "+in.UtxoID.Key())
			}
		}
	}

	rec := &txRecord{Tx: tx, At: at, Accepted: accepted, Rejection: rejection}
	if err := s.appendWAL(walRecord{Kind: "tx", Transaction: rec}); err != nil {
		return err
	}
	s.applyTx(rec)
	return nil
}

func (s *MemoryStore) QueryMaybeTransaction(ctx context.Context, hash types.Hash) (*types.Transaction, *types.RejectionReason, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.transactions[hash]
	if !ok {
		return nil, nil, false, nil
	}
	return rec.Tx, rec.Rejection, true, nil
}

func (s *MemoryStore) QueryUtxo(ctx context.Context, id types.UtxoID) (*types.UtxoEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.utxo[id.Key()]
	if !ok {
		return nil, false, nil
	}
	return &e, true, nil
}

func (s *MemoryStore) UtxoIDValid(ctx context.Context, id types.UtxoID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.utxo[id.Key()]
	return ok, nil
}

func (s *MemoryStore) QueryUtxosByAddress(ctx context.Context, addr types.Address) ([]types.UtxoEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.UtxoEntry
	for _, e := range s.utxo {
		if e.Output.Address == addr {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) QueryTransactionsByAddress(ctx context.Context, addr types.Address, since, until int64) ([]*types.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Transaction
	for _, rec := range s.transactions {
		if !rec.Accepted {
			continue
		}
		if since != 0 && rec.At < since {
			continue
		}
		if until != 0 && rec.At >= until {
			continue
		}
		if s.txTouches(rec.Tx, addr) {
			out = append(out, rec.Tx)
		}
	}
	return out, nil
}

func (s *MemoryStore) txTouches(tx *types.Transaction, addr types.Address) bool {
	for _, out := range tx.Outputs {
		if out.Address == addr {
			return true
		}
	}
	for _, in := range tx.Inputs {
		if spent, ok := s.outputHistory[in.UtxoID.Key()]; ok && spent.Address == addr {
			return true
		}
	}
	return false
}

func (s *MemoryStore) SelectObservationEdge(ctx context.Context, hash types.Hash) ([]types.ObservationProof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	edges := s.obsEdges[hash]
	out := make([]types.ObservationProof, len(edges))
	copy(out, edges)
	return out, nil
}

func (s *MemoryStore) InsertObservationAndEdges(ctx context.Context, obs *types.Observation, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendWAL(walRecord{Kind: "observation", Observation: obs, ObservedAt: at}); err != nil {
		return err
	}
	s.applyObservation(obs, at)
	return nil
}

func (s *MemoryStore) SelectLatestObservation(ctx context.Context, publicKey types.PublicKey) (*types.Observation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obs, ok := s.obsLatest[publicKey.Hex()]
	return obs, ok, nil
}

func (s *MemoryStore) AddPeerNew(ctx context.Context, info types.PeerNodeInfo, weight float64, selfKey types.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendWAL(walRecord{Kind: "peer", Peer: &peerRecord{Info: info, Weight: weight, SelfKey: selfKey}}); err != nil {
		return err
	}
	s.peers[info.PeerID] = info
	return nil
}

func (s *MemoryStore) ActiveNodes(ctx context.Context, filter PeerFilter) ([]types.PeerNodeInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.PeerNodeInfo
	for _, p := range s.peers {
		if filter.SeedOnly && !p.SeedNode {
			continue
		}
		if filter.Environment != "" && p.Node.Environment != filter.Environment {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStore) AllPeersInfo(ctx context.Context) ([]types.PeerNodeInfo, error) {
	return s.ActiveNodes(ctx, PeerFilter{})
}

func (s *MemoryStore) PartyDataFor(ctx context.Context, publicKey types.PublicKey) (*PartyData, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pd, ok := s.parties[publicKey.Hex()]
	return pd, ok, nil
}

func (s *MemoryStore) AddKeygen(ctx context.Context, info types.PeerNodeInfo, publicKey types.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendWAL(walRecord{Kind: "keygen", Keygen: &keygenRecord{Info: info, PublicKey: publicKey}}); err != nil {
		return err
	}
	s.parties[publicKey.Hex()] = &PartyData{PublicKey: publicKey, Info: info}
	return nil
}

func (s *MemoryStore) AllPartyInfoWithKey(ctx context.Context) ([]PartyData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PartyData, 0, len(s.parties))
	for _, pd := range s.parties {
		out = append(out, *pd)
	}
	return out, nil
}

func (s *MemoryStore) PutPartyInternal(ctx context.Context, publicKey types.PublicKey, data *types.PartyInternalData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendWAL(walRecord{Kind: "party_internal", PartyKey: publicKey, PartyData: data}); err != nil {
		return err
	}
	pd, ok := s.parties[publicKey.Hex()]
	if !ok {
		pd = &PartyData{PublicKey: publicKey}
		s.parties[publicKey.Hex()] = pd
	}
	pd.Internal = data
	return nil
}

// Reconcile is the startup recovery pass: for every accepted transaction,
// verify its consumed UtxoEntries are absent and its produced outputs
// present, reapplying the transaction's effects on any mismatch. Grounded on
// the same replay-then-verify discipline the teacher's NewLedger uses when
// rebuilding the UTXO set from a WAL.
func (s *MemoryStore) Reconcile(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fixed := 0
	for h, rec := range s.transactions {
		if !rec.Accepted {
			continue
		}
		mismatched := false
		for _, in := range rec.Tx.Inputs {
			if _, ok := s.utxo[in.UtxoID.Key()]; ok {
				mismatched = true
				break
			}
		}
		if !mismatched {
			for idx, out := range rec.Tx.Outputs {
				if out.Type == types.OutputFee || out.Type == types.OutputData {
					continue
				}
				id := types.UtxoID{TxHash: h, OutputIndex: uint32(idx)}
				if _, ok := s.utxo[id.Key()]; !ok {
					mismatched = true
					break
				}
			}
		}
		if mismatched {
			s.applyTx(rec)
			fixed++
		}
	}
	if fixed > 0 {
		logrus.WithField("reconciled", fixed).Warn("store: reapplied inconsistent transaction effects during recovery")
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walFile.Close()
}
