package party

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rg-network/node/pkg/crypto"
	"github.com/rg-network/node/pkg/types"
)

// SigningRequest is the payload sent to the threshold-signing service: a
// digest to sign plus the proposed effect, so the follower side can re-run
// C10's validators before releasing a signature share (Design Notes §9).
type SigningRequest struct {
	PartyKey types.PublicKey
	Digest   types.Hash
	Currency types.Currency
	// Validate is invoked by a local signer before producing a share; a
	// remote signer instead runs the equivalent check on the follower
	// side of the multi-round protocol.
	Validate func() error
}

// ThresholdSigner is modeled as an RPC returning a proof over a digest; the
// multi-round nature of the underlying protocol is invisible to the core,
// matching Design Notes §9 and the teacher's AIStubClient grpc-stub idiom
// (core/ai.go).
type ThresholdSigner interface {
	Sign(ctx context.Context, req SigningRequest) (types.Proof, error)
}

// GRPCThresholdSigner dials a remote threshold-signing service. The actual
// multi-round keysign protocol lives behind that service; this client only
// carries the digest out and the aggregated proof back.
type GRPCThresholdSigner struct {
	conn *grpc.ClientConn
}

// DialGRPCThresholdSigner connects to a threshold-signing endpoint over an
// insecure local channel, matching the teacher's InitAI dial pattern.
func DialGRPCThresholdSigner(endpoint string) (*GRPCThresholdSigner, error) {
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("party: dial threshold signer: %w", err)
	}
	return &GRPCThresholdSigner{conn: conn}, nil
}

// Sign is left unimplemented pending the generated protobuf client for the
// threshold-signing service; wiring it is a matter of calling the generated
// stub's Sign RPC over conn with req marshalled to its proto message.
func (g *GRPCThresholdSigner) Sign(ctx context.Context, req SigningRequest) (types.Proof, error) {
	return types.Proof{}, fmt.Errorf("party: grpc threshold signer stub not wired to a proto service")
}

// LocalThresholdSigner is an in-process fake for tests and for
// single-signer deployments: it validates the proposal then signs directly
// with a local key, standing in for what would otherwise be an n-of-m
// threshold ceremony.
type LocalThresholdSigner struct {
	signer crypto.Signer
}

// NewLocalThresholdSigner wraps signer as a (degenerate, 1-of-1) threshold
// signer.
func NewLocalThresholdSigner(signer crypto.Signer) *LocalThresholdSigner {
	return &LocalThresholdSigner{signer: signer}
}

func (l *LocalThresholdSigner) Sign(ctx context.Context, req SigningRequest) (types.Proof, error) {
	if req.Validate != nil {
		if err := req.Validate(); err != nil {
			return types.Proof{}, types.Wrap(types.ErrValidationSchema, "fulfilment validator rejected proposal", err)
		}
	}
	return l.signer.Sign(req.Digest)
}
