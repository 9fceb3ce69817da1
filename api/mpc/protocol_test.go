package mpc

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/xxtea01/shareserve/api/model"
	"github.com/xxtea01/shareserve/api/share"
	"github.com/xxtea01/shareserve/api/tensor"
	"github.com/xxtea01/shareserve/api/transport/mocknet"
)

// testCluster runs real party control loops and a coordinator over an
// in-memory mesh. Index parties holds the coordinator endpoint.
type testCluster struct {
	parties []*Party
	mesh    []*mocknet.Messenger
	coord   *Coordinator
	enc     *share.Encoder
}

func startTestCluster(t *testing.T, parties int, timeout time.Duration) *testCluster {
	t.Helper()
	mesh := mocknet.NewNetwork(parties + 1)
	ctx, cancel := context.WithCancel(context.Background())

	tc := &testCluster{mesh: mesh}
	for i := 0; i < parties; i++ {
		p, err := NewParty(i, parties, PartyOptions{RoundTimeout: timeout})
		require.NoError(t, err)
		tc.parties = append(tc.parties, p)
		go func() { _ = p.Run(ctx, mesh[i]) }()
	}
	tc.coord = NewCoordinator(parties, mesh[parties], CoordinatorOptions{AckTimeout: timeout})

	enc, err := share.NewEncoder(parties, tensor.DefaultFracBits)
	require.NoError(t, err)
	tc.enc = enc

	t.Cleanup(func() {
		tc.coord.Close()
		cancel()
		for _, p := range tc.parties {
			<-p.Done()
		}
	})
	return tc
}

func (tc *testCluster) load(ctx context.Context, t *testing.T, m *model.Model) {
	t.Helper()
	weights, err := DealWeights(tc.enc, m)
	require.NoError(t, err)
	require.NoError(t, tc.coord.LoadModel(ctx, SpecOf(m, tc.enc.FracBits()), weights))
}

// predict drives one full request through the coordinator the way the serving
// layer does: deal, begin, input, step every round, reconstruct.
func (tc *testCluster) predict(ctx context.Context, t *testing.T, m *model.Model, input tensor.Tensor) (tensor.Tensor, error) {
	t.Helper()
	id := uuid.NewString()

	material, err := DealRequest(tc.enc, m)
	require.NoError(t, err)
	if err := tc.coord.BeginRequest(ctx, id, material); err != nil {
		return tensor.Tensor{}, err
	}

	inSet, err := tc.enc.Encode(input)
	require.NoError(t, err)
	inputs := make([][]int64, tc.enc.Parties())
	for p := range inputs {
		inputs[p] = inSet.Shares[p].Values.Data
	}
	if err := tc.coord.SendInput(ctx, id, inputs); err != nil {
		return tensor.Tensor{}, err
	}

	total := SpecOf(m, tc.enc.FracBits()).TotalRounds()
	var outputs [][]int64
	for round := 0; round < total; round++ {
		outputs, err = tc.coord.Step(ctx, id, round)
		if err != nil {
			return tensor.Tensor{}, err
		}
	}

	outShares := make([]share.Share, len(outputs))
	for p, data := range outputs {
		outShares[p] = share.Share{Party: p, Values: ringVec(data)}
	}
	return tc.enc.Reconstruct(outShares)
}

func TestClusterPredictEndToEnd(t *testing.T) {
	ctx := context.Background()
	tc := startTestCluster(t, 3, 2*time.Second)
	m := mustModel(t,
		mustDense(t, 2, 2, []float64{1.0, -0.5, 0.25, 1.0}, []float64{0.5, -0.5}),
		model.NewReLU(),
		mustDense(t, 1, 2, []float64{2.0, 1.0}, []float64{0.125}),
	)

	for i := range tc.parties {
		st, _, err := tc.coord.Ping(ctx, i)
		require.NoError(t, err)
		require.Equal(t, StateIdle, st)
	}

	tc.load(ctx, t, m)
	st, latency, err := tc.coord.Ping(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, StateReady, st)
	require.Greater(t, latency, time.Duration(0))

	want, err := m.Forward(tensor.Vector(1.5, -2))
	require.NoError(t, err)

	// Two sequential requests against the same loaded shares, each with its
	// own dealt material.
	for i := 0; i < 2; i++ {
		got, err := tc.predict(ctx, t, m, tensor.Vector(1.5, -2))
		require.NoError(t, err)
		diff, err := got.MaxAbsDiff(want)
		require.NoError(t, err)
		require.Less(t, diff, 1e-3)
	}

	for i := range tc.parties {
		st, _, err := tc.coord.Ping(ctx, i)
		require.NoError(t, err)
		require.Equal(t, StateServing, st)
	}
}

func TestRequestCommandsBeforeBegin(t *testing.T) {
	ctx := context.Background()
	tc := startTestCluster(t, 2, time.Second)
	m := mustModel(t, mustDense(t, 1, 1, []float64{1}, []float64{0}))
	tc.load(ctx, t, m)

	inputs := [][]int64{{1}, {2}}
	err := tc.coord.SendInput(ctx, "nope", inputs)
	require.ErrorIs(t, err, ErrUnknownRequest)

	_, err = tc.coord.Step(ctx, "nope", 0)
	require.ErrorIs(t, err, ErrUnknownRequest)

	// Aborting an unknown request is a success: the goal state holds.
	require.NoError(t, tc.coord.AbortRequest(ctx, "nope"))

	_, _, err = tc.coord.Ping(ctx, -1)
	require.Error(t, err)
}

func TestBeginRequiresLoadedShares(t *testing.T) {
	ctx := context.Background()
	tc := startTestCluster(t, 2, time.Second)
	m := mustModel(t, mustDense(t, 1, 1, []float64{1}, []float64{0}))

	material, err := DealRequest(tc.enc, m)
	require.NoError(t, err)
	err = tc.coord.BeginRequest(ctx, uuid.NewString(), material)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestDuplicateBeginRejected(t *testing.T) {
	ctx := context.Background()
	tc := startTestCluster(t, 2, time.Second)
	m := mustModel(t, mustDense(t, 1, 1, []float64{1}, []float64{0}))
	tc.load(ctx, t, m)

	id := uuid.NewString()
	material, err := DealRequest(tc.enc, m)
	require.NoError(t, err)
	require.NoError(t, tc.coord.BeginRequest(ctx, id, material))

	err = tc.coord.BeginRequest(ctx, id, material)
	require.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, tc.coord.AbortRequest(ctx, id))
}

func TestDoubleInputEndsRequest(t *testing.T) {
	ctx := context.Background()
	tc := startTestCluster(t, 2, time.Second)
	m := mustModel(t, mustDense(t, 1, 1, []float64{1}, []float64{0}))
	tc.load(ctx, t, m)

	id := uuid.NewString()
	material, err := DealRequest(tc.enc, m)
	require.NoError(t, err)
	require.NoError(t, tc.coord.BeginRequest(ctx, id, material))

	inputs := [][]int64{{1 << 16}, {0}}
	require.NoError(t, tc.coord.SendInput(ctx, id, inputs))
	err = tc.coord.SendInput(ctx, id, inputs)
	require.ErrorIs(t, err, ErrInvalidState)

	// The violation tore the request down on every party.
	_, err = tc.coord.Step(ctx, id, 0)
	require.ErrorIs(t, err, ErrUnknownRequest)
}

func TestDiscardReturnsPartiesToIdle(t *testing.T) {
	ctx := context.Background()
	tc := startTestCluster(t, 2, time.Second)
	m := mustModel(t, mustDense(t, 1, 1, []float64{1}, []float64{0}))
	tc.load(ctx, t, m)

	require.NoError(t, tc.coord.DiscardModel(ctx))
	st, _, err := tc.coord.Ping(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, StateIdle, st)

	material, err := DealRequest(tc.enc, m)
	require.NoError(t, err)
	err = tc.coord.BeginRequest(ctx, uuid.NewString(), material)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestLoadRejectsMalformedShares(t *testing.T) {
	ctx := context.Background()
	tc := startTestCluster(t, 3, time.Second)
	m := mustModel(t, mustDense(t, 2, 2, []float64{1, 0, 0, 1}, []float64{0, 0}))
	spec := SpecOf(m, tc.enc.FracBits())

	weights, err := DealWeights(tc.enc, m)
	require.NoError(t, err)

	err = tc.coord.LoadModel(ctx, spec, weights[:2])
	require.Error(t, err)

	weights[1][0].Bias = weights[1][0].Bias[:1]
	require.Error(t, tc.coord.LoadModel(ctx, spec, weights))
}

func TestMalformedPeerPayloadFaultsParty(t *testing.T) {
	ctx := context.Background()
	tc := startTestCluster(t, 3, time.Second)
	m := mustModel(t, mustDense(t, 1, 1, []float64{1}, []float64{0}))
	tc.load(ctx, t, m)

	// Party 1 speaks garbage to party 0 over the peer link.
	require.NoError(t, tc.mesh[1].MessageSend(ctx, 0, []byte("not an envelope")))

	require.Eventually(t, func() bool {
		st, _, err := tc.coord.Ping(ctx, 0)
		return err == nil && st == StateFaulted
	}, 2*time.Second, 20*time.Millisecond)

	// The fault pins party 0 only; its shares and the others stay intact.
	st, _, err := tc.coord.Ping(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, StateReady, st)

	material, err := DealRequest(tc.enc, m)
	require.NoError(t, err)
	err = tc.coord.BeginRequest(ctx, uuid.NewString(), material)
	require.ErrorIs(t, err, ErrPartyFaulted)
}

func TestDeadPartyFailsRoundWithTimeout(t *testing.T) {
	ctx := context.Background()
	tc := startTestCluster(t, 3, 300*time.Millisecond)
	m := mustModel(t, mustDense(t, 1, 1, []float64{1}, []float64{0}))
	tc.load(ctx, t, m)

	id := uuid.NewString()
	material, err := DealRequest(tc.enc, m)
	require.NoError(t, err)
	require.NoError(t, tc.coord.BeginRequest(ctx, id, material))

	inSet, err := tc.enc.Encode(tensor.Vector(1))
	require.NoError(t, err)
	inputs := make([][]int64, 3)
	for p := range inputs {
		inputs[p] = inSet.Shares[p].Values.Data
	}
	require.NoError(t, tc.coord.SendInput(ctx, id, inputs))

	// Kill party 2 mid-request.
	require.NoError(t, tc.parties[2].Stop())
	tc.mesh[2].Abort()
	<-tc.parties[2].Done()

	_, err = tc.coord.Step(ctx, id, 0)
	require.ErrorIs(t, err, ErrProtocolTimeout)

	// The failed round tore the request down on the survivors.
	_, err = tc.coord.Step(ctx, id, 1)
	require.ErrorIs(t, err, ErrUnknownRequest)

	// Survivors keep their shares and stay responsive.
	for _, i := range []int{0, 1} {
		st, _, err := tc.coord.Ping(ctx, i)
		require.NoError(t, err)
		require.Equal(t, StateServing, st)
	}
	_, _, err = tc.coord.Ping(ctx, 2)
	require.Error(t, err)

	require.ErrorIs(t, tc.parties[2].Stop(), ErrAlreadyStopped)
}

func TestStopPartyOverWire(t *testing.T) {
	ctx := context.Background()
	tc := startTestCluster(t, 2, 500*time.Millisecond)

	require.NoError(t, tc.coord.StopParty(ctx, 0))
	<-tc.parties[0].Done()
	require.Equal(t, StateStopped, tc.parties[0].State())
	require.ErrorIs(t, tc.parties[0].Stop(), ErrAlreadyStopped)

	// A stopped party no longer answers.
	_, _, err := tc.coord.Ping(ctx, 0)
	require.ErrorIs(t, err, ErrProtocolTimeout)

	st, _, err := tc.coord.Ping(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, StateIdle, st)
}
