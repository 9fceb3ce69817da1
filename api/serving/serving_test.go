package serving

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxtea01/shareserve/api/cluster"
	"github.com/xxtea01/shareserve/api/model"
	"github.com/xxtea01/shareserve/api/mpc"
	"github.com/xxtea01/shareserve/api/tensor"
)

func denseModel(t *testing.T) *model.Model {
	t.Helper()
	w, err := tensor.New([]int{2, 2}, []float64{1.0, -0.5, 0.75, 2.0})
	require.NoError(t, err)
	b, err := tensor.New([]int{2}, []float64{0.25, -1.0})
	require.NoError(t, err)
	dense, err := model.NewDense(w, b)
	require.NoError(t, err)
	m, err := model.New("unit", dense)
	require.NoError(t, err)
	return m
}

func startCluster(t *testing.T, parties int, ackTimeout time.Duration) *cluster.Cluster {
	t.Helper()
	cfg := cluster.Config{
		AckTimeout:   ackTimeout,
		RoundTimeout: ackTimeout,
	}
	for i := 0; i < parties; i++ {
		cfg.Parties = append(cfg.Parties, cluster.PartyConfig{
			Name: "p" + strconv.Itoa(i),
			Mode: cluster.SelfManaged,
		})
	}
	cl, err := cluster.New(cfg)
	require.NoError(t, err)
	require.NoError(t, cl.Start(context.Background()))
	t.Cleanup(func() { _ = cl.Stop() })
	return cl
}

func TestShareServePredictWithBudget(t *testing.T) {
	ctx := context.Background()
	cl := startCluster(t, 3, 2*time.Second)
	m := denseModel(t)

	sm, err := NewSecureModel(m, cl, Options{})
	require.NoError(t, err)
	require.Equal(t, StatePlain, sm.State())

	require.NoError(t, sm.Share(ctx))
	require.Equal(t, StateShared, sm.State())
	require.NoError(t, sm.Serve(1))
	require.Equal(t, StateServing, sm.State())

	input := tensor.Vector(2.0, -1.5)
	want, err := m.Forward(input)
	require.NoError(t, err)

	got, err := sm.Predict(ctx, input)
	require.NoError(t, err)
	diff, err := got.MaxAbsDiff(want)
	require.NoError(t, err)
	require.Less(t, diff, 1e-3)

	_, err = sm.Predict(ctx, input)
	require.ErrorIs(t, err, mpc.ErrBudgetExhausted)

	stats := sm.Stats()
	require.Equal(t, 1, stats.Admitted)
	require.Equal(t, 1, stats.Succeeded)
	require.Equal(t, 0, stats.Failed)
	require.True(t, stats.Exhausted)

	require.NoError(t, sm.Stop())
	require.NoError(t, sm.Stop())
	require.Equal(t, StateStopped, sm.State())

	// Stopping the queue leaves the cluster and its shares alone.
	require.True(t, cl.Ready())
}

func TestSecondShareFails(t *testing.T) {
	ctx := context.Background()
	cl := startCluster(t, 2, 2*time.Second)
	sm, err := NewSecureModel(denseModel(t), cl, Options{})
	require.NoError(t, err)

	require.NoError(t, sm.Share(ctx))
	require.ErrorIs(t, sm.Share(ctx), mpc.ErrInvalidState)
}

func TestShareRequiresRunningCluster(t *testing.T) {
	cfg := cluster.Config{Parties: []cluster.PartyConfig{
		{Name: "a", Mode: cluster.SelfManaged},
		{Name: "b", Mode: cluster.SelfManaged},
	}}
	cl, err := cluster.New(cfg)
	require.NoError(t, err)

	sm, err := NewSecureModel(denseModel(t), cl, Options{})
	require.NoError(t, err)
	require.ErrorIs(t, sm.Share(context.Background()), mpc.ErrClusterNotReady)
	require.Equal(t, StatePlain, sm.State())
}

func TestUnlimitedServe(t *testing.T) {
	ctx := context.Background()
	cl := startCluster(t, 2, 2*time.Second)
	sm, err := NewSecureModel(denseModel(t), cl, Options{})
	require.NoError(t, err)

	require.NoError(t, sm.Share(ctx))
	require.NoError(t, sm.Serve(0))

	input := tensor.Vector(0.5, 0.5)
	for i := 0; i < 3; i++ {
		_, err := sm.Predict(ctx, input)
		require.NoError(t, err)
	}
	stats := sm.Stats()
	require.Equal(t, 3, stats.Succeeded)
	require.False(t, stats.Exhausted)

	require.NoError(t, sm.Stop())
	_, err = sm.Predict(ctx, input)
	require.ErrorIs(t, err, mpc.ErrInvalidState)
}

func TestBudgetReentryPolicy(t *testing.T) {
	ctx := context.Background()
	cl := startCluster(t, 2, 2*time.Second)
	sm, err := NewSecureModel(denseModel(t), cl, Options{})
	require.NoError(t, err)

	require.NoError(t, sm.Share(ctx))
	require.NoError(t, sm.Serve(0))

	input := tensor.Vector(1, 1)
	_, err = sm.Predict(ctx, input)
	require.NoError(t, err)

	// A budget may be set while serving because none was active. It counts
	// from this call, not from the first admission.
	require.NoError(t, sm.Serve(2))
	for i := 0; i < 2; i++ {
		_, err := sm.Predict(ctx, input)
		require.NoError(t, err)
	}
	_, err = sm.Predict(ctx, input)
	require.ErrorIs(t, err, mpc.ErrBudgetExhausted)

	require.ErrorIs(t, sm.Serve(5), mpc.ErrInvalidState)
}

func TestKilledPartyFailsPredict(t *testing.T) {
	ctx := context.Background()
	cl := startCluster(t, 3, 300*time.Millisecond)
	sm, err := NewSecureModel(denseModel(t), cl, Options{})
	require.NoError(t, err)

	require.NoError(t, sm.Share(ctx))
	require.NoError(t, sm.Serve(0))

	input := tensor.Vector(1, 2)
	_, err = sm.Predict(ctx, input)
	require.NoError(t, err)

	require.NoError(t, cl.Coordinator().StopParty(ctx, 2))

	_, err = sm.Predict(ctx, input)
	require.ErrorIs(t, err, mpc.ErrProtocolTimeout)

	// The survivors keep serving.
	for _, i := range []int{0, 1} {
		st, _, err := cl.Coordinator().Ping(ctx, i)
		require.NoError(t, err)
		require.Equal(t, mpc.StateServing, st)
	}

	stats := sm.Stats()
	require.Equal(t, 1, stats.Failed)
}

func TestPredictValidatesInputBeforeAdmission(t *testing.T) {
	ctx := context.Background()
	cl := startCluster(t, 2, 2*time.Second)
	sm, err := NewSecureModel(denseModel(t), cl, Options{})
	require.NoError(t, err)

	require.NoError(t, sm.Share(ctx))
	require.NoError(t, sm.Serve(1))

	_, err = sm.Predict(ctx, tensor.Vector(1, 2, 3))
	require.Error(t, err)
	require.NotErrorIs(t, err, mpc.ErrBudgetExhausted)

	// The malformed request did not spend the budget.
	_, err = sm.Predict(ctx, tensor.Vector(1, 2))
	require.NoError(t, err)
}

func TestLifecycleOrderEnforced(t *testing.T) {
	ctx := context.Background()
	cl := startCluster(t, 2, 2*time.Second)
	sm, err := NewSecureModel(denseModel(t), cl, Options{})
	require.NoError(t, err)

	require.ErrorIs(t, sm.Serve(1), mpc.ErrInvalidState)

	_, err = sm.Predict(ctx, tensor.Vector(1, 2))
	require.ErrorIs(t, err, mpc.ErrInvalidState)

	require.NoError(t, sm.Share(ctx))
	_, err = sm.Predict(ctx, tensor.Vector(1, 2))
	require.ErrorIs(t, err, mpc.ErrInvalidState)
}
