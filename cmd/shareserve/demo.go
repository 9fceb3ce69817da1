package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xxtea01/shareserve/api/cluster"
	"github.com/xxtea01/shareserve/api/mpc"
	"github.com/xxtea01/shareserve/api/serving"
	"github.com/xxtea01/shareserve/api/tensor"
)

func newDemoCmd() *cobra.Command {
	var (
		parties int
		budget  int
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the end-to-end walkthrough in one process",
		Long: "demo hosts the whole cluster in-process: it shares the built-in model,\n" +
			"serves a bounded number of requests, shows that predictions match the\n" +
			"plaintext model, and then runs into the budget.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd, parties, budget)
		},
	}

	cmd.Flags().IntVar(&parties, "parties", 3, "number of in-process parties")
	cmd.Flags().IntVar(&budget, "budget", 3, "request budget, 0 for unlimited")

	return cmd
}

func runDemo(cmd *cobra.Command, parties, budget int) error {
	out := cmd.OutOrStdout()

	m, err := builtinModel()
	if err != nil {
		return err
	}

	cfg := cluster.Config{}
	for i := 0; i < parties; i++ {
		cfg.Parties = append(cfg.Parties, cluster.PartyConfig{
			Name: fmt.Sprintf("party-%d", i),
			Mode: cluster.SelfManaged,
		})
	}
	cl, err := cluster.New(cfg)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "starting %d in-process parties\n", parties)
	if err := cl.Start(cmd.Context()); err != nil {
		return err
	}
	defer cl.Stop()

	sm, err := serving.NewSecureModel(m, cl, serving.Options{})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "splitting %q into %d shares and loading the parties\n", m.Name, parties)
	if err := sm.Share(cmd.Context()); err != nil {
		return err
	}

	if budget > 0 {
		fmt.Fprintf(out, "serving with a budget of %d requests\n\n", budget)
	} else {
		fmt.Fprintf(out, "serving with no request budget\n\n")
	}
	if err := sm.Serve(budget); err != nil {
		return err
	}

	inputs := []tensor.Tensor{
		tensor.Vector(1.0, 0.5, -0.25, 2.0),
		tensor.Vector(-1.0, 0.33, 0.8, -0.7),
		tensor.Vector(0.05, -1.2, 0.6, 1.5),
	}
	requests := budget
	if requests <= 0 {
		requests = len(inputs)
	}

	for i := 0; i < requests; i++ {
		in := inputs[i%len(inputs)]
		secure, err := sm.Predict(cmd.Context(), in)
		if err != nil {
			return err
		}
		plain, err := m.Forward(in)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "request %d: input %s\n", i+1, fmtVec(in.Data))
		fmt.Fprintf(out, "  secure    %s\n", fmtVec(secure.Data))
		fmt.Fprintf(out, "  plaintext %s\n", fmtVec(plain.Data))
	}

	if budget > 0 {
		_, err := sm.Predict(cmd.Context(), inputs[0])
		if !errors.Is(err, mpc.ErrBudgetExhausted) {
			return fmt.Errorf("expected the budget to be spent, got %v", err)
		}
		fmt.Fprintf(out, "\nrequest %d refused: %v\n", budget+1, err)
	}

	st := sm.Stats()
	fmt.Fprintf(out, "\nserved %d requests (%d ok, %d failed)\n", st.Admitted, st.Succeeded, st.Failed)
	for _, ps := range cl.Status() {
		fmt.Fprintf(out, "  %-8s state=%-8s latency=%s\n", ps.Name, ps.State, ps.Latency.Round(10*time.Microsecond))
	}

	if err := sm.Stop(); err != nil {
		return err
	}
	fmt.Fprintln(out, "model stopped, shares discarded with it")
	return cl.Stop()
}

func fmtVec(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprintf("%.4f", x)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
