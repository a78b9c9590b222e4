package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ssd-technologies/quorum/internal/analysis"
	"github.com/ssd-technologies/quorum/internal/consensus"
	"github.com/ssd-technologies/quorum/internal/engine"
	"github.com/ssd-technologies/quorum/internal/transport"
)

func simulateCommand() *cobra.Command {
	var (
		validators  int
		tasks       int
		seed        uint64
		failureRate float64
		validRate   float64
		kind        string
		payload     string
		record      bool
	)
	c := &cobra.Command{
		Use:   "simulate",
		Short: "Run tasks against an in-process pool of simulated validators",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sim := transport.DefaultSimConfig()
			sim.FailureRate = failureRate
			sim.Seed = seed
			caller := transport.NewSimCaller(nil, sim)

			a, err := newApp(appOptions{caller: caller, audit: record})
			if err != nil {
				return err
			}
			defer a.Close()

			for i := 0; i < validators; i++ {
				id := fmt.Sprintf("sim-%02d", i+1)
				p := analysis.NewRandomProducer(seed + uint64(i))
				p.SetValidRate(validRate)
				caller.SetProducer(id, p)
				if _, err := a.engine.RegisterValidator(engine.Descriptor{
					ID:           id,
					Kind:         kind,
					Capabilities: []string{kind},
				}); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			for i := 0; i < tasks; i++ {
				res, err := a.submit(ctx, consensus.NewTask("", []byte(payload)), nil)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			}
			return writeJSON(cmd.ErrOrStderr(), a.engine.Statistics())
		},
	}
	flags := c.Flags()
	flags.IntVar(&validators, "validators", 5, "number of simulated validators")
	flags.IntVar(&tasks, "tasks", 1, "number of tasks to submit")
	flags.Uint64Var(&seed, "seed", 1, "random seed for latency, failures and reports")
	flags.Float64Var(&failureRate, "failure-rate", 0.05, "share of calls that fail transiently")
	flags.Float64Var(&validRate, "valid-rate", 0.9, "share of reports that judge the task valid")
	flags.StringVar(&kind, "kind", "validation", "validator kind")
	flags.StringVar(&payload, "payload", `{"vote":"yes"}`, "task payload")
	flags.BoolVar(&record, "record", false, "record results in the audit database")
	return c
}
