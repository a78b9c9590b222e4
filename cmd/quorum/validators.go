package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ssd-technologies/quorum/internal/storage"
)

func validatorsCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "validators",
		Short: "Manage the stored validator pool",
	}
	c.AddCommand(validatorsAddCommand(), validatorsListCommand(), validatorsRemoveCommand(), validatorsReputationCommand())
	return c
}

func validatorsAddCommand() *cobra.Command {
	var rec storage.ValidatorRecord
	c := &cobra.Command{
		Use:   "add",
		Short: "Add or update a validator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rec.ID == "" || rec.Kind == "" {
				return fmt.Errorf("--id and --kind are required")
			}
			if rec.Reputation < 0 || rec.Reputation > 1 {
				return fmt.Errorf("reputation %v outside [0, 1]", rec.Reputation)
			}
			a, err := newApp(appOptions{useDB: true})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.db.SaveValidator(cmd.Context(), &rec); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved validator %s\n", rec.ID)
			return nil
		},
	}
	flags := c.Flags()
	flags.StringVar(&rec.ID, "id", "", "validator id")
	flags.StringVar(&rec.Kind, "kind", "", "validator kind, e.g. validation or tabulation")
	flags.StringSliceVar(&rec.Capabilities, "capability", nil, "capability tag (repeatable)")
	flags.Float64Var(&rec.Reputation, "reputation", 1, "trust weight in [0, 1]")
	flags.StringVar(&rec.Endpoint, "endpoint", "", "websocket endpoint, e.g. ws://host:9090/validate")
	return c
}

func validatorsListCommand() *cobra.Command {
	var asJSON bool
	c := &cobra.Command{
		Use:   "list",
		Short: "List stored validators",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(appOptions{useDB: true})
			if err != nil {
				return err
			}
			defer a.Close()

			records, err := a.db.ListValidators(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tCAPABILITIES\tREPUTATION\tENDPOINT")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\n", r.ID, r.Kind, strings.Join(r.Capabilities, ","), r.Reputation, r.Endpoint)
			}
			return w.Flush()
		},
	}
	c.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return c
}

func validatorsRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a stored validator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(appOptions{useDB: true})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.db.DeleteValidator(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed validator %s\n", args[0])
			return nil
		},
	}
}

func validatorsReputationCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reputation <id> <value>",
		Short: "Set a stored validator's reputation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := strconv.ParseFloat(args[1], 64)
			if err != nil || r < 0 || r > 1 {
				return fmt.Errorf("reputation %q must be a number in [0, 1]", args[1])
			}
			a, err := newApp(appOptions{useDB: true})
			if err != nil {
				return err
			}
			defer a.Close()

			return a.db.UpdateValidatorReputation(cmd.Context(), args[0], r)
		},
	}
}
