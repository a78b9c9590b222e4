// quorum submits tasks to a validator pool and reduces their answers to a
// consensus result.
//
// Usage:
//
//	quorum simulate [--validators 5] [--tasks 1] [--seed 1]
//	quorum submit --payload '{"vote":"yes"}' [--capability validation]
//	quorum run < tasks.jsonl
//	quorum validators add --id v1 --kind validation --endpoint ws://host:9090/validate
//	quorum validators list | remove <id> | reputation <id> <value>
//	quorum audit list | show <id> | prune --older-than 720h
//	quorum keygen
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "quorum",
		Short:         "Dispatch tasks to validators and reach consensus",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addOptionFlags(root.PersistentFlags())
	root.AddCommand(
		simulateCommand(),
		submitCommand(),
		runCommand(),
		validatorsCommand(),
		auditCommand(),
		keygenCommand(),
	)
	return root
}
