package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ssd-technologies/quorum/internal/consensus"
	"github.com/ssd-technologies/quorum/internal/registry"
)

func submitCommand() *cobra.Command {
	var (
		taskID       string
		payload      string
		payloadFile  string
		capabilities []string
	)
	c := &cobra.Command{
		Use:   "submit",
		Short: "Submit one task to the stored validators over websockets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readPayload(payload, payloadFile, cmd.InOrStdin())
			if err != nil {
				return err
			}
			a, err := newApp(appOptions{audit: true})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if err := a.loadValidators(ctx); err != nil {
				return err
			}
			res, err := a.submit(ctx, consensus.NewTask(taskID, body), registry.NewCapabilities(capabilities...))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	flags := c.Flags()
	flags.StringVar(&taskID, "task-id", "", "task id (generated when empty)")
	flags.StringVar(&payload, "payload", "", "task payload")
	flags.StringVar(&payloadFile, "file", "", "read the payload from a file (- for stdin)")
	flags.StringSliceVar(&capabilities, "capability", nil, "only dispatch to validators with this capability or kind")
	return c
}

func readPayload(inline, file string, stdin io.Reader) ([]byte, error) {
	switch {
	case inline != "" && file != "":
		return nil, errors.New("--payload and --file are mutually exclusive")
	case inline != "":
		return []byte(inline), nil
	case file == "-":
		return io.ReadAll(stdin)
	case file != "":
		return os.ReadFile(file)
	}
	return nil, errors.New("a payload is required (--payload or --file)")
}

// runTask is one line of `quorum run` input.
type runTask struct {
	ID           string          `json:"id"`
	Payload      json.RawMessage `json:"payload"`
	Capabilities []string        `json:"capabilities"`
}

func runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Read tasks as JSON lines from stdin and write one result per line",
		Long: `run keeps the engine up, refreshing validator credentials in the
background and serving metrics when QUORUM_METRICS_ADDR is set. Each input
line is {"id": "...", "payload": {...}, "capabilities": ["..."]}.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(appOptions{audit: true})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if err := a.loadValidators(ctx); err != nil {
				return err
			}
			a.engine.StartWorkers(ctx, a.cfg.RefreshInterval, 2*a.cfg.RefreshInterval)
			a.serveMetrics(ctx)

			out := json.NewEncoder(cmd.OutOrStdout())
			scanner := bufio.NewScanner(cmd.InOrStdin())
			scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
			for scanner.Scan() {
				if ctx.Err() != nil {
					break
				}
				line := scanner.Bytes()
				if len(line) == 0 {
					continue
				}
				var in runTask
				if err := json.Unmarshal(line, &in); err != nil {
					a.logger.Warn("skipping malformed task line", zap.Error(err))
					continue
				}
				res, err := a.submit(ctx, consensus.NewTask(in.ID, in.Payload), registry.NewCapabilities(in.Capabilities...))
				if err != nil {
					a.logger.Warn("task not dispatched", zap.String("task_id", in.ID), zap.Error(err))
					continue
				}
				if err := out.Encode(res); err != nil {
					return fmt.Errorf("write result: %w", err)
				}
			}
			return scanner.Err()
		},
	}
}
