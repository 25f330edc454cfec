package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/omni/tokenbridge-relayer/entity"
	"github.com/omni/tokenbridge-relayer/presenter/client"
)

func newClient(cmd *cobra.Command) (*client.Client, error) {
	endpoint, err := cmd.Flags().GetString(flagEndpoint)
	if err != nil {
		return nil, err
	}
	return client.New(endpoint), nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of both relay pipelines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			status, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, status)
		},
	}
}

func recordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Inspect and retry processed records",
	}
	cmd.AddCommand(
		recordsListCmd(),
		recordsShowCmd(),
		recordsRetryCmd(),
	)
	return cmd
}

func recordsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records in the given state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			state, err := cmd.Flags().GetString(flagState)
			if err != nil {
				return err
			}
			if !entity.RecordState(state).Valid() {
				return fmt.Errorf("unknown record state %q", state)
			}
			limit, err := cmd.Flags().GetUint(flagLimit)
			if err != nil {
				return err
			}
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			records, err := c.ListRecords(cmd.Context(), entity.RecordState(state), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, records)
		},
	}
	cmd.Flags().StringP(flagState, "s", string(entity.RecordStateFailed), "record state: pending, submitted, confirmed or failed")
	cmd.Flags().UintP(flagLimit, "l", 100, "maximum number of records")
	return cmd
}

func recordsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [event-id]",
		Short: "Show a single record, event id is <chain_id>:<tx_hash>:<log_index>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := entity.ParseEventID(args[0])
			if err != nil {
				return err
			}
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			rec, err := c.GetRecord(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, rec)
		},
	}
}

func recordsRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry [event-id]",
		Short: "Move a failed record back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := entity.ParseEventID(args[0])
			if err != nil {
				return err
			}
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			rec, err := c.Retry(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, rec)
		},
	}
}

func reprocessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "reprocess [home|foreign]",
		Short:     "Replay the bridge logs of a block range",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"home", "foreign"},
		RunE: func(cmd *cobra.Command, args []string) error {
			fromBlock, err := cmd.Flags().GetUint(flagFrom)
			if err != nil {
				return err
			}
			toBlock, err := cmd.Flags().GetUint(flagTo)
			if err != nil {
				return err
			}
			if toBlock < fromBlock {
				return fmt.Errorf("--to %d is below --from %d", toBlock, fromBlock)
			}
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			res, err := c.Reprocess(cmd.Context(), args[0], fromBlock, toBlock)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().Uint(flagFrom, 0, "first block of the range")
	cmd.Flags().Uint(flagTo, 0, "last block of the range")
	_ = cmd.MarkFlagRequired(flagFrom)
	_ = cmd.MarkFlagRequired(flagTo)
	return cmd
}
