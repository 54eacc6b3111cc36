package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/chainsafe/bridge-warden/pkg/app"
	"github.com/chainsafe/bridge-warden/pkg/app/warden"
	"github.com/chainsafe/bridge-warden/pkg/bridge"
	"github.com/chainsafe/bridge-warden/pkg/ledger"
	"github.com/chainsafe/bridge-warden/pkg/relayer"
)

func serveCmd(cc *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay loops and the ops HTTP server until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var runner app.Runner = warden.NewServer(cc.cfg, cc.logger)
			return runner.Run()
		},
	}
}

func scanCmd(cc *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <source|destination>",
		Short: "Scan one chain once and relay what was found",
		Long: "Scans the lookback window of the given chain and relays new events to the opposite chain.\n" +
			"Exits non-zero only when no scanning happened.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := bridge.ParseRole(args[0])
			if err != nil {
				return err
			}
			w, err := warden.Build(cmd.Context(), cc.cfg, cc.logger)
			if err != nil {
				return err
			}
			defer w.Close()

			rep, err := w.Engine.RunCycle(cmd.Context(), role)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), newCycleView(rep))
		},
	}
}

func reconcileCmd(cc *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Settle stale pending and submitted records once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := warden.Build(cmd.Context(), cc.cfg, cc.logger)
			if err != nil {
				return err
			}
			defer w.Close()

			rep, err := w.Engine.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}
}

func redriveCmd(cc *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "redrive <source|destination> <nonce>",
		Short: "Move a failed record back to pending and relay it again",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := bridge.ParseRole(args[0])
			if err != nil {
				return err
			}
			nonce, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return err
			}
			w, err := warden.Build(cmd.Context(), cc.cfg, cc.logger)
			if err != nil {
				return err
			}
			defer w.Close()

			if _, err := w.Dispatcher.Redrive(cmd.Context(), role, nonce); err != nil {
				return err
			}
			rec, err := w.Ledger.Get(cmd.Context(), role, nonce)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), warden.NewRecordView(rec, cc.cfg.Relay.TokenDecimals))
		},
	}
}

func recordsCmd(cc *cliContext) *cobra.Command {
	var (
		status string
		role   string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "records",
		Short: "List relay records from the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := ledger.Filter{Limit: limit}
			if status != "" {
				st, err := bridge.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Status = st
			}
			if role != "" {
				r, err := bridge.ParseRole(role)
				if err != nil {
					return err
				}
				f.Role = r
			}

			store, err := ledger.Open(cmd.Context(), cc.cfg, cc.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			views := make([]warden.RecordView, 0, len(records))
			for _, rec := range records {
				views = append(views, warden.NewRecordView(rec, cc.cfg.Relay.TokenDecimals))
			}
			return printJSON(cmd.OutOrStdout(), views)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only records in this status (pending, submitted, confirmed, failed)")
	cmd.Flags().StringVar(&role, "role", "", "only records of events observed on this chain")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of records; 0 lists everything")
	return cmd
}

type cycleView struct {
	ID        string   `json:"cycle_id"`
	Role      string   `json:"role"`
	FromBlock uint64   `json:"from_block"`
	ToBlock   uint64   `json:"to_block"`
	Report    any      `json:"report"`
	Skipped   []string `json:"skipped_ranges,omitempty"`
	Dropped   []string `json:"dropped_logs,omitempty"`
}

func newCycleView(rep *relayer.CycleReport) cycleView {
	v := cycleView{
		ID:        rep.ID,
		Role:      rep.Role.String(),
		FromBlock: rep.From,
		ToBlock:   rep.To,
		Report:    rep.Report,
	}
	for _, s := range rep.Skipped {
		v.Skipped = append(v.Skipped, fmt.Sprintf("[%d,%d] %s: %v", s.From, s.To, s.Reason, s.Err))
	}
	for _, d := range rep.Dropped {
		v.Dropped = append(v.Dropped, fmt.Sprintf("%s#%d (block %d): %v", d.TxHash.Hex(), d.LogIndex, d.BlockNumber, d.Err))
	}
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
