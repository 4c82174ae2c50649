package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/aretw0/keel"
	"github.com/aretw0/keel/internal/presentation/tui"
	"github.com/aretw0/keel/pkg/domain"
	"github.com/aretw0/keel/pkg/ports"
	"github.com/aretw0/keel/pkg/sessionkey"
	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect and clean up the checkpoint store",
	Long: `List, inspect and remove checkpoints in the store selected by the configuration.
For the REPLICATED backend this is the local store, replicas included.`,
}

var checkpointLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List stored checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closeStore()

		ctx := cmd.Context()
		keys, err := store.List(ctx)
		if err != nil {
			return fmt.Errorf("error listing checkpoints: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(keys) == 0 {
			fmt.Fprintln(out, "No checkpoints found.")
			return nil
		}

		records := make([]*domain.CheckpointRecord, 0, len(keys))
		for _, key := range keys {
			rec, err := store.Load(ctx, key)
			if err != nil {
				// Removed or expired between List and Load.
				continue
			}
			records = append(records, rec)
		}
		sort.Slice(records, func(i, j int) bool {
			return records[i].StoredAt.After(records[j].StoredAt)
		})

		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TOKEN\tVERSION\tOWNER\tSTORED\tSIZE")
		for _, rec := range records {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\n",
				sessionkey.Token(rec.Key), rec.Version, rec.OwnerNodeID,
				rec.StoredAt.Local().Format(time.RFC3339), len(rec.State))
		}
		return tw.Flush()
	},
}

var checkpointInspectCmd = &cobra.Command{
	Use:   "inspect <token|hex>",
	Short: "Show a checkpoint and its state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := parseKey(args[0])
		if err != nil {
			return err
		}
		store, closeStore, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closeStore()

		rec, err := store.Load(cmd.Context(), key)
		if err != nil {
			return fmt.Errorf("error loading checkpoint %s: %w", args[0], err)
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON || !tui.IsTerminal(os.Stdout) {
			data, err := sonic.ConfigStd.MarshalIndent(inspectView(rec), "", "  ")
			if err != nil {
				return fmt.Errorf("error marshaling checkpoint: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		render, err := tui.NewRenderer(100)
		if err != nil {
			return err
		}
		rendered, err := render(inspectMarkdown(rec))
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), rendered)
		return nil
	},
}

var checkpointRmCmd = &cobra.Command{
	Use:   "rm <token|hex>...",
	Short: "Remove one or more checkpoints",
	Long: `Removes checkpoints directly from the store. A node still holding the session
in memory is not notified; use DELETE /sessions/{token} on the owner for live sessions.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closeStore()

		out := cmd.OutOrStdout()
		var failed int
		for _, arg := range args {
			key, err := parseKey(arg)
			if err == nil {
				err = store.Remove(cmd.Context(), key)
			}
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error removing '%s': %v\n", arg, err)
				failed++
				continue
			}
			fmt.Fprintf(out, "Removed checkpoint '%s'\n", arg)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d removals failed", failed, len(args))
		}
		return nil
	},
}

var checkpointCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of stored checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closeStore()

		n, err := store.Size(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointLsCmd)
	checkpointCmd.AddCommand(checkpointInspectCmd)
	checkpointCmd.AddCommand(checkpointRmCmd)
	checkpointCmd.AddCommand(checkpointCountCmd)
	checkpointInspectCmd.Flags().Bool("json", false, "Print JSON even on a terminal")
}

func openStore(cmd *cobra.Command) (ports.CheckpointStore, func() error, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	return keel.OpenStore(cmd.Context(), cfg, logger)
}

type checkpointView struct {
	Token    string        `json:"token"`
	Key      string        `json:"key"`
	Version  uint64        `json:"version"`
	Owner    domain.NodeID `json:"owner"`
	StoredAt time.Time     `json:"stored_at"`
	State    any           `json:"state"`
}

// inspectView shows JSON state inline and anything else as a string.
func inspectView(rec *domain.CheckpointRecord) checkpointView {
	v := checkpointView{
		Token:    sessionkey.Token(rec.Key),
		Key:      rec.Key.String(),
		Version:  rec.Version,
		Owner:    rec.OwnerNodeID,
		StoredAt: rec.StoredAt,
	}
	var state any
	if err := sonic.Unmarshal(rec.State, &state); err == nil {
		v.State = state
	} else {
		v.State = string(rec.State)
	}
	return v
}

func inspectMarkdown(rec *domain.CheckpointRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Checkpoint `%s`\n\n", sessionkey.Token(rec.Key))
	b.WriteString("| field | value |\n|---|---|\n")
	fmt.Fprintf(&b, "| key | `%s` |\n", rec.Key)
	fmt.Fprintf(&b, "| version | %d |\n", rec.Version)
	fmt.Fprintf(&b, "| owner | %s |\n", rec.OwnerNodeID)
	fmt.Fprintf(&b, "| stored | %s |\n", rec.StoredAt.Local().Format(time.RFC3339))
	fmt.Fprintf(&b, "| size | %d bytes |\n\n", len(rec.State))

	b.WriteString("## State\n\n")
	if pretty, err := sonic.ConfigStd.MarshalIndent(inspectView(rec).State, "", "  "); err == nil {
		fmt.Fprintf(&b, "```json\n%s\n```\n", pretty)
	}
	return b.String()
}
