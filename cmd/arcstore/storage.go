package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/arcstore/arcstore/internal/engine"
	"github.com/arcstore/arcstore/internal/registry"
	"github.com/arcstore/arcstore/internal/storage"
	"github.com/arcstore/arcstore/internal/sysstate"
	"github.com/arcstore/arcstore/pkg/bytesize"
)

func storageCommands() []*cobra.Command {
	var (
		name     string
		priority int
	)
	attachCmd := &cobra.Command{
		Use:   "attach <storage-id> <uri>",
		Short: "Attach a storage and synchronize it",
		Long: `Attach a new storage and copy the archive onto it. The system turns
read-only for the final catch-up and becomes writable again once the new
storage passes its fixity check.

URI forms:
  file:///srv/archive
  sftp://user@host:22/srv/archive?key_file=~/.ssh/id_ed25519
  zfs://user@host/srv/archive?dataset=tank/archive&key_file=...
  s3://ACCESS:SECRET@bucket/prefix?region=eu-west-1&endpoint=...`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := storage.ParseURI(args[1])
			if err != nil {
				return err
			}
			desc.ID = args[0]
			desc.Name = name
			if desc.Name == "" {
				desc.Name = desc.ID
			}
			if cmd.Flags().Changed("priority") {
				desc.Priority = priority
			}
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				if err := e.Syncer.Attach(ctx, desc); err != nil {
					return err
				}
				return runSync(ctx, cmd.OutOrStdout(), e, desc.ID)
			})
		},
	}
	attachCmd.Flags().StringVar(&name, "name", "", "display name (default: the storage id)")
	attachCmd.Flags().IntVarP(&priority, "priority", "p", 0, "read and sync priority, higher first")

	continueCmd := &cobra.Command{
		Use:   "continue <storage-id>",
		Short: "Resume a failed or interrupted synchronization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				// Not failed means interrupted; the data dir lock rules out
				// another process running it.
				if err := e.Syncer.Continue(ctx, args[0]); err != nil && !sysstate.ErrSyncInProgress.Has(err) {
					return err
				}
				return runSync(ctx, cmd.OutOrStdout(), e, args[0])
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show storages, synchronizations and the read-only switch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				st, err := e.State.Get(ctx)
				if err != nil {
					return err
				}
				infos, err := e.Describe(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Read-only:    %t\n", st.ReadOnly)
				fmt.Fprintf(out, "Min replicas: %d\n\n", st.MinReplicas)
				printStorages(out, infos)
				return nil
			})
		},
	}

	reachCmd := &cobra.Command{
		Use:   "reachability",
		Short: "Ping every storage and record which ones answer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				r, err := e.Pool.CheckReachability(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Reachable:   %s\n", joinOrNone(r.Reachable))
				fmt.Fprintf(out, "Unreachable: %s\n", joinOrNone(r.Unreachable))
				if !r.Sufficient() {
					return fmt.Errorf("%d reachable storages, %d required", len(r.Reachable), r.MinReplicas)
				}
				return nil
			})
		},
	}

	return []*cobra.Command{attachCmd, continueCmd, statusCmd, reachCmd}
}

// runSync drives a storage's synchronization to the end in the foreground.
func runSync(ctx context.Context, out io.Writer, e *engine.Engine, id string) error {
	if err := e.Syncer.Run(ctx, id); err != nil {
		if st, serr := e.Syncer.Status(ctx, id); serr == nil && st.Failed() {
			fmt.Fprintf(out, "Synchronization of %s halted in %s: %s\n", id, st.Phase, st.Exception)
			fmt.Fprintf(out, "Fix the cause and run: arcstore continue %s\n", id)
		}
		return err
	}
	fmt.Fprintf(out, "Storage %s synchronized\n", id)
	return nil
}

func printStorages(out io.Writer, infos []engine.StorageInfo) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tHOST\tPRIORITY\tREACHABLE\tSYNC\tPROGRESS\tUSED\tTOTAL")
	for _, info := range infos {
		d := info.Storage
		phase, progress := "-", "-"
		if info.Sync != nil {
			phase = string(info.Sync.Phase)
			if info.Sync.Failed() {
				phase += " (failed)"
			}
			if info.Sync.Phase != registry.PhaseDone {
				progress = fmt.Sprintf("%d/%d", info.Sync.Done, info.Sync.Total)
			}
		}
		used, total := "-", "-"
		if info.Capacity != nil {
			used = bytesize.Format(info.Capacity.Used)
			total = bytesize.Format(info.Capacity.Total)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\t%s\t%s\t%s\t%s\n",
			d.ID, d.Kind, d.Host, d.Priority, d.Reachable, phase, progress, used, total)
	}
	_ = w.Flush()
}

func joinOrNone(ids []string) string {
	if len(ids) == 0 {
		return "(none)"
	}
	return strings.Join(ids, ", ")
}
