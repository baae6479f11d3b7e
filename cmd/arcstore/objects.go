package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/arcstore/arcstore/internal/checksum"
	"github.com/arcstore/arcstore/internal/engine"
	"github.com/arcstore/arcstore/internal/registry"
	"github.com/arcstore/arcstore/internal/replication"
	"github.com/arcstore/arcstore/internal/storage"
	"github.com/arcstore/arcstore/internal/verify"
)

func objectCommands() []*cobra.Command {
	return []*cobra.Command{
		newArchiveCmd(),
		newUpdateCmd(),
		newGetCmd(),
		newVerifyCmd(),
		newRetryCmd(),
		stateCmd("delete", "Delete a package and its metadata from every storage", (*replication.Coordinator).RegisterDelete),
		stateCmd("remove", "Mark a package removed on every storage", (*replication.Coordinator).RegisterRemove),
		stateCmd("renew", "Revert the removal of a package", (*replication.Coordinator).RegisterRenew),
		stateCmd("rollback", "Roll back an archival that did not complete", (*replication.Coordinator).RegisterRollback),
	}
}

// fileOpener reopens path for each storage write.
func fileOpener(path string) storage.Opener {
	return func() (io.ReadCloser, error) {
		return os.Open(path)
	}
}

// fileSum returns digest parsed with alg, or computes it from path when empty.
func fileSum(ctx context.Context, e *engine.Engine, path, digest string) (checksum.Sum, error) {
	if digest != "" {
		return checksum.NewSum(e.Algorithm, digest), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return checksum.Sum{}, err
	}
	defer func() { _ = f.Close() }()
	return checksum.Compute(ctx, f, e.Algorithm, int(e.Config.Checksum.BufferSize.Bytes()))
}

func printObject(out io.Writer, obj *registry.Object) {
	fmt.Fprintf(out, "%s %s %s:%s\n", obj.ID, obj.State, obj.Checksum.Algorithm, obj.Checksum.Value)
}

func newArchiveCmd() *cobra.Command {
	var (
		id, tenant, digest string
		metadata, metaSum  string
	)
	cmd := &cobra.Command{
		Use:   "archive <file>",
		Short: "Archive a package on every attached storage",
		Long: `Archive a package on every attached storage. The digest is computed
with the configured algorithm unless --checksum supplies the producer's
digest, in which case every storage verifies its copy against it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = uuid.New().String()
			}
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				sum, err := fileSum(ctx, e, args[0], digest)
				if err != nil {
					return err
				}
				req := replication.CreateRequest{
					ID:       id,
					Tenant:   tenant,
					Checksum: sum,
					Payload:  fileOpener(args[0]),
				}
				if metadata != "" {
					msum, err := fileSum(ctx, e, metadata, metaSum)
					if err != nil {
						return err
					}
					req.Metadata = &replication.Version{
						ID:       id + "-meta-1",
						Checksum: msum,
						Payload:  fileOpener(metadata),
					}
				}
				obj, err := e.Coordinator.RegisterCreate(ctx, req)
				if obj != nil {
					printObject(cmd.OutOrStdout(), obj)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "package id (default: random uuid)")
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "default", "tenant space")
	cmd.Flags().StringVar(&digest, "checksum", "", "expected hex digest of the file")
	cmd.Flags().StringVarP(&metadata, "metadata", "m", "", "metadata file archived as version 1")
	cmd.Flags().StringVar(&metaSum, "metadata-checksum", "", "expected hex digest of the metadata file")
	return cmd
}

func newUpdateCmd() *cobra.Command {
	var id, digest string
	cmd := &cobra.Command{
		Use:   "update <package-id> <metadata-file>",
		Short: "Archive a new metadata version of a package",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = uuid.New().String()
			}
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				sum, err := fileSum(ctx, e, args[1], digest)
				if err != nil {
					return err
				}
				obj, err := e.Coordinator.RegisterUpdate(ctx, args[0], replication.Version{
					ID:       id,
					Checksum: sum,
					Payload:  fileOpener(args[1]),
				})
				if obj != nil {
					printObject(cmd.OutOrStdout(), obj)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "version id (default: random uuid)")
	cmd.Flags().StringVar(&digest, "checksum", "", "expected hex digest of the file")
	return cmd
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <object-id> <file>",
		Short: "Retry a failed archival with the original payload",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				obj, err := e.Coordinator.RegisterRetry(ctx, args[0], fileOpener(args[1]))
				if obj != nil {
					printObject(cmd.OutOrStdout(), obj)
				}
				return err
			})
		},
	}
}

func newGetCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get <object-id>",
		Short: "Retrieve a fixity-checked copy of an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				rc, _, err := e.Verifier.Retrieve(ctx, args[0])
				if err != nil {
					return err
				}
				defer func() { _ = rc.Close() }()

				if output == "" || output == "-" {
					_, err = io.Copy(cmd.OutOrStdout(), rc)
					return err
				}
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				if _, err := io.Copy(f, rc); err != nil {
					_ = f.Close()
					return err
				}
				return f.Close()
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var (
		all      bool
		tenant   string
		storages []string
		failFast bool
	)
	cmd := &cobra.Command{
		Use:   "verify [object-id...]",
		Short: "Check the fixity of objects on every storage",
		Long: `Recompute the digest of each object on the selected storages and
compare it with the registered one. Damaged replicas are repaired from a
good copy before the command returns.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("name objects to verify or pass --all")
			}
			opts := verify.BatchOptions{Storages: storages, FailFast: failFast}
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				var (
					sum verify.Summary
					err error
				)
				if all {
					var objs []*registry.Object
					objs, err = e.Store.ListObjects(ctx, registry.ObjectFilter{
						States: []registry.ObjectState{registry.StateArchived, registry.StateRemoved},
						Tenant: tenant,
					})
					if err != nil {
						return err
					}
					sum, err = e.Verifier.VerifyBatch(ctx, objs, opts)
				} else {
					sum, err = e.Verifier.VerifyIDs(ctx, args, opts)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Checked %d: %d consistent, %d corrupted, %d unreachable\n",
					sum.Checked, sum.Consistent, sum.Corrupted, sum.Unreachable)
				if sum.Failed != nil {
					for _, rep := range sum.Failed.Replicas {
						fmt.Fprintf(out, "  %s on %s: %s\n", sum.Failed.Object.ID, rep.Storage, rep.Result)
					}
				}
				if err != nil {
					return err
				}
				if sum.Corrupted+sum.Unreachable > 0 {
					return fmt.Errorf("%d objects failed the fixity check", sum.Corrupted+sum.Unreachable)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "verify every archived and removed object")
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "restrict --all to one tenant")
	cmd.Flags().StringSliceVarP(&storages, "storage", "s", nil, "restrict to these storages")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "stop at the first bad object")
	return cmd
}

// stateCmd builds the commands that move a single object to a new state.
func stateCmd(use, short string, op func(*replication.Coordinator, context.Context, string) (*registry.Object, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <object-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				obj, err := op(e.Coordinator, ctx, args[0])
				if obj != nil {
					printObject(cmd.OutOrStdout(), obj)
				}
				return err
			})
		},
	}
}
