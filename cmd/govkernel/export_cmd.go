package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/govkernel/pkg/archive"
	"github.com/Mindburn-Labs/govkernel/pkg/recorder"
)

// exportCmd implements `govkernel export`. The bundle goes to --out, to the
// archive sink configured by GOVKERNEL_ARCHIVE_TYPE with --archive, or to stdout.
func (c *cli) exportCmd() *cobra.Command {
	var (
		ff        filterFlags
		out       string
		toArchive bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export recorded actions as a self-verifying bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out != "" && toArchive {
				return errors.New("--out and --archive are mutually exclusive")
			}
			f, err := ff.filter(time.Now().UTC())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rec, err := c.openRecorder(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = rec.Close() }()

			bundle, err := rec.ExportBundle(ctx, f)
			if err != nil {
				return err
			}

			switch {
			case toArchive:
				arch, err := c.archiver(ctx)
				if err != nil {
					return err
				}
				hash, err := arch.Store(ctx, bundle)
				if err != nil {
					return err
				}
				if c.jsonOut {
					return writeJSON(c.stdout, map[string]any{
						"bundle_id": bundle.BundleID,
						"entries":   bundle.EntryCount,
						"hash":      hash,
					})
				}
				_, _ = fmt.Fprintf(c.stdout, "Archived %d entries as %s\n", bundle.EntryCount, hash)
			case out != "":
				data, err := json.MarshalIndent(bundle, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, data, 0o600); err != nil {
					return fmt.Errorf("cannot write bundle: %w", err)
				}
				_, _ = fmt.Fprintf(c.stdout, "Exported %d entries (%d..%d) to %s\n",
					bundle.EntryCount, bundle.StartID, bundle.EndID, out)
			default:
				return writeJSON(c.stdout, bundle)
			}
			return nil
		},
	}
	ff.bind(cmd, 0)
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write the bundle to this file")
	cmd.Flags().BoolVar(&toArchive, "archive", false, "Ship the bundle to the configured archive sink")
	return cmd
}

func (c *cli) archiver(ctx context.Context) (*archive.Archiver, error) {
	sink, err := archive.NewSinkFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive sink: %w", err)
	}
	return archive.New(sink).WithLogger(c.logger.With("component", "archive")), nil
}

// bundleCmd implements `govkernel bundle verify`.
//
// Exit codes:
//
//	0 = bundle verified
//	1 = bundle broken
//	2 = runtime error
func (c *cli) bundleCmd() *cobra.Command {
	bundle := &cobra.Command{
		Use:   "bundle",
		Short: "Inspect exported bundles",
	}

	var hash string
	verify := &cobra.Command{
		Use:   "verify [file]",
		Short: "Verify a bundle file, or an archived bundle with --hash",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (hash != "") {
				return errors.New("give exactly one of a bundle file or --hash")
			}

			var (
				b   *recorder.Bundle
				err error
			)
			source := hash
			if hash != "" {
				arch, aerr := c.archiver(cmd.Context())
				if aerr != nil {
					return &exitError{code: exitRuntime, err: aerr}
				}
				b, err = arch.Load(cmd.Context(), hash)
				if errors.Is(err, archive.ErrNotFound) {
					return &exitError{code: exitRuntime, err: err}
				}
			} else {
				source = args[0]
				b, err = readBundle(args[0])
				if err != nil {
					return &exitError{code: exitRuntime, err: err}
				}
				err = recorder.VerifyBundle(b)
			}

			if c.jsonOut {
				report := map[string]any{"source": source, "verified": err == nil}
				if err != nil {
					report["error"] = err.Error()
				} else {
					report["bundle_id"] = b.BundleID
					report["entries"] = b.EntryCount
					report["chain_head"] = b.ChainHead
				}
				if werr := writeJSON(c.stdout, report); werr != nil {
					return werr
				}
			} else if err == nil {
				_, _ = fmt.Fprintf(c.stdout, "Bundle verification PASSED\n")
				_, _ = fmt.Fprintf(c.stdout, "Bundle: %s (%d entries)\n", source, b.EntryCount)
				_, _ = fmt.Fprintf(c.stdout, "Chain head: %s\n", b.ChainHead)
			} else {
				_, _ = fmt.Fprintf(c.stdout, "Bundle verification FAILED\n")
				_, _ = fmt.Fprintf(c.stdout, "Bundle: %s\n", source)
				_, _ = fmt.Fprintf(c.stdout, "  - %v\n", err)
			}
			if err != nil {
				return failed(nil)
			}
			return nil
		},
	}
	verify.Flags().StringVar(&hash, "hash", "", "Content hash of an archived bundle")
	bundle.AddCommand(verify)
	return bundle
}

func readBundle(path string) (*recorder.Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read bundle: %w", err)
	}
	var b recorder.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("cannot decode bundle: %w", err)
	}
	return &b, nil
}
