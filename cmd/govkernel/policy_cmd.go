package main

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/govkernel/pkg/config"
)

// validateCmd implements `govkernel validate`. A directory argument checks
// every policy_*.yaml inside it.
//
// Exit codes:
//
//	0 = policy valid
//	1 = policy invalid
//	2 = runtime error
func (c *cli) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [policy-file-or-dir]",
		Short: "Check kernel policy files",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.policyFile
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return errors.New("no policy given: pass a path or set --policy")
			}
			info, err := os.Stat(path)
			if err != nil {
				return &exitError{code: exitRuntime, err: err}
			}

			if info.IsDir() {
				policies, err := config.LoadAllPolicies(path)
				if err != nil {
					return c.reportPolicy(path, nil, err)
				}
				names := make([]string, 0, len(policies))
				for name := range policies {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					if err := c.reportPolicy(name, policies[name], nil); err != nil {
						return err
					}
				}
				return nil
			}

			pol, err := config.LoadPolicy(path)
			return c.reportPolicy(path, pol, err)
		},
	}
}

func (c *cli) reportPolicy(name string, pol *config.KernelPolicy, loadErr error) error {
	if c.jsonOut {
		report := map[string]any{"policy": name, "valid": loadErr == nil}
		if loadErr != nil {
			report["error"] = loadErr.Error()
		} else {
			report["version"] = pol.Version
			report["quotas"] = len(pol.Quotas)
			report["rules"] = len(pol.Rules)
			report["shadow_mode"] = pol.ShadowMode
		}
		if err := writeJSON(c.stdout, report); err != nil {
			return err
		}
	} else if loadErr == nil {
		_, _ = fmt.Fprintf(c.stdout, "%s: valid (version %s, %d quotas, %d rules)\n",
			name, pol.Version, len(pol.Quotas), len(pol.Rules))
	} else {
		_, _ = fmt.Fprintf(c.stdout, "%s: INVALID\n  - %v\n", name, loadErr)
	}
	if loadErr != nil {
		return failed(nil)
	}
	return nil
}
