package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/jward/sapling"
)

func (a *app) modulesCmd() *cobra.Command {
	var opts sapling.ModuleOptions
	cmd := &cobra.Command{
		Use:   "modules <dir|archive.zip>...",
		Short: "List the importable modules of a project",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			e, err := a.newEngine()
			if err != nil {
				return a.outputError(cmd, "modules", err)
			}
			defer e.Close()

			if err := loadTargets(ctx, e, args); err != nil {
				return a.outputError(cmd, "modules", err)
			}
			mods, err := e.Modules(opts)
			if err != nil {
				return a.outputError(cmd, "modules", err)
			}
			return a.outputResult(cmd, "modules", mods)
		},
	}
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "only modules whose name starts with prefix")
	cmd.Flags().BoolVar(&opts.IncludeAliases, "aliases", false, "include names acquired from additional roots")
	return cmd
}

func (a *app) membersCmd() *cobra.Command {
	var includePrivate bool
	cmd := &cobra.Command{
		Use:   "members <dir|archive.zip> <module>",
		Short: "List the top-level names and submodules of a module",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			e, err := a.newEngine()
			if err != nil {
				return a.outputError(cmd, "members", err)
			}
			defer e.Close()

			if err := loadTargets(ctx, e, args[:1]); err != nil {
				return a.outputError(cmd, "members", err)
			}
			members, err := e.ModuleMembers(args[1])
			if err != nil {
				return a.outputError(cmd, "members", err)
			}
			out := make([]sapling.Completion, 0, len(members))
			for _, m := range members {
				if includePrivate || !isPrivateName(m.Name) {
					out = append(out, m)
				}
			}
			return a.outputResult(cmd, "members", out)
		},
	}
	cmd.Flags().BoolVar(&includePrivate, "private", false, "include _private names")
	return cmd
}

// isPrivateName reports a leading underscore, except for dunder names.
func isPrivateName(name string) bool {
	if strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__") {
		return false
	}
	return strings.HasPrefix(name, "_")
}
