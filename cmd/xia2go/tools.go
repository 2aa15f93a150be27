package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kingrea/xia2go/internal/config"
	"github.com/kingrea/xia2go/internal/project"
	"github.com/kingrea/xia2go/internal/resolution"
)

func newXInfoCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "xinfo images-or-directories...",
		Short: "Write a .xinfo project description for a set of images",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, err := project.FromImages(args)
			if err != nil {
				return err
			}
			var out io.Writer = cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			return project.WriteXInfo(out, proj)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

func newResolutionCmd(root *rootOptions) *cobra.Command {
	var params resolution.Params
	cmd := &cobra.Command{
		Use:   "resolution shells.yaml",
		Short: "Estimate the resolution limit from a table of merging statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfig(root.dir)
			if err != nil {
				return err
			}
			p := cfg.ResolutionParams()
			f := cmd.Flags()
			if f.Changed("cc-half") {
				p.CCHalf = params.CCHalf
			}
			if f.Changed("isigma") {
				p.ISigma = params.ISigma
			}
			if f.Changed("misigma") {
				p.MISigma = params.MISigma
			}
			if f.Changed("rmerge") {
				p.Rmerge = params.Rmerge
			}
			if f.Changed("completeness") {
				p.Completeness = params.Completeness
			}
			shells, err := resolution.LoadShells(args[0])
			if err != nil {
				return err
			}
			est, err := resolution.NewEstimator(shells, p, nil)
			if err != nil {
				return err
			}
			return writeLimits(cmd.OutOrStdout(), est.Estimate())
		},
	}
	f := cmd.Flags()
	f.Float64Var(&params.CCHalf, "cc-half", 0, "CC1/2 target in the outer shell")
	f.Float64Var(&params.ISigma, "isigma", 0, "unmerged I/sigma target")
	f.Float64Var(&params.MISigma, "misigma", 0, "merged I/sigma target")
	f.Float64Var(&params.Rmerge, "rmerge", 0, "Rmerge target")
	f.Float64Var(&params.Completeness, "completeness", 0, "completeness target")
	return cmd
}

func writeLimits(w io.Writer, limits resolution.Limits) error {
	names := make([]string, 0, len(limits.ByStatistic))
	for name := range limits.ByStatistic {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := fmt.Fprintf(w, "%-28s %6.2f\n", "Resolution "+name+":", limits.ByStatistic[name]); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%-28s %6.2f (%s)\n", "Resolution limit:", limits.Overall, limits.Limiting)
	return err
}
