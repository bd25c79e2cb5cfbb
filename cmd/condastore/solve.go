package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newSolveCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Lock a specification without building it",
	}

	cmd.AddCommand(newSolveSubmitCmd(opts))
	cmd.AddCommand(newSolveShowCmd(opts))
	return cmd
}

func newSolveSubmitCmd(opts *globalOpts) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue a solve of a specification",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := readSpec(cmd, file)
			if err != nil {
				return err
			}
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.SubmitSolve(spec)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued solve %d\n", s.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "specification file, or - for stdin (required)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newSolveShowCmd(opts *globalOpts) *cobra.Command {
	var lockOnly bool

	cmd := &cobra.Command{
		Use:   "show ID",
		Short: "Show a solve and its lockfile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.GetSolve(id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if lockOnly {
				if s.EndedOn == nil || s.PackageBuilds == "" {
					return fmt.Errorf("solve %d has no lockfile", s.ID)
				}
				fmt.Fprint(out, s.PackageBuilds)
				return nil
			}

			state := "queued"
			switch {
			case s.EndedOn != nil && s.PackageBuilds == "":
				state = "failed"
			case s.EndedOn != nil:
				state = "completed"
			case s.StartedOn != nil:
				state = "running"
			}
			fmt.Fprintf(out, "Solve:      %d\n", s.ID)
			fmt.Fprintf(out, "State:      %s\n", state)
			if s.Specification != nil {
				fmt.Fprintf(out, "Spec:       %s (%s)\n", s.Specification.Name, s.Specification.SHA256)
			}
			fmt.Fprintf(out, "Scheduled:  %s\n", s.ScheduledOn.Local().Format(time.DateTime))
			if s.StatusInfo != "" {
				fmt.Fprintf(out, "Info:       %s\n", s.StatusInfo)
			}
			if s.PackageBuilds != "" {
				fmt.Fprintf(out, "\n%s", s.PackageBuilds)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&lockOnly, "lockfile", false, "print only the lockfile")
	return cmd
}
