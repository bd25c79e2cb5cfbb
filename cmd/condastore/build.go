package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/conda-incubator/condastore/internal/app"
	"github.com/conda-incubator/condastore/internal/buildstate"
	"github.com/conda-incubator/condastore/internal/catalog"
	"github.com/conda-incubator/condastore/internal/models"
	"github.com/spf13/cobra"
)

func newBuildCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build management commands",
	}

	cmd.AddCommand(newBuildRegisterCmd(opts))
	cmd.AddCommand(newBuildListCmd(opts))
	cmd.AddCommand(newBuildShowCmd(opts))
	cmd.AddCommand(newBuildCancelCmd(opts))
	cmd.AddCommand(newBuildArchiveCmd(opts))
	cmd.AddCommand(newBuildArtifactCmd(opts))
	return cmd
}

// readSpec reads a specification file; "-" reads standard input.
func readSpec(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read specification: %w", err)
	}
	return data, nil
}

func parseID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return uint(id), nil
}

func newBuildRegisterCmd(opts *globalOpts) *cobra.Command {
	var (
		namespace   string
		environment string
		description string
		file        string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Queue a build of a specification",
		Long:  "Registers a JSON or YAML specification for an environment and queues a build. Builds still queued or running for the environment are canceled.",
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

			res, err := a.Register(app.RegisterRequest{
				Namespace:     namespace,
				Environment:   environment,
				Description:   description,
				Specification: spec,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Queued build %d (hash %s)\n", res.Build.ID, res.Build.Hash)
			for _, id := range res.Superseded {
				fmt.Fprintf(out, "Superseded build %d\n", id)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "namespace (required)")
	cmd.Flags().StringVarP(&environment, "environment", "e", "", "environment name (required)")
	cmd.Flags().StringVar(&description, "description", "", "environment description")
	cmd.Flags().StringVarP(&file, "file", "f", "", "specification file, or - for stdin (required)")
	_ = cmd.MarkFlagRequired("namespace")
	_ = cmd.MarkFlagRequired("environment")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newBuildListCmd(opts *globalOpts) *cobra.Command {
	var (
		filter catalog.BuildFilter
		status string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List builds, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			filter.Status = strings.ToUpper(status)
			builds, err := a.ListBuilds(filter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(builds) == 0 {
				fmt.Fprintln(out, "No builds found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAMESPACE\tENVIRONMENT\tSTATUS\tSCHEDULED\tHASH")
			for i := range builds {
				b := &builds[i]
				ns, env := envNames(b)
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					b.ID, ns, env, b.Status, b.ScheduledOn.Local().Format(time.DateTime), b.Hash)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&filter.Namespace, "namespace", "n", "", "filter by namespace")
	cmd.Flags().StringVarP(&filter.Environment, "environment", "e", "", "filter by environment")
	cmd.Flags().StringVarP(&status, "status", "s", "", "filter by status")
	cmd.Flags().BoolVar(&filter.IncludeArchived, "archived", false, "include archived builds")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum number of builds")
	return cmd
}

func envNames(b *models.Build) (namespace, environment string) {
	if b.Environment == nil {
		return "-", "-"
	}
	namespace = "-"
	if b.Environment.Namespace != nil {
		namespace = b.Environment.Namespace.Name
	}
	return namespace, b.Environment.Name
}

func newBuildShowCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show a build and its artifacts",
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

			b, err := a.GetBuild(id)
			if err != nil {
				return err
			}
			arts, err := a.Artifacts(id)
			if err != nil {
				return err
			}
			printBuild(cmd.OutOrStdout(), b, arts)
			return nil
		},
	}
}

func printBuild(out io.Writer, b *models.Build, arts []models.BuildArtifact) {
	ns, env := envNames(b)
	fmt.Fprintf(out, "Build:        %d\n", b.ID)
	fmt.Fprintf(out, "Environment:  %s/%s\n", ns, env)
	fmt.Fprintf(out, "Status:       %s\n", b.Status)
	if b.StatusInfo != "" {
		fmt.Fprintf(out, "Info:         %s\n", b.StatusInfo)
	}
	fmt.Fprintf(out, "Hash:         %s (key version %d)\n", b.Hash, b.BuildKeyVersion)
	if b.Specification != nil {
		fmt.Fprintf(out, "Spec SHA256:  %s\n", b.Specification.SHA256)
	}
	fmt.Fprintf(out, "Attempts:     %d\n", b.Attempts)
	fmt.Fprintf(out, "Scheduled:    %s\n", b.ScheduledOn.Local().Format(time.DateTime))
	for _, ts := range []struct {
		label string
		t     *time.Time
	}{
		{"Started:      ", b.StartedOn},
		{"Ended:        ", b.EndedOn},
		{"Archived:     ", b.ArchivedOn},
		{"Deleted:      ", b.DeletedOn},
	} {
		if ts.t != nil {
			fmt.Fprintf(out, "%s%s\n", ts.label, ts.t.Local().Format(time.DateTime))
		}
	}
	if len(arts) > 0 {
		fmt.Fprintln(out, "\nArtifacts:")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  TYPE\tKEY")
		for _, art := range arts {
			fmt.Fprintf(w, "  %s\t%s\n", art.ArtifactType, art.Key)
		}
		w.Flush()
	}
}

func newBuildCancelCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a queued or running build",
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

			b, err := a.Cancel(id)
			if err != nil {
				return err
			}
			if b.CancelRequested && b.Status != buildstate.Canceled {
				fmt.Fprintf(cmd.OutOrStdout(), "Cancel requested for build %d (%s)\n", b.ID, b.Status)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Build %d canceled\n", b.ID)
			return nil
		},
	}
}

func newBuildArchiveCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "archive ID",
		Short: "Archive a finished build and release its resources",
		Long:  "Archives a terminal build that is not its environment's current build, then deletes its prefix and artifacts. Logs are kept.",
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

			b, err := a.Archive(cmd.Context(), id)
			if err != nil {
				return err
			}
			if b.DeletedOn == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Build %d archived; prefix busy, resources will be released by the next reaper pass\n", b.ID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Build %d archived\n", b.ID)
			return nil
		},
	}
}

func newBuildArtifactCmd(opts *globalOpts) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "artifact ID TYPE",
		Short: "Write a build artifact to stdout or a file",
		Long:  "Streams one artifact of a build. TYPE is one of LOCKFILE, LOGS, YAML, CONDA_PACK, CONTAINER_REGISTRY or CONSTRUCTOR_INSTALLER.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			typ, err := models.ParseArtifactType(args[1])
			if err != nil {
				return err
			}
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			rc, _, err := a.GetArtifact(cmd.Context(), id, typ)
			if err != nil {
				return err
			}
			defer rc.Close()

			var w io.Writer = cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if _, err := io.Copy(w, rc); err != nil {
				return fmt.Errorf("copy artifact: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}
