package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newEnvironmentCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "env",
		Aliases: []string{"environment"},
		Short:   "Environment commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "delete NAMESPACE NAME",
		Short: "Delete an environment whose builds are all archived",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.DeleteEnvironment(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Environment %s/%s deleted\n", args[0], args[1])
			return nil
		},
	})
	return cmd
}

func newNamespaceCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "namespace",
		Short: "Namespace commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a namespace with no environments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.DeleteNamespace(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Namespace %s deleted\n", args[0])
			return nil
		},
	})

	var file string
	metadata := &cobra.Command{
		Use:   "metadata NAME",
		Short: "Replace a namespace's metadata with a YAML or JSON mapping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readSpec(cmd, file)
			if err != nil {
				return err
			}
			var doc map[string]interface{}
			if err := yaml.Unmarshal(raw, &doc); err != nil {
				return fmt.Errorf("parse metadata: %w", err)
			}
			if doc == nil {
				return fmt.Errorf("metadata must be a mapping")
			}

			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.SetNamespaceMetadata(args[0], doc); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Metadata for %s updated (%d keys)\n", args[0], len(doc))
			return nil
		},
	}
	metadata.Flags().StringVarP(&file, "file", "f", "", "metadata file, or - for stdin (required)")
	_ = metadata.MarkFlagRequired("file")
	cmd.AddCommand(metadata)
	return cmd
}
