package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/metalagman/deeprun/internal/project"
)

func projectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}
	cmd.AddCommand(projectCreateCmd())
	cmd.AddCommand(projectListCmd())
	cmd.AddCommand(projectHistoryCmd())
	cmd.AddCommand(projectSaveCmd())
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var template string
	var owner string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project scaffolded from a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc *project.Service
			teardown, err := withRuntime(cmd.Context(), &svc)
			if err != nil {
				return err
			}
			defer teardown()

			p, err := svc.Create(cmd.Context(), project.CreateParams{
				Name:       args[0],
				OwnerID:    owner,
				TemplateID: template,
			})
			if err != nil {
				return err
			}
			return printJSON(p)
		},
	}
	cmd.Flags().StringVar(&template, "template", "",
		"scaffold template ("+strings.Join(project.Templates(), ", ")+")")
	cmd.Flags().StringVar(&owner, "owner", "", "owning user id")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc *project.Service
			teardown, err := withRuntime(cmd.Context(), &svc)
			if err != nil {
				return err
			}
			defer teardown()

			projects, err := svc.List(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(projects)
		},
	}
}

func projectHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <project-id>",
		Short: "Show the project activity log, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc *project.Service
			teardown, err := withRuntime(cmd.Context(), &svc)
			if err != nil {
				return err
			}
			defer teardown()

			entries, err := svc.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max entries (0 = all retained)")
	return cmd
}

func projectSaveCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "save <project-id> <path>",
		Short: "Save one file onto the project's main branch",
		Long: "Save one file onto the project's main branch through a file session. " +
			"Content comes from --file, or stdin when omitted. The save is recorded " +
			"as a completed manual run.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(file)
			if err != nil {
				return err
			}

			var svc *project.Service
			teardown, err := withRuntime(cmd.Context(), &svc)
			if err != nil {
				return err
			}
			defer teardown()

			run, err := svc.SaveFile(cmd.Context(), project.SaveParams{
				ProjectID: args[0],
				Path:      args[1],
				Content:   content,
			})
			if err != nil {
				return err
			}
			return printJSON(run)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "read content from this file instead of stdin")
	return cmd
}

func readContent(file string) ([]byte, error) {
	if file != "" {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		return content, nil
	}
	content, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return content, nil
}
