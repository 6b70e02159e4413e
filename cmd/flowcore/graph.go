package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tessen/flowcore/internal/diagram"
	"github.com/tessen/flowcore/pkg/schema"
)

func newGraphCmd() *cobra.Command {
	var (
		workflowPath string
		format       string
	)

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Render a workflow definition as a diagram",
		Long: `Render a workflow definition as a Mermaid flowchart or an ASCII
diagram on stdout. The input file must contain a single workflow
definition in JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGraph(cmd, workflowPath, format)
		},
	}

	cmd.Flags().StringVarP(&workflowPath, "workflow", "w", "", "path to the workflow definition file")
	cmd.Flags().StringVarP(&format, "format", "f", "mermaid", "output format: mermaid or ascii")
	_ = cmd.MarkFlagRequired("workflow")

	return cmd
}

func runGraph(cmd *cobra.Command, workflowPath, format string) error {
	data, err := os.ReadFile(workflowPath)
	if err != nil {
		return err
	}

	var wf schema.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return &exitError{err: fmt.Errorf("parse workflow %s: %w", workflowPath, err), code: 2}
	}

	model, err := diagram.Build(&wf, nil)
	if err != nil {
		return &exitError{err: err, code: 2}
	}

	switch format {
	case "mermaid":
		fmt.Fprint(cmd.OutOrStdout(), diagram.RenderMermaid(model))
	case "ascii":
		fmt.Fprint(cmd.OutOrStdout(), diagram.RenderASCII(model))
	default:
		return &exitError{err: fmt.Errorf("unknown format %q (want mermaid or ascii)", format), code: 2}
	}
	return nil
}
