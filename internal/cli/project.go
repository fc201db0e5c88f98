package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewProjectCmd создаёт группу команд для управления проектами.
func NewProjectCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage content projects",
	}

	cmd.AddCommand(
		newProjectListCmd(clientFn, outputFn),
		newProjectCreateCmd(clientFn, outputFn),
		newProjectShowCmd(clientFn, outputFn),
		newProjectCancelCmd(clientFn, outputFn),
	)

	return cmd
}

var projectHeaders = []string{"ID", "STATUS", "CURRENT STAGE", "PROGRESS", "COST", "TOPIC"}

func projectRow(p ProjectResponse) []string {
	return []string{
		p.ProjectID,
		p.Status,
		p.CurrentStage,
		fmt.Sprintf("%.0f%%", p.Progress*100),
		formatCost(p.TotalCost),
		p.Topic,
	}
}

func formatCost(c float64) string {
	return strconv.FormatFloat(c, 'f', 4, 64)
}

func newProjectListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListProjectsOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			projects, err := client.ListProjects(opts)
			if err != nil {
				return err
			}

			rows := make([][]string, len(projects))
			for i, p := range projects {
				rows[i] = projectRow(p)
			}

			out.Print(projectHeaders, rows, projects)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (CREATED, RESEARCH, GENERATING, EDITING, SEO_OPTIMIZATION, COMPLETED, FAILED)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Number of results to skip")

	return cmd
}

func newProjectCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var req CreateProjectRequest
	var words int

	cmd := &cobra.Command{
		Use:   "create TOPIC",
		Short: "Create a project and start the pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req.Topic = strings.Join(args, " ")
			if cmd.Flags().Changed("words") {
				req.TargetWordCount = &words
			}

			p, deferred, err := client.CreateProject(req)
			if err != nil {
				return err
			}

			if deferred {
				out.Success(fmt.Sprintf("Project created, start deferred: %s", p.ProjectID))
			} else {
				out.Success(fmt.Sprintf("Project started: %s", p.ProjectID))
			}
			out.Print(projectHeaders, [][]string{projectRow(*p)}, p)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Tone, "tone", "", "Writing tone (e.g. formal, casual)")
	cmd.Flags().IntVar(&words, "words", 0, "Target word count")
	cmd.Flags().StringVar(&req.PrimaryKeyword, "keyword", "", "Primary SEO keyword")

	return cmd
}

func newProjectShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show project status, costs and errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			p, err := client.GetProject(args[0])
			if err != nil {
				return err
			}

			if out.Structured() {
				out.Print(nil, nil, p)
				return nil
			}

			out.Table(projectHeaders, [][]string{projectRow(*p)})

			stageRows := make([][]string, 0, len(p.CompletedStages))
			for _, stage := range p.CompletedStages {
				stageRows = append(stageRows, []string{stage, formatCost(p.Costs[stage])})
			}
			out.Table([]string{"STAGE", "COST"}, stageRows)

			if len(p.Errors) > 0 {
				errRows := make([][]string, len(p.Errors))
				for i, e := range p.Errors {
					errRows[i] = []string{e.Timestamp, e.Stage, e.Message}
				}
				out.Table([]string{"TIME", "STAGE", "ERROR"}, errRows)
			}
			return nil
		},
	}
}

func newProjectCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			p, err := client.CancelProject(args[0], reason)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Project cancelled: %s", p.ProjectID))
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the project error log")

	return cmd
}
