package cli

import (
	"strconv"

	"github.com/spf13/cobra"
)

// NewDeadLetterCmd создаёт группу команд для dead-letter записей.
func NewDeadLetterCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dead-letter",
		Aliases: []string{"dlq"},
		Short:   "Inspect dead-lettered messages",
	}

	cmd.AddCommand(newDeadLetterListCmd(clientFn, outputFn))

	return cmd
}

func newDeadLetterListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			records, err := client.ListDeadLetters(limit)
			if err != nil {
				return err
			}

			headers := []string{"ID", "SUBSCRIPTION", "PROJECT", "STAGE", "ATTEMPTS", "FAILED AT", "ERROR"}
			rows := make([][]string, len(records))
			for i, r := range records {
				rows[i] = []string{r.ID, r.Subscription, r.ProjectID, r.Stage, strconv.Itoa(r.Attempts), r.FailedAt, r.Reason}
			}

			out.Print(headers, rows, records)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}
