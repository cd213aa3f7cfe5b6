package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jakebutler98/slurm-batch-downloader/pkg/pathmap"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/tasklist"
)

// NewMapCmd creates the map command.
func NewMapCmd() *cobra.Command {
	var input string

	cmd := &cobra.Command{
		Use:   "map",
		Short: "Print the output path of every task",
		Long: `Run the configured mapping rule over the whole input list and print
"index<TAB>relative_path" for each task. Fails on the first URL that cannot
be mapped, so a list can be checked before the job array is submitted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if input == "" {
				input = cfg.Paths.InputList
			}
			tasks, err := tasklist.ReadFile(input)
			if err != nil {
				return err
			}
			mapper, err := pathmap.New(cfg.Mapping)
			if err != nil {
				return err
			}
			return writeMapping(cmd.Context(), os.Stdout, mapper, tasks)
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "input list (default: paths.input_list)")

	return cmd
}

func writeMapping(ctx context.Context, w io.Writer, mapper pathmap.Mapper, tasks []tasklist.Task) error {
	for _, t := range tasks {
		rel, err := mapper.Map(ctx, t.SourceURL)
		if err != nil {
			return fmt.Errorf("task %d: %w", t.Index, err)
		}
		if _, err := fmt.Fprintf(w, "%d\t%s\n", t.Index, rel); err != nil {
			return err
		}
	}
	return nil
}
