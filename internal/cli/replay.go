package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"whale-watcher/internal/app"
	"whale-watcher/internal/deadletter"
)

var (
	replayPath  string
	replayStage string
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Reprocess dead-lettered messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		switch replayStage {
		case "", deadletter.StageExtract, deadletter.StagePersist:
		default:
			return fmt.Errorf("invalid --stage value %q", replayStage)
		}

		opts := app.ReplayOptions{
			Path:  replayPath,
			Stage: replayStage,
		}

		return getApp().Replay(cmd.Context(), opts)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayPath, "path", "", "Dead letter file to replay (defaults to config)")
	replayCmd.Flags().StringVar(&replayStage, "stage", "", "Only replay entries from this stage (extract or persist)")
}
