package main

import (
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kingrea/xia2go/internal/pipeline"
	"github.com/kingrea/xia2go/internal/queue"
	"github.com/kingrea/xia2go/internal/tui"
)

func newWorkerCmd(root *rootOptions) *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process sweep jobs from the NATS queue",
		Long: `worker joins the queue group on the configured subject and runs
each sweep job it receives in this processing directory. Workers and the
pipeline must see the same file system.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := open(root, nil)
			if err != nil {
				return err
			}
			defer s.close()
			q := s.cfg.Project.Queue
			if cmd.Flags().Changed("subject") {
				q.Subject = subject
			}
			client, err := queue.Connect(q.URL, "xia2go-worker", s.logger.Logger)
			if err != nil {
				return s.fail(err)
			}
			defer client.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			w := queue.NewWorker(client, q.Subject, pipeline.LocalExecutor{
				Env:      s.env(),
				Registry: pipeline.DefaultRegistry(),
			})
			s.logger.Info("worker starting", zap.String("worker_id", w.ID()), zap.String("url", q.URL))
			if err := w.Serve(ctx); err != nil {
				return s.fail(err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject to take jobs from (default from config)")
	return cmd
}

func newWatchCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow a run from its checkpoint and journal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := open(root, nil)
			if err != nil {
				return err
			}
			defer s.close()
			app, err := tui.NewApp(s.cfg)
			if err != nil {
				return err
			}
			defer app.Close()
			var popts []tea.ProgramOption
			if stdoutIsTerminal() {
				popts = append(popts, tea.WithAltScreen())
			}
			_, err = tea.NewProgram(app, popts...).Run()
			return err
		},
	}
}
