package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/taskboard-sync/internal/auth"
	"github.com/BuzzLyutic/taskboard-sync/internal/model"
	"github.com/BuzzLyutic/taskboard-sync/internal/reconciler"
	"github.com/BuzzLyutic/taskboard-sync/internal/taskstate"
	"github.com/BuzzLyutic/taskboard-sync/internal/worker"
)

// watchCmd follows a project live. Each pushed snapshot redraws the board;
// --progress sets the project's progress through the same local view so the
// change shows before the server confirms it.
func watchCmd(api apiFunc, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [project-id]",
		Short: "Follow a project's board as it changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := auth.Subject(v.GetString("token"))
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			workers := v.GetInt("workers")
			if workers < 1 {
				return fmt.Errorf("--workers must be at least 1, got %d", workers)
			}
			pool := worker.NewPool(zap.NewNop(), workers, 8)
			pool.Start(ctx)
			defer pool.Stop()

			c := api()
			r := reconciler.New(c, pool, userID, zap.NewNop())
			if err := r.Subscribe(ctx, args[0]); err != nil {
				return err
			}
			defer r.Unsubscribe()

			if cmd.Flags().Changed("progress") {
				n, _ := cmd.Flags().GetInt("progress")
				if err := setProgressWhenLoaded(ctx, r, func(ctx context.Context) error {
					_, err := c.SetProgress(ctx, args[0], n)
					return err
				}, n); err != nil {
					return err
				}
			}
			return follow(ctx, cmd.OutOrStdout(), r)
		},
	}
	cmd.Flags().Int("progress", 0, "set the project's progress while watching")
	cmd.Flags().Int("workers", 1, "concurrent writes (env PROJECTCTL_WORKERS)")
	_ = v.BindPFlag("workers", cmd.Flags().Lookup("workers"))
	return cmd
}

func setProgressWhenLoaded(ctx context.Context, r *reconciler.Reconciler, write func(ctx context.Context) error, n int) error {
	for !r.Current().Loaded {
		select {
		case <-r.Updates():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.Mutate(ctx, "set progress", func(p *model.Project) { p.Progress = n }, write)
}

func follow(ctx context.Context, w io.Writer, r *reconciler.Reconciler) error {
	var lastVersion int64 = -1
	var lastWriteErr error
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.Updates():
		}
		view := r.Current()
		if view.Err != nil {
			if errors.Is(view.Err, reconciler.ErrStreamEnded) {
				return view.Err
			}
			fmt.Fprintf(w, "project unavailable: %v\n", view.Err)
			return nil
		}
		if view.WriteErr != nil && view.WriteErr != lastWriteErr {
			lastWriteErr = view.WriteErr
			fmt.Fprintf(w, "write failed: %v\n", view.WriteErr)
		}
		if !view.Loaded || (view.Project.Version == lastVersion && view.Pending == 0) {
			continue
		}
		lastVersion = view.Project.Version
		pending := ""
		if view.Pending > 0 {
			pending = fmt.Sprintf(" (%d pending)", view.Pending)
		}
		fmt.Fprintf(w, "--- v%d as %s%s\n", view.Project.Version, view.Role, pending)
		printBoard(w, taskstate.BuildBoard(view.Project))
	}
}
