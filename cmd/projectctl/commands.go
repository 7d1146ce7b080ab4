package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/BuzzLyutic/taskboard-sync/internal/auth"
	"github.com/BuzzLyutic/taskboard-sync/internal/client"
	"github.com/BuzzLyutic/taskboard-sync/internal/model"
)

type apiFunc func() *client.Client

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseProgress(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("progress must be a number: %w", err)
	}
	return n, nil
}

// tokenCmd mints a token with the server's secret. Meant for local setups
// where the secret is at hand.
func tokenCmd() *cobra.Command {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("TOKEN_TTL", "24h")

	cmd := &cobra.Command{
		Use:   "token [user-id]",
		Short: "Issue a bearer token signed with JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := v.GetString("JWT_SECRET")
			if secret == "" {
				return errors.New("JWT_SECRET is not set")
			}
			name, _ := cmd.Flags().GetString("name")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if ttl == 0 {
				ttl = v.GetDuration("TOKEN_TTL")
			}
			tok, err := auth.NewTokenService(secret).Issue(model.Identity{ID: args[0], DisplayName: name}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().String("name", "", "display name")
	cmd.Flags().Duration("ttl", 0, "token lifetime (default TOKEN_TTL or 24h)")
	return cmd
}

func createCmd(api apiFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "create [name]",
		Short: "Create a project; you become its admin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := api().CreateProject(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
}

func listCmd(api apiFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects you created or joined",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := api().ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "Created:")
			for _, p := range l.Created {
				fmt.Fprintf(w, "  %s  %s (v%d)\n", p.ID, p.Name, p.Version)
			}
			fmt.Fprintln(w, "Joined:")
			for _, p := range l.Joined {
				fmt.Fprintf(w, "  %s  %s (v%d)\n", p.ID, p.Name, p.Version)
			}
			return nil
		},
	}
}

func getCmd(api apiFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "get [project-id]",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := api().GetProject(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
}

func deleteCmd(api apiFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "delete [project-id]",
		Short: "Delete a project (admin only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := api().DeleteProject(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deleted", args[0])
			return nil
		},
	}
}

func joinCmd(api apiFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "join [project-id] [access-code]",
		Short: "Join a project with its access code",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := api().Join(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "joined %s as %s\n", args[0], role)
			return nil
		},
	}
}

func taskCmd(api apiFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Add tasks and report their progress",
	}

	add := &cobra.Command{
		Use:   "add [project-id] [description]",
		Short: "Append a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			assignee, _ := cmd.Flags().GetString("assign")
			v, err := api().AddTask(cmd.Context(), args[0], args[1], assignee)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v.Project.Tasks)
		},
	}
	add.Flags().String("assign", "", "assignee user id")

	progress := &cobra.Command{
		Use:   "progress [project-id] [task] [0-100]",
		Short: "Set a task's progress; status follows from it",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := parseProgress(args[2])
			if err != nil {
				return err
			}
			v, err := api().UpdateTaskProgress(cmd.Context(), args[0], args[1], n)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v.Project.Tasks)
		},
	}

	cmd.AddCommand(add, progress)
	return cmd
}

func reviewCmd(api apiFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "review [project-id] [task] [text]",
		Short: "Review a task (admin only)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := api().AddReview(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v.Project.Reviews)
		},
	}
}

func progressCmd(api apiFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "progress [project-id] [0-100]",
		Short: "Set the project's overall progress",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := parseProgress(args[1])
			if err != nil {
				return err
			}
			v, err := api().SetProgress(cmd.Context(), args[0], n)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s progress %d%% (v%d)\n", v.Project.Name, v.Project.Progress, v.Project.Version)
			return nil
		},
	}
}

func boardCmd(api apiFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "board [project-id]",
		Short: "Show the task board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := api().Board(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printBoard(cmd.OutOrStdout(), b)
			return nil
		},
	}
}

func printBoard(w io.Writer, b model.Board) {
	fmt.Fprintf(w, "%s  progress %d%%  completion %d%%\n", b.Name, b.Progress, b.Completion)
	for _, col := range b.Columns {
		fmt.Fprintf(w, "[%s]\n", col.Status)
		for _, t := range col.Tasks {
			fmt.Fprintf(w, "  %-30s %3d%%  %s\n", t.Description, t.Progress, t.AssignedTo)
		}
		for _, r := range col.Reviews {
			fmt.Fprintf(w, "  %-30s %s\n", r.TaskName, r.Text)
		}
	}
}
