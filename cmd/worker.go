package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/DarkNoah/aime-chat-sub001/internal/app"
	"github.com/DarkNoah/aime-chat-sub001/internal/config"
	"github.com/DarkNoah/aime-chat-sub001/internal/rpc"
)

var (
	callParams  string
	callTimeout time.Duration

	addCommand string
	addArgs    []string
	addDir     string
	addEnv     []string
	addTimeout time.Duration
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Call and manage worker processes",
}

var workerCallCmd = &cobra.Command{
	Use:   "call <worker> <method>",
	Short: "Send one request to a worker and print the result",
	Long: `Send one request to a worker and print the result as JSON.

The worker process is started for the call and stopped afterwards.

Examples:
  aime worker call audio ping
  aime worker call audio predict --params '{"audio_path":"a.wav"}' --timeout 5s`,
	Args: cobra.ExactArgs(2),
	RunE: runWorkerCall,
}

var workerPingCmd = &cobra.Command{
	Use:   "ping <worker>",
	Short: "Check that a worker answers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			client, err := a.Client(args[0])
			if err != nil {
				return err
			}
			start := time.Now()
			if _, err := client.Call(ctx, "ping", nil, rpc.WithTimeout(callTimeout)); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (pid %d, %s)\n",
				args[0], client.PID(), time.Since(start).Round(time.Millisecond))
			return err
		})
	},
}

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured workers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		for _, name := range cfg.WorkerNames() {
			w := cfg.Workers[name]
			marker := ""
			if name == cfg.Chat.Engine {
				marker = " (chat engine)"
			}
			if _, err := fmt.Fprintf(out, "%s%s: %s %v timeout=%s\n",
				name, marker, w.Command, w.Args, w.CallTimeout()); err != nil {
				return err
			}
		}
		return nil
	},
}

var workerAddCmd = &cobra.Command{
	Use:   "add <worker>",
	Short: "Add or replace a worker in the config file",
	Example: `  aime worker add ocr --command python --arg ocr.py --env PYTHONUNBUFFERED=1
  aime worker add audio --command uv --arg run --arg main.py --timeout 10m`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := config.WorkerConfig{
			Command: addCommand,
			Args:    addArgs,
			Dir:     addDir,
			Env:     addEnv,
			Timeout: addTimeout,
		}
		path := configPath()
		if err := config.SaveWorker(path, args[0], w); err != nil {
			return err
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "saved worker %q to %s\n", args[0], path)
		return err
	},
}

var workerRemoveCmd = &cobra.Command{
	Use:   "remove <worker>",
	Short: "Remove a worker from the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		if err := config.RemoveWorker(path, args[0]); err != nil {
			return err
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "removed worker %q from %s\n", args[0], path)
		return err
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.AddCommand(workerCallCmd, workerPingCmd, workerListCmd, workerAddCmd, workerRemoveCmd)

	workerCallCmd.Flags().StringVarP(&callParams, "params", "p", "", "request params as JSON")
	for _, c := range []*cobra.Command{workerCallCmd, workerPingCmd} {
		c.Flags().DurationVarP(&callTimeout, "timeout", "t", 0, "call timeout (default: the worker's timeout)")
	}

	workerAddCmd.Flags().StringVar(&addCommand, "command", "", "executable to run")
	workerAddCmd.Flags().StringArrayVar(&addArgs, "arg", nil, "argument (repeatable)")
	workerAddCmd.Flags().StringVar(&addDir, "dir", "", "working directory")
	workerAddCmd.Flags().StringArrayVar(&addEnv, "env", nil, "KEY=VALUE environment entry (repeatable)")
	workerAddCmd.Flags().DurationVar(&addTimeout, "timeout", 0, "default call timeout")
	_ = workerAddCmd.MarkFlagRequired("command")
}

func runWorkerCall(cmd *cobra.Command, args []string) error {
	name, method := args[0], args[1]

	var params any
	if callParams != "" {
		if !json.Valid([]byte(callParams)) {
			return fmt.Errorf("--params is not valid JSON")
		}
		params = json.RawMessage(callParams)
	}

	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		client, err := a.Client(name)
		if err != nil {
			return err
		}
		result, err := client.Call(ctx, method, params, rpc.WithTimeout(callTimeout))
		if err != nil {
			return err
		}

		var pretty bytes.Buffer
		if err := json.Indent(&pretty, result, "", "  "); err != nil {
			pretty.Reset()
			pretty.Write(result)
		}
		pretty.WriteByte('\n')
		_, err = cmd.OutOrStdout().Write(pretty.Bytes())
		return err
	})
}

// withApp runs fn with a fresh App and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	runErr := fn(ctx, a)

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// configPath is the file config edits go to.
func configPath() string {
	if path := viper.ConfigFileUsed(); path != "" {
		return path
	}
	return defaultConfigPath
}
