package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	goruntime "runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/leonletto/chatlink/internal/cli"
	"github.com/leonletto/chatlink/internal/config"
	"github.com/leonletto/chatlink/internal/listener"
	"github.com/leonletto/chatlink/internal/logging"
	"github.com/leonletto/chatlink/internal/owner"
)

var (
	// Build info (set via ldflags).
	Version = "dev"
	Build   = "unknown"
)

var (
	// Global flags.
	flagJSON    bool
	flagVerbose bool
)

// exitCode is set by commands that end with a status other than 0 or 1.
var exitCode int

// app holds what PersistentPreRunE resolved for the running command.
type app struct {
	v   *viper.Viper
	env *cli.Env
}

func main() {
	a := &app{v: config.New()}

	rootCmd := &cobra.Command{
		Use:   "chatlink",
		Short: "Persistent chat listener with delegated uploads",
		Long: `Chatlink keeps one real-time connection to the chat backend per profile,
relays inbound messages to stdout, a webhook or an echo responder, and lets
one-shot commands hand uploads to the running listener instead of opening a
second connection.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.String("home", "", "State directory (or CHATLINK_HOME env var)")
	pf.String("profile", "default", "Profile name (or CHATLINK_PROFILE env var)")
	pf.String("config", "", "Config file (default <home>/profiles/<profile>/config.yaml)")
	pf.String("log-level", "info", "Log level: debug, info, warn, error")
	pf.String("log-format", "text", "Log format: text or json")
	pf.BoolVar(&flagJSON, "json", false, "JSON output for scripting")
	pf.BoolVar(&flagVerbose, "verbose", false, "Debug output")
	for key, flag := range map[string]string{
		"home":           "home",
		"profile":        "profile",
		"config":         "config",
		"logging.level":  "log-level",
		"logging.format": "log-format",
	} {
		_ = a.v.BindPFlag(key, pf.Lookup(flag))
	}

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("chatlink v{{.Version}} (build: " + Build + ", " + goruntime.Version() + ")\n")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		if flagVerbose {
			a.v.Set("logging.level", "debug")
		}
		s, err := config.Load(a.v)
		if err != nil {
			return err
		}
		logger, err := logging.New(os.Stderr, s.Logging.Level, s.Logging.Format)
		if err != nil {
			return err
		}
		a.env = &cli.Env{
			Settings:  s,
			Logger:    logger,
			NewClient: cli.DefaultClientFactory,
			Stdout:    os.Stdout,
			Stderr:    os.Stderr,
		}
		return nil
	}

	rootCmd.AddCommand(listenCmd(a))
	rootCmd.AddCommand(uploadCmd(a))
	rootCmd.AddCommand(sendCmd(a))
	rootCmd.AddCommand(statusCmd(a))
	rootCmd.AddCommand(configGroupCmd(a))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var conflict *owner.ConflictError
		if errors.As(err, &conflict) {
			fmt.Fprintf(os.Stderr, "  A listener is running for this profile (PID %d). Enable delegation or stop it first.\n", conflict.PID)
		}
		if exitCode == 0 {
			exitCode = listener.ExitFatal
		}
	}
	os.Exit(exitCode)
}

func listenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Hold the profile's connection and relay inbound messages",
		Long: `Take ownership of the profile, serve delegated uploads on the local
socket and relay inbound messages until interrupted.

Exit codes: 0 on a clean stop, 1 on a fatal error, 75 when the recycle
interval elapsed, 128+N when terminated by signal N.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			supervised, _ := cmd.Flags().GetBool("supervised")
			code, err := cli.Listen(context.Background(), a.env, cli.ListenOptions{
				Supervised:   supervised,
				WatchSignals: true,
			})
			exitCode = code
			return err
		},
	}
	cmd.Flags().Bool("supervised", false, "Leave restarts to a process manager and emit lifecycle events")
	cmd.Flags().Int("recycle-ms", 0, "Exit with code 75 after this many milliseconds (0 disables)")
	cmd.Flags().Bool("keepalive", true, "Reconnect after restartable closes")
	_ = a.v.BindPFlag("listen.recycle_ms", cmd.Flags().Lookup("recycle-ms"))
	_ = a.v.BindPFlag("listen.keepalive", cmd.Flags().Lookup("keepalive"))
	return cmd
}

func uploadCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload FILE...",
		Short: "Upload files to a thread",
		Long: `Upload one or more files to a thread.

When a listener is running for the profile the upload is handed to it over
the delegation socket. Otherwise a private connection is opened, guarded by
the profile's owner lock.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			thread, _ := cmd.Flags().GetString("thread")
			threadType, _ := cmd.Flags().GetString("type")

			result, err := cli.Upload(cmd.Context(), a.env, cli.UploadOptions{
				ThreadID:   thread,
				ThreadType: threadType,
				Files:      args,
			})
			if err != nil {
				return err
			}
			if flagJSON {
				output, _ := json.MarshalIndent(result, "", "  ")
				fmt.Println(string(output))
			} else {
				fmt.Print(cli.FormatUpload(result))
			}
			return nil
		},
	}
	cmd.Flags().String("thread", "", "Thread id (required)")
	cmd.Flags().String("type", "", "Thread type: user or group (inferred when omitted)")
	_ = cmd.MarkFlagRequired("thread")
	return cmd
}

func sendCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send MESSAGE",
		Short: "Send a text message",
		Long: `Send a text message over a private connection.

Text sends are not delegated, so this fails with an ownership conflict while
a listener holds the profile and owner enforcement is on.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			thread, _ := cmd.Flags().GetString("thread")
			threadType, _ := cmd.Flags().GetString("type")

			result, err := cli.Send(cmd.Context(), a.env, cli.SendOptions{
				ThreadID:   thread,
				ThreadType: threadType,
				Text:       args[0],
			})
			if err != nil {
				return err
			}
			if flagJSON {
				output, _ := json.MarshalIndent(result, "", "  ")
				fmt.Println(string(output))
			} else {
				fmt.Print(cli.FormatSend(result))
			}
			return nil
		},
	}
	cmd.Flags().String("thread", "", "Thread id (required)")
	cmd.Flags().String("type", "", "Thread type: user or group (inferred when omitted)")
	_ = cmd.MarkFlagRequired("thread")
	return cmd
}

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the profile's listener and socket state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := cli.Status(cmd.Context(), a.env)
			if err != nil {
				return err
			}
			if flagJSON {
				output, _ := json.MarshalIndent(result, "", "  ")
				fmt.Println(string(output))
			} else {
				fmt.Print(cli.FormatStatus(result))
			}
			return nil
		},
	}
}

func configGroupCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long:  `Print every setting after defaults, the config file, flags and CHATLINK_* environment variables are applied. Credentials are masked.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result := cli.ConfigShow(a.v, a.env.Settings)
			if flagJSON {
				output, _ := json.MarshalIndent(result, "", "  ")
				fmt.Println(string(output))
				return nil
			}
			out, err := cli.FormatConfigShow(result)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	})
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show chatlink version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagJSON {
				output := map[string]string{
					"version":    Version,
					"build":      Build,
					"go_version": goruntime.Version(),
				}
				data, err := json.MarshalIndent(output, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}
			fmt.Printf("chatlink v%s (build: %s, %s)\n", Version, Build, goruntime.Version())
			return nil
		},
	}
}
