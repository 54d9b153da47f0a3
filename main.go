package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"ptybridge/internal/config"
	"ptybridge/internal/logging"
)

var (
	v        = viper.New()
	cfgFile  string
	detached bool
)

// exitCodeError makes the process exit with the shell's code.
type exitCodeError struct{ code int }

func (e exitCodeError) Error() string { return fmt.Sprintf("shell exited with code %d", e.code) }

var rootCmd = &cobra.Command{
	Use:   "ptybridge",
	Short: "ptybridge - run a login shell behind a polled pseudo-terminal",
	Long: `ptybridge hosts one interactive shell on a pseudo-terminal and lets a UI drive it
with four operations: create, write, read (non-blocking poll) and resize.

The daemon serves newline-delimited JSON on a unix socket and, optionally,
JSON frames over a websocket for a webview.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logCfg := logging.DefaultConfig()
		logCfg.Level = cfg.Log.Level
		logCfg.Development = cfg.Log.Development
		if detached {
			if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
				return err
			}
			logCfg.OutputPaths = []string{cfg.LogPath()}
		}
		log, err := logging.New(logCfg)
		if err != nil {
			return err
		}
		defer log.Sync() //nolint: stderr sync fails on some platforms
		return runDaemon(cfg, log)
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return startDaemon(cmd, cfg)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		stopDaemon(cmd, cfg)
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Stop and start the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		stopDaemon(cmd, cfg)
		return startDaemon(cmd, cfg)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the daemon is running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pid := readPid(cfg.PidPath())
		if pid == 0 || !processAlive(pid) {
			return errors.New("daemon is not running")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Daemon is running (pid %d)\n", pid)
		return nil
	},
}

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Drive the daemon's shell from this terminal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return attach(cfg.SocketPath())
	},
}

// flagKeys maps persistent flags to config keys.
var flagKeys = map[string]string{
	"home":           "home",
	"rows":           "pty.rows",
	"cols":           "pty.cols",
	"shell-strategy": "shell.strategy",
	"login":          "shell.login",
	"decode":         "bridge.decode",
	"on-exit":        "session.on_exit",
	"websocket":      "listen.websocket",
	"metrics":        "listen.metrics",
	"log-level":      "log.level",
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "YAML config file")
	flags.String("home", "", "directory for the socket, pid and log files (default ~/.ptybridge)")
	flags.Uint16("rows", 24, "initial terminal rows")
	flags.Uint16("cols", 80, "initial terminal columns")
	flags.String("shell-strategy", "userdb", "login shell lookup: userdb or env")
	flags.Bool("login", false, "start the shell as a login shell")
	flags.String("decode", "strict", "invalid UTF-8 in shell output: strict or replace")
	flags.String("on-exit", "terminate", "when the shell exits: terminate or notify")
	flags.String("websocket", "", "serve the websocket endpoint on this address")
	flags.String("metrics", "", "serve Prometheus metrics on this address")
	flags.String("log-level", "info", "log level")
	bindFlags(v, flags)

	runCmd.Flags().BoolVar(&detached, "detached", false, "log to the daemon log file")
	runCmd.Flags().MarkHidden("detached")

	rootCmd.AddCommand(runCmd, startCmd, stopCmd, restartCmd, statusCmd, attachCmd)
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(v, cfgFile)
}

func main() {
	err := rootCmd.Execute()
	var exit exitCodeError
	switch {
	case errors.As(err, &exit):
		os.Exit(exit.code)
	case err != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func startDaemon(cmd *cobra.Command, cfg *config.Config) error {
	if pid := readPid(cfg.PidPath()); pid != 0 {
		if processAlive(pid) {
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon already running (pid %d)\n", pid)
			return nil
		}
		// Stale PID file.
		os.Remove(cfg.PidPath())
	}
	os.Remove(cfg.SocketPath())

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}
	// Re-exec self with "run", carrying every flag the user set.
	args := []string{"run", "--detached"}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		args = append(args, "--"+f.Name+"="+f.Value.String())
	})
	child := exec.Command(exePath, args...)
	child.SysProcAttr = detachAttr()
	// Detach all stdio so the daemon doesn't hold the terminal open.
	child.Stdin = nil
	child.Stdout = nil
	child.Stderr = nil
	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	// Release the child so we don't become a zombie parent.
	child.Process.Release()

	// Wait for the socket to appear (up to 5 seconds).
	for range 50 {
		if _, err := os.Stat(cfg.SocketPath()); err == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon started (pid %d)\n", readPid(cfg.PidPath()))
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	cmd.PrintErrf("Daemon started but socket not yet available, see %s\n", cfg.LogPath())
	return nil
}

func stopDaemon(cmd *cobra.Command, cfg *config.Config) {
	pid := readPid(cfg.PidPath())
	if pid == 0 || !processAlive(pid) {
		fmt.Fprintln(cmd.OutOrStdout(), "Daemon not running")
		os.Remove(cfg.PidPath())
		os.Remove(cfg.SocketPath())
		return
	}
	terminate(pid)
	// Wait up to 5 seconds for the process to exit.
	for range 50 {
		if !processAlive(pid) {
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon stopped (was pid %d)\n", pid)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	cmd.PrintErrln("Daemon did not stop within 5s, killing it")
	kill(pid)
	time.Sleep(200 * time.Millisecond)
	os.Remove(cfg.PidPath())
	os.Remove(cfg.SocketPath())
}

func readPid(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
