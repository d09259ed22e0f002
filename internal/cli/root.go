package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/Paintersrp/cheese/internal/logging"
)

// Configuration keys shared by flags, environment variables and the config
// file. Environment variables use the CHEESE_ prefix, e.g. CHEESE_MAX_RUN.
const (
	keyIdleTimeout  = "idle_timeout"
	keyMaxRun       = "max_run"
	keyLogDir       = "log_dir"
	keyLogLevel     = "log_level"
	keyLogFormat    = "log_format"
	keySessionLimit = "session_limit"
	keyHistoryDB    = "history_db"
)

// ExitError carries the exit status cheese should terminate with.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

type context struct {
	cfgFile string
	v       *viper.Viper
	log     *logrus.Logger
}

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	ctx := &context{v: newViper()}

	root := &cobra.Command{
		Use:   "cheese",
		Short: "Run commands under an idle and max run-time watchdog",
		Long: `cheese runs external commands such as rsync or svn while a watchdog
kills them when they stop producing output or exceed their run-time budget.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.init(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&ctx.cfgFile, "config", "", "config file (default is $HOME/.cheese/config.yaml)")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("log-format", string(logging.FormatText), "log format: text or json")
	_ = ctx.v.BindPFlag(keyLogLevel, flags.Lookup("log-level"))
	_ = ctx.v.BindPFlag(keyLogFormat, flags.Lookup("log-format"))

	root.AddCommand(newRunCmd(ctx))
	root.AddCommand(newGrabCmd(ctx))
	root.AddCommand(newJobsCmd(ctx))
	root.AddCommand(newHistoryCmd(ctx))
	root.AddCommand(newConfigCmd(ctx))
	root.AddCommand(newVersionCmd())

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CHEESE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyLogFormat, string(logging.FormatText))
	return v
}

// init reads the config file and builds the logger. It runs before every
// subcommand.
func (c *context) init(cmd *cobra.Command) error {
	if c.cfgFile != "" {
		c.v.SetConfigFile(c.cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		c.v.AddConfigPath(filepath.Join(home, ".cheese"))
		c.v.SetConfigName("config")
		c.v.SetConfigType("yaml")
	}

	if err := c.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if c.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	log, err := logging.New(logging.Options{
		Level:  c.v.GetString(keyLogLevel),
		Format: logging.Format(c.v.GetString(keyLogFormat)),
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	c.log = log
	if used := c.v.ConfigFileUsed(); used != "" {
		c.log.WithField("config", used).Debug("loaded config file")
	}
	return nil
}

// bindFlags makes the named command flags the highest priority source for
// their configuration keys.
func (c *context) bindFlags(cmd *cobra.Command, keys map[string]string) error {
	for key, flag := range keys {
		if err := c.v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

func (c *context) logger() logrus.FieldLogger {
	if c.log == nil {
		return logging.Discard()
	}
	return c.log
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// exitErrorFor maps a child's exit code onto the status cheese exits with.
func exitErrorFor(code int, err error) error {
	if err == nil && code == 0 {
		return nil
	}
	if code <= 0 {
		code = 1
	}
	return &ExitError{Code: code, Err: err}
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	root.SetContext(ctx)

	if err := root.ExecuteContext(ctx); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			if exitErr.Err != nil {
				fmt.Fprintln(os.Stderr, exitErr.Err)
			}
			stop()
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
