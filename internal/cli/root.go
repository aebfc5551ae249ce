// Package cli implements the amqpcli command tree: a publisher and a
// consumer sharing connection, authentication and logging flags.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Aleph-Alpha/amqpcli/internal/config"
	"github.com/Aleph-Alpha/amqpcli/internal/render"
	"github.com/Aleph-Alpha/amqpcli/v1/rabbit"
)

// Options carries the process level dependencies of the commands.
type Options struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Prompt asks for a missing password. Nil disables prompting.
	Prompt config.PasswordPrompt

	// Dialer replaces the amqp091-go dialer, mostly in tests.
	Dialer rabbit.Dialer

	// Version is printed by --version.
	Version string
}

// exclusiveFlags lists flag pairs that cannot be combined.
var exclusiveFlags = [][2]string{
	{"ssl", "no-ssl"},
	{"password", "password-file"},
}

// rootState is shared by the subcommands after flag parsing.
type rootState struct {
	opts     Options
	bindings bindings

	configPath     string
	noSystemConfig bool
	noUserConfig   bool
	output         string
}

// NewRootCommand builds the amqpcli command tree.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	state := &rootState{opts: opts}
	def := config.Default()

	root := &cobra.Command{
		Use:   "amqpcli",
		Short: "Publish and consume AMQP 0.9.1 messages",
		Long: `amqpcli publishes messages with publisher confirms and consumes queues with a
selectable acknowledgment policy. The connection is re-established with
exponential backoff when the broker goes away.

Settings are read from /etc/amqpcli/config.yml, then the user config file,
then --config, and finally from flags given on the command line.`,
		Version:       opts.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(opts.Stdin)
	root.SetOut(opts.Stdout)
	root.SetErr(opts.Stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", rabbit.ErrInvalidConfig, err)
	})

	pf := root.PersistentFlags()
	pf.StringVarP(&state.configPath, "config", "c", "", "Additional config file, applied after the default locations")
	pf.BoolVar(&state.noSystemConfig, "no-system-config", false, "Skip "+config.SystemConfigPath)
	pf.BoolVar(&state.noUserConfig, "no-user-config", false, "Skip the user config file")
	pf.StringVarP(&state.output, "output", "o", string(render.FormatText), "Output format (text or json)")
	state.bindings = addGlobalFlags(pf, def)

	root.AddCommand(
		newPublishCommand(state, def),
		newConsumeCommand(state, def),
	)
	return root
}

// resolve loads the config files, applies the flags set on cmd and resolves
// the credentials.
func (s *rootState) resolve(cmd *cobra.Command, local bindings) (*config.Config, error) {
	for _, pair := range exclusiveFlags {
		if cmd.Flags().Changed(pair[0]) && cmd.Flags().Changed(pair[1]) {
			return nil, fmt.Errorf("%w: --%s and --%s cannot be used together", rabbit.ErrInvalidConfig, pair[0], pair[1])
		}
	}

	var paths []string
	defaults := config.DefaultPaths()
	if !s.noSystemConfig {
		paths = append(paths, defaults[0])
	}
	if !s.noUserConfig {
		paths = append(paths, defaults[1:]...)
	}
	if s.configPath != "" {
		if _, err := os.Stat(s.configPath); err != nil {
			return nil, fmt.Errorf("%w: %w", rabbit.ErrInvalidConfig, err)
		}
		paths = append(paths, s.configPath)
	}

	cfg, err := config.Load(paths...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", rabbit.ErrInvalidConfig, err)
	}
	if err := merge(s.bindings, local).apply(cmd.Flags(), cfg); err != nil {
		return nil, err
	}
	if err := cfg.ResolveCredentials(s.opts.Prompt); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *rootState) renderer() (*render.Renderer, error) {
	format, err := render.ParseFormat(s.output)
	if err != nil {
		return nil, err
	}
	return render.New(s.opts.Stdout, format), nil
}

// Execute runs the command tree with args and returns the process exit code.
// Errors are printed to opts.Stderr.
func Execute(ctx context.Context, opts Options, args []string) int {
	root := NewRootCommand(opts)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	code := render.ExitCode(err)
	if err != nil && code != render.ExitOK {
		fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
	}
	if err != nil && errors.Is(err, rabbit.ErrInvalidConfig) {
		fmt.Fprintln(root.ErrOrStderr(), "Run 'amqpcli --help' for usage.")
	}
	return code
}
