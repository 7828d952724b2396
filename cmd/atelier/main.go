// Command atelier is a terminal client for the atelier storefront: account, session and cart.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/and161185/atelier/internal/config"
	"github.com/and161185/atelier/internal/errs"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func usage(w io.Writer) {
	fmt.Fprintf(w, `atelier CLI
Usage:
  atelier [-env file] [-store file|redis|postgres] [-v] <cmd> [args]

Commands:
  version
  register        -email <e> -password <p> [-name <n>]
  login           -email <e> -password <p>
  phone-login     -phone <+E.164>                  (prompts for the code)
  logout
  whoami
  profile                                          (reloads from the backend)
  update-profile  [-name <n>] [-phone <p>]
  avatar          -file <image>
  reset-password  -email <e>
  change-password -current <p> -new <p>
  delete-account  -password <p>
  cart
  cart-set        -item <id> -qty <n>
`)
}

// main wires signals and exits with the status of run.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("atelier", flag.ContinueOnError)
	fs.SetOutput(stderr)
	envFile := fs.String("env", "", ".env file (default: ./.env if present)")
	store := fs.String("store", "", "session store, overrides ATELIER_STORE")
	verbose := fs.Bool("v", false, "debug logging")
	fs.Usage = func() { usage(stderr) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		usage(stderr)
		return 2
	}
	name := fs.Arg(0)
	if name == "version" {
		fmt.Fprintf(stdout, "atelier %s (%s)\n", version, buildDate)
		return 0
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n", name)
		usage(stderr)
		return 2
	}

	cfg, err := loadConfig(*envFile, *store)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger := newLogger(cfg, *verbose, stderr)
	defer func() { _ = logger.Sync() }()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, describe(err))
		return 1
	}
	defer a.close()

	t := &term{in: bufio.NewReader(stdin), out: stdout}
	if err := cmd(ctx, a, fs.Args()[1:], t); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 2
		}
		fmt.Fprintln(stderr, describe(err))
		return 1
	}
	return 0
}

func loadConfig(envFile, store string) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if envFile != "" {
		cfg, err = config.LoadFile(envFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return config.Config{}, err
	}
	if store != "" {
		cfg.Store = store
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

// newLogger writes to stderr so command output on stdout stays machine readable.
func newLogger(cfg config.Config, verbose bool, w io.Writer) *zap.Logger {
	level := zap.WarnLevel
	if verbose {
		level = zap.DebugLevel
	}
	enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	if cfg.IsProduction() {
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), level))
}

// describe turns classified errors into their user-facing message.
func describe(err error) string {
	if k := errs.KindOf(err); k != errs.Unknown {
		return k.Message()
	}
	return err.Error()
}

