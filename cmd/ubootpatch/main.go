package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/whyitfor/ofrak-u-boot/pkg/patchcontext"
)

var cfg struct {
	verbose bool
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Patch flat U-Boot ARM images with compiled code.").UsageWriter(os.Stdout)
	app.Version(version.Print("ubootpatch"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)

	patchCmd := app.Command("patch", "Apply a patch plan to an image and store the patched image and its patch map.")
	patchParams := addPatchParams(patchCmd)

	scriptCmd := app.Command("linker-script", "Plan a patch and print the linker script its build must use.")
	scriptParams := addPatchParams(scriptCmd)

	symbolsCmd := app.Command("symbols", "List the symbols of an analysis artifact or ELF.")
	symbolsParams := addSymbolsParams(symbolsCmd)

	verifyCmd := app.Command("verify", "Check a stored image against its patch map.")
	verifyParams := addVerifyParams(verifyCmd)

	// parse command line arguments
	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	// enable verbose logging if requested
	if cfg.verbose {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	reg := prometheus.NewRegistry()
	ctx := patchcontext.WithLogger(context.Background(), logger)
	ctx = patchcontext.WithRegistry(ctx, reg)
	ctx = withOutput(ctx, os.Stdout)

	var err error
	switch parsedCmd {
	case patchCmd.FullCommand():
		err = patch(ctx, patchParams)
	case scriptCmd.FullCommand():
		err = linkerScript(ctx, scriptParams)
	case symbolsCmd.FullCommand():
		err = symbols(ctx, symbolsParams)
	case verifyCmd.FullCommand():
		err = verify(ctx, verifyParams)
	default:
		err = fmt.Errorf("unknown command %q", parsedCmd)
	}

	// session metrics are printed once the command is done
	if cfg.verbose {
		if merr := writeMetrics(consoleOutput, reg); merr != nil {
			level.Warn(logger).Log("msg", "failed to write metrics", "err", merr)
		}
	}
	os.Exit(checkError(err))
}

func checkError(err error) int {
	switch err {
	case nil:
		return 0
	case errVerificationFailed:
		// Mismatching entries are already printed.
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return 1
}

type contextKey uint8

const (
	contextKeyOutput contextKey = iota
)

func withOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, contextKeyOutput, w)
}

func output(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(contextKeyOutput).(io.Writer); ok {
		return w
	}
	return os.Stdout
}
