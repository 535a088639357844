// Command marky builds Markov chains from plain text and prints generated
// lines.
//
//	marky [global flags] insert [-prune-every n] <file|->
//	marky [global flags] produce [-n count] [-max-words n] [-max-chars n] [-search words]
//	marky [global flags] print [-n count] [-max-words n] [-max-chars n] [-search words] <file|->
//	marky [global flags] prune
//
// insert and produce work on the configured backend; print builds a
// throwaway in-memory chain from the input and produces from it.
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
	"strings"
	"syscall"

	"github.com/charmbracelet/log"

	"github.com/remiges-tech/markov"
	"github.com/remiges-tech/markov/internal/config"
	"github.com/remiges-tech/markov/internal/logger"
)

// maxLineBytes bounds a single input line.
const maxLineBytes = 1 << 20

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one marky invocation and returns the exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("marky", flag.ContinueOnError)
	global.SetOutput(stderr)
	configPath := global.String("config", "", "TOML configuration file")
	backend := global.String("backend", "", "backend to use, overrides the configuration ("+strings.Join(markov.Backends(), ", ")+")")
	logLevel := global.String("log-level", "", "debug, info, warn or error")
	global.Usage = func() { usage(global, stderr) }

	if err := global.Parse(args); err != nil {
		return 2
	}
	if global.NArg() == 0 {
		usage(global, stderr)
		return 2
	}

	bootLog := logger.NewWithConfig("marky", "info", stderr)
	cfg, err := config.Load(*configPath, bootLog)
	if err != nil {
		bootLog.Error("loading configuration", "err", err)
		return 1
	}
	if *backend != "" {
		cfg.Backend = *backend
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	l := logger.NewWithConfig("marky", cfg.LogLevel, stderr)

	cmd, rest := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "insert":
		err = runInsert(ctx, cfg, l, rest, stdin, stderr)
	case "produce":
		err = runProduce(ctx, cfg, l, rest, stdout, stderr)
	case "print":
		cfg.Backend = "memory"
		err = runPrint(ctx, cfg, l, rest, stdin, stdout, stderr)
	case "prune":
		err = runPrune(ctx, cfg, l)
	default:
		l.Error("unknown command", "command", cmd)
		usage(global, stderr)
		return 2
	}

	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		l.Error(cmd+" failed", "err", err)
		return 1
	}
	return 0
}

func usage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintln(w, "Usage: marky [flags] <insert|produce|print|prune> [command flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  insert <file|->   add every line of file (or stdin) to the chain")
	fmt.Fprintln(w, "  produce           print -n generated lines from the chain")
	fmt.Fprintln(w, "  print <file|->    build a chain in memory from file and print -n lines")
	fmt.Fprintln(w, "  prune             drop links whose score decayed to zero")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fs.PrintDefaults()
}

// openGenerator creates the generator used by every command.
var openGenerator = open

// open creates the generator described by cfg.
func open(cfg *config.Config, l *log.Logger) (markov.Generator, error) {
	options, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	options.Logger = l

	backendConfig, err := cfg.BackendConfig(l)
	if err != nil {
		return nil, err
	}
	l.Debug("opening backend", "backend", cfg.Backend, "look_size", options.LookSize, "cache", options.Cache)
	return markov.Open(cfg.Backend, markov.NewConfigWithOptions(backendConfig, options))
}

type produceFlags struct {
	count    int
	maxWords int
	maxChars int
	search   string
}

func (p *produceFlags) register(fs *flag.FlagSet) {
	fs.IntVar(&p.count, "n", 1, "number of lines to produce")
	fs.IntVar(&p.maxWords, "max-words", 100, "word limit per line, 0 for none")
	fs.IntVar(&p.maxChars, "max-chars", 1000, "character limit per line, 0 for none")
	fs.StringVar(&p.search, "search", "", "seed words to start from")
}

func runInsert(ctx context.Context, cfg *config.Config, l *log.Logger, args []string, stdin io.Reader, stderr io.Writer) (err error) {
	fs := flag.NewFlagSet("insert", flag.ContinueOnError)
	fs.SetOutput(stderr)
	pruneEvery := fs.Int("prune-every", 0, "prune after every n lines, 0 to never prune")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("insert needs exactly one input file, or - for stdin")
	}

	gen, err := openGenerator(cfg, l)
	if err != nil {
		return err
	}
	// a failed close can mean the cache never reached the backend
	defer func() { err = errors.Join(err, gen.Close()) }()

	lines, err := feed(ctx, gen, fs.Arg(0), stdin, *pruneEvery)
	if err != nil {
		return err
	}
	l.Info("inserted", "lines", lines)
	return nil
}

func runProduce(ctx context.Context, cfg *config.Config, l *log.Logger, args []string, stdout, stderr io.Writer) (err error) {
	fs := flag.NewFlagSet("produce", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var p produceFlags
	p.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	gen, err := openGenerator(cfg, l)
	if err != nil {
		return err
	}
	// a failed close can mean the cache never reached the backend
	defer func() { err = errors.Join(err, gen.Close()) }()

	return produce(ctx, gen, l, p, stdout)
}

func runPrint(ctx context.Context, cfg *config.Config, l *log.Logger, args []string, stdin io.Reader, stdout, stderr io.Writer) (err error) {
	fs := flag.NewFlagSet("print", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var p produceFlags
	p.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("print needs exactly one input file, or - for stdin")
	}

	gen, err := openGenerator(cfg, l)
	if err != nil {
		return err
	}
	// a failed close can mean the cache never reached the backend
	defer func() { err = errors.Join(err, gen.Close()) }()

	if _, err := feed(ctx, gen, fs.Arg(0), stdin, 0); err != nil {
		return err
	}
	return produce(ctx, gen, l, p, stdout)
}

func runPrune(ctx context.Context, cfg *config.Config, l *log.Logger) (err error) {
	gen, err := openGenerator(cfg, l)
	if err != nil {
		return err
	}
	// a failed close can mean the cache never reached the backend
	defer func() { err = errors.Join(err, gen.Close()) }()

	return gen.Prune(ctx)
}

// feed inserts every line of the named file (or stdin for "-") and returns
// the number of lines read.
func feed(ctx context.Context, gen markov.Generator, name string, stdin io.Reader, pruneEvery int) (int, error) {
	in := stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return 0, fmt.Errorf("unable to open input file: %w", err)
		}
		defer f.Close()
		in = f
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	lines := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return lines, err
		}
		if err := gen.Insert(ctx, strings.Fields(scanner.Text())); err != nil {
			return lines, err
		}
		lines++
		if pruneEvery > 0 && lines%pruneEvery == 0 {
			if err := gen.Prune(ctx); err != nil {
				return lines, err
			}
		}
	}
	return lines, scanner.Err()
}

// produce writes p.count generated lines to out.
func produce(ctx context.Context, gen markov.Generator, l *log.Logger, p produceFlags, out io.Writer) error {
	seed := strings.Fields(p.search)
	for i := 0; i < p.count; i++ {
		words, err := gen.Produce(ctx, seed, p.maxWords, p.maxChars)
		if err != nil {
			return err
		}
		if len(words) == 0 {
			l.Warn("nothing to produce", "search", p.search)
			return nil
		}
		if _, err := fmt.Fprintln(out, strings.Join(words, " ")); err != nil {
			return err
		}
	}
	return nil
}

