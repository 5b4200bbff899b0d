// graphdump compiles the methods of an assembled program and prints
// their graphs.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"honnef.co/go/jit/bytecode"
	"honnef.co/go/jit/compiler"
	"honnef.co/go/jit/config"
	"honnef.co/go/jit/graph"
	"honnef.co/go/jit/interp"
	"honnef.co/go/jit/stamp"
	"honnef.co/go/jit/version"
)

// values is a comma-separated list of integers.
type values []int64

func (v *values) String() string {
	s := make([]string, len(*v))
	for i, x := range *v {
		s[i] = strconv.FormatInt(x, 10)
	}
	return `"` + strings.Join(s, ",") + `"`
}

func (v *values) Set(s string) error {
	*v = nil
	if s == "" {
		return nil
	}
	for _, f := range strings.Split(s, ",") {
		x, err := strconv.ParseInt(strings.TrimSpace(f), 0, 64)
		if err != nil {
			return err
		}
		*v = append(*v, x)
	}
	return nil
}

// verbosity counts how often -v was given.
type verbosity int

func (v *verbosity) String() string   { return strconv.Itoa(int(*v)) }
func (v *verbosity) IsBoolFlag() bool { return true }

func (v *verbosity) Set(s string) error {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	if b {
		*v++
	}
	return nil
}

var (
	configDir    = flag.String("config", ".", "Load jit.conf files applying to `dir`")
	methodName   = flag.String("method", "", "Only compile the method `name`")
	entryBCI     = flag.Int("entry", 0, "Enter the method at `bci`")
	entryLocals  = flag.String("locals", "", "Kinds of the local variables at the entry, one of I, J or - per slot; defaults to I for every slot")
	noCanon      = flag.Bool("no-canon", false, "Don't canonicalize graphs")
	dot          = flag.Bool("dot", false, "Print graphs in Graphviz format")
	profile      = flag.Bool("profile", false, "Interpret the method with the -run arguments first and use the profile")
	printVersion = flag.Bool("version", false, "Print version and exit")
	debugVersion = flag.Bool("debug.version", false, "Print detailed version information about this program")
	runArgs      values
	verbose      verbosity
)

func init() {
	flag.Var(&runArgs, "run", "Run the compiled method with the comma-separated `arguments`")
	flag.Var(&verbose, "v", "Log more; may be repeated")
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] file.jasm\n\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Flags:")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	switch {
	case *debugVersion:
		version.Verbose(os.Stdout)
		os.Exit(0)
	case *printVersion:
		version.Print(os.Stdout)
		os.Exit(0)
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	commonlog.Configure(int(verbose), nil)

	if err := run(flag.Arg(0)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	prog, err := bytecode.Assemble(string(src))
	if err != nil {
		return err
	}
	cfg, err := config.Load(*configDir, nil)
	if err != nil {
		return err
	}

	methods := prog.Methods
	if *methodName != "" {
		m := prog.Method(*methodName)
		if m == nil {
			return fmt.Errorf("%s: no method %s", path, *methodName)
		}
		methods = []*bytecode.Method{m}
	}

	for _, m := range methods {
		if err := compile(m, cfg); err != nil {
			return err
		}
	}
	return nil
}

func compile(m *bytecode.Method, cfg config.Config) error {
	opts := compiler.Options{NoCanon: *noCanon}
	if *entryBCI > 0 {
		entry, err := parseLocals(*entryLocals, m.MaxLocals)
		if err != nil {
			return err
		}
		opts.Build.EntryBCI = *entryBCI
		opts.Build.Entry = entry
	}
	if *profile && len(m.Code) > 0 {
		env := interp.NewEnv()
		env.Profile = bytecode.NewProfile()
		if _, err := interp.RunMethod(m, runArgs, env); err != nil {
			return fmt.Errorf("profiling %s: %w", m, err)
		}
		opts.Build.Profile = env.Profile
	}

	res, err := compiler.Compile(m, cfg, opts)
	if err != nil {
		return err
	}
	if res.Bailout != nil {
		fmt.Printf("# %s%s: %s\n", m.Name, m.Signature(), res.Bailout.Reason)
	} else {
		fmt.Printf("# %s%s: %d nodes, %d after canonicalization (%s)\n",
			m.Name, m.Signature(), res.Built, res.Graph.NodeCount(), res.Stats)
		if *dot {
			err = graph.Dot(os.Stdout, res.Graph)
		} else {
			err = graph.Fprint(os.Stdout, res.Graph)
		}
		if err != nil {
			return err
		}
	}

	if runArgs == nil {
		return nil
	}
	out, err := res.Run(runArgs, interp.NewEnv())
	switch {
	case errors.Is(err, interp.ErrDeoptimized):
		fmt.Printf("# %s\n", err)
	case err != nil:
		return fmt.Errorf("running %s: %w", m, err)
	default:
		fmt.Printf("# result: %s\n", out)
	}
	return nil
}

func parseLocals(s string, n int) ([]stamp.Stamp, error) {
	if s == "" {
		s = strings.Repeat("I", n)
	}
	if len(s) != n {
		return nil, fmt.Errorf("-locals describes %d locals, the method has %d", len(s), n)
	}
	entry := make([]stamp.Stamp, n)
	for i, c := range s {
		switch c {
		case 'I':
			entry[i] = stamp.Unrestricted(32)
		case 'J':
			entry[i] = stamp.Unrestricted(64)
		case '-':
			entry[i] = stamp.Void()
		default:
			return nil, fmt.Errorf("-locals: invalid kind %q", c)
		}
	}
	return entry, nil
}
