package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/coffeecupcoding/tprt/mlog"
	tprt "github.com/coffeecupcoding/tprt/tprt-"
)

var version = "v0.9.3"

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"check", cmdCheck},
	{"whitelist import", cmdWhitelistImport},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"loglevels", cmdLoglevels},
	{"version", cmdVersion},
	{"help", cmdHelp},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	params string // Arguments to command. Multiple lines possible.
	help   string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args   []string

	log *mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we just run the command but cause
	// this panic after the command has registered its flags and set its params
	// and help information. This is then caught and that info printed.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("tprt "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "tprt " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their
help text. If a single command matches, its usage and full help text is
printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		for i := range pre {
			if pre[i] != l[i] {
				return false
			}
		}
		return true
	}

	var partial []cmd
	for _, c := range cmds {
		if len(c.words) == len(args) && prefix(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		line := "tprt " + strings.Join(c.words, " ")
		fmt.Printf("%s\n", line)
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func cmdVersion(c *cmd) {
	c.help = "Prints the version of this tprt."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(version)
}

func cmdLoglevels(c *cmd) {
	c.help = "Print the configured log levels."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()
	for pkg, level := range tprt.Conf.Log {
		if pkg == "" {
			pkg = "(default)"
		}
		fmt.Printf("%s: %s\n", pkg, mlog.LevelStrings[level])
	}
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors
encountered are printed.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	errs := tprt.LoadConfig()
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.help = "Prints an annotated empty configuration file, with defaults filled in."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	err := tprt.WriteExampleConfig(os.Stdout)
	c.log.Check(err, "writing example config")
}

func usage(l []cmd) {
	var lines []string
	lines = append(lines, "tprt [-config /usr/local/etc/tprt/tprt.conf] [-loglevel level] ...")
	for _, c := range l {
		c.gather()
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"tprt"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var loglevel string // Empty is interpreted as info until the config is loaded.

// Subcommands that are not "serve" use this to load the config. It restores
// any loglevel specified on the command-line, instead of using the loglevel
// from the config file.
func mustLoadConfig() {
	tprt.MustLoadConfig()
	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		tprt.Conf.Log[""] = level
		mlog.SetConfig(tprt.Conf.Log)
	} else {
		xlog.Fatal("unknown loglevel", mlog.Field("loglevel", loglevel))
	}
}

var xlog = mlog.New("main")

func main() {
	flag.StringVar(&tprt.ConfigPath, "config", envString("TPRTCONF", tprt.ConfigPath), "configuration file, defaults to $TPRTCONF with a fallback to /usr/local/etc/tprt/tprt.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")

	flag.Usage = func() { usage(cmds) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds)
	}

	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		mlog.SetConfig(map[string]mlog.Level{"": level})
		// note: SetConfig is called again when a subcommand loads the config.
	} else {
		xlog.Fatal("unknown loglevel", mlog.Field("loglevel", loglevel))
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("tprt "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(c.words[0])
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial)
	}
	usage(cmds)
}
