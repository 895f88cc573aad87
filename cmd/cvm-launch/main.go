// Copyright (c) 2014,2015,2016 Docker, Inc.
// Copyright (c) 2017-2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	goruntime "runtime"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/kata-containers/cvm-launch/pkg/launch"
	"github.com/kata-containers/cvm-launch/pkg/launchutils"
	"github.com/kata-containers/cvm-launch/pkg/launchutils/launchtrace"
	"github.com/kata-containers/cvm-launch/pkg/rootless"
	"github.com/kata-containers/cvm-launch/pkg/sev/kbs"
	"github.com/kata-containers/cvm-launch/pkg/vmm"
)

const (
	name    = "cvm-launch"
	project = "Kata Containers confidential VM launcher"

	configFilePathOption  = "config"
	showConfigPathsOption = "show-default-config-paths"
)

// arch is the architecture for the running program
const arch = goruntime.GOARCH

var usage = fmt.Sprintf(`%s

%s boots an AMD SEV or SEV-ES guest, attests its launch measurement
and injects the guest owner's secrets before the guest runs.`, project, name)

// launchLog is the logger used to record all messages
var launchLog *logrus.Entry

// originalLoggerLevel is the default log level. It is used to revert the
// current log level back to its original value if debug output is not
// required.
var originalLoggerLevel logrus.Level

// defaultOutputFile is the default output file to write the gathered
// information to.
var defaultOutputFile io.Writer = os.Stdout

// defaultErrorFile is the default output file to write error
// messages to.
var defaultErrorFile io.Writer = os.Stderr

var launchFlags = []cli.Flag{
	cli.StringFlag{
		Name:  configFilePathOption,
		Usage: name + " config file path",
	},
	cli.StringFlag{
		Name:  "log",
		Value: "/dev/null",
		Usage: "set the log file path where internal debug information is written",
	},
	cli.StringFlag{
		Name:  "log-format",
		Value: "text",
		Usage: "set the format used by logs ('text' (default), or 'json')",
	},
	cli.StringFlag{
		Name:  "log-level",
		Usage: "override the log level (debug, info, warn, error)",
	},
	cli.StringFlag{
		Name:  "metrics-file",
		Usage: "write the launch metrics in text format to this file on exit",
	},
	cli.BoolFlag{
		Name:  "trace",
		Usage: "enable tracing regardless of the configuration file",
	},
	cli.BoolFlag{
		Name:  showConfigPathsOption,
		Usage: "show config file paths that will be checked for (in order)",
	},
}

var launchCommands = []cli.Command{
	launchCLICommand,
	launchDigestCLICommand,
	envCLICommand,
	versionCLICommand,
}

// saved default cli package values (for testing).
var savedCLIVersionPrinter = cli.VersionPrinter
var savedCLIErrWriter = cli.ErrWriter

func init() {
	launchLog = logrus.WithFields(logrus.Fields{
		"name":   name,
		"source": "cvm-launch",
		"arch":   arch,
		"pid":    os.Getpid(),
	})

	// Stay verbose until the configuration file decides the log level.
	originalLoggerLevel = launchLog.Logger.Level
	launchLog.Logger.Level = logrus.DebugLevel
}

// setExternalLoggers registers the specified logger with the packages
// which accept a logger to handle their own logging.
func setExternalLoggers(logger *logrus.Entry) {
	launch.SetLogger(logger)
	vmm.SetLogger(logger)
	kbs.SetLogger(logger)
	launchtrace.SetLogger(logger)
	launchutils.SetLogger(logger, originalLoggerLevel)
	rootless.SetLogger(logger)
}

// userWantsUsage determines if the user only wishes to see the usage
// statement.
func userWantsUsage(context *cli.Context) bool {
	if context.NArg() == 0 {
		return true
	}

	if context.NArg() == 1 && (context.Args()[0] == "help" || context.Args()[0] == "version") {
		return true
	}

	if context.NArg() >= 2 && (context.Args()[1] == "-h" || context.Args()[1] == "--help") {
		return true
	}

	return false
}

func setLogOutput(c *cli.Context) error {
	if path := c.GlobalString("log"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0640)
		if err != nil {
			return err
		}
		atexit(func() { f.Close() })
		launchLog.Logger.Out = f
	}

	switch c.GlobalString("log-format") {
	case "text":
		// retain logrus's default.
	case "json":
		launchLog.Logger.Formatter = new(logrus.JSONFormatter)
	default:
		return fmt.Errorf("unknown log-format %q", c.GlobalString("log-format"))
	}

	return nil
}

// beforeSubcommands loads the configuration and sets up logging, tracing
// and metrics before the sub-command runs.
func beforeSubcommands(c *cli.Context) error {
	handleShowConfig(c)

	if userWantsUsage(c) {
		return nil
	}

	if err := setLogOutput(c); err != nil {
		return err
	}

	var traceRootSpan string

	// Add the name of the sub-command to each log entry for easier
	// debugging.
	cmdName := c.Args().First()
	if c.App.Command(cmdName) != nil {
		launchLog = launchLog.WithField("command", cmdName)
		traceRootSpan = name + " " + cmdName
	}

	setExternalLoggers(launchLog)

	ignoreLogging := cmdName == envCmd

	configFile, config, err := launchutils.LoadConfiguration(c.GlobalString(configFilePathOption), ignoreLogging)
	if err != nil {
		return err
	}

	if config.Debug {
		launchLog.Logger.Level = logrus.DebugLevel
	}
	if level := c.GlobalString("log-level"); level != "" {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return errors.Wrap(err, "invalid log-level")
		}
		launchLog.Logger.Level = lvl
	}

	if c.GlobalBool("trace") {
		config.Trace = true
		launchtrace.SetTracing(true)
	}
	if path := c.GlobalString("metrics-file"); path != "" {
		config.MetricsFile = path
	}

	if traceRootSpan != "" {
		if err := setupTracing(c, traceRootSpan, &config.Jaeger); err != nil {
			return err
		}
	}

	if config.MetricsFile != "" {
		if err := registerMetrics(); err != nil {
			return err
		}
	}

	launchLog.WithFields(logrus.Fields{
		"version":   version,
		"commit":    commit,
		"arguments": `"` + strings.Join(c.Args(), " ") + `"`,
	}).Info()

	// make the data accessible to the sub-commands.
	c.App.Metadata["launchConfig"] = config
	c.App.Metadata["configFile"] = configFile

	return nil
}

// handleShowConfig determines if the user wishes to see the configuration
// paths. If so, it will display them and then exit.
func handleShowConfig(context *cli.Context) {
	if context.GlobalBool(showConfigPathsOption) {
		for _, file := range launchutils.GetDefaultConfigFilePaths() {
			fmt.Fprintf(defaultOutputFile, "%s\n", file)
		}

		exit(0)
	}
}

func setupTracing(context *cli.Context, rootSpanName string, jaeger *launchtrace.JaegerConfig) error {
	if err := launchtrace.CreateTracer(name, jaeger); err != nil {
		return err
	}

	ctx, err := cliContextToContext(context)
	if err != nil {
		return err
	}

	// The root span stays open until afterSubcommands.
	_, ctx = launchtrace.Trace(ctx, launchLog, rootSpanName, map[string]string{"subsystem": "cvm-launch"})

	context.App.Metadata["context"] = ctx

	return nil
}

func afterSubcommands(c *cli.Context) error {
	ctx, err := cliContextToContext(c)
	if err != nil {
		return err
	}

	launchtrace.StopTracing(ctx)

	if config, ok := c.App.Metadata["launchConfig"].(launchutils.LaunchFileConfig); ok && config.MetricsFile != "" {
		return writeMetrics(config.MetricsFile)
	}

	return nil
}

// function called when an invalid command is specified which causes the
// launcher to error.
func commandNotFound(c *cli.Context, command string) {
	err := fmt.Errorf("Invalid command %q", command)
	fatal(err)
}

// setCLIGlobals modifies various cli package global variables
func setCLIGlobals() {
	// Ensure the "--version" option and "version" command are identical.
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Fprintln(defaultOutputFile, c.App.Version)
	}

	// If the command returns an error, cli takes upon itself to print
	// the error on cli.ErrWriter and exit.
	// Use our own writer here to ensure the log gets sent to the right
	// location.
	cli.ErrWriter = &fatalWriter{cli.ErrWriter}
}

func newApp(ctx context.Context) *cli.App {
	app := cli.NewApp()

	app.Name = name
	app.Writer = defaultOutputFile
	app.Usage = usage
	app.CommandNotFound = commandNotFound
	app.Version = makeVersionString()
	app.Flags = launchFlags
	app.Commands = launchCommands
	app.Before = beforeSubcommands
	app.After = afterSubcommands
	app.EnableBashCompletion = true

	// allow sub-commands to access context
	app.Metadata = map[string]interface{}{
		"context": ctx,
	}

	return app
}

// cliContextToContext extracts the generic context from the specified
// cli context.
func cliContextToContext(c *cli.Context) (context.Context, error) {
	if c == nil {
		return nil, errors.New("need cli.Context")
	}

	// extract the main context
	ctx, ok := c.App.Metadata["context"].(context.Context)
	if !ok {
		return nil, errors.New("invalid or missing context in metadata")
	}

	return ctx, nil
}

func main() {
	ctx, cancel := setupSignalHandler(context.Background())
	defer cancel()

	defer handlePanic(ctx)

	setCLIGlobals()

	if err := newApp(ctx).Run(os.Args); err != nil {
		fatal(err)
	}
}
