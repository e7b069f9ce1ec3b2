package command

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/inlogic/gateway/command/agent"
	"github.com/inlogic/gateway/logbus"
	"github.com/inlogic/gateway/version"
)

// AgentCommand runs the gateway until it receives an interrupt. SIGHUP
// triggers a soft restart (configuration reload) without dropping the
// control plane.
type AgentCommand struct {
	Meta
}

func (c *AgentCommand) Help() string {
	helpText := `
Usage: inlogic-gateway agent [options]

  Starts the gateway: one polling worker per configured device, the
  ingestion fan-out, the cognitive layer, and the HTTP control plane.

Options:

  -config=<path>
    Path to the plant configuration document. Required.

  -bind=<address>
    HTTP bind address. Defaults to 0.0.0.0.

  -port=<port>
    HTTP port. Defaults to 5000.

  -log-level=<level>
    DEBUG, INFO, WARN, or ERROR. Defaults to INFO.

  -log-dir=<path>
    Directory for pipe-delimited session log files. Defaults to "logs";
    empty disables the file.

  -data-dir=<path>
    Directory for cognitive knowledge checkpoints. Defaults to "data".

  -status-interval=<duration>
    Console status panel period. Defaults to 30s.

  -no-console
    Disables the console status panel.
`
	return strings.TrimSpace(helpText)
}

func (c *AgentCommand) Synopsis() string {
	return "Run the data acquisition gateway"
}

func (c *AgentCommand) Name() string { return "agent" }

func (c *AgentCommand) Run(args []string) int {
	config := agent.DefaultConfig()

	flags := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&config.ConfigPath, "config", "", "")
	flags.StringVar(&config.BindAddr, "bind", config.BindAddr, "")
	flags.IntVar(&config.Port, "port", config.Port, "")
	flags.StringVar(&config.LogLevel, "log-level", config.LogLevel, "")
	flags.StringVar(&config.LogDir, "log-dir", config.LogDir, "")
	flags.StringVar(&config.DataDir, "data-dir", config.DataDir, "")
	flags.DurationVar(&config.StatusInterval, "status-interval", config.StatusInterval, "")
	noConsole := flags.Bool("no-console", false, "")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	config.Console = !*noConsole

	if err := config.Validate(); err != nil {
		c.Ui.Error(fmt.Sprintf("Invalid arguments: %v", err))
		c.Ui.Error("See 'inlogic-gateway agent -h' for usage.")
		return 1
	}

	bus, err := logbus.New(config.LogRingSize, config.LogDir, os.Stdout)
	if err != nil {
		// The ring still works without the session file.
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	defer bus.Close()

	logger := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:   "inlogic",
		Level:  hclog.LevelFromString(config.LogLevel),
		Output: hclog.DefaultOutput,
	})
	logger.RegisterSink(bus.SinkAdapter())

	logger.Info("starting gateway", "version", version.GetVersion().VersionNumber())

	a, err := agent.NewAgent(config, bus, logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to start the gateway: %v", err))
		return 1
	}

	return c.handleSignals(a, logger)
}

func (c *AgentCommand) handleSignals(a *agent.Agent, logger hclog.Logger) int {
	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-signalCh
		logger.Info("caught signal", "signal", sig.String())

		if sig == syscall.SIGHUP {
			if err := a.Restart(); err != nil {
				logger.Error("restart failed", "error", err)
			}
			continue
		}

		gracefulCh := make(chan struct{})
		go func() {
			a.Shutdown()
			close(gracefulCh)
		}()

		select {
		case <-signalCh:
			// Second interrupt: exit immediately.
			return 1
		case <-time.After(30 * time.Second):
			return 1
		case <-gracefulCh:
			return 0
		}
	}
}
