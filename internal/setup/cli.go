package setup

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
)

// CLI runs the setup subcommands of the MCP server binary.
type CLI struct {
	out io.Writer
}

// NewCLI creates a setup CLI writing to out.
func NewCLI(out io.Writer) *CLI {
	return &CLI{out: out}
}

// Run executes one of register, status or help.
func (c *CLI) Run(args []string) error {
	if len(args) == 0 {
		c.showHelp()
		return nil
	}

	switch args[0] {
	case "register":
		return c.register(args[1:])
	case "status":
		return c.status(args[1:])
	case "help", "--help", "-h":
		c.showHelp()
		return nil
	default:
		fmt.Fprintf(c.out, "Unknown command: %s\n\n", args[0])
		c.showHelp()
		return fmt.Errorf("unknown setup command %q", args[0])
	}
}

func (c *CLI) showHelp() {
	fmt.Fprint(c.out, `IRT Reconciliation MCP Server Setup

Usage:
  mcp-server setup <command> [options]

Commands:
  register   Add this server to the desktop MCP client config
  status     Show the current registration and data files

Options:
  --config     Client config file (defaults to the desktop client's location)
  --binary     Server binary path (defaults to this executable)
  --data-dir   Data directory passed as IRT_DATA_DIR
  --referrals  Referral CSV passed as IRT_REFERRALS_FILE
`)
}

func (c *CLI) register(args []string) error {
	fs := pflag.NewFlagSet("register", pflag.ContinueOnError)
	fs.SetOutput(c.out)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "client config file")
	fs.StringVar(&opts.BinaryPath, "binary", "", "server binary path")
	fs.StringVar(&opts.DataDir, "data-dir", "", "data directory")
	fs.StringVar(&opts.ReferralsFile, "referrals", "", "referral CSV file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if opts.BinaryPath == "" {
		if exe, err := os.Executable(); err == nil {
			opts.BinaryPath = exe
		}
	}

	path, err := Register(opts)
	if err != nil {
		return fmt.Errorf("failed to register server: %w", err)
	}

	fmt.Fprintf(c.out, "Registered %s in %s\n", ServerName, path)
	fmt.Fprintf(c.out, "Server binary: %s\n", opts.BinaryPath)
	fmt.Fprintln(c.out, "Restart the MCP client to load the new configuration.")
	return nil
}

func (c *CLI) status(args []string) error {
	fs := pflag.NewFlagSet("status", pflag.ContinueOnError)
	fs.SetOutput(c.out)
	configPath := fs.String("config", "", "client config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	status, err := GetStatus(*configPath)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "Client config: %s\n", status.ConfigPath)
	if status.Registered {
		fmt.Fprintf(c.out, "Registered:    yes (%s)\n", status.BinaryPath)
	} else {
		fmt.Fprintln(c.out, "Registered:    no")
	}
	fmt.Fprintf(c.out, "Data dir:      %s\n", status.DataDir)
	fmt.Fprintf(c.out, "Referrals:     %s\n", status.ReferralsFile)
	for _, issue := range status.Issues {
		fmt.Fprintf(c.out, "  ! %s\n", issue)
	}
	return nil
}
