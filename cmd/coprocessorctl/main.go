package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/evm-coprocessor/internal/adminapi"
)

const usage = `usage: coprocessorctl [flags] <command> [args]

commands:
  set-contract <address>   set the watched contract (takes effect next cycle)
  address                  print the derived signing address
  state                    print network, contract, cursor and nonce
  sync                     run a sync cycle now and print its result

flags:
  --admin-url        admin API base url (default http://127.0.0.1:8080)
  --admin-token-env  env var holding the admin bearer token (default COPROCESSOR_ADMIN_TOKEN)
  --timeout          request timeout (default 30s; sync waits up to 6m)
`

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("coprocessorctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	adminURL := fs.String("admin-url", "http://127.0.0.1:8080", "admin API base url")
	tokenEnv := fs.String("admin-token-env", "COPROCESSOR_ADMIN_TOKEN", "env var holding the admin bearer token")
	timeout := fs.Duration("timeout", 30*time.Second, "request timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			_, _ = io.WriteString(stdout, usage)
			return nil
		}
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("missing command\n%s", usage)
	}
	if *timeout <= 0 {
		return fmt.Errorf("--timeout must be > 0")
	}

	client, err := adminapi.NewClient(*adminURL, strings.TrimSpace(os.Getenv(*tokenEnv)))
	if err != nil {
		return err
	}

	cmd, cmdArgs := rest[0], rest[1:]
	reqTimeout := *timeout
	if cmd == "sync" && reqTimeout < 6*time.Minute {
		reqTimeout = 6 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, reqTimeout)
	defer cancel()

	switch cmd {
	case "set-contract":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("set-contract takes exactly one address")
		}
		if !common.IsHexAddress(cmdArgs[0]) {
			return fmt.Errorf("invalid address %q", cmdArgs[0])
		}
		addr, err := client.SetContract(ctx, cmdArgs[0])
		if err != nil {
			return err
		}
		return writeJSON(stdout, adminapi.ContractRequest{Address: addr})
	case "address":
		addr, err := client.Address(ctx)
		if errors.Is(err, adminapi.ErrNotInitialized) {
			return fmt.Errorf("signing key not initialized yet")
		}
		if err != nil {
			return err
		}
		return writeJSON(stdout, adminapi.AddressResponse{Address: addr})
	case "state":
		st, err := client.State(ctx)
		if err != nil {
			return err
		}
		return writeJSON(stdout, st)
	case "sync":
		res, err := client.Sync(ctx)
		if err != nil {
			return err
		}
		return writeJSON(stdout, res)
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
