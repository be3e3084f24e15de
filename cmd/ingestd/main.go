// Command ingestd is the single binary: `serve` runs the pipeline and its
// HTTP control surface in this process; `status`, `publish-retry`, and
// `queue reset` are thin controlclient calls against an already-running
// `serve` process. Subcommand dispatch uses stdlib flag.NewFlagSet, not a
// CLI framework (see DESIGN.md), matching the teacher's own cmd/*/main.go
// style of flag.Var/flag.BoolVar plus explicit os.Exit codes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dsa110/contimg-ingestd/internal/app"
	"github.com/dsa110/contimg-ingestd/internal/controlclient"
)

const (
	exitOK = iota
	exitGenericError
	exitUsageError
	exitRemoteUnreachable
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsageError
	}

	switch args[0] {
	case "serve":
		return cmdServe(args[1:])
	case "status":
		return cmdStatus(args[1:])
	case "publish-retry":
		return cmdPublishRetry(args[1:])
	case "queue":
		return cmdQueue(args[1:])
	default:
		usage()
		return exitUsageError
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ingestd <serve|status|publish-retry|queue> [flags]")
}

func cmdServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config.yaml")
	addr := fs.String("addr", "", "override http_addr from config")
	if err := fs.Parse(args); err != nil {
		return exitUsageError
	}

	a, err := app.New(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init app: %v\n", err)
		return exitGenericError
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "start app: %v\n", err)
		return exitGenericError
	}

	httpAddr := *addr
	if httpAddr == "" {
		httpAddr = a.Loader.Current().HTTPAddr
	}
	errc := make(chan error, 1)
	go func() { errc <- a.Run(httpAddr) }()

	select {
	case <-ctx.Done():
		return exitOK
	case err := <-errc:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server exited: %v\n", err)
			return exitGenericError
		}
		return exitOK
	}
}

func cmdStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	addr := fs.String("addr", "http://127.0.0.1:8080", "control plane base URL")
	if err := fs.Parse(args); err != nil {
		return exitUsageError
	}

	cl := controlclient.New(*addr)
	st, err := cl.Status(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		if _, ok := err.(*controlclient.RemoteError); ok {
			return exitGenericError
		}
		return exitRemoteUnreachable
	}
	fmt.Printf("collecting=%d pending=%d in_progress=%d completed=%d failed=%d\n",
		st.Groups.Collecting, st.Groups.Pending, st.Groups.InProgress, st.Groups.Completed, st.Groups.Failed)
	return exitOK
}

func cmdPublishRetry(args []string) int {
	fs := flag.NewFlagSet("publish-retry", flag.ContinueOnError)
	addr := fs.String("addr", "http://127.0.0.1:8080", "control plane base URL")
	if err := fs.Parse(args); err != nil {
		return exitUsageError
	}
	if fs.NArg() != 1 {
		usage()
		return exitUsageError
	}
	dataID := fs.Arg(0)

	cl := controlclient.New(*addr)
	if err := cl.PublishRetry(context.Background(), dataID); err != nil {
		fmt.Fprintf(os.Stderr, "publish-retry: %v\n", err)
		if _, ok := err.(*controlclient.RemoteError); ok {
			return exitGenericError
		}
		return exitRemoteUnreachable
	}
	fmt.Printf("retried publish for %s\n", dataID)
	return exitOK
}

func cmdQueue(args []string) int {
	if len(args) < 1 || args[0] != "reset" {
		fmt.Fprintln(os.Stderr, "usage: ingestd queue reset <group_id>")
		return exitUsageError
	}
	fs := flag.NewFlagSet("queue reset", flag.ContinueOnError)
	addr := fs.String("addr", "http://127.0.0.1:8080", "control plane base URL")
	if err := fs.Parse(args[1:]); err != nil {
		return exitUsageError
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: ingestd queue reset <group_id>")
		return exitUsageError
	}
	groupID := fs.Arg(0)

	cl := controlclient.New(*addr)
	if err := cl.ResetGroup(context.Background(), groupID); err != nil {
		fmt.Fprintf(os.Stderr, "queue reset: %v\n", err)
		if _, ok := err.(*controlclient.RemoteError); ok {
			return exitGenericError
		}
		return exitRemoteUnreachable
	}
	fmt.Printf("group %s reset to pending\n", groupID)
	return exitOK
}
