package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meshdb/meshkv"
	"github.com/meshdb/meshkv/internal/metrics"
)

func runNode(cmd *cobra.Command, args []string) error {
	nodeID := args[0]
	port, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", args[1], err)
	}

	var seeds []string
	if len(args) == 4 {
		bootstrapPort, err := strconv.Atoi(args[3])
		if err != nil {
			return fmt.Errorf("invalid bootstrap port %q: %w", args[3], err)
		}
		seeds = append(seeds, net.JoinHostPort(args[2], strconv.Itoa(bootstrapPort)))
	}

	lanDiscovery, _ := cmd.Flags().GetBool("lan-discovery")
	logLevel, _ := cmd.Flags().GetString("log-level")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	node, err := meshkv.New(
		meshkv.WithNodeID(nodeID),
		meshkv.WithBindAddr(net.JoinHostPort("0.0.0.0", strconv.Itoa(port))),
		meshkv.WithSeeds(seeds),
		meshkv.WithLANDiscovery(lanDiscovery),
		meshkv.WithLogLevel(logLevel),
	)
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer node.Stop()

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				fmt.Fprintf(os.Stderr, "metrics server on %s: %v\n", metricsAddr, err)
			}
		}()
		fmt.Printf("serving metrics on %s/metrics\n", metricsAddr)
	}

	fmt.Printf("meshkv node %q listening on port %d\n", nodeID, port)
	fmt.Println("commands: set <key> <value> | get <key> | delete <key> | list | status | quit")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go repl(node, done)

	select {
	case <-sig:
		fmt.Println("\nshutting down...")
	case <-done:
	}
	return nil
}

func repl(node *meshkv.MeshNode, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(os.Stdin)
	ctx := context.Background()

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 3)

		switch fields[0] {
		case "set":
			if len(fields) != 3 {
				fmt.Println("usage: set <key> <value>")
				continue
			}
			if err := node.Set(ctx, fields[1], fields[2]); err != nil {
				fmt.Println("error:", err)
			}
		case "get":
			if len(fields) != 2 {
				fmt.Println("usage: get <key>")
				continue
			}
			value, err := node.Get(ctx, fields[1])
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println(string(value))
		case "delete":
			if len(fields) != 2 {
				fmt.Println("usage: delete <key>")
				continue
			}
			if err := node.Delete(ctx, fields[1]); err != nil {
				fmt.Println("error:", err)
			}
		case "list":
			keys, err := node.List(ctx)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			for _, k := range keys {
				fmt.Println(k)
			}
		case "status":
			status := node.Status()
			out, err := json.MarshalIndent(status, "", "  ")
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println(string(out))
		case "quit", "exit":
			return
		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
}
