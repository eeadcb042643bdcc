// Command dfsctl is a minimal interactive client: it joins the DHT as a
// throwaway, unreplicated participant seeded with a single known peer, and
// exposes the Public API (put/get/delete/list) as shell commands over
// stdin (SPEC_FULL.md §6).
//
// It reads lines with bufio.Scanner rather than a readline/line-editing
// library — none is present anywhere in the dependency graph this project
// grew out of, so stdlib is the grounded choice here.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kadefs/kadefs/internal/api"
	"github.com/kadefs/kadefs/internal/identifier"
	"github.com/kadefs/kadefs/internal/logging"
	"github.com/kadefs/kadefs/internal/metrics"
	"github.com/kadefs/kadefs/internal/node"
	"github.com/kadefs/kadefs/internal/replication"
	"github.com/kadefs/kadefs/internal/routing"
	"github.com/kadefs/kadefs/internal/rpc"
	"github.com/kadefs/kadefs/internal/store"
)

const dialTimeout = 10 * time.Second

func main() {
	peerAddr := flag.String("peer", "", "host:port of a node already in the DHT")
	logLevel := flag.String("log-level", "WARNING", "log level: DEBUG, INFO, WARNING, ERROR")
	ksize := flag.Int("ksize", routing.DefaultKSize, "replication factor / bucket size (spec default 2)")
	alpha := flag.Int("alpha", 3, "crawl concurrency factor")
	flag.Parse()

	if *peerAddr == "" {
		fmt.Fprintln(os.Stderr, "dfsctl: -peer host:port is required")
		os.Exit(1)
	}
	host, port, err := splitHostPort(*peerAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dfsctl:", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.ParseLevel(*logLevel), "dfsctl")
	if err != nil {
		fmt.Fprintln(os.Stderr, "dfsctl: logger init failed:", err)
		os.Exit(1)
	}

	n, self, bootstrapID, err := join(host, port, *ksize, *alpha, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dfsctl: join failed:", err)
		os.Exit(1)
	}
	fmt.Printf("joined as %s, bootstrapped via %s\n", self.ID.ShortID(), bootstrapID.ShortID())

	runShell(n)
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, found := strings.Cut(addr, ":")
	if !found {
		return "", 0, fmt.Errorf("expected host:port, got %q", addr)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	return host, port, nil
}

// join builds a throwaway node identity, dials the given bootstrap peer to
// learn its real id, and wires a full api.Node against it so the shell can
// drive put/get/delete/list.
func join(bootstrapHost string, bootstrapPort, ksize, alpha int, logger *zap.Logger) (*api.Node, node.Descriptor, node.Descriptor, error) {
	selfID := identifier.Digest([]byte(fmt.Sprintf("dfsctl-%d", time.Now().UnixNano())))

	h, err := libp2p.New()
	if err != nil {
		return nil, node.Descriptor{}, node.Descriptor{}, fmt.Errorf("libp2p host: %w", err)
	}

	self := node.New(selfID, "127.0.0.1", 0)
	table := routing.New(self.ID, ksize)
	client := rpc.NewClient(h, self, table, nil, logger)

	bootstrap := node.New(identifier.ID{}, bootstrapHost, bootstrapPort)
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	resp, err := client.Call(ctx, bootstrap, &rpc.Message{Method: rpc.MethodPing})
	if err != nil {
		return nil, node.Descriptor{}, node.Descriptor{}, fmt.Errorf("ping %s: %w", bootstrap.Addr(), err)
	}
	bootstrap = node.New(resp.TargetID, bootstrapHost, bootstrapPort)

	table.AddNode(bootstrap, func(node.Descriptor) bool { return true })

	dataDir, err := os.MkdirTemp("", "dfsctl-store-*")
	if err != nil {
		return nil, node.Descriptor{}, node.Descriptor{}, fmt.Errorf("temp store dir: %w", err)
	}
	st, err := store.Open(dataDir, logger)
	if err != nil {
		return nil, node.Descriptor{}, node.Descriptor{}, fmt.Errorf("open local store: %w", err)
	}

	limiter := rate.NewLimiter(rate.Limit(20), 40)
	m := metrics.New()
	repl := replication.New(self, st, table, client, replication.Config{KSize: ksize, Alpha: alpha}, m, limiter, logger)

	return api.New(self, st, table, client, repl, api.Config{KSize: ksize, Alpha: alpha}, m, limiter, logger), self, bootstrap, nil
}

func runShell(n *api.Node) {
	fmt.Println("dfsctl ready. Commands: put <name> <text>, get <name>, delete <name>, list, help, exit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("dfsctl> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		cmd := fields[0]

		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		switch cmd {
		case "help":
			fmt.Println("put <name> <text> | get <name> | delete <name> | list | help | exit")
		case "exit", "quit":
			cancel()
			return
		case "put":
			if len(fields) < 3 {
				fmt.Println("usage: put <name> <text>")
				break
			}
			ok, err := n.Put(ctx, fields[1], []byte(fields[2]))
			printResult(ok, err)
		case "get":
			if len(fields) < 2 {
				fmt.Println("usage: get <name>")
				break
			}
			data, found, err := n.Get(ctx, fields[1])
			if err != nil {
				fmt.Println("error:", err)
			} else if !found {
				fmt.Println("not found")
			} else {
				fmt.Println(string(data))
			}
		case "delete":
			if len(fields) < 2 {
				fmt.Println("usage: delete <name>")
				break
			}
			ok, err := n.Delete(ctx, fields[1])
			printResult(ok, err)
		case "list":
			names, err := n.List(ctx)
			if err != nil {
				fmt.Println("error:", err)
				break
			}
			for _, name := range names {
				fmt.Println(name)
			}
		default:
			fmt.Printf("unknown command %q, type help\n", cmd)
		}
		cancel()
	}
}

func printResult(ok bool, err error) {
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(ok)
}
