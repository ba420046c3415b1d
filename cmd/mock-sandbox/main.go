// Package main implements a mock sandbox shim speaking the control plane's
// sandbox protocol: port announcement on stdout, the lifecycle HTTP surface,
// and a scripted adapter event stream over /events. Used for development and
// e2e tests without a real provider.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"

	v1 "github.com/projecttab/backend/pkg/api/v1"
)

func main() {
	scenario := flag.String("scenario", "success", "scripted run: success, decision, crash, max-turns")
	replay := flag.String("replay", "", "replay a provider CLI stream-json file instead of a scenario")
	flag.Parse()

	var bootstrap v1.Bootstrap
	if raw := os.Getenv("AGENT_BOOTSTRAP"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &bootstrap); err != nil {
			fmt.Fprintf(os.Stderr, "mock-sandbox: bad AGENT_BOOTSTRAP: %v\n", err)
			os.Exit(1)
		}
	}
	if bootstrap.AgentID == "" {
		bootstrap.AgentID = fmt.Sprintf("mock-agent-%d", os.Getpid())
	}

	port := 0
	if raw := os.Getenv("AGENT_PORT"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mock-sandbox: bad AGENT_PORT %q\n", raw)
			os.Exit(1)
		}
		port = p
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-sandbox: listen: %v\n", err)
		os.Exit(1)
	}

	srv := newServer(bootstrap, *scenario, *replay)

	// First stdout line is the port announcement; the supervisor waits on it.
	actual := listener.Addr().(*net.TCPAddr).Port
	fmt.Printf("{\"port\":%d}\n", actual)
	fmt.Printf("mock-sandbox listening agent=%s scenario=%s\n", bootstrap.AgentID, *scenario)

	if err := http.Serve(listener, srv.routes()); err != nil {
		fmt.Fprintf(os.Stderr, "mock-sandbox: serve: %v\n", err)
		os.Exit(1)
	}
}
