package cli

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/lsm/mixbridge/internal/config"
	"github.com/lsm/mixbridge/internal/connector"
	"github.com/lsm/mixbridge/internal/mixpanel"
)

const dialTimeout = 3 * time.Second

// RunDoctor checks that a connector definition can run in this environment.
func RunDoctor(args []string) error {
	if len(args) > 0 && (args[0] == "-h" || args[0] == "--help") {
		fmt.Println(`Usage: mixbridge doctor [path]

Checks environment health for the connector definition:
  - Definition file loads and validates
  - Kafka brokers are reachable
  - Export endpoint is reachable
  - Metrics port is available`)
		return nil
	}

	path := definitionPath(args)
	fmt.Println("mixbridge doctor")
	fmt.Println()

	criticalFailures := 0

	def, err := config.NewLoader(path, nil).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "  ✗ Definition not loaded: %v\n", err)
		fmt.Fprintf(os.Stderr, "    Hint: set MIXBRIDGE_CONFIG or pass the path\n")
		return fmt.Errorf("doctor found 1 issue(s)")
	}

	cfg, verr := def.Validate()
	if verr != nil {
		fmt.Fprintf(os.Stderr, "  ✗ Definition invalid\n")
		fmt.Fprintf(os.Stderr, "    Hint: run 'mixbridge validate %s' for details\n", path)
		criticalFailures++
	} else {
		fmt.Printf("  ✓ Definition valid (%s)\n", def.Name)
	}

	for _, broker := range def.Kafka.Brokers {
		if err := checkReachable(broker); err != nil {
			fmt.Fprintf(os.Stderr, "  ✗ Broker %s unreachable: %v\n", broker, err)
			criticalFailures++
		} else {
			fmt.Printf("  ✓ Broker %s reachable\n", broker)
		}
	}

	if verr == nil {
		addr, aerr := endpointAddr(cfg)
		if aerr == nil {
			aerr = checkReachable(addr)
		}
		if aerr != nil {
			fmt.Fprintf(os.Stderr, "  ✗ Export endpoint unreachable: %v\n", aerr)
			criticalFailures++
		} else {
			fmt.Printf("  ✓ Export endpoint reachable (%s)\n", addr)
		}
	}

	// informational only
	if warning := checkPortAvailability(config.MetricsAddrFromEnv()); warning != "" {
		fmt.Printf("  ⚠ %s\n", warning)
	} else {
		fmt.Printf("  ✓ Metrics address %s available\n", config.MetricsAddrFromEnv())
	}

	fmt.Println()
	if criticalFailures > 0 {
		return fmt.Errorf("doctor found %d issue(s)", criticalFailures)
	}
	fmt.Println("All checks passed.")
	return nil
}

// endpointAddr returns host:port of the export endpoint.
func endpointAddr(cfg connector.TaskConfig) (string, error) {
	raw := cfg.Endpoint
	if raw == "" {
		raw = mixpanel.DefaultEndpoint
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

func checkReachable(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// checkPortAvailability returns a warning when addr cannot be bound.
func checkPortAvailability(addr string) string {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Sprintf("Metrics address %s is in use", addr)
	}
	_ = listener.Close()
	return ""
}
