// xlan relays system-link traffic between consoles across the Internet.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/SnowyMouse/xlan/internal/capture"
	"github.com/SnowyMouse/xlan/internal/config"
	"github.com/SnowyMouse/xlan/internal/discovery"
	"github.com/SnowyMouse/xlan/internal/events"
	"github.com/SnowyMouse/xlan/internal/logging"
	"github.com/SnowyMouse/xlan/internal/relay"
	"github.com/SnowyMouse/xlan/internal/socket"
	"github.com/SnowyMouse/xlan/internal/systemlink"
)

// Version is set at build time via -ldflags.
var Version = "dev"

const defaultLogLevel = "info"

// loopIdle is how long the main loop sleeps when a tick moved no data.
const loopIdle = time.Millisecond

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "host":
		runHost(args)
	case "connect":
		runConnect(args)
	case "interfaces":
		runInterfaces()
	case "version", "--version", "-v":
		fmt.Printf("xlan %s (%s/%s)\n", Version, runtime.GOOS, runtime.GOARCH)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`xlan - system-link relay

Usage:
  xlan <command> [flags]

Commands:
  host        Host a session and accept peers
  connect     Connect to a hosted session
  interfaces  List available network interfaces
  version     Print version information

Flags for host:
  --tcp-port        Control-channel port (default: 20000)
  --udp-port        Data-channel port, 0 to relay over TCP only (default: 20001)
  --name            Server name
  --password        Session password (empty = open)

Flags for connect:
  --address         Host's IP:port (required)
  --name            Name to use in the session
  --password        Session password

Flags for both:
  --interface       Network interface with the console (omit to relay only)
  --console-mac     Console MAC address (auto-detected if omitted)
  --log             Log level: error|warn|info|debug|trace (default: info)
  --events-output   Write JSON Line events to: stdout, stderr, or a file path

Examples:
  # Host an open session (port forward TCP 20000 and UDP 20001)
  xlan host --name "my lan" --interface "eth0"

  # Join it
  xlan connect --address 203.0.113.50:20000 --name alice --interface "eth0"

  # Dedicated relay with no local console
  xlan host --password hunter2
`)
}

func runInterfaces() {
	if err := capture.CheckNpcapInstalled(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n%s\n", err, capture.NpcapInstallHelp())
		os.Exit(1)
	}

	interfaces, err := capture.ListInterfaces()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing interfaces: %v\n", err)
		os.Exit(1)
	}

	if len(interfaces) == 0 {
		fmt.Println("No network interfaces found.")
		fmt.Println()
		fmt.Println(capture.NpcapInstallHelp())
		os.Exit(1)
	}

	fmt.Print(capture.FormatInterfaceList(interfaces))
}

// sessionFlags are the flags shared by host and connect.
type sessionFlags struct {
	iface        string
	consoleMAC   string
	name         string
	password     string
	logLevel     string
	eventsOutput string
}

func addSessionFlags(fs *flag.FlagSet) *sessionFlags {
	var sf sessionFlags
	fs.StringVar(&sf.iface, "interface", "", "Network interface with the console (omit to relay only)")
	fs.StringVar(&sf.consoleMAC, "console-mac", "", "Console MAC address (auto-detected if omitted)")
	fs.StringVar(&sf.name, "name", "", "Name to use")
	fs.StringVar(&sf.password, "password", "", "Session password")
	fs.StringVar(&sf.logLevel, "log", defaultLogLevel, "Log level: error|warn|info|debug|trace")
	fs.StringVar(&sf.eventsOutput, "events-output", "", "Write JSON Line events to: stdout, stderr, or a file path")
	return &sf
}

func runHost(args []string) {
	fs := flag.NewFlagSet("host", flag.ExitOnError)
	tcpPort := fs.Uint("tcp-port", config.DefaultTCPPort, "Control-channel port")
	udpPort := fs.Uint("udp-port", config.DefaultUDPPort, "Data-channel port (0 = TCP only)")
	sf := addSessionFlags(fs)
	fs.Parse(args)

	if *tcpPort == 0 || *tcpPort > 65535 || *udpPort > 65535 {
		fmt.Fprintln(os.Stderr, "Error: ports must be between 1 and 65535")
		os.Exit(1)
	}

	run(sf, func(srv *relay.Server) error {
		tcpBind, _ := socket.Resolve("", uint16(*tcpPort))
		var udpBind *socket.Address
		if *udpPort != 0 {
			addr, _ := socket.Resolve("", uint16(*udpPort))
			udpBind = &addr
		}
		return srv.Host(tcpBind, udpBind)
	})
}

func runConnect(args []string) {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	address := fs.String("address", "", "Host address in IP:port format (required)")
	sf := addSessionFlags(fs)
	fs.Parse(args)

	if *address == "" {
		fmt.Fprintln(os.Stderr, "Error: --address is required")
		os.Exit(1)
	}
	if !strings.Contains(*address, ":") {
		fmt.Fprintln(os.Stderr, "Error: --address must be in IP:port format (e.g., 203.0.113.50:20000)")
		os.Exit(1)
	}

	run(sf, func(srv *relay.Server) error {
		host, err := socket.ResolveHostPort(*address)
		if err != nil {
			return err
		}
		return srv.Connect(host, nil, nil, sf.name, sf.password)
	})
}

// run builds the logger, emitter, capture and relay, then drives the
// cooperative loop until a signal arrives.
func run(sf *sessionFlags, start func(*relay.Server) error) {
	level, err := logging.ParseLevel(sf.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(level)

	emitter, err := createEmitter(sf.eventsOutput)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating event emitter: %v\n", err)
		os.Exit(1)
	}
	defer emitter.Close()

	logger.Info("xlan %s starting", Version)

	cfg, err := config.Load()
	if err != nil {
		logger.Warn("Failed to load config: %v", err)
		cfg = &config.Config{}
	}

	if sf.password == "" && cfg.Password != "" {
		sf.password = cfg.Password
	}
	if sf.password == "" {
		logger.Warn("Session has no password; anyone who finds the port can join")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal %v, shutting down...", sig)
		cancel()
	}()

	cap := openCapture(ctx, sf, cfg, logger, emitter)
	if cap != nil {
		defer cap.Close()
	}

	srv, err := relay.NewServer(relay.Config{
		Name:     sf.name,
		Password: sf.password,
		Logger:   logger,
		Emitter:  emitter,
		Callbacks: relay.Callbacks{
			Message: func(sender *relay.Peer, text string, allow *bool) {
				name := "server"
				if sender != nil {
					name = sender.Name()
				}
				logger.Chat(name, text)
			},
			SystemLink: func(pkt *systemlink.Packet, allow *bool) {
				if cap == nil {
					return
				}
				// Inject everything addressed to (or broadcast past) the
				// local console. On a host the callback also sees frames
				// captured from our own console; those are skipped.
				if pkt.SourceMAC() == cap.ConsoleMAC() {
					return
				}
				if !pkt.DestinationMAC().CanSendTo(cap.ConsoleMAC()) {
					return
				}
				if err := cap.WritePacket(pkt); err != nil {
					logger.Warn("Injection failed: %v", err)
				}
			},
			Disconnection: func(p *relay.Peer, reason string) {
				logger.Info("%s left: %s", p.Name(), reason)
			},
			Error: func(err error) {
				logger.Warn("%v", err)
			},
		},
	})
	if err != nil {
		logger.Error("Failed to create relay: %v", err)
		os.Exit(1)
	}
	defer srv.Close()

	if err := start(srv); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}

	for ctx.Err() == nil {
		if err := srv.Loop(); err != nil {
			logger.Error("Session ended: %v", err)
			break
		}
		moved := false
		if cap != nil {
			for {
				pkt, err := cap.ReadPacket()
				if err != nil {
					logger.Warn("Capture error: %v", err)
					break
				}
				if pkt == nil {
					break
				}
				moved = true
				if err := srv.SendSystemLinkPacket(pkt); err != nil {
					logger.Debug("Failed to relay captured frame: %v", err)
				}
			}
		}
		if !moved {
			time.Sleep(loopIdle)
		}
	}

	stats := srv.Stats()
	logger.Info("Forwarded %d frames (%d bytes), rejected %d",
		stats.FramesForwarded, stats.BytesForwarded, stats.FramesRejected)
}

// openCapture resolves the console MAC (flag, saved config, or passive
// discovery) and opens the pcap handle. Returns nil in relay-only mode.
func openCapture(ctx context.Context, sf *sessionFlags, cfg *config.Config, logger *logging.Logger, emitter events.Emitter) *capture.Capture {
	if sf.iface == "" {
		logger.Info("No --interface given, relaying without a local console")
		return nil
	}

	var mac systemlink.MACAddress
	switch {
	case sf.consoleMAC != "":
		m, err := systemlink.ParseMAC(sf.consoleMAC)
		if err != nil {
			logger.Error("Invalid console MAC address: %v", err)
			os.Exit(1)
		}
		mac = m
		logger.Info("Using console MAC from --console-mac: %s", mac)

	case cfg.GetConsoleMAC() != nil:
		m, err := systemlink.MACFromHardwareAddr(cfg.GetConsoleMAC())
		if err == nil {
			mac = m
			logger.Info("Using saved console MAC from config: %s", mac)
			break
		}
		fallthrough

	default:
		logger.Info("Listening for system-link traffic to find the console...")
		logger.Info("Start a system-link game to detect it automatically")
		result, err := discovery.Discover(ctx, discovery.Config{Interface: sf.iface, Logger: logger.WithPrefix("discovery")})
		if err != nil {
			if err == discovery.ErrDiscoveryCancelled {
				logger.Info("Discovery cancelled")
			} else {
				logger.Error("Discovery failed: %v", err)
			}
			os.Exit(1)
		}
		mac = result.MAC
		logger.Info("Found console: %s", mac)
		emitter.Emit(events.EventDiscovery, events.DiscoveryData{MAC: mac.String()})

		cfg.SetConsoleMAC(mac.HardwareAddr())
		if err := cfg.Save(); err != nil {
			logger.Warn("Failed to save config: %v", err)
		}
	}

	cap, err := capture.New(capture.Config{
		Interface:  sf.iface,
		ConsoleMAC: mac,
		Logger:     logger.WithPrefix("capture"),
	})
	if err != nil {
		logger.Error("Failed to open capture: %v", err)
		os.Exit(1)
	}
	return cap
}

// createEmitter creates an Emitter based on the --events-output value.
func createEmitter(output string) (events.Emitter, error) {
	switch output {
	case "":
		return events.NopEmitter{}, nil
	case "stdout":
		return events.NewJSONLineWriter(os.Stdout), nil
	case "stderr":
		return events.NewJSONLineWriter(os.Stderr), nil
	default:
		flags := os.O_WRONLY | os.O_APPEND
		if _, err := os.Stat(output); os.IsNotExist(err) {
			flags |= os.O_CREATE
		}
		f, err := os.OpenFile(output, flags, 0644)
		if err != nil {
			return nil, fmt.Errorf("open events output %q: %w", output, err)
		}
		return events.NewJSONLineWriter(f), nil
	}
}
