// Package capture provides pcap-based capture and injection of
// system-link frames on the local interface.
package capture

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/google/gopacket/pcap"

	"github.com/SnowyMouse/xlan/internal/logging"
	"github.com/SnowyMouse/xlan/internal/systemlink"
)

// Configuration constants.
const (
	// SnapLen is the maximum number of bytes to capture per packet.
	SnapLen = 65536
	// ReadTimeout is the pcap read timeout.
	ReadTimeout = 10 * time.Millisecond
	// BufferSize is the pcap buffer size.
	BufferSize = 2 * 1024 * 1024
)

// Errors returned by capture operations.
var (
	ErrNpcapNotInstalled = errors.New("npcap not installed")
	ErrInterfaceNotFound = errors.New("interface not found")
)

// InterfaceInfo contains information about a network interface.
type InterfaceInfo struct {
	Name        string
	Description string
	Addresses   []string
}

// Capture reads the local console's system-link frames and injects frames
// received from the session. Frames are validated in both directions, so
// only traffic the relay would carry touches the wire.
type Capture struct {
	handle     *pcap.Handle
	consoleMAC systemlink.MACAddress
	ifName     string
	logger     *logging.Logger
}

// Config holds capture configuration.
type Config struct {
	Interface  string // Network interface name
	ConsoleMAC systemlink.MACAddress
	Logger     *logging.Logger
}

// CheckNpcapInstalled checks if Npcap is installed on Windows. Returns
// nil on non-Windows platforms or if Npcap is found.
func CheckNpcapInstalled() error {
	if runtime.GOOS != "windows" {
		return nil
	}
	if pcap.Version() == "" {
		return ErrNpcapNotInstalled
	}
	return nil
}

// NpcapInstallHelp returns platform-specific help for installing packet
// capture support.
func NpcapInstallHelp() string {
	switch runtime.GOOS {
	case "windows":
		return `Npcap is required for packet capture on Windows.

To install Npcap:
1. Download from https://npcap.com/
2. Run the installer
3. IMPORTANT: Check "Install Npcap in WinPcap API-compatible Mode"
4. Restart this application`

	case "darwin":
		return `Packet capture requires root privileges on macOS.

Try running with sudo:
  sudo xlan [command] [flags]`

	case "linux":
		return `Packet capture requires either root privileges or the pcap capability.

Option 1: Run with sudo:
  sudo xlan [command] [flags]

Option 2: Add pcap capability to the binary:
  sudo setcap cap_net_raw,cap_net_admin=eip /path/to/xlan

If libpcap is not installed:
  Debian/Ubuntu: sudo apt install libpcap-dev
  Fedora/RHEL:   sudo dnf install libpcap-devel
  Arch:          sudo pacman -S libpcap`

	default:
		return "Ensure libpcap is installed and you have permission to capture packets."
	}
}

// ListInterfaces returns all available network interfaces.
func ListInterfaces() ([]InterfaceInfo, error) {
	if err := CheckNpcapInstalled(); err != nil {
		return nil, fmt.Errorf("%w\n\n%s", err, NpcapInstallHelp())
	}

	devices, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w\n\n%s", err, NpcapInstallHelp())
	}

	var interfaces []InterfaceInfo
	for _, dev := range devices {
		info := InterfaceInfo{
			Name:        dev.Name,
			Description: dev.Description,
		}
		for _, addr := range dev.Addresses {
			if addr.IP != nil {
				info.Addresses = append(info.Addresses, addr.IP.String())
			}
		}
		interfaces = append(interfaces, info)
	}

	return interfaces, nil
}

// FindInterface finds an interface by name (exact or partial match).
func FindInterface(name string) (*InterfaceInfo, error) {
	interfaces, err := ListInterfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range interfaces {
		if iface.Name == name {
			return &iface, nil
		}
	}

	nameLower := strings.ToLower(name)
	for _, iface := range interfaces {
		if strings.ToLower(iface.Name) == nameLower {
			return &iface, nil
		}
	}

	// Partial match on description (useful on Windows).
	for _, iface := range interfaces {
		if strings.Contains(strings.ToLower(iface.Description), nameLower) {
			return &iface, nil
		}
	}

	return nil, fmt.Errorf("%w: %q", ErrInterfaceNotFound, name)
}

// New opens a capture on the given interface, filtered in the kernel to
// the console's outbound system-link traffic.
func New(cfg Config) (*Capture, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}

	if err := CheckNpcapInstalled(); err != nil {
		return nil, fmt.Errorf("%w\n\n%s", err, NpcapInstallHelp())
	}

	iface, err := FindInterface(cfg.Interface)
	if err != nil {
		return nil, err
	}

	cfg.Logger.Debug("Opening interface %s (%s)", iface.Name, iface.Description)

	inactive, err := pcap.NewInactiveHandle(iface.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create handle for %s: %w\n\n%s", iface.Name, err, NpcapInstallHelp())
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(SnapLen); err != nil {
		return nil, fmt.Errorf("failed to set snap length: %w", err)
	}
	if err := inactive.SetPromisc(true); err != nil {
		return nil, fmt.Errorf("failed to set promiscuous mode: %w", err)
	}
	if err := inactive.SetTimeout(ReadTimeout); err != nil {
		return nil, fmt.Errorf("failed to set timeout: %w", err)
	}
	_ = inactive.SetBufferSize(BufferSize)

	handle, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("failed to activate capture on %s: %w\n\n%s", iface.Name, err, NpcapInstallHelp())
	}

	// Filter in the kernel to the exact traffic class the relay carries:
	// the console's own frames, source IP 0.0.0.1, UDP 3074 both ways.
	filter := fmt.Sprintf("ether src %s and src host 0.0.0.1 and udp src port %d and udp dst port %d",
		cfg.ConsoleMAC, systemlink.Port, systemlink.Port)
	if err := handle.SetBPFFilter(filter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to set BPF filter %q: %w", filter, err)
	}

	cfg.Logger.Debug("BPF filter set: %s", filter)

	return &Capture{
		handle:     handle,
		consoleMAC: cfg.ConsoleMAC,
		ifName:     iface.Name,
		logger:     cfg.Logger,
	}, nil
}

// ReadPacket reads the next validated system-link frame. Returns nil when
// no packet is available. Frames the validator rejects are dropped with a
// debug line; the BPF filter makes that rare.
func (c *Capture) ReadPacket() (*systemlink.Packet, error) {
	data, _, err := c.handle.ZeroCopyReadPacketData()
	if err != nil {
		if err == pcap.NextErrorTimeoutExpired {
			return nil, nil
		}
		return nil, err
	}

	if len(data) == 0 {
		return nil, nil
	}

	pkt, err := systemlink.New(data)
	if err != nil {
		c.logger.Debug("Captured frame rejected: %v", err)
		return nil, nil
	}

	return pkt, nil
}

// WritePacket injects a relayed frame onto the local segment.
func (c *Capture) WritePacket(pkt *systemlink.Packet) error {
	return c.handle.WritePacketData(pkt.Raw())
}

// Close closes the capture handle.
func (c *Capture) Close() error {
	if c.handle != nil {
		c.handle.Close()
		c.handle = nil
	}
	return nil
}

// InterfaceName returns the name of the capture interface.
func (c *Capture) InterfaceName() string {
	return c.ifName
}

// ConsoleMAC returns the console address being filtered.
func (c *Capture) ConsoleMAC() systemlink.MACAddress {
	return c.consoleMAC
}

// FormatInterfaceList formats the interface list for display.
func FormatInterfaceList(interfaces []InterfaceInfo) string {
	var sb strings.Builder
	sb.WriteString("Available network interfaces:\n\n")

	for i, iface := range interfaces {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, iface.Name))
		if iface.Description != "" {
			sb.WriteString(fmt.Sprintf("     Description: %s\n", iface.Description))
		}
		if len(iface.Addresses) > 0 {
			sb.WriteString(fmt.Sprintf("     Addresses:   %s\n", strings.Join(iface.Addresses, ", ")))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
