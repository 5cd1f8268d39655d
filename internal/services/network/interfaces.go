// Package network enumerates the addresses a local server can be reached on.
package network

import (
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"strings"
)

// Address is one way to reach a server listening on all interfaces.
type Address struct {
	Interface     string `json:"interface"`
	IP            string `json:"ip"`
	URL           string `json:"url"`
	Description   string `json:"description"`
	InterfaceType string `json:"interfaceType"` // "ethernet", "wifi", "other", "localhost"
}

// GetInterfaceType determines the type of network interface
func GetInterfaceType(ifaceName string) string {
	// Try macOS-specific detection first
	if runtime.GOOS == "darwin" {
		interfaceType := getMacOSInterfaceType(ifaceName)
		if interfaceType != "other" {
			return interfaceType
		}
	}

	// Fallback logic based on naming conventions
	return getFallbackInterfaceType(ifaceName)
}

// getMacOSInterfaceType uses networksetup to determine interface type on macOS
func getMacOSInterfaceType(ifaceName string) string {
	// Sanitize interface name to prevent command injection
	for _, char := range ifaceName {
		isLowerLetter := char >= 'a' && char <= 'z'
		isUpperLetter := char >= 'A' && char <= 'Z'
		isDigit := char >= '0' && char <= '9'
		isAllowed := isLowerLetter || isUpperLetter || isDigit || char == '-' || char == '_'
		if !isAllowed {
			return getFallbackInterfaceType(ifaceName)
		}
	}

	cmd := exec.Command("networksetup", "-listallhardwareports")
	output, err := cmd.Output()
	if err != nil {
		return getFallbackInterfaceType(ifaceName)
	}

	outputLower := strings.ToLower(string(output))
	deviceSearch := fmt.Sprintf("device: %s", strings.ToLower(ifaceName))

	// Split output into blocks
	blocks := strings.Split(outputLower, "hardware port:")
	for _, block := range blocks[1:] { // Skip first empty split
		if strings.Contains(block, deviceSearch) {
			if strings.Contains(block, "wi-fi") ||
				strings.Contains(block, "wifi") ||
				strings.Contains(block, "wireless") {
				return "wifi"
			}
			if (strings.Contains(block, "usb") &&
				(strings.Contains(block, "lan") ||
					strings.Contains(block, "ethernet") ||
					strings.Contains(block, "100"))) ||
				strings.Contains(block, "thunderbolt") ||
				strings.Contains(block, "ethernet") ||
				strings.Contains(block, "wired") {
				return "ethernet"
			}
			return "other"
		}
	}

	return getFallbackInterfaceType(ifaceName)
}

// getFallbackInterfaceType uses naming patterns to guess interface type
func getFallbackInterfaceType(ifaceName string) string {
	name := strings.ToLower(ifaceName)

	// en0 is typically WiFi on macOS
	if name == "en0" {
		return "wifi"
	}

	// Common ethernet naming patterns
	if strings.HasPrefix(name, "eth") ||
		strings.HasPrefix(name, "en") ||
		strings.HasPrefix(name, "enp") ||
		strings.HasPrefix(name, "eno") {
		return "ethernet"
	}

	// Common WiFi naming patterns
	if strings.HasPrefix(name, "wlan") ||
		strings.HasPrefix(name, "wl") ||
		strings.Contains(name, "wifi") ||
		strings.Contains(name, "wireless") {
		return "wifi"
	}

	return "other"
}

// getTypeIcon returns an emoji for the interface type
func getTypeIcon(interfaceType string) string {
	switch interfaceType {
	case "wifi":
		return "📶"
	case "ethernet":
		return "🌐"
	case "other":
		return "📡"
	case "localhost":
		return "🏠"
	default:
		return "📡"
	}
}

// capitalize returns the string with the first letter capitalized.
func capitalize(s string) string {
	if len(s) == 0 {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// ReachableAddresses lists an http URL for every up, non-loopback IPv4
// address, ethernet first, then wifi, then other, with localhost last.
func ReachableAddresses(port int) ([]Address, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	var ethernet, wifi, other []Address

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil || ip4.IsLinkLocalUnicast() {
				continue
			}

			interfaceType := GetInterfaceType(iface.Name)
			address := newAddress(iface.Name, interfaceType, ip4.String(), port)

			switch interfaceType {
			case "ethernet":
				ethernet = append(ethernet, address)
			case "wifi":
				wifi = append(wifi, address)
			default:
				other = append(other, address)
			}
		}
	}

	out := make([]Address, 0, len(ethernet)+len(wifi)+len(other)+1)
	out = append(out, ethernet...)
	out = append(out, wifi...)
	out = append(out, other...)
	out = append(out, newAddress("lo", "localhost", "127.0.0.1", port))
	return out, nil
}

func newAddress(ifaceName, interfaceType, ip string, port int) Address {
	url := fmt.Sprintf("http://%s:%d", ip, port)
	return Address{
		Interface:     ifaceName,
		IP:            ip,
		URL:           url,
		Description:   fmt.Sprintf("%s %s - %s (%s)", getTypeIcon(interfaceType), ifaceName, capitalize(interfaceType), url),
		InterfaceType: interfaceType,
	}
}
