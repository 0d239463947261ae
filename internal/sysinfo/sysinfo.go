// Package sysinfo collects host metadata for the agent's hello event.
package sysinfo

import (
	"fmt"
	"math"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemInfo holds the collected host metadata.
type SystemInfo struct {
	Hostname   string
	OSName     string
	Kernel     string
	Arch       string
	CPUModel   string
	CPUCores   int
	MemoryGB   float64
	MACAddress string
	IPAddress  string
}

// Collect gathers local system information. When networkRange is a CIDR, the
// interface whose IPv4 address falls inside it is preferred; otherwise the
// first usable non-loopback interface wins.
func Collect(networkRange string) (*SystemInfo, error) {
	macAddr, ipAddr, err := primaryNetworkInfo(networkRange)
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	osName, kernel := osInfo()

	info := &SystemInfo{
		Hostname:   hostname,
		OSName:     osName,
		Kernel:     kernel,
		Arch:       runtime.GOARCH,
		CPUCores:   runtime.NumCPU(),
		MACAddress: macAddr,
		IPAddress:  ipAddr,
	}

	cpuInfo, err := cpu.Info()
	if err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}

	memInfo, err := mem.VirtualMemory()
	if err == nil {
		info.MemoryGB = math.Round(float64(memInfo.Total)/(1024*1024*1024)*100) / 100
	}

	return info, nil
}

// Map flattens the metadata into the string map carried by a hello event.
func (s *SystemInfo) Map() map[string]string {
	m := map[string]string{
		"os":    s.OSName,
		"arch":  s.Arch,
		"cores": strconv.Itoa(s.CPUCores),
	}
	if s.Kernel != "" {
		m["kernel"] = s.Kernel
	}
	if s.CPUModel != "" {
		m["cpu"] = s.CPUModel
	}
	if s.MemoryGB > 0 {
		m["memory_gb"] = fmt.Sprintf("%.2f", s.MemoryGB)
	}
	if s.MACAddress != "" {
		m["mac"] = s.MACAddress
	}
	if s.IPAddress != "" {
		m["ip"] = s.IPAddress
	}
	return m
}

// primaryNetworkInfo returns the MAC and IPv4 address of the chosen
// interface. An empty networkRange falls back to the first non-loopback
// interface that is up and addressed.
func primaryNetworkInfo(networkRange string) (string, string, error) {
	var ipNet *net.IPNet
	if networkRange != "" {
		var err error
		_, ipNet, err = net.ParseCIDR(networkRange)
		if err != nil {
			return "", "", fmt.Errorf("parsing network range: %w", err)
		}
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return "", "", err
	}

	var fallbackMAC, fallbackIP string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			a, ok := addr.(*net.IPNet)
			if !ok || a.IP.To4() == nil {
				continue
			}
			if ipNet != nil && ipNet.Contains(a.IP) {
				return iface.HardwareAddr.String(), a.IP.String(), nil
			}
			if fallbackIP == "" {
				fallbackMAC = iface.HardwareAddr.String()
				fallbackIP = a.IP.String()
			}
		}
	}

	// No interface inside the range; report the fallback rather than fail.
	return fallbackMAC, fallbackIP, nil
}

// osInfo retrieves the OS name and kernel version.
func osInfo() (string, string) {
	var osName, kernel string

	hostInfo, err := host.Info()
	if err == nil {
		osName = hostInfo.Platform
		if hostInfo.PlatformVersion != "" {
			osName += " " + hostInfo.PlatformVersion
		}
		kernel = hostInfo.KernelVersion
	} else {
		osName = runtime.GOOS
	}

	if runtime.GOOS == "linux" {
		if prettyName := readOSReleasePrettyName(); prettyName != "" {
			osName = prettyName
		}
	}

	return osName, kernel
}

// readOSReleasePrettyName parses /etc/os-release for the PRETTY_NAME field.
func readOSReleasePrettyName() string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "PRETTY_NAME=") {
			val := strings.TrimPrefix(line, "PRETTY_NAME=")
			return strings.Trim(val, "\"")
		}
	}
	return ""
}
