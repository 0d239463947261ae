// Package hostsfile maintains a managed block of agent entries inside an
// /etc/hosts style file, leaving the rest of the file untouched.
package hostsfile

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"

	"lablink/internal/inventory"
)

const (
	beginMarker = "# BEGIN LABLINK MANAGED HOSTS"
	endMarker   = "# END LABLINK MANAGED HOSTS"
)

// Entry is one name to address mapping.
type Entry struct {
	IP   string
	Name string
}

// FromRecords derives hosts entries from inventory records. Sessions that
// were only ever identified by their socket address carry no usable
// hostname and are skipped.
func FromRecords(records []inventory.Record) []Entry {
	var entries []Entry
	for _, r := range records {
		if r.Identifier == "" || strings.Contains(r.Identifier, ":") {
			continue
		}

		ip := r.Info["ip"]
		if ip == "" && r.RemoteAddr != "" {
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				ip = host
			}
		}
		if ip == "" {
			continue
		}

		entries = append(entries, Entry{IP: ip, Name: r.Identifier})
	}
	return entries
}

// Sync rewrites the managed block in the file at path with the given
// entries. Lines outside the block are preserved as they are. Duplicate
// names keep their first entry.
func Sync(path string, entries []Entry) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}

	var kept []string
	scanner := bufio.NewScanner(file)
	inManagedSection := false

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, beginMarker) {
			inManagedSection = true
			continue
		}
		if strings.HasPrefix(trimmed, endMarker) {
			inManagedSection = false
			continue
		}
		if !inManagedSection {
			kept = append(kept, line)
		}
	}
	file.Close()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	managed := []string{beginMarker}
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.IP == "" || e.Name == "" || seen[e.Name] {
			continue
		}
		seen[e.Name] = true
		managed = append(managed, fmt.Sprintf("%-16s %s", e.IP, e.Name))
	}
	managed = append(managed, endMarker)

	if len(kept) > 0 && kept[len(kept)-1] != "" {
		kept = append(kept, "")
	}
	kept = append(kept, managed...)

	content := strings.Join(kept, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	return nil
}
