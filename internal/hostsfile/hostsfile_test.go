package hostsfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lablink/internal/inventory"
)

func writeHosts(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hosts")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("seeding hosts file: %v", err)
	}
	return path
}

func TestSync_AppendsManagedBlock(t *testing.T) {
	path := writeHosts(t, "127.0.0.1 localhost\n::1 localhost\n")

	err := Sync(path, []Entry{
		{IP: "192.168.1.10", Name: "lab-01"},
		{IP: "192.168.1.11", Name: "lab-02"},
	})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading result: %v", err)
	}
	text := string(data)

	if !strings.Contains(text, "127.0.0.1 localhost") {
		t.Error("existing entries were lost")
	}
	if !strings.Contains(text, beginMarker) || !strings.Contains(text, endMarker) {
		t.Error("managed block markers missing")
	}
	if !strings.Contains(text, "lab-01") || !strings.Contains(text, "192.168.1.11") {
		t.Errorf("managed entries missing:\n%s", text)
	}
}

func TestSync_ReplacesStaleBlock(t *testing.T) {
	path := writeHosts(t, strings.Join([]string{
		"127.0.0.1 localhost",
		beginMarker,
		"10.0.0.99       gone-agent",
		endMarker,
		"",
	}, "\n"))

	if err := Sync(path, []Entry{{IP: "192.168.1.10", Name: "lab-01"}}); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	data, _ := os.ReadFile(path)
	text := string(data)

	if strings.Contains(text, "gone-agent") {
		t.Error("stale managed entry survived")
	}
	if !strings.Contains(text, "lab-01") {
		t.Error("new entry missing")
	}
	if strings.Count(text, beginMarker) != 1 {
		t.Errorf("managed block duplicated:\n%s", text)
	}
}

func TestSync_IsIdempotent(t *testing.T) {
	path := writeHosts(t, "127.0.0.1 localhost\n")
	entries := []Entry{{IP: "192.168.1.10", Name: "lab-01"}}

	if err := Sync(path, entries); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	first, _ := os.ReadFile(path)

	if err := Sync(path, entries); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	second, _ := os.ReadFile(path)

	if string(first) != string(second) {
		t.Errorf("sync not idempotent:\n%s\nvs\n%s", first, second)
	}
}

func TestSync_SkipsDuplicateNames(t *testing.T) {
	path := writeHosts(t, "127.0.0.1 localhost\n")

	err := Sync(path, []Entry{
		{IP: "192.168.1.10", Name: "lab-01"},
		{IP: "192.168.1.88", Name: "lab-01"},
	})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	data, _ := os.ReadFile(path)
	if strings.Count(string(data), "lab-01") != 1 {
		t.Errorf("duplicate name written:\n%s", data)
	}
	if !strings.Contains(string(data), "192.168.1.10") {
		t.Error("first entry did not win")
	}
}

func TestSync_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist")
	if err := Sync(path, nil); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFromRecords(t *testing.T) {
	records := []inventory.Record{
		{Identifier: "lab-01", Info: map[string]string{"ip": "192.168.1.10"}},
		{Identifier: "lab-02", RemoteAddr: "192.168.1.11:40000"},
		{Identifier: "192.168.1.50:41234", RemoteAddr: "192.168.1.50:41234"},
		{Identifier: "lab-03"},
	}

	entries := FromRecords(records)

	if len(entries) != 2 {
		t.Fatalf("entries: got %+v, want lab-01 and lab-02", entries)
	}
	if entries[0].Name != "lab-01" || entries[0].IP != "192.168.1.10" {
		t.Errorf("entry 0: got %+v", entries[0])
	}
	if entries[1].Name != "lab-02" || entries[1].IP != "192.168.1.11" {
		t.Errorf("entry 1: got %+v", entries[1])
	}
}
