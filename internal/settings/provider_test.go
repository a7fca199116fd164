package settings

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFileProviderFlatDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	writeFile(t, path, "serverUrl: https://collector.example.com/events\nbatchSize: 25\n")

	p := NewFileProvider(path)
	values, err := p.Load("nbpulse")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if values["serverUrl"] != "https://collector.example.com/events" {
		t.Errorf("serverUrl = %v", values["serverUrl"])
	}
	if values["batchSize"] != 25 {
		t.Errorf("batchSize = %v (%T), want 25", values["batchSize"], values["batchSize"])
	}
}

func TestFileProviderPluginSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	writeFile(t, path, "nbpulse:\n  batchSize: 40\nother:\n  batchSize: 99\n")

	p := NewFileProvider(path)
	values, err := p.Load("nbpulse")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if values["batchSize"] != 40 {
		t.Errorf("batchSize = %v, want 40 from the nbpulse section", values["batchSize"])
	}
}

func TestFileProviderMissingFile(t *testing.T) {
	p := NewFileProvider(filepath.Join(t.TempDir(), "absent.yaml"))
	values, err := p.Load("nbpulse")
	if err != nil {
		t.Fatalf("Load() = %v, want nil for missing file", err)
	}
	if len(values) != 0 {
		t.Fatalf("values = %v, want empty", values)
	}
}

func TestFileProviderMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	writeFile(t, path, "batchSize: [not: closed\n")
	p := NewFileProvider(path)
	if _, err := p.Load("nbpulse"); err == nil {
		t.Fatal("Load() = nil, want parse error")
	}
}

func TestFileProviderReloadNotifiesDiff(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	writeFile(t, path, "batchSize: 10\nretryAttempts: 2\n")

	p := NewFileProvider(path)
	if _, err := p.Load("nbpulse"); err != nil {
		t.Fatalf("Load() = %v", err)
	}

	var got []Change
	p.Subscribe(func(changes []Change) { got = append(got, changes...) })

	writeFile(t, path, "batchSize: 20\nretryAttempts: 2\n")
	if err := p.Reload(); err != nil {
		t.Fatalf("Reload() = %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("got %d changes, want 1: %v", len(got), got)
	}
	if got[0].Key != "batchSize" || got[0].Old != 10 || got[0].New != 20 {
		t.Fatalf("change = %+v, want batchSize 10→20", got[0])
	}
}

func TestFileProviderReloadNoChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	writeFile(t, path, "batchSize: 10\n")

	p := NewFileProvider(path)
	if _, err := p.Load("nbpulse"); err != nil {
		t.Fatalf("Load() = %v", err)
	}
	notified := false
	p.Subscribe(func([]Change) { notified = true })
	if err := p.Reload(); err != nil {
		t.Fatalf("Reload() = %v", err)
	}
	if notified {
		t.Fatal("subscribers notified without changes")
	}
}

func TestStoreWithFileProviderEndToEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	writeFile(t, path, "serverUrl: http://localhost:9000/ingest\nbatchSize: 75\n")

	store := NewStore(nil)
	p := NewFileProvider(path)
	if err := store.Initialize(p, "nbpulse"); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	if got := store.Current().BatchSize; got != 75 {
		t.Fatalf("BatchSize = %d, want 75", got)
	}

	writeFile(t, path, "serverUrl: http://localhost:9000/ingest\nbatchSize: 80\n")
	if err := p.Reload(); err != nil {
		t.Fatalf("Reload() = %v", err)
	}
	if got := store.Current().BatchSize; got != 80 {
		t.Fatalf("BatchSize = %d after reload, want 80", got)
	}
}
