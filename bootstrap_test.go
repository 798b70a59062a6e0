package dkimsignd

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBuildKeyStoreFromConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sel1.key")
	if err := os.WriteFile(path, testRSAKeyPEM, 0o600); err != nil {
		t.Fatalf("writing key file: %v", err)
	}

	cfg := ServerConfig{
		KeyDeclarations: []KeyDeclarationConfig{
			{Domain: "example.com", Selector: "sel1", KeyFile: path},
		},
	}

	ks, err := BuildKeyStore(cfg)
	if err != nil {
		t.Fatalf("BuildKeyStore() error: %v", err)
	}
	if _, ok := ks.Select(SelectQuery{Domain: "example.com"}); !ok {
		t.Error("BuildKeyStore() result should resolve the declared domain")
	}
}

func TestBuildKeyStorePropagatesDeclareError(t *testing.T) {
	cfg := ServerConfig{
		KeyDeclarations: []KeyDeclarationConfig{
			{Domain: "example.com", Selector: "sel1", KeyFile: "/nonexistent/path.key"},
		},
	}
	if _, err := BuildKeyStore(cfg); err == nil {
		t.Error("BuildKeyStore() should fail when a key file cannot be read")
	}
}

func TestBuildOptionsResolverFromConfig(t *testing.T) {
	cfg := ServerConfig{
		SenderOptions: []TagMapConfig{
			{"@example.com": {"d": "example.com", "s": "sel1"}},
		},
	}
	resolver := BuildOptionsResolver(cfg)
	if len(resolver.tagMaps) != 1 {
		t.Fatalf("got %d tag maps, want 1", len(resolver.tagMaps))
	}
	entry, ok := resolver.tagMaps[0]["@example.com"]
	if !ok {
		t.Fatal("expected @example.com entry in the converted tag map")
	}
	if entry["s"] != "sel1" {
		t.Errorf("entry[s] = %q, want sel1", entry["s"])
	}
}
