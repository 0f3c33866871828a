package helm

import (
	"os"
	"path/filepath"
	"testing"

	"sigs.k8s.io/yaml"
)

func TestWriteKubeconfig(t *testing.T) {
	dir := t.TempDir()

	path, err := WriteKubeconfig(dir, ClusterCredentials{
		Name:                 "payments-prod",
		Endpoint:             "https://ABC123.gr7.eu-west-1.eks.amazonaws.com",
		CertificateAuthority: "Q0EgZGF0YQ==",
		Region:               "eu-west-1",
	})
	if err != nil {
		t.Fatalf("WriteKubeconfig: %v", err)
	}
	if want := filepath.Join(dir, "payments-prod.kubeconfig"); path != want {
		t.Errorf("path = %q, want %q", path, want)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var cfg kubeconfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if cfg.CurrentContext != "payments-prod" {
		t.Errorf("current-context = %q", cfg.CurrentContext)
	}
	if len(cfg.Clusters) != 1 || cfg.Clusters[0].Cluster.Server != "https://ABC123.gr7.eu-west-1.eks.amazonaws.com" {
		t.Errorf("unexpected clusters: %+v", cfg.Clusters)
	}
	if cfg.Clusters[0].Cluster.CertificateAuthorityData != "Q0EgZGF0YQ==" {
		t.Errorf("ca data = %q", cfg.Clusters[0].Cluster.CertificateAuthorityData)
	}

	if len(cfg.Users) != 1 {
		t.Fatalf("users = %+v", cfg.Users)
	}
	exec := cfg.Users[0].User.Exec
	if exec.Command != "aws" {
		t.Errorf("exec command = %q", exec.Command)
	}
	wantArgs := []string{"eks", "get-token", "--cluster-name", "payments-prod", "--region", "eu-west-1"}
	if len(exec.Args) != len(wantArgs) {
		t.Fatalf("exec args = %v", exec.Args)
	}
	for i, a := range wantArgs {
		if exec.Args[i] != a {
			t.Errorf("exec args[%d] = %q, want %q", i, exec.Args[i], a)
		}
	}
}

func TestWriteKubeconfigRejectsIncompleteCredentials(t *testing.T) {
	if _, err := WriteKubeconfig(t.TempDir(), ClusterCredentials{Name: "x"}); err == nil {
		t.Fatal("expected error for missing endpoint")
	}
	if _, err := WriteKubeconfig(t.TempDir(), ClusterCredentials{Endpoint: "https://x"}); err == nil {
		t.Fatal("expected error for missing name")
	}
}
