package helm

import (
	"fmt"
	"os"
	"path/filepath"

	"sigs.k8s.io/yaml"
)

// ClusterCredentials describe how to reach an EKS cluster API server, as
// exported by the cluster provider (endpoint, base64 CA bundle, region).
type ClusterCredentials struct {
	Name                 string
	Endpoint             string
	CertificateAuthority string
	Region               string
}

// kubeconfig mirrors the client-go kubeconfig file format. Only the fields
// we emit are declared.
type kubeconfig struct {
	APIVersion     string          `json:"apiVersion"`
	Kind           string          `json:"kind"`
	CurrentContext string          `json:"current-context"`
	Clusters       []namedCluster  `json:"clusters"`
	Contexts       []namedContext  `json:"contexts"`
	Users          []namedAuthInfo `json:"users"`
	Preferences    map[string]bool `json:"preferences"`
}

type namedCluster struct {
	Name    string  `json:"name"`
	Cluster cluster `json:"cluster"`
}

type cluster struct {
	Server                   string `json:"server"`
	CertificateAuthorityData string `json:"certificate-authority-data"`
}

type namedContext struct {
	Name    string      `json:"name"`
	Context kubeContext `json:"context"`
}

type kubeContext struct {
	Cluster string `json:"cluster"`
	User    string `json:"user"`
}

type namedAuthInfo struct {
	Name string   `json:"name"`
	User authInfo `json:"user"`
}

type authInfo struct {
	Exec execConfig `json:"exec"`
}

type execConfig struct {
	APIVersion string   `json:"apiVersion"`
	Command    string   `json:"command"`
	Args       []string `json:"args"`
}

// WriteKubeconfig materializes a kubeconfig for the cluster under dir and
// returns its path. Authentication goes through `aws eks get-token`, so no
// long-lived credentials land on disk.
func WriteKubeconfig(dir string, creds ClusterCredentials) (string, error) {
	if creds.Name == "" || creds.Endpoint == "" {
		return "", fmt.Errorf("cluster credentials incomplete: name=%q endpoint=%q", creds.Name, creds.Endpoint)
	}

	cfg := kubeconfig{
		APIVersion:     "v1",
		Kind:           "Config",
		CurrentContext: creds.Name,
		Preferences:    map[string]bool{},
		Clusters: []namedCluster{{
			Name: creds.Name,
			Cluster: cluster{
				Server:                   creds.Endpoint,
				CertificateAuthorityData: creds.CertificateAuthority,
			},
		}},
		Contexts: []namedContext{{
			Name:    creds.Name,
			Context: kubeContext{Cluster: creds.Name, User: creds.Name},
		}},
		Users: []namedAuthInfo{{
			Name: creds.Name,
			User: authInfo{
				Exec: execConfig{
					APIVersion: "client.authentication.k8s.io/v1beta1",
					Command:    "aws",
					Args: []string{
						"eks", "get-token",
						"--cluster-name", creds.Name,
						"--region", creds.Region,
					},
				},
			},
		}},
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", fmt.Errorf("marshal kubeconfig: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create kubeconfig dir: %w", err)
	}
	path := filepath.Join(dir, creds.Name+".kubeconfig")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write kubeconfig: %w", err)
	}
	return path, nil
}
