package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/flotilla/pkg/types"
)

// deploymentFile is the on-disk shape of the desired cluster deployment,
// generalizing the source material's per-resource "apiVersion/kind/spec"
// documents into one document holding every node's desired applications.
type deploymentFile struct {
	APIVersion string      `yaml:"apiVersion"`
	Kind       string      `yaml:"kind"`
	Nodes      []nodeSpec  `yaml:"nodes"`
}

type nodeSpec struct {
	Hostname     string            `yaml:"hostname"`
	Applications []applicationSpec `yaml:"applications"`
}

type applicationSpec struct {
	Name          string            `yaml:"name"`
	Image         string            `yaml:"image"`
	Ports         []portSpec        `yaml:"ports,omitempty"`
	Dataset       string            `yaml:"dataset,omitempty"`
	Mountpoint    string            `yaml:"mountpoint,omitempty"`
	DatasetSize   *uint64           `yaml:"dataset_size,omitempty"`
	Links         []linkSpec        `yaml:"links,omitempty"`
	Environment   map[string]string `yaml:"environment,omitempty"`
	MemoryLimit   *uint64           `yaml:"memory_limit,omitempty"`
	CPUShares     *uint64           `yaml:"cpu_shares,omitempty"`
	RestartPolicy string            `yaml:"restart_policy,omitempty"`
	MaxRetries    int               `yaml:"max_retries,omitempty"`
}

type portSpec struct {
	Internal int `yaml:"internal"`
	External int `yaml:"external"`
}

type linkSpec struct {
	Alias      string `yaml:"alias"`
	LocalPort  int    `yaml:"local_port"`
	RemotePort int    `yaml:"remote_port"`
}

// loadDeployment reads and parses a desired-deployment YAML document at
// path into a types.Deployment.
func loadDeployment(path string) (*types.Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read deployment file: %w", err)
	}

	var file deploymentFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse deployment file: %w", err)
	}

	deployment := &types.Deployment{Nodes: make([]*types.Node, 0, len(file.Nodes))}
	for _, n := range file.Nodes {
		node := &types.Node{Hostname: n.Hostname}
		for _, a := range n.Applications {
			app, err := toApplication(a)
			if err != nil {
				return nil, fmt.Errorf("node %s, application %s: %w", n.Hostname, a.Name, err)
			}
			node.Applications = append(node.Applications, app)
			if app.Volume != nil {
				if node.Manifestations == nil {
					node.Manifestations = make(map[string]*types.Manifestation)
				}
				node.Manifestations[a.Dataset] = app.Volume.Manifestation
			}
		}
		deployment.Nodes = append(deployment.Nodes, node)
	}
	return deployment, nil
}

func toApplication(a applicationSpec) (*types.Application, error) {
	if a.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if a.Image == "" {
		return nil, fmt.Errorf("image is required")
	}

	app := &types.Application{
		Name:        a.Name,
		Image:       a.Image,
		MemoryLimit: a.MemoryLimit,
		CPUShares:   a.CPUShares,
	}

	for _, p := range a.Ports {
		app.Ports = append(app.Ports, types.Port{Internal: p.Internal, External: p.External})
	}
	for _, l := range a.Links {
		app.Links = append(app.Links, types.Link{Alias: l.Alias, LocalPort: l.LocalPort, RemotePort: l.RemotePort})
	}
	for name, value := range a.Environment {
		app.Environment = append(app.Environment, types.EnvVar{Name: name, Value: value})
	}

	if a.Dataset != "" {
		app.Volume = &types.AttachedVolume{
			Manifestation: &types.Manifestation{
				Dataset: &types.Dataset{ID: a.Dataset, MaximumSize: a.DatasetSize},
				Primary: true,
			},
			Mountpoint: a.Mountpoint,
		}
	}

	condition := types.RestartOnFailure
	switch a.RestartPolicy {
	case "", "on-failure":
		condition = types.RestartOnFailure
	case "always":
		condition = types.RestartAlways
	case "never":
		condition = types.RestartNever
	default:
		return nil, fmt.Errorf("unknown restart_policy %q", a.RestartPolicy)
	}
	app.RestartPolicy = types.RestartPolicy{Condition: condition, MaxRetries: a.MaxRetries}

	return app, nil
}
