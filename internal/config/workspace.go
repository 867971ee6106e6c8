package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"polydev/internal/models"
)

// ManifestFiles are tried in order inside the workspace root. polyglot.json is
// parsed by the YAML decoder too, JSON being a subset of YAML.
var ManifestFiles = []string{"polyglot.json", "polydev.yaml", "polydev.yml"}

// DefaultJavaFallback runs Spring Boot through a system Maven when no wrapper is present.
var DefaultJavaFallback = []string{"mvn", "spring-boot:run"}

var ErrNoManifest = errors.New("no workspace manifest found")

type JavaConfig struct {
	FallbackCommand []string `yaml:"fallbackCommand" json:"fallbackCommand"`
}

// Workspace is the declarative service list of a generated monorepo.
type Workspace struct {
	Root     string                     `yaml:"-"`
	Name     string                     `yaml:"name"`
	Services []models.ServiceDescriptor `yaml:"services"`
	Java     JavaConfig                 `yaml:"java"`
}

// LoadWorkspace finds and parses the manifest under root.
func LoadWorkspace(root string) (*Workspace, error) {
	for _, name := range ManifestFiles {
		path := filepath.Join(root, name)
		if _, err := os.Stat(path); err == nil {
			return LoadWorkspaceFile(path)
		}
	}
	return nil, fmt.Errorf("%w in %s", ErrNoManifest, root)
}

func LoadWorkspaceFile(path string) (*Workspace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var ws Workspace
	if err := yaml.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	ws.Root, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}

	// Set defaults
	for i := range ws.Services {
		if ws.Services[i].Path == "" {
			ws.Services[i].Path = filepath.Join("services", ws.Services[i].Name)
		}
	}
	if len(ws.Java.FallbackCommand) == 0 {
		ws.Java.FallbackCommand = DefaultJavaFallback
	}

	if err := ws.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return &ws, nil
}

// Validate enforces unique names and ports and known types.
func (w *Workspace) Validate() error {
	var errs []error
	names := make(map[string]bool, len(w.Services))
	ports := make(map[uint16]string, len(w.Services))
	for _, svc := range w.Services {
		if svc.Name == "" {
			errs = append(errs, errors.New("service with empty name"))
			continue
		}
		if names[svc.Name] {
			errs = append(errs, fmt.Errorf("duplicate service name %q", svc.Name))
		}
		names[svc.Name] = true
		if !svc.Type.Valid() {
			errs = append(errs, fmt.Errorf("service %q: unsupported service type %q", svc.Name, svc.Type))
		}
		if svc.Port == 0 {
			errs = append(errs, fmt.Errorf("service %q: port is required", svc.Name))
		} else if other, ok := ports[svc.Port]; ok {
			errs = append(errs, fmt.Errorf("service %q: port %d already used by %q", svc.Name, svc.Port, other))
		} else {
			ports[svc.Port] = svc.Name
		}
	}
	return errors.Join(errs...)
}

func (w *Workspace) Find(name string) (models.ServiceDescriptor, bool) {
	for _, svc := range w.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return models.ServiceDescriptor{}, false
}

// Select returns the named services, or all of them when names is empty.
func (w *Workspace) Select(names []string) ([]models.ServiceDescriptor, error) {
	if len(names) == 0 {
		return append([]models.ServiceDescriptor(nil), w.Services...), nil
	}
	out := make([]models.ServiceDescriptor, 0, len(names))
	for _, n := range names {
		svc, ok := w.Find(n)
		if !ok {
			return nil, fmt.Errorf("unknown service %q", n)
		}
		out = append(out, svc)
	}
	return out, nil
}

// ServiceDir is the directory the log store and tooling use for a service.
func (w *Workspace) ServiceDir(svc models.ServiceDescriptor) string {
	if filepath.IsAbs(svc.Path) {
		return svc.Path
	}
	return filepath.Join(w.Root, svc.Path)
}
