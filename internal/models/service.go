package models

import (
	"fmt"
	"strings"
)

// ServiceType is the language runtime of a workspace service.
type ServiceType string

const (
	TypeNode     ServiceType = "node"
	TypePython   ServiceType = "python"
	TypeGo       ServiceType = "go"
	TypeJava     ServiceType = "java"
	TypeFrontend ServiceType = "frontend"
)

// ServiceTypes lists every supported runtime.
var ServiceTypes = []ServiceType{TypeNode, TypePython, TypeGo, TypeJava, TypeFrontend}

func (t ServiceType) Valid() bool {
	switch t {
	case TypeNode, TypePython, TypeGo, TypeJava, TypeFrontend:
		return true
	}
	return false
}

// ParseServiceType accepts the manifest spelling of a type, case-insensitively.
func ParseServiceType(s string) (ServiceType, error) {
	t := ServiceType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unsupported service type %q", s)
	}
	return t, nil
}

// ServiceDescriptor is the static identity of a service loaded from the workspace manifest.
type ServiceDescriptor struct {
	Name string      `json:"name" yaml:"name"`
	Type ServiceType `json:"type" yaml:"type"`
	Port uint16      `json:"port" yaml:"port"`
	Path string      `json:"path" yaml:"path"`
}
