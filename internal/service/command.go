package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"polydev/internal/models"
)

// Command is a resolved invocation for one service.
type Command struct {
	Name string
	Args []string
	// Env is appended to the parent environment.
	Env []string
}

func (c Command) String() string {
	s := c.Name
	for _, a := range c.Args {
		s += " " + a
	}
	return s
}

// CommandResolver picks the run command for a service in dir.
type CommandResolver interface {
	Resolve(desc models.ServiceDescriptor, dir string) (Command, error)
}

// ResolverFunc adapts a function to CommandResolver.
type ResolverFunc func(desc models.ServiceDescriptor, dir string) (Command, error)

func (f ResolverFunc) Resolve(desc models.ServiceDescriptor, dir string) (Command, error) {
	return f(desc, dir)
}

// Resolver is the language-aware CommandResolver.
type Resolver struct {
	// JavaFallback runs when neither a Maven nor a Gradle wrapper is present.
	JavaFallback []string
	// Reload adds the runtime's own reload flag where one exists (uvicorn --reload).
	Reload bool

	lookPath func(string) (string, error)
}

func NewResolver(javaFallback []string) *Resolver {
	return &Resolver{JavaFallback: javaFallback, lookPath: exec.LookPath}
}

var lockfiles = []struct {
	file string
	tool string
}{
	{"pnpm-lock.yaml", "pnpm"},
	{"yarn.lock", "yarn"},
	{"bun.lockb", "bun"},
	{"bun.lock", "bun"},
	{"package-lock.json", "npm"},
}

// PackageManager infers the node package manager from the lockfile in dir.
func PackageManager(dir string) string {
	for _, l := range lockfiles {
		if fileExists(filepath.Join(dir, l.file)) {
			return l.tool
		}
	}
	return "npm"
}

func (r *Resolver) Resolve(desc models.ServiceDescriptor, dir string) (Command, error) {
	port := strconv.Itoa(int(desc.Port))
	env := []string{"PORT=" + port}

	switch desc.Type {
	case models.TypeNode, models.TypeFrontend:
		pm := PackageManager(dir)
		if err := r.require(pm); err != nil {
			return Command{}, err
		}
		return Command{Name: pm, Args: []string{"run", "dev"}, Env: env}, nil

	case models.TypePython:
		if err := r.require("uvicorn"); err != nil {
			return Command{}, err
		}
		args := []string{"app.main:app", "--host", "0.0.0.0", "--port", port}
		if r.Reload {
			args = append(args, "--reload")
		}
		return Command{Name: "uvicorn", Args: args, Env: env}, nil

	case models.TypeGo:
		if err := r.require("go"); err != nil {
			return Command{}, err
		}
		return Command{Name: "go", Args: []string{"run", "."}, Env: env}, nil

	case models.TypeJava:
		env = append(env, "SERVER_PORT="+port)
		if fileExists(filepath.Join(dir, "mvnw")) {
			return Command{Name: "./mvnw", Args: []string{"spring-boot:run"}, Env: env}, nil
		}
		if fileExists(filepath.Join(dir, "gradlew")) {
			return Command{Name: "./gradlew", Args: []string{"bootRun"}, Env: env}, nil
		}
		if len(r.JavaFallback) == 0 {
			return Command{}, fmt.Errorf("%w: no maven or gradle wrapper in %s", ErrToolUnavailable, dir)
		}
		if err := r.require(r.JavaFallback[0]); err != nil {
			return Command{}, err
		}
		return Command{Name: r.JavaFallback[0], Args: append([]string(nil), r.JavaFallback[1:]...), Env: env}, nil
	}
	return Command{}, fmt.Errorf("%w %q", ErrUnsupportedType, desc.Type)
}

func (r *Resolver) require(tool string) error {
	lookPath := r.lookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	if _, err := lookPath(tool); err != nil {
		return fmt.Errorf("%w: %s", ErrToolUnavailable, tool)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
