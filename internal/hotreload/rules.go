package hotreload

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"polydev/internal/models"
)

// Strategy says who is responsible for reloading a service.
type Strategy string

const (
	// StrategyInternal services watch their own sources; they are spawned once.
	StrategyInternal Strategy = "internal"
	// StrategyRespawn services are restarted by the engine on a matching change.
	StrategyRespawn Strategy = "respawn"
)

var commonExcludes = []string{
	"!**/.logs/**",
	"!**/.git/**",
	"!**/*.swp",
	"!**/*~",
	"!**/.#*",
}

var rules = map[models.ServiceType][]string{
	models.TypeNode: {
		"**/*.js", "**/*.mjs", "**/*.cjs", "**/*.ts", "**/*.json", ".env",
		"!**/node_modules/**", "!**/dist/**", "!package-lock.json",
	},
	models.TypeFrontend: {
		"src/**", "public/**", "index.html", "vite.config.*", ".env",
		"!**/node_modules/**", "!**/dist/**", "!**/build/**",
	},
	models.TypePython: {
		"**/*.py", "requirements.txt", "pyproject.toml", ".env",
		"!**/__pycache__/**", "!**/.venv/**", "!**/*.pyc",
	},
	models.TypeGo: {
		"**/*.go", "go.mod", "go.sum", ".env",
		"!**/*_test.go", "!**/vendor/**",
	},
	models.TypeJava: {
		"src/main/**", "pom.xml", "build.gradle", "build.gradle.kts", "settings.gradle*",
		"!**/target/**", "!**/build/**",
	},
}

// Rules returns the watch patterns for a service type.
func Rules(t models.ServiceType) []string {
	base, ok := rules[t]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(base)+len(commonExcludes))
	out = append(out, base...)
	return append(out, commonExcludes...)
}

// selfWatching are dev-script fragments of runners that reload on their own.
var selfWatching = []string{
	"nodemon", "vite", "next dev", "nuxt", "ts-node-dev", "tsx watch",
	"--watch", "webpack serve", "webpack-dev-server", "react-scripts start",
	"astro dev", "remix dev", "svelte-kit dev",
}

type packageJSON struct {
	Scripts map[string]string `json:"scripts"`
}

// ResolveStrategy decides whether the engine must restart desc itself.
// Node and frontend services whose dev script already watches are left alone.
func ResolveStrategy(desc models.ServiceDescriptor, dir string) Strategy {
	switch desc.Type {
	case models.TypeNode, models.TypeFrontend:
		if selfWatches(dir) {
			return StrategyInternal
		}
	}
	return StrategyRespawn
}

func selfWatches(dir string) bool {
	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return false
	}
	var pkg packageJSON
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return false
	}
	script := pkg.Scripts["dev"]
	for _, hint := range selfWatching {
		if strings.Contains(script, hint) {
			return true
		}
	}
	return false
}
