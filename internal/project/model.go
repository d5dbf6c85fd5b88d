// Package project resolves the workspace build model: source roots,
// classpath, compiler flags, and the JDK used to run the analysis sidecar.
package project

import (
	"os"
	"path/filepath"

	"github.com/kotlin-analyzer/kotlin-analyzer/internal/config"
)

// BuildSystem identifies how a workspace's classpath is produced.
type BuildSystem string

const (
	BuildSystemGradle BuildSystem = "gradle"
	BuildSystemMaven  BuildSystem = "maven"
	BuildSystemNone   BuildSystem = "none"
)

// Model is the resolved project: everything the analysis engine needs to
// know about the workspace before it can type-check anything.
type Model struct {
	ProjectRoot   string      `json:"projectRoot"`
	BuildSystem   BuildSystem `json:"buildSystem"`
	SourceRoots   []string    `json:"sourceRoots"`
	Classpath     []string    `json:"classpath"`
	CompilerFlags []string    `json:"compilerFlags"`
	KotlinVersion string      `json:"kotlinVersion,omitempty"`
	JDKHome       string      `json:"jdkHome,omitempty"`
	// HasCompose marks Jetpack Compose projects; the engine enables the
	// compose compiler plugin diagnostics for them.
	HasCompose bool `json:"hasCompose,omitempty"`
	// GeneratedSourceRoots are KAPT and KSP output directories.
	GeneratedSourceRoots []string `json:"generatedSourceRoots,omitempty"`
}

// NoBuildSystem is the fallback model for a bare directory of .kt files:
// stdlib-only analysis with no classpath.
func NoBuildSystem(root string) *Model {
	return &Model{
		ProjectRoot: root,
		BuildSystem: BuildSystemNone,
	}
}

// InitializeParams builds the sidecar initialize payload from the model and
// user configuration.
func (m *Model) InitializeParams(cfg *config.Config) map[string]any {
	jdkHome := m.JDKHome
	if jdkHome == "" {
		jdkHome = cfg.JavaHome
	}
	return map[string]any{
		"projectRoot":          m.ProjectRoot,
		"buildSystem":          string(m.BuildSystem),
		"sourceRoots":          orEmpty(m.SourceRoots),
		"classpath":            orEmpty(m.Classpath),
		"compilerFlags":        orEmpty(m.CompilerFlags),
		"kotlinVersion":        m.KotlinVersion,
		"jdkHome":              jdkHome,
		"hasCompose":           m.HasCompose,
		"generatedSourceRoots": orEmpty(m.GeneratedSourceRoots),
	}
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// DetectBuildSystem inspects the root for build files.
func DetectBuildSystem(root string) BuildSystem {
	if exists(filepath.Join(root, "build.gradle.kts")) || exists(filepath.Join(root, "build.gradle")) {
		return BuildSystemGradle
	}
	if exists(filepath.Join(root, "pom.xml")) {
		return BuildSystemMaven
	}
	return BuildSystemNone
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
