package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/kotlin-analyzer/kotlin-analyzer/internal/config"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/logging"
)

// manualConfigFile lets users pin the project model by hand, for projects
// without Gradle or Maven or when extraction fails. It shares its name with
// the settings file; each reader picks out its own fields.
const manualConfigFile = ".kotlin-analyzer.json"

// initScript is injected into Gradle to print the model between markers on
// stdout, where parseGradleOutput picks it up. Printing is the only channel
// that works across Gradle versions without a plugin.
const initScript = `
allprojects {
    task("kotlinAnalyzerExtract") {
        doLast {
            val sb = StringBuilder()
            sb.appendLine("---KOTLIN-ANALYZER-START---")

            project.convention.findPlugin(org.gradle.api.plugins.JavaPluginConvention::class.java)?.let { jpc ->
                jpc.sourceSets.findByName("main")?.let { main ->
                    main.allSource.srcDirs.forEach { dir ->
                        if (dir.exists()) sb.appendLine("SOURCE_ROOT=${dir.absolutePath}")
                    }
                }
            }

            try {
                val compileClasspath = project.configurations.getByName("compileClasspath")
                compileClasspath.resolve().forEach { file ->
                    sb.appendLine("CLASSPATH=${file.absolutePath}")
                }
            } catch (_: Exception) {}

            project.tasks.withType(org.jetbrains.kotlin.gradle.tasks.KotlinCompile::class.java).forEach { task ->
                task.compilerOptions.freeCompilerArgs.get().forEach { flag ->
                    sb.appendLine("COMPILER_FLAG=$flag")
                }
            }

            try {
                val kotlinVersion = project.buildscript.configurations
                    .getByName("classpath")
                    .resolvedConfiguration
                    .resolvedArtifacts
                    .find { it.moduleVersion.id.group == "org.jetbrains.kotlin" && it.moduleVersion.id.name == "kotlin-gradle-plugin" }
                    ?.moduleVersion?.id?.version
                if (kotlinVersion != null) sb.appendLine("KOTLIN_VERSION=$kotlinVersion")
            } catch (_: Exception) {}

            val hasCompose = project.plugins.hasPlugin("org.jetbrains.compose") ||
                project.plugins.hasPlugin("org.jetbrains.kotlin.plugin.compose")
            if (hasCompose) sb.appendLine("HAS_COMPOSE=true")

            val kaptDir = project.layout.buildDirectory.dir("generated/source/kapt/main").get().asFile
            if (kaptDir.exists()) sb.appendLine("GENERATED_SOURCE_ROOT=${kaptDir.absolutePath}")

            val kspDir = project.layout.buildDirectory.dir("generated/ksp/main/kotlin").get().asFile
            if (kspDir.exists()) sb.appendLine("GENERATED_SOURCE_ROOT=${kspDir.absolutePath}")

            sb.appendLine("---KOTLIN-ANALYZER-END---")
            println(sb.toString())
        }
    }
}
`

// Resolve builds the project model for root.
//
// Resolution order:
//  1. manual .kotlin-analyzer.json with sourceRoots/classpath entries
//  2. Gradle
//  3. Maven
//  4. stdlib-only fallback
func Resolve(ctx context.Context, root string, cfg *config.Config) (*Model, error) {
	manual := filepath.Join(root, manualConfigFile)
	if m, ok, err := resolveManual(manual, root, cfg); err != nil {
		return nil, err
	} else if ok {
		logging.Info().Str("root", root).Msg("using manual project configuration")
		return m, nil
	}

	switch DetectBuildSystem(root) {
	case BuildSystemGradle:
		return resolveGradle(ctx, root, cfg)
	case BuildSystemMaven:
		return resolveMaven(ctx, root, cfg)
	default:
		logging.Info().Str("root", root).Msg("no build system found, stdlib-only analysis")
		m := NoBuildSystem(root)
		m.SourceRoots = findKotlinSourceRoots(root)
		m.CompilerFlags = cfg.CompilerFlags
		m.JDKHome = cfg.JavaHome
		return m, nil
	}
}

// manualModel mirrors the user-written project file. Paths may be relative
// to the project root.
type manualModel struct {
	SourceRoots   []string `json:"sourceRoots"`
	Classpath     []string `json:"classpath"`
	CompilerFlags []string `json:"compilerFlags"`
	KotlinVersion string   `json:"kotlinVersion"`
	JDKHome       string   `json:"jdkHome"`
}

// resolveManual reads the manual project file. ok is false when the file
// does not exist or carries no project fields, in which case build-system
// resolution proceeds.
func resolveManual(path, root string, cfg *config.Config) (*Model, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var manual manualModel
	if err := json.Unmarshal(data, &manual); err != nil {
		return nil, false, fmt.Errorf("invalid %s: %w", manualConfigFile, err)
	}
	if len(manual.SourceRoots) == 0 && len(manual.Classpath) == 0 {
		// Settings only; no project model here.
		return nil, false, nil
	}

	m := &Model{
		ProjectRoot:   root,
		BuildSystem:   BuildSystemNone,
		SourceRoots:   absoluteExisting(manual.SourceRoots, root),
		Classpath:     absoluteExisting(manual.Classpath, root),
		CompilerFlags: mergeFlags(manual.CompilerFlags, cfg.CompilerFlags),
		KotlinVersion: manual.KotlinVersion,
		JDKHome:       manual.JDKHome,
	}
	if m.JDKHome == "" {
		m.JDKHome = cfg.JavaHome
	}
	return m, true, nil
}

func resolveGradle(ctx context.Context, root string, cfg *config.Config) (*Model, error) {
	scriptPath := filepath.Join(root, ".kotlin-analyzer-init.gradle.kts")
	if err := os.WriteFile(scriptPath, []byte(initScript), 0o644); err != nil {
		return nil, fmt.Errorf("write gradle init script: %w", err)
	}
	defer os.Remove(scriptPath)

	cmd := exec.CommandContext(ctx, gradleCommand(root),
		"--init-script", scriptPath, "kotlinAnalyzerExtract", "--quiet")
	cmd.Dir = root
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("gradle extraction failed: %w: %s", err, truncatedStderr(err))
	}

	m := parseGradleOutput(string(out), root, cfg)
	logging.Info().
		Int("sourceRoots", len(m.SourceRoots)).
		Int("classpath", len(m.Classpath)).
		Str("kotlinVersion", m.KotlinVersion).
		Msg("gradle project resolved")
	return m, nil
}

func parseGradleOutput(output, root string, cfg *config.Config) *Model {
	m := &Model{
		ProjectRoot: root,
		BuildSystem: BuildSystemGradle,
		JDKHome:     cfg.JavaHome,
	}

	inSection := false
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "---KOTLIN-ANALYZER-START---":
			inSection = true
		case line == "---KOTLIN-ANALYZER-END---":
			inSection = false
		case !inSection:
		case strings.HasPrefix(line, "SOURCE_ROOT="):
			m.SourceRoots = append(m.SourceRoots, strings.TrimPrefix(line, "SOURCE_ROOT="))
		case strings.HasPrefix(line, "CLASSPATH="):
			m.Classpath = append(m.Classpath, strings.TrimPrefix(line, "CLASSPATH="))
		case strings.HasPrefix(line, "COMPILER_FLAG="):
			m.CompilerFlags = append(m.CompilerFlags, strings.TrimPrefix(line, "COMPILER_FLAG="))
		case strings.HasPrefix(line, "KOTLIN_VERSION="):
			m.KotlinVersion = strings.TrimPrefix(line, "KOTLIN_VERSION=")
		case line == "HAS_COMPOSE=true":
			m.HasCompose = true
		case strings.HasPrefix(line, "GENERATED_SOURCE_ROOT="):
			m.GeneratedSourceRoots = append(m.GeneratedSourceRoots, strings.TrimPrefix(line, "GENERATED_SOURCE_ROOT="))
		}
	}

	m.CompilerFlags = mergeFlags(m.CompilerFlags, cfg.CompilerFlags)
	return m
}

func resolveMaven(ctx context.Context, root string, cfg *config.Config) (*Model, error) {
	mvn := "mvn"
	if exists(filepath.Join(root, "mvnw")) {
		mvn = filepath.Join(root, "mvnw")
	}

	cmd := exec.CommandContext(ctx, mvn,
		"dependency:build-classpath", "-DincludeScope=compile", "-Dmdep.outputFile=/dev/stdout", "-q")
	cmd.Dir = root
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("maven extraction failed: %w: %s", err, truncatedStderr(err))
	}

	var classpath []string
	for _, line := range strings.Split(string(out), "\n") {
		for _, p := range strings.Split(line, string(os.PathListSeparator)) {
			if p != "" && exists(p) {
				classpath = append(classpath, p)
			}
		}
	}

	m := &Model{
		ProjectRoot:   root,
		BuildSystem:   BuildSystemMaven,
		SourceRoots:   existingOnly([]string{filepath.Join(root, "src/main/kotlin"), filepath.Join(root, "src/main/java")}),
		Classpath:     classpath,
		CompilerFlags: cfg.CompilerFlags,
		JDKHome:       cfg.JavaHome,
	}
	logging.Info().
		Int("classpath", len(m.Classpath)).
		Msg("maven project resolved")
	return m, nil
}

func gradleCommand(root string) string {
	wrapper := "gradlew"
	if runtime.GOOS == "windows" {
		wrapper = "gradlew.bat"
	}
	if path := filepath.Join(root, wrapper); exists(path) {
		return path
	}
	return "gradle"
}

func findKotlinSourceRoots(root string) []string {
	return existingOnly([]string{
		filepath.Join(root, "src/main/kotlin"),
		filepath.Join(root, "src/main/java"),
		filepath.Join(root, "src"),
	})
}

func absoluteExisting(paths []string, root string) []string {
	var out []string
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		if exists(p) {
			out = append(out, p)
		}
	}
	return out
}

func existingOnly(paths []string) []string {
	var out []string
	for _, p := range paths {
		if exists(p) {
			out = append(out, p)
		}
	}
	return out
}

func mergeFlags(base, extra []string) []string {
	out := append([]string(nil), base...)
	for _, flag := range extra {
		found := false
		for _, have := range out {
			if have == flag {
				found = true
				break
			}
		}
		if !found {
			out = append(out, flag)
		}
	}
	return out
}

// truncatedStderr pulls a bounded amount of stderr out of an exec error so
// build failures stay readable in the log.
func truncatedStderr(err error) string {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return ""
	}
	s := string(exitErr.Stderr)
	if len(s) > 500 {
		s = s[:500]
	}
	return strings.TrimSpace(s)
}
