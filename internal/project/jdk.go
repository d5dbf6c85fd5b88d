package project

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// FindJava discovers the java binary used to run the sidecar.
//
// Order: KOTLIN_ANALYZER_JAVA_HOME, then JAVA_HOME, then java on PATH.
// The configured javaHome, when set, is handled by the caller and wins over
// all of these.
func FindJava() (string, error) {
	for _, env := range []string{"KOTLIN_ANALYZER_JAVA_HOME", "JAVA_HOME"} {
		if home := os.Getenv(env); home != "" {
			java := filepath.Join(home, "bin", "java")
			if exists(java) {
				return java, nil
			}
		}
	}
	if java, err := exec.LookPath("java"); err == nil {
		return java, nil
	}
	return "", fmt.Errorf("no JVM found: set JAVA_HOME or KOTLIN_ANALYZER_JAVA_HOME")
}

// JavaFromHome returns the java binary under an explicit JDK home, or an
// error if it is not there.
func JavaFromHome(home string) (string, error) {
	java := filepath.Join(home, "bin", "java")
	if !exists(java) {
		return "", fmt.Errorf("no java binary under %s", home)
	}
	return java, nil
}

// FindSidecarJar locates the analysis engine jar: next to the server binary
// in a packaged install, or in the engine's build output during development.
func FindSidecarJar() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	exeDir := filepath.Dir(exe)

	jar := filepath.Join(exeDir, "sidecar.jar")
	if exists(jar) {
		return jar, nil
	}

	devJar := filepath.Join(exeDir, "..", "..", "..", "sidecar", "build", "libs", "sidecar-all.jar")
	if exists(devJar) {
		return filepath.Clean(devJar), nil
	}

	return "", fmt.Errorf("sidecar.jar not found near %s", exeDir)
}
