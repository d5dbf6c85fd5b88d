package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeJDK(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	bin := filepath.Join(home, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bin, "java"), []byte("#!/bin/sh\n"), 0o755))
	return home
}

func TestFindJavaPrefersAnalyzerHome(t *testing.T) {
	ours := fakeJDK(t)
	other := fakeJDK(t)
	t.Setenv("KOTLIN_ANALYZER_JAVA_HOME", ours)
	t.Setenv("JAVA_HOME", other)

	java, err := FindJava()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ours, "bin", "java"), java)
}

func TestFindJavaFallsBackToJavaHome(t *testing.T) {
	home := fakeJDK(t)
	t.Setenv("KOTLIN_ANALYZER_JAVA_HOME", "")
	t.Setenv("JAVA_HOME", home)

	java, err := FindJava()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "bin", "java"), java)
}

func TestFindJavaSkipsHomeWithoutBinary(t *testing.T) {
	real := fakeJDK(t)
	t.Setenv("KOTLIN_ANALYZER_JAVA_HOME", t.TempDir())
	t.Setenv("JAVA_HOME", real)

	java, err := FindJava()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(real, "bin", "java"), java)
}

func TestFindJavaNotFound(t *testing.T) {
	t.Setenv("KOTLIN_ANALYZER_JAVA_HOME", "")
	t.Setenv("JAVA_HOME", "")
	t.Setenv("PATH", t.TempDir())

	_, err := FindJava()
	assert.Error(t, err)
}

func TestJavaFromHome(t *testing.T) {
	home := fakeJDK(t)

	java, err := JavaFromHome(home)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "bin", "java"), java)

	_, err = JavaFromHome(t.TempDir())
	assert.Error(t, err)
}
