package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kotlin-analyzer/kotlin-analyzer/internal/config"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/logging"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/project"
)

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Debug utilities",
	Long:  `Debug utilities for troubleshooting kotlin-analyzer configuration and project setup.`,
}

var debugConfigCmd = &cobra.Command{
	Use:   "config [dir]",
	Short: "Show the effective configuration for a workspace",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDebugConfig,
}

var debugProjectCmd = &cobra.Command{
	Use:   "project [dir]",
	Short: "Resolve and print the project model for a workspace",
	Long: `Run build-system resolution (Gradle, Maven, or the manual
.kotlin-analyzer.json) against a workspace and print the resulting
project model. Useful for diagnosing missing classpath entries without
involving an editor.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDebugProject,
}

var debugJDKCmd = &cobra.Command{
	Use:   "jdk",
	Short: "Show which JDK and sidecar jar would be used",
	RunE:  runDebugJDK,
}

func init() {
	debugCmd.AddCommand(debugConfigCmd)
	debugCmd.AddCommand(debugProjectCmd)
	debugCmd.AddCommand(debugJDKCmd)
}

func workDir(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	return os.Getwd()
}

func runDebugConfig(cmd *cobra.Command, args []string) error {
	dir, err := workDir(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	return printJSON(cfg)
}

func runDebugProject(cmd *cobra.Command, args []string) error {
	if err := setupLogging(); err != nil {
		return err
	}
	dir, err := workDir(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		cfg = config.Default()
	}

	fmt.Fprintf(os.Stderr, "Build system: %s\n", project.DetectBuildSystem(dir))
	model, err := project.Resolve(context.Background(), dir, cfg)
	if err != nil {
		return fmt.Errorf("resolve project: %w", err)
	}
	return printJSON(model)
}

func runDebugJDK(cmd *cobra.Command, args []string) error {
	java, err := project.FindJava()
	if err != nil {
		fmt.Printf("java:    not found (%v)\n", err)
	} else {
		fmt.Printf("java:    %s\n", java)
	}
	jar, err := project.FindSidecarJar()
	if err != nil {
		fmt.Printf("sidecar: not found (%v)\n", err)
	} else {
		fmt.Printf("sidecar: %s\n", jar)
	}
	logging.Debug().Msg("jdk probe complete")
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
