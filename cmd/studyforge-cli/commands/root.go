// Package commands implements the StudyForge CLI commands.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "studyforge",
	Short: "StudyForge - turn scanned documents into study material",
	Long: `StudyForge processes scanned PDF documents into structured study
material: transcribed pages, topic sections, and per-section quizzes or audio
narration. Run documents locally or submit them to a StudyForge server.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
