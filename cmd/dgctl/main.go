package main

import (
	"fmt"
	"os"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var log *zap.Logger

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func unwrap[T any](value T, err error) T {
	check(err)
	return value
}

var (
	rootCmd = &cobra.Command{
		Use:          "dgctl",
		Short:        "Deploygate client",
		SilenceUsage: true,
	}
)

func initLogging() {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	config.EncoderConfig.ConsoleSeparator = " "
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.StampMilli)
	log = unwrap(config.Build())
}

func initCommands() {
	rootCmd.PersistentFlags().StringVar(&server, "server", envOr("DEPLOYGATE_SERVER", "http://localhost:8080"), "Deploygate server URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("DEPLOYGATE_TOKEN"), "Reviewer token")

	rootCmd.AddCommand(makeValidateCommand())
	rootCmd.AddCommand(makeRunCommand())
	rootCmd.AddCommand(makeTriggerCommand())
	rootCmd.AddCommand(makeStatusCommand())
	rootCmd.AddCommand(makeDecisionCommand("approve"))
	rootCmd.AddCommand(makeDecisionCommand("reject"))
	rootCmd.AddCommand(makeCancelCommand())
	rootCmd.AddCommand(makeRerunCommand())
	rootCmd.AddCommand(makeHistoryCommand())
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func init() {
	initLogging()
	initCommands()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Command failed: %s\n", err.Error())
		os.Exit(1)
	}
}
