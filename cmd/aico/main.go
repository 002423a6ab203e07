// Command aico runs the AICO core services: the message bus broker,
// the encrypted HTTP gateway, the modelservice dispatcher, or all of
// them in one process.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/aico-project/aico/internal/config"
)

var version = "dev"

var (
	configPath string
	debugFlag  bool
)

func main() {
	root := &cobra.Command{
		Use:           "aico",
		Short:         "AICO core services",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "aico.yaml", "path to the configuration file")
	root.PersistentFlags().BoolVar(&debugFlag, "debug", false, "verbose logging")

	root.AddCommand(
		serveCmd(),
		brokerCmd(),
		gatewayCmd(),
		modelserviceCmd(),
		chatCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		log.Printf("aico: %v", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if debugFlag {
		cfg.Debug = true
	}
	return cfg, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the aico version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("aico", version)
		},
	}
}
