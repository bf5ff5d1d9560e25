package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	version = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   "agent-collector",
	Short: "Node-local observability agent data-collection core",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "configs/agent.yaml", "path to the agent config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agent-collector version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(version)
		return nil
	},
}

// newViper builds a Viper instance reading cfgFile with AGENT_-prefixed
// environment overrides, e.g. AGENT_BUS_URL overrides bus.url.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(cfgFile)
	v.SetEnvPrefix("AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func execute() error {
	return rootCmd.Execute()
}
