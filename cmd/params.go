package cmd

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var paramsCmd = &cobra.Command{
	Use:   "params",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file and PPEC_*
environment overrides have been applied, as YAML.`,
	RunE: runParams,
}

func init() {
	rootCmd.AddCommand(paramsCmd)
}

func runParams(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(env.cfg); err != nil {
		return err
	}
	return enc.Close()
}
