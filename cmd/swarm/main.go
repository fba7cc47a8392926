package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spoonbobo/onlysaid-electron-sub007/internal/cli"
)

var rootCmd = &cobra.Command{
	Use:          "swarm",
	Short:        "Multi-agent swarm execution registry",
	SilenceUsage: true,
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
