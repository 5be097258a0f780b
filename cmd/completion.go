package cmd

import (
	"strings"

	"github.com/spf13/cobra"
)

// logCategories are the named filters understood by matchesFilter.
var logCategories = []string{
	"tunnel\tRelay connection, backoff and keepalive",
	"client\tRemote clients connecting and disconnecting",
	"worker\tWorker processes",
	"network\tNetwork changes and wake from sleep",
	"auth\tSign in and token refresh",
}

func filterCompletionFunc(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	var out []string
	for _, c := range logCategories {
		if strings.HasPrefix(c, toComplete) {
			out = append(out, c)
		}
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}
