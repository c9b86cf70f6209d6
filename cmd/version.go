package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teakwood/teak/sql"
	"github.com/teakwood/teak/storage/dr"
)

func init() {
	teakCmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number of Teak",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(sql.Version())
				fmt.Printf("DR protocol version %d\n", dr.ProtocolVersion)
			},
		})
}
