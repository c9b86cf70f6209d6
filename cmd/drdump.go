package cmd

import (
	"fmt"
	"io/ioutil"
	"os"

	"github.com/spf13/cobra"

	"github.com/teakwood/teak/storage/dr"
)

var (
	drdumpCmd = &cobra.Command{
		Use:   "drdump file...",
		Short: "Decode DR binary log files and print their transactions",
		Args:  cobra.MinimumNArgs(1),
		RunE:  drdumpRun,
	}

	verifyOnly = false
)

func init() {
	drdumpCmd.Flags().BoolVar(&verifyOnly, "verify", verifyOnly,
		"verify framing and checksums without printing records")

	teakCmd.AddCommand(drdumpCmd)
}

func drdumpRun(cmd *cobra.Command, args []string) error {
	for _, fn := range args {
		buf, err := ioutil.ReadFile(fn)
		if err != nil {
			return fmt.Errorf("teak: %s", err)
		}

		if verifyOnly {
			txns, err := dr.DecodeAll(buf)
			if err != nil {
				return fmt.Errorf("teak: %s: %s", fn, err)
			}
			fmt.Printf("%s: %d transactions, %d bytes\n", fn, len(txns), len(buf))
			continue
		}

		fmt.Println(fn)
		if err := dr.Dump(os.Stdout, buf, nil); err != nil {
			return fmt.Errorf("teak: %s: %s", fn, err)
		}
	}
	return nil
}
