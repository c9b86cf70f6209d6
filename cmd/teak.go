package cmd

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/teakwood/teak/config"
)

var (
	teakCmd = &cobra.Command{
		Use:               "teak",
		Short:             "A replicating in-memory table engine",
		Long:              "Teak is an in-memory transactional table engine with DR streaming.",
		PersistentPreRunE: teakPreRun,
		PersistentPostRun: teakPostRun,
	}

	logFile   = "teak.log"
	logLevel  = "info"
	logStderr = false
	logWriter io.WriteCloser

	configFile = "teak.hcl"

	usedFlags = map[string]struct{}{}
)

func init() {
	log.SetFormatter(&log.TextFormatter{
		DisableLevelTruncation: true,
	})

	fs := teakCmd.PersistentFlags()

	fs.StringVar(&logFile, "log-file", logFile, "`file` to use for logging")
	fs.StringVar(&logLevel, "log-level", logLevel,
		"log level: trace, debug, info, warn, error, fatal, or panic")
	fs.BoolVarP(&logStderr, "log-stderr", "s", logStderr, "log to standard error")
	fs.StringVar(&configFile, "config-file", configFile, "`file` to load config from")

	config.Flags(fs)
}

func Execute() error {
	return teakCmd.Execute()
}

func teakPreRun(cmd *cobra.Command, args []string) error {
	cmd.Flags().Visit(
		func(flg *pflag.Flag) {
			usedFlags[flg.Name] = struct{}{}
		})

	// The default config file is optional; one named explicitly is not.
	_, required := usedFlags["config-file"]
	if err := config.Load(configFile, required); err != nil {
		return fmt.Errorf("teak: %s", err)
	}

	if !logStderr && logFile != "" {
		var err error
		logWriter, err = os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			logWriter = nil
			return fmt.Errorf("teak: %s", err)
		}
		log.SetOutput(logWriter)
	}

	ll, err := log.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("teak: %s", err)
	}
	log.SetLevel(ll)

	log.WithField("pid", os.Getpid()).Info("teak starting")
	return nil
}

func teakPostRun(cmd *cobra.Command, args []string) {
	log.WithField("pid", os.Getpid()).Info("teak done")

	if logWriter != nil {
		logWriter.Close()
	}
}
