package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/connesc/ctrfs"
	"github.com/connesc/ctrfs/internal/config"
	"github.com/connesc/ctrfs/keys"
)

var rootCmd = &cobra.Command{
	Use:               "ctrfs",
	Short:             "Read the containers and file systems used by the Nintendo 3DS, also known as CTR",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

var (
	configPath string
	keysPath   string
	seedDBPath string
	modsDir    string
	logLevel   string
	partition  int
	noOverlay  bool
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "configuration file (default $XDG_CONFIG_HOME/ctrfs/config.yaml)")
	flags.StringVar(&keysPath, "keys", "", "aes_keys.txt file")
	flags.StringVar(&seedDBPath, "seeddb", "", "seeddb.bin file")
	flags.StringVar(&modsDir, "mods", "", "directory holding the mods of each title, by program id")
	flags.StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flags.IntVar(&partition, "partition", 0, "partition opened in card images")
	flags.BoolVar(&noOverlay, "no-overlay", false, "ignore the RomFS mods")
}

var (
	osFs     = afero.NewOsFs()
	logger   = zerolog.Nop()
	settings = config.Default()
	keyStore = keys.NewFileStore()
)

// setup merges the configuration file with the flags, then loads the keys.
func setup(cmd *cobra.Command, args []string) error {
	path, required := configPath, true
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return err
		}
		required = false
	}

	loaded, err := config.Load(osFs, path, required)
	if err != nil {
		return err
	}
	settings = loaded

	flags := cmd.Flags()
	if flags.Changed("keys") {
		settings.Keys = keysPath
	}
	if flags.Changed("seeddb") {
		settings.SeedDB = seedDBPath
	}
	if flags.Changed("mods") {
		settings.Mods = modsDir
	}
	if flags.Changed("log-level") {
		settings.LogLevel = logLevel
	}

	level, err := settings.Level()
	if err != nil {
		return err
	}
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	logger.Debug().Str("config", path).Str("keys", settings.Keys).Str("seeddb", settings.SeedDB).Str("mods", settings.Mods).Msg("configuration loaded")

	if keyStore, err = settings.KeyStore(osFs); err != nil {
		return err
	}
	return nil
}

func ncchOptions() *ctrfs.Options {
	return &ctrfs.Options{
		Keys:      keyStore,
		Partition: partition,
		Fs:        osFs,
		ModsDir:   settings.Mods,
		Logger:    &logger,
	}
}

func openNCCH(filename string) (*ctrfs.NCCH, error) {
	return ctrfs.OpenNCCHFile(osFs, filename, ncchOptions())
}

// Execute the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
