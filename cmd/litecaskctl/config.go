package main

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// InitClientConfig loads .env/.env.local, if present, then wires up viper
// to read LITECASK_-prefixed environment variables, grounded on
// ValentinKolb-dKV/cmd/util.InitClientConfig.
func InitClientConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("litecask")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// SetupStoreFlags adds the flags every subcommand needs to locate and
// size the store it is about to open.
func SetupStoreFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("path", "./litecask.db", "path to the litecask store directory")
	cmd.PersistentFlags().Uint64("cache-bytes", 64*1024*1024, "value cache arena size in bytes")
	cmd.PersistentFlags().Uint64("keydir-arena-bytes", 32*1024*1024, "key directory arena size in bytes")
}

// BindCommandFlags binds a command's flags to viper.
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

func storePath() string { return viper.GetString("path") }

func cacheBytes() uint64 { return viper.GetUint64("cache-bytes") }

func keyDirArenaBytes() uint64 { return viper.GetUint64("keydir-arena-bytes") }
