package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dfeneyrou/litecask"
)

func openStore(cmd *cobra.Command) (*litecask.Datastore, error) {
	if err := BindCommandFlags(cmd); err != nil {
		return nil, err
	}
	ds, st := litecask.Open(storePath(),
		litecask.WithCacheBytes(cacheBytes()),
		litecask.WithKeyDirArenaBytes(keyDirArenaBytes()),
	)
	if st != litecask.StatusOk {
		return nil, fmt.Errorf("open %s: %s", storePath(), st)
	}
	return ds, nil
}

var ttlSec uint32
var forceSync bool

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "Write a key/value pair",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ds, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer ds.Close()

		st := ds.Put([]byte(args[0]), []byte(args[1]), nil, ttlSec, forceSync)
		if st != litecask.StatusOk {
			return fmt.Errorf("put: %s", st)
		}
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Read a value by key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ds, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer ds.Close()

		value, st := ds.Get([]byte(args[0]))
		if st != litecask.StatusOk {
			return fmt.Errorf("get: %s", st)
		}
		fmt.Println(string(value))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Remove a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ds, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer ds.Close()

		st := ds.Remove([]byte(args[0]), forceSync)
		if st != litecask.StatusOk {
			return fmt.Errorf("delete: %s", st)
		}
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <keyPart> [keyPart...]",
	Short: "Find keys carrying every given key-part tag",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ds, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer ds.Close()

		parts := make([][]byte, len(args))
		for i, a := range args {
			parts[i] = []byte(a)
		}
		matches, st := ds.Query(parts)
		if st != litecask.StatusOk {
			return fmt.Errorf("query: %s", st)
		}
		for _, k := range matches {
			fmt.Println(string(k))
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the store's instrumentation counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ds, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer ds.Close()

		snap := ds.Counters().Snapshot()
		fmt.Printf("put=%d get=%d remove=%d cacheHit=%d diskHit=%d corrupted=%d mergeCycles=%d\n",
			snap.PutCallQty, snap.GetCallQty, snap.RemoveCallQty,
			snap.GetCacheHitQty, snap.GetDiskHitQty, snap.GetCallCorruptedQty, snap.MergeCycleQty)
		return nil
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Request a merge cycle without waiting for it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ds, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer ds.Close()

		if !ds.RequestMerge() {
			fmt.Println("a merge cycle is already running")
		}
		return nil
	},
}

func init() {
	putCmd.Flags().Uint32Var(&ttlSec, "ttl", 0, "time-to-live in seconds, 0 for no expiry")
	putCmd.Flags().BoolVar(&forceSync, "fsync", false, "flush and fsync the active file before returning")
	deleteCmd.Flags().BoolVar(&forceSync, "fsync", false, "flush and fsync the active file before returning")
}
