package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/tidwall/buntdb"
	"go.uber.org/zap"
	"nyiyui.ca/hato/shirei"
	"nyiyui.ca/hato/shirei/config"
	"nyiyui.ca/hato/shirei/store"
)

func dbCmd() *cobra.Command {
	var path string
	var retired bool
	c := &cobra.Command{
		Use:   "db",
		Short: "Read records straight from a store file",
	}
	c.PersistentFlags().StringVar(&path, "db", config.GetEnv("SHIREI_DB", "shirei.db"), "buntdb path")
	c.PersistentFlags().BoolVar(&retired, "retired", false, "read tombstones of removed records")

	c.AddCommand(&cobra.Command{
		Use:   "get <kind> <id>",
		Short: "Print one record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := shirei.ParseKind(args[0])
			if err != nil {
				return err
			}
			e, err := dbGet(path, kind, args[1], retired)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), e)
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "dump <kind>",
		Short: "Print every record of a kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := shirei.ParseKind(args[0])
			if err != nil {
				return err
			}
			es, err := dbDump(path, kind, retired)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), es)
		},
	})
	return c
}

func openDB(path string) (*buntdb.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return buntdb.Open(path)
}

func dbGet(path string, kind shirei.Kind, id string, retired bool) (shirei.Entity, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	key := store.Key(kind, id)
	if retired {
		key = store.RetiredKey(kind, id)
	}
	var e shirei.Entity
	err = db.View(func(tx *buntdb.Tx) error {
		value, err := tx.Get(key)
		if errors.Is(err, buntdb.ErrNotFound) {
			return fmt.Errorf("%s: %w", key, shirei.ErrNotFound)
		}
		if err != nil {
			return err
		}
		e, err = store.Decode(kind, []byte(value))
		return err
	})
	return e, err
}

func dbDump(path string, kind shirei.Kind, retired bool) ([]shirei.Entity, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	pattern := store.Key(kind, "*")
	if retired {
		pattern = store.RetiredKey(kind, "*")
	}
	es := []shirei.Entity{}
	err = db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(pattern, func(key, value string) bool {
			e, err := store.Decode(kind, []byte(value))
			if err != nil {
				zap.S().Warnw("skipping undecodable record", "key", key, "error", err)
				return true
			}
			es = append(es, e)
			return true
		})
	})
	return es, err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
