package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/banshee-data/headcount/internal/db"
)

var errUsage = errors.New("invalid arguments, see headcount help")

// migrateCommand handles `headcount migrate up|down|status`.
func migrateCommand(w io.Writer, args []string, dbPath string) error {
	if len(args) != 1 {
		return errUsage
	}
	database, err := db.OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", dbPath, err)
	}
	defer database.Close()
	fsys := db.Migrations()

	switch args[0] {
	case "up":
		if err := database.MigrateUp(fsys); err != nil {
			return err
		}
	case "down":
		if err := database.MigrateDown(fsys); err != nil {
			return err
		}
	case "status":
	default:
		return fmt.Errorf("unknown migrate action %q: %w", args[0], errUsage)
	}

	current, dirty, err := database.MigrateVersion(fsys)
	if err != nil {
		return err
	}
	latest, err := db.LatestVersion(fsys)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "schema version %d of %d", current, latest)
	if dirty {
		fmt.Fprint(w, " (dirty)")
	}
	fmt.Fprintln(w)
	return nil
}

// identitiesCommand handles `headcount identities import|remove|count`.
func identitiesCommand(ctx context.Context, w io.Writer, args []string, dbPath string, dim int) error {
	if len(args) == 0 {
		return errUsage
	}
	database, err := db.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", dbPath, err)
	}
	defer database.Close()
	store := db.NewIdentityStore(database)

	switch args[0] {
	case "import":
		if len(args) != 2 {
			return errUsage
		}
		n, err := store.ImportJSON(ctx, args[1], dim)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "imported %d identities from %s\n", n, args[1])
	case "remove":
		if len(args) != 2 {
			return errUsage
		}
		if err := store.Delete(ctx, args[1]); err != nil {
			return fmt.Errorf("remove %s: %w", args[1], err)
		}
		fmt.Fprintf(w, "removed %s\n", args[1])
	case "count":
		persons, refs, err := store.Count(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%d identities, %d reference embeddings\n", persons, refs)
	default:
		return fmt.Errorf("unknown identities action %q: %w", args[0], errUsage)
	}
	return nil
}
