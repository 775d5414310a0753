// Command devbenchd-migrate brings a devbenchd state database up to the
// schema the running binary expects, outside of server startup, so an
// operator can inspect and back up a database before a version upgrade
// touches it.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/pvliesdonk/mcp-devbench/pkg/storage"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/devbench", "devbenchd data directory")
	dryRun     = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "Path to back up the database before migration (default: <data-dir>/devbench.db.backup)")
)

var knownBuckets = []string{"containers", "attachments", "execs", "idempotency_keys", "meta"}

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("devbench database migration tool")
	log.Println("=================================")

	dbPath := filepath.Join(*dataDir, "devbench.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("database not found at %s", dbPath)
	}

	log.Printf("Database: %s", dbPath)
	log.Printf("Dry run: %v", *dryRun)

	if err := inspect(dbPath); err != nil {
		log.Fatalf("inspect database: %v", err)
	}

	if *dryRun {
		log.Println("\nDry run completed. No changes made.")
		log.Println("Run without --dry-run to bring the schema up to date.")
		return
	}

	backupFile := *backupPath
	if backupFile == "" {
		backupFile = dbPath + ".backup"
	}
	log.Printf("Creating backup: %s", backupFile)
	if err := copyFile(dbPath, backupFile); err != nil {
		log.Fatalf("failed to create backup: %v", err)
	}
	log.Println("backup created successfully")

	store, err := storage.NewBoltStore(dbPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer store.Close()

	if err := store.Migrate(context.Background()); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	log.Println("\nmigration completed successfully")
}

// inspect opens the database read-only and reports which of the buckets
// this binary expects are present, and how many records each holds, so an
// operator can see what a migration will touch before running one.
func inspect(dbPath string) error {
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	defer db.Close()

	return db.View(func(tx *bolt.Tx) error {
		for _, name := range knownBuckets {
			b := tx.Bucket([]byte(name))
			if b == nil {
				log.Printf("  %-20s missing (will be created)", name)
				continue
			}
			count := 0
			_ = b.ForEach(func(_, _ []byte) error {
				count++
				return nil
			})
			log.Printf("  %-20s %d record(s)", name, count)
		}
		return nil
	})
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0o600)
}
