package main

import (
	"context"
	"flag"
	"log"

	"github.com/uptrace/bun/migrate"

	"github.com/chainsafe/bridge-warden/pkg/config"
	"github.com/chainsafe/bridge-warden/pkg/migrations/ledgerdb"
	"github.com/chainsafe/bridge-warden/pkg/pgutil"
	mghelper "github.com/chainsafe/bridge-warden/pkg/pgutil/migrations"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Usage = mghelper.Usage
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("error reading configuration file: %s", err.Error())
	}
	if cfg.Ledger.Backend != config.LedgerPostgres {
		log.Fatalf("ledger backend is %q, migrations only apply to %q", cfg.Ledger.Backend, config.LedgerPostgres)
	}

	ctx := context.Background()
	db, err := pgutil.ConnectDB(ctx, &cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to database %s: %s", cfg.Database.Database, err.Error())
	}
	defer db.Close()

	log.Printf("running ledger migrations on %s\n", cfg.Database.Database)
	migrator := migrate.NewMigrator(db, ledgerdb.Migrations)
	if err := mghelper.RunMigrations(ctx, migrator, flag.Args()...); err != nil {
		mghelper.Exitf(err.Error())
	}
}
