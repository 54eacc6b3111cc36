package ledgerdb

import (
	"context"
	"log"

	"github.com/uptrace/bun"

	"github.com/chainsafe/bridge-warden/pkg/ledger"
	mghelper "github.com/chainsafe/bridge-warden/pkg/pgutil/migrations"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		log.Println("creating relay_records table...")
		if err := mghelper.CreateSchema(ctx, db, &ledger.RelayRecordDao{}); err != nil {
			return err
		}
		// the reconciler scans by status and age
		return mghelper.CreateModelIndexes(ctx, db, &ledger.RelayRecordDao{}, "status", "updated_at")
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping relay_records table...")
		return mghelper.DropTables(ctx, db, &ledger.RelayRecordDao{})
	})
}
