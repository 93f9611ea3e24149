package models

import (
	"bitbucket.org/mmdatafocus/contracts_backend/config"
)

func MigrateTable() error {
	db := config.GetDB()
	return db.AutoMigrate(
		&Contract{},
		&ContractLineItem{},
		&Amendment{},
		&AmendmentLineAdjustment{},
		&MovementLedgerEntry{},
		&LineItemBalance{},
		&CartItem{},
		&BalanceEventRecord{},
	)
}
