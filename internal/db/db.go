package db

import (
	"log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/qiyuhang/multisolve/internal/billing"
	"github.com/qiyuhang/multisolve/internal/chat"
	"github.com/qiyuhang/multisolve/internal/models"
	"github.com/qiyuhang/multisolve/internal/ratelimit"
)

func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	if err := Migrate(gdb); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	return gdb
}

func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&models.User{},
		&chat.ProblemStatement{},
		&chat.ProblemBreakdown{},
		&chat.Chat{},
		&chat.ModelResponse{},
		&chat.ChainJob{},
		&billing.UsageRecord{},
		&billing.CreditAccount{},
		&ratelimit.UsageCounter{},
	)
}
