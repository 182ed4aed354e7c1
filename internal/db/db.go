package db

import (
	"log"
	"strings"

	"branchchat/internal/chat"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// Connect opens the database and migrates the schema. A DSN containing a
// tcp() host is treated as MySQL; anything else is a SQLite path, which is
// the single-user default.
func Connect(dsn string) *gorm.DB {
	var dialector gorm.Dialector
	if strings.Contains(dsn, "@tcp(") {
		dialector = mysql.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}

	if err := gdb.AutoMigrate(&chat.Conversation{}, &chat.Message{}, &chat.Job{}); err != nil {
		log.Fatalf("db migrate: %v", err)
	}

	return gdb
}
