package database

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/repairmybike/rmb-backend/app/models"
	"github.com/repairmybike/rmb-backend/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

var DB *gorm.DB

// DSN builds the MySQL connection string from DB_* variables.
func DSN() string {
	// "user:pass@tcp(127.0.0.1:3306)/dbname?charset=utf8mb4&parseTime=True&loc=UTC"
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		env.GetEnv("DB_USER", ""),
		env.GetEnv("DB_PASSWORD", ""),
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", ""),
	)
}

// Models lists every table owned by the service, in dependency order.
func Models() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Setting{},
		&models.ServiceItem{},
		&models.PlanVariant{},
		&models.Cart{},
		&models.CartItem{},
		&models.DistancePricingRule{},
		&models.FieldStaff{},
		&models.ServiceRequest{},
		&models.ServiceRequestItem{},
		&models.ServiceRequestAttachment{},
		&models.ServiceRequestResponse{},
		&models.LiveLocation{},
		&models.Notification{},
		&models.SubscriptionRequest{},
		&models.UserSubscription{},
		&models.VisitSchedule{},
		&models.Vehicle{},
		&models.SellRequest{},
	}
}

// SetupDatabase connects with retries, migrates the schema and loads the
// settings table into memory.
func SetupDatabase() *gorm.DB {
	var err error
	dsn := DSN()

	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       dsn,
			DefaultStringSize:         256,
			DisableDatetimePrecision:  true,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), &gorm.Config{TranslateError: true})
		if err == nil {
			if err = DB.AutoMigrate(Models()...); err != nil {
				panic(fmt.Errorf("auto migrate: %w", err))
			}
			if err := models.LoadSettings(DB); err != nil {
				log.Warnf("[Database] Using default settings: %v", err)
			}
			log.Info("[Database] Connected and migrated")
			return DB
		}

		log.Warnf("[Database] Failed to connect (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}

	panic(err)
}

func GetDB() *gorm.DB {
	return DB
}
