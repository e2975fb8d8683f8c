package database

import (
	"fmt"
	"log"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB is the global database instance
var DB *gorm.DB

// Connect establishes a database connection. Postgres DSNs (postgres:// or
// postgresql://) use the postgres driver; anything else is treated as a
// sqlite path, which is the development default.
func Connect(dsn string, logLevel logger.LogLevel) error {
	var err error

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logLevel)}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		DB, err = gorm.Open(postgres.Open(dsn), cfg)
	} else {
		DB, err = gorm.Open(sqlite.Open(dsn), cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Println("Database connection established")
	return nil
}

// AutoMigrate runs database migrations
func AutoMigrate() error {
	log.Println("Running database migrations...")

	err := DB.AutoMigrate(
		&MonitoredService{},
		&Incident{},
		&IncidentLog{},
		&SlackSettings{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Println("Database migrations completed successfully")
	return nil
}

// InitializeDefaults creates default records if they don't exist
func InitializeDefaults() error {
	var count int64
	DB.Model(&SlackSettings{}).Count(&count)
	if count == 0 {
		defaults := &SlackSettings{Enabled: false}
		if err := DB.Create(defaults).Error; err != nil {
			return fmt.Errorf("failed to create default slack settings: %w", err)
		}
		log.Println("Created default Slack settings (disabled)")
	}
	return nil
}

// GetSlackSettings retrieves Slack settings from the database
func GetSlackSettings() (*SlackSettings, error) {
	var settings SlackSettings
	if err := DB.First(&settings).Error; err != nil {
		return nil, err
	}
	return &settings, nil
}

// UpdateSlackSettings updates Slack settings in the database
func UpdateSlackSettings(settings *SlackSettings) error {
	return DB.Model(&SlackSettings{}).Where("id = ?", settings.ID).Updates(settings).Error
}

// SeedServices upserts monitored services by name. Used at startup to load
// the YAML service catalog; existing rows keep their enabled flag unless the
// catalog explicitly disables them.
func SeedServices(db *gorm.DB, services []MonitoredService) error {
	for _, svc := range services {
		var existing MonitoredService
		err := db.Where("name = ?", svc.Name).First(&existing).Error
		if err == gorm.ErrRecordNotFound {
			if err := db.Create(&svc).Error; err != nil {
				return fmt.Errorf("failed to create service %s: %w", svc.Name, err)
			}
			log.Printf("Registered monitored service: %s (%s)", svc.Name, svc.BaseURL)
			continue
		}
		if err != nil {
			return err
		}

		updates := map[string]interface{}{
			"base_url":    svc.BaseURL,
			"probe_paths": svc.ProbePaths,
			"enabled":     svc.Enabled,
		}
		if err := db.Model(&existing).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update service %s: %w", svc.Name, err)
		}
	}
	return nil
}

// GetDB returns the database instance
func GetDB() *gorm.DB {
	return DB
}

// Close closes the database connection
func Close() error {
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
