package auth

import (
	"fmt"
	"time"

	"github.com/influxdata/influxdb/toml"
	"golang.org/x/crypto/bcrypt"
)

const (
	// Default cost is 10
	DefaultBcryptCost      = bcrypt.DefaultCost
	DefaultCacheExpiration = 10 * time.Minute
	DefaultTokenExpiration = 24 * time.Hour
)

type Config struct {
	// Emails that are granted unrestricted access to every district.
	// Super admins are defined by configuration only and can never be
	// created or deleted through the API.
	SuperAdmins []string `toml:"super-admins"`

	// Login password shared by the super admin emails. Super admins have
	// no stored account, so their credential is provisioned from
	// configuration when the service opens. Leave empty to disable
	// super admin logins.
	SuperAdminPassword string `toml:"super-admin-password"`

	CacheExpiration toml.Duration `toml:"cache-expiration"`
	BcryptCost      int           `toml:"bcrypt-cost"`
	TokenExpiration toml.Duration `toml:"token-expiration"`

	// Send a welcome email to newly created admin accounts.
	WelcomeEmail bool `toml:"welcome-email"`
}

func NewConfig() Config {
	return Config{
		CacheExpiration: toml.Duration(DefaultCacheExpiration),
		BcryptCost:      DefaultBcryptCost,
		TokenExpiration: toml.Duration(DefaultTokenExpiration),
		WelcomeEmail:    true,
	}
}

func (c Config) Validate() error {
	if c.BcryptCost < bcrypt.MinCost {
		return fmt.Errorf("must provide a bcrypt cost >= %d, got %d", bcrypt.MinCost, c.BcryptCost)
	}
	if c.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("must provide a bcrypt cost <= %d, got %d", bcrypt.MaxCost, c.BcryptCost)
	}
	if c.TokenExpiration <= 0 {
		return fmt.Errorf("must provide a positive token-expiration, got %v", time.Duration(c.TokenExpiration))
	}
	return nil
}
