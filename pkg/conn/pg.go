package conn

import (
	"fmt"
	"net/url"

	"github.com/yanun0323/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Option configures the fleet's PostgreSQL connection. Fields map one to
// one onto the ops postgres config block.
type Option struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (opt Option) withDefaults() Option {
	if opt.Host == "" {
		opt.Host = "localhost"
	}
	if opt.Port == 0 {
		opt.Port = 5432
	}
	if opt.SSLMode == "" {
		opt.SSLMode = "disable"
	}
	return opt
}

// Client wraps the gorm pool the store persists through.
type Client struct {
	db *gorm.DB
}

// New opens a PostgreSQL pool for the store.
func New(option Option) (*Client, error) {
	db, err := gorm.Open(postgres.Open(option.withDefaults().dsn()), &gorm.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	return &Client{db: db}, nil
}

// DB returns the underlying gorm.DB instance.
func (c *Client) DB() *gorm.DB {
	if c == nil {
		return nil
	}
	return c.db
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (opt Option) dsn() string {
	u := &url.URL{
		Scheme:   "postgres",
		Host:     fmt.Sprintf("%s:%d", opt.Host, opt.Port),
		RawQuery: url.Values{"sslmode": []string{opt.SSLMode}}.Encode(),
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}
	if opt.User != "" {
		u.User = url.User(opt.User)
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		}
	}
	return u.String()
}
