// Package realms reads and edits the auth database realm list.
package realms

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/core-tools/hsu-realmctl/pkg/errors"
	"github.com/core-tools/hsu-realmctl/pkg/logging"
)

const (
	DefaultDatabase  = "acore_auth"
	DefaultPoolSize  = 2
	DefaultQueryWait = 10 * time.Second
)

type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database,omitempty"`
	PoolSize int    `yaml:"pool_size,omitempty"`
}

// Realm is one row of realmlist
type Realm struct {
	ID              int    `json:"id"`
	Name            string `json:"name"`
	Address         string `json:"address"`
	LocalAddress    string `json:"localAddress"`
	LocalSubnetMask string `json:"localSubnetMask"`
	Port            int    `json:"port"`
}

// RealmUpdate names the columns to change. Nil fields are left alone.
type RealmUpdate struct {
	Name            *string `json:"name,omitempty"`
	Address         *string `json:"address,omitempty"`
	LocalAddress    *string `json:"localAddress,omitempty"`
	LocalSubnetMask *string `json:"localSubnetMask,omitempty"`
	Port            *int    `json:"port,omitempty"`
}

type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// DSN builds the driver connection string for config
func DSN(config Config) string {
	database := config.Database
	if database == "" {
		database = DefaultDatabase
	}

	cfg := mysql.NewConfig()
	cfg.User = config.User
	cfg.Passwd = config.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
	cfg.DBName = database
	cfg.Timeout = 5 * time.Second
	return cfg.FormatDSN()
}

// Open creates a store with a small connection pool. No connection is made
// until the first query.
func Open(config Config, logger logging.Logger) (*Store, error) {
	db, err := sql.Open("mysql", DSN(config))
	if err != nil {
		return nil, errors.NewValidationError("invalid database configuration", err)
	}

	poolSize := config.PoolSize
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return NewStore(db, logger), nil
}

func NewStore(db *sql.DB, logger logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) List(ctx context.Context) ([]Realm, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryWait)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, address, localAddress, localSubnetMask, port FROM realmlist")
	if err != nil {
		return nil, errors.NewNetworkError("failed to query realmlist", err)
	}
	defer rows.Close()

	realms := []Realm{}
	for rows.Next() {
		var r Realm
		if err := rows.Scan(&r.ID, &r.Name, &r.Address, &r.LocalAddress, &r.LocalSubnetMask, &r.Port); err != nil {
			return nil, errors.NewParseError("failed to scan realmlist row", err)
		}
		realms = append(realms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewNetworkError("failed to read realmlist", err)
	}
	return realms, nil
}

// Update applies the supplied fields to realm id. It returns false without
// touching the database when no field was supplied.
func (s *Store) Update(ctx context.Context, id int, update RealmUpdate) (bool, error) {
	query, args := buildUpdate(id, update)
	if query == "" {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultQueryWait)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return false, errors.NewNetworkError("failed to update realm", err).WithContext("id", id)
	}
	s.logger.Infof("Realm updated, id: %d, columns: %d", id, len(args)-1)
	return true, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// buildUpdate only ever emits allow-listed column names
func buildUpdate(id int, update RealmUpdate) (string, []interface{}) {
	var sets []string
	var args []interface{}

	add := func(column string, value interface{}) {
		sets = append(sets, fmt.Sprintf("`%s` = ?", column))
		args = append(args, value)
	}
	if update.Name != nil {
		add("name", *update.Name)
	}
	if update.Address != nil {
		add("address", *update.Address)
	}
	if update.LocalAddress != nil {
		add("localAddress", *update.LocalAddress)
	}
	if update.LocalSubnetMask != nil {
		add("localSubnetMask", *update.LocalSubnetMask)
	}
	if update.Port != nil {
		add("port", *update.Port)
	}

	if len(sets) == 0 {
		return "", nil
	}
	args = append(args, id)
	return "UPDATE realmlist SET " + strings.Join(sets, ", ") + " WHERE id = ?", args
}
