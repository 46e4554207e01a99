// Package azure implements the Azure SQL dialect. The wire protocol and SQL
// surface are SQL Server's, so reads and writes delegate to the mssql
// package; what differs is authentication, which goes through the AAD-aware
// connector for the interactive and CLI-delegated modes.
package azure

import (
	"context"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/microsoft/go-mssqldb/azuread"

	"dbmigrate/internal/config"
	"dbmigrate/internal/driver"
	"dbmigrate/internal/driver/mssql"
)

func init() {
	driver.RegisterSource(config.ProviderAzureSQL, func(ctx context.Context, conn config.Connection, timeout time.Duration) (driver.Source, error) {
		db, err := open(ctx, conn)
		if err != nil {
			return nil, err
		}
		return &mssql.Source{DB: db, Timeout: timeout}, nil
	})
	driver.RegisterTarget(config.ProviderAzureSQL, func(ctx context.Context, conn config.Connection, timeout time.Duration) (driver.Target, error) {
		db, err := open(ctx, conn)
		if err != nil {
			return nil, err
		}
		return &mssql.Target{DB: db, Timeout: timeout}, nil
	})
}

func open(ctx context.Context, conn config.Connection) (*sqlx.DB, error) {
	switch conn.AuthMode {
	case config.AuthInteractiveBrowser:
		extra := url.Values{"fedauth": {azuread.ActiveDirectoryInteractive}}
		return mssql.Open(ctx, azuread.DriverName, mssql.DSN(conn, extra))
	case config.AuthCliDelegated:
		extra := url.Values{"fedauth": {azuread.ActiveDirectoryAzCli}}
		return mssql.Open(ctx, azuread.DriverName, mssql.DSN(conn, extra))
	default:
		return mssql.Open(ctx, "sqlserver", mssql.DSN(conn, nil))
	}
}
