// Package all wires all built-in dialect drivers into the driver registry.
//
// This package exists purely for side effects: importing it (even as a blank
// import) causes the init functions of each concrete dialect to run, which in
// turn register their source and target factories with the driver package.
//
// In other words, importing this package makes the following providers
// available at runtime:
//
//   - "SqlServer"  (dbmigrate/internal/driver/mssql, source and target)
//   - "AzureSql"   (dbmigrate/internal/driver/azure, source and target)
//   - "PostgreSql" (dbmigrate/internal/driver/postgres, source only)
//   - "MySql"      (dbmigrate/internal/driver/mysql, source only)
//   - "Oracle"     (dbmigrate/internal/driver/oracle, source only)
//
// Typical usage (in cmd/dbmigrate/main.go or a similar wiring layer):
//
//	package main
//
//	import (
//	    _ "dbmigrate/internal/driver/all" // enable all built-in dialects
//
//	    "dbmigrate/internal/driver"
//	)
//
// After the blank import, driver.OpenSource and driver.OpenTarget resolve a
// config.Provider to the matching dialect without the caller importing any
// dialect package directly.
//
// Note: a binary that supports only a subset of dialects can define an
// alternative wiring package that imports only the required ones instead of
// this package.
package all

import (
	_ "dbmigrate/internal/driver/azure"
	_ "dbmigrate/internal/driver/mssql"
	_ "dbmigrate/internal/driver/mysql"
	_ "dbmigrate/internal/driver/oracle"
	_ "dbmigrate/internal/driver/postgres"
)
