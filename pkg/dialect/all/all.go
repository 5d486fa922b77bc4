// Package all регистрирует все встроенные диалекты
package all

import (
	_ "github.com/ruslano69/featurestore/pkg/dialect/mssql"
	_ "github.com/ruslano69/featurestore/pkg/dialect/mysql"
	_ "github.com/ruslano69/featurestore/pkg/dialect/odbc"
	_ "github.com/ruslano69/featurestore/pkg/dialect/postgres"
	_ "github.com/ruslano69/featurestore/pkg/dialect/sqlite"
)
