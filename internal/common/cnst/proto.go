package cnst

// StoreType selects the backend a session store persists to
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeDB     StoreType = "db"
	StoreTypeDisk   StoreType = "disk"
)

func (s StoreType) String() string {
	return string(s)
}

// DatabaseType represents the SQL dialects supported by the db store
type DatabaseType string

const (
	DatabaseTypeSQLite   DatabaseType = "sqlite"
	DatabaseTypeMySQL    DatabaseType = "mysql"
	DatabaseTypePostgres DatabaseType = "postgres"
)

func (d DatabaseType) String() string {
	return string(d)
}
