package api

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"renderd/pkg/bus"
	rds3 "renderd/pkg/s3"
)

// Store holds external dependencies required by the API layer. Bus and S3
// may be nil in reduced deployments; dependent features degrade to
// best-effort in-process behaviour or report errors.
type Store struct {
	DB  *pgxpool.Pool
	ORM *gorm.DB
	S3  *rds3.Client
	Bus *bus.Bus
}
