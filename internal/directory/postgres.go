package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/calllog"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/config"
)

// PostgresDirectory reads profile rows and, when an avatar object is
// recorded, attaches a presigned download URL from the avatar bucket.
type PostgresDirectory struct {
	db            *sqlx.DB
	avatars       *minio.Client
	bucket        string
	presignExpiry time.Duration
	logger        calllog.Logger
}

type profileRow struct {
	UserID      string         `db:"user_id"`
	DisplayName string         `db:"display_name"`
	AvatarKey   sql.NullString `db:"avatar_key"`
}

// NewPostgresDirectory builds the directory over an existing database
// handle. The MinIO client is optional: with cfg.MinIOEndpoint empty,
// profiles resolve without avatar URLs.
func NewPostgresDirectory(db *sqlx.DB, cfg config.DirectoryConfig) (*PostgresDirectory, error) {
	d := &PostgresDirectory{
		db:            db,
		bucket:        cfg.AvatarBucket,
		presignExpiry: cfg.PresignExpiry,
		logger:        calllog.L().Named("directory"),
	}
	if d.presignExpiry <= 0 {
		d.presignExpiry = 15 * time.Minute
	}

	if cfg.MinIOEndpoint != "" {
		client, err := minio.New(cfg.MinIOEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.MinIOAccessKey, cfg.MinIOSecretKey, ""),
			Secure: cfg.MinIOUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("create avatar client: %w", err)
		}
		d.avatars = client
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return d, nil
}

func (d *PostgresDirectory) initSchema(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS user_profiles (
			user_id UUID PRIMARY KEY,
			display_name VARCHAR(128) NOT NULL,
			avatar_key TEXT
		)
	`)
	return err
}

func (d *PostgresDirectory) Lookup(ctx context.Context, userID string) (Profile, error) {
	var row profileRow
	err := d.db.GetContext(ctx, &row, `
		SELECT user_id, display_name, avatar_key
		FROM user_profiles WHERE user_id = $1
	`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	if err != nil {
		return Profile{}, fmt.Errorf("lookup profile: %w", err)
	}

	p := Profile{UserID: row.UserID, DisplayName: row.DisplayName}
	if row.AvatarKey.Valid && d.avatars != nil {
		u, err := d.avatars.PresignedGetObject(ctx, d.bucket, row.AvatarKey.String, d.presignExpiry, nil)
		if err != nil {
			// Identity still renders without the avatar.
			d.logger.Warn("avatar presign failed",
				calllog.String("user_id", userID),
				calllog.Error(err))
		} else {
			p.AvatarURL = u.String()
		}
	}
	return p, nil
}
