// Status repository encapsulates the shared-cache flags read by every gateway process.

package status

import (
	"Relay/pkg/db"
	"Relay/pkg/log"
	"context"

	"github.com/pkg/errors"
)

// Present while repair mode is forced by an operator.
var repairModeDbKey string = "repair_mode"

type Repository interface {
	// Reports whether the repair flag is set in the cache
	RepairFlag(ctx context.Context, logger log.Logger) (bool, error)
	// Sets or clears the repair flag
	SetRepairFlag(ctx context.Context, logger log.Logger, enabled bool) error
	// Reports whether the cache answers
	Healthy(ctx context.Context) bool
}

// repository struct of status Repository.
type repository struct {
	db *db.RedisDB
}

// Returns a new instance of status repository for other packages to access its interface.
func NewRepository(dbwrp *db.RedisDB) Repository {
	return repository{db: dbwrp}
}

func (r repository) RepairFlag(ctx context.Context, logger log.Logger) (bool, error) {
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()
	n, dberr := r.db.Client().Exists(ctx, repairModeDbKey).Result()
	if dberr != nil {
		logger.WithCtx(ctx).Warn().Err(dberr).Msg("Error occured during execution of redis.Exists() in status.RepairFlag")
		return false, errors.Wrap(dberr, "read repair flag")
	}
	return n == 1, nil
}

func (r repository) SetRepairFlag(ctx context.Context, logger log.Logger, enabled bool) error {
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()
	var dberr error
	if enabled {
		dberr = r.db.Client().Set(ctx, repairModeDbKey, "", 0).Err()
	} else {
		dberr = r.db.Client().Del(ctx, repairModeDbKey).Err()
	}
	if dberr != nil {
		logger.WithCtx(ctx).Error().Err(dberr).Bool("enabled", enabled).Msg("Error occured while writing repair flag in status.SetRepairFlag")
		return errors.Wrap(dberr, "write repair flag")
	}
	return nil
}

func (r repository) Healthy(ctx context.Context) bool {
	return r.db.Healthy(ctx)
}
