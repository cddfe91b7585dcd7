// Metrics repository encapsulates the data access logic (interactions with the DB) related to Relay metrics.

package metrics

import (
	"Relay/internal/entity"
	"Relay/internal/errors"
	"Relay/pkg/db"
	"Relay/pkg/log"
	"context"

	"github.com/go-redis/redis/v8"
)

// Hash holding the peak users record, shared by every gateway process.
var peakDbKey string = "relay:peak_users"

// Prefix of the per-process presence mirror set.
var presenceDbKeyPrefix string = "relay:presence:"

type Repository interface {
	// Get the stored peak users record
	GetPeak(ctx context.Context, logger log.Logger) (entity.PeakUsers, error)
	// Store peak only if it beats the stored record, returns whether it was stored
	SetPeakIfHigher(ctx context.Context, logger log.Logger, peak entity.PeakUsers) (bool, error)
	// Mirror a username joining or leaving the presence set of this process
	MirrorPresence(ctx context.Context, logger log.Logger, instance, username string, online bool) error
	// Drop the presence mirror of this process
	ClearPresence(ctx context.Context, logger log.Logger, instance string) error
}

// repository struct of metrics Repository.
// Object of this will be passed around from main to internal.
// Helps to access the repository layer interface and call methods.
type repository struct {
	db *db.RedisDB
}

// Returns a new instance of metrics repository for other packages to access its interface.
func NewRepository(dbwrp *db.RedisDB) Repository {
	return repository{db: dbwrp}
}

func (r repository) GetPeak(ctx context.Context, logger log.Logger) (entity.PeakUsers, error) {
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()
	var peak entity.PeakUsers
	if dberr := r.db.Client().HGetAll(ctx, peakDbKey).Scan(&peak); dberr != nil && dberr != redis.Nil {
		// Error during interacting with DB
		logger.WithCtx(ctx).Error().Err(dberr).Msg("Error occured during execution of redis.HGetAll() in metrics.GetPeak")
		return entity.PeakUsers{}, errors.InternalError("")
	}
	return peak, nil
}

func (r repository) SetPeakIfHigher(ctx context.Context, logger log.Logger, peak entity.PeakUsers) (bool, error) {
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()
	stored := false
	txf := func(tx *redis.Tx) error {
		current, dberr := tx.HGet(ctx, peakDbKey, "count").Int()
		if dberr != nil && dberr != redis.Nil {
			return dberr
		}
		if dberr == nil && current >= peak.Count {
			stored = false
			return nil
		}
		// Operation is commited only if the watched key remains unchanged
		_, dberr = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, peakDbKey, "count", peak.Count, "timestamp", peak.Timestamp)
			return nil
		})
		stored = dberr == nil
		return dberr
	}
	for i := 0; i < r.db.GetMaxRetries(); i++ {
		dberr := r.db.Client().Watch(ctx, txf, peakDbKey)
		if dberr == nil {
			return stored, nil
		} else if dberr == redis.TxFailedErr {
			// Optimistic lock lost. Retry.
			continue
		}
		logger.WithCtx(ctx).Error().Err(dberr).Msg("Error occured in SetPeakIfHigher transaction")
		return false, errors.InternalError("")
	}
	logger.WithCtx(ctx).Warn().Msg("SetPeakIfHigher reached maximum number of retries")
	return false, errors.InternalError("")
}

func (r repository) MirrorPresence(ctx context.Context, logger log.Logger, instance, username string, online bool) error {
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()
	var dberr error
	if online {
		dberr = r.db.Client().SAdd(ctx, presenceDbKeyPrefix+instance, username).Err()
	} else {
		dberr = r.db.Client().SRem(ctx, presenceDbKeyPrefix+instance, username).Err()
	}
	if dberr != nil {
		logger.WithCtx(ctx).Warn().Err(dberr).Msg("Error occured during presence mirror update in metrics.MirrorPresence")
		return errors.InternalError("")
	}
	return nil
}

func (r repository) ClearPresence(ctx context.Context, logger log.Logger, instance string) error {
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()
	if dberr := r.db.Client().Del(ctx, presenceDbKeyPrefix+instance).Err(); dberr != nil {
		logger.WithCtx(ctx).Warn().Err(dberr).Msg("Error occured during execution of redis.Del() in metrics.ClearPresence")
		return errors.InternalError("")
	}
	return nil
}
