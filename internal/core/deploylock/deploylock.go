// Package deploylock 环境级部署锁与心跳，保证同一环境同一时刻最多一个进行中的部署
package deploylock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"paas-control/internal/model"
	"paas-control/internal/pkg/metrics"
	"paas-control/pkg/constants"
	pkgErrors "paas-control/pkg/errors"
)

const releaseMaxAttempts = 3

// DeploymentGetter 根据 ID 读取部署记录
type DeploymentGetter func(ctx context.Context, id string) (*model.Deployment, error)

// Options 锁参数
type Options struct {
	LockTTL     time.Duration
	PollTimeout time.Duration
}

// Coordinator 基于 Redis 的部署锁
//
// 每个环境三个 key：
//   - env:<id>:deploy:lock                 存在即占用，值为加锁时间
//   - env:<id>:deploy:deployment           当前部署 ID
//   - env:<id>:deploy:latest_polling_time  驱动最近一次心跳时间（秒）
type Coordinator struct {
	rdb         redis.UniversalClient
	lockTTL     time.Duration
	pollTimeout time.Duration
	now         func() time.Time
	log         *zap.Logger
}

func New(rdb redis.UniversalClient, opts Options, log *zap.Logger) *Coordinator {
	if opts.LockTTL <= 0 {
		opts.LockTTL = constants.DefaultLockTTL
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = constants.DefaultPollTimeout
	}
	return &Coordinator{
		rdb:         rdb,
		lockTTL:     opts.LockTTL,
		pollTimeout: opts.PollTimeout,
		now:         time.Now,
		log:         log,
	}
}

// SetClock 替换时钟，测试使用
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

type envKeys struct {
	lock, deployment, polling string
}

func keysFor(envID string) envKeys {
	prefix := fmt.Sprintf("env:%s:deploy", envID)
	return envKeys{
		lock:       prefix + ":lock",
		deployment: prefix + ":deployment",
		polling:    prefix + ":latest_polling_time",
	}
}

// Acquire 尝试加锁；锁被占用但心跳已超时的部署视为僵死，由 takeover 原子地接管
func (c *Coordinator) Acquire(ctx context.Context, envID string) (bool, error) {
	keys := keysFor(envID)
	ok, err := c.rdb.SetNX(ctx, keys.lock, c.nowSeconds(), c.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire deploy lock: %w", err)
	}
	if ok {
		return true, nil
	}

	ok, err = c.takeover(ctx, envID, keys)
	if err != nil {
		return false, err
	}
	if !ok {
		metrics.DeployLockConflicts.Inc()
	}
	return ok, nil
}

// takeover WATCH 三个 key 后重新判断是否僵死，在同一个 MULTI/EXEC 中写入新的加锁时间；
// 并发接管时只有一个 EXEC 能成功
func (c *Coordinator) takeover(ctx context.Context, envID string, keys envKeys) (bool, error) {
	taken := false
	err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		holder, err := tx.Get(ctx, keys.deployment).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		stale, err := c.isStale(ctx, tx, keys)
		if err != nil || !stale {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, keys.lock, c.nowSeconds(), c.lockTTL)
			pipe.Del(ctx, keys.deployment, keys.polling)
			return nil
		})
		if err != nil {
			return err
		}
		taken = true
		c.log.Warn("部署心跳超时，回收部署锁", zap.String("env_id", envID), zap.String("stale_deployment_id", holder))
		return nil
	}, keys.lock, keys.deployment, keys.polling)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("take over deploy lock: %w", err)
	}
	return taken, nil
}

// SetDeployment 记录持锁的部署并写入首次心跳
func (c *Coordinator) SetDeployment(ctx context.Context, envID, deploymentID string) error {
	keys := keysFor(envID)
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, keys.deployment, deploymentID, c.lockTTL)
		pipe.Set(ctx, keys.polling, c.nowSeconds(), c.lockTTL)
		pipe.PExpire(ctx, keys.lock, c.lockTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set deployment on lock: %w", err)
	}
	return nil
}

// UpdatePollingTime 刷新心跳，同时延长锁的 TTL，使超过 LockTTL 的长构建不会丢锁。
// 锁已不存在或已被其他部署持有时返回 ErrLockLost
func (c *Coordinator) UpdatePollingTime(ctx context.Context, envID, deploymentID string) error {
	keys := keysFor(envID)
	return c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, keys.lock).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return pkgErrors.ErrLockLost
		}
		holder, err := tx.Get(ctx, keys.deployment).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if holder != deploymentID {
			return fmt.Errorf("%w: env %s is held by %q", pkgErrors.ErrLockLost, envID, holder)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, keys.polling, c.nowSeconds(), c.lockTTL)
			pipe.PExpire(ctx, keys.lock, c.lockTTL)
			pipe.PExpire(ctx, keys.deployment, c.lockTTL)
			return nil
		})
		return err
	}, keys.lock, keys.deployment)
}

// Release 事务性地删除三个 key。expected 非空时只释放自己持有的锁，
// 锁已不存在时为空操作
func (c *Coordinator) Release(ctx context.Context, envID, expected string) error {
	keys := keysFor(envID)
	var err error
	for i := 0; i < releaseMaxAttempts; i++ {
		err = c.rdb.Watch(ctx, func(tx *redis.Tx) error {
			if expected != "" {
				stored, err := tx.Get(ctx, keys.deployment).Result()
				if err != nil && !errors.Is(err, redis.Nil) {
					return err
				}
				if stored != expected {
					exists, err := tx.Exists(ctx, keys.lock).Result()
					if err != nil {
						return err
					}
					if stored != "" || exists > 0 {
						return pkgErrors.Wrap(pkgErrors.CodeConflict,
							fmt.Sprintf("lock of env %s is held by %q", envID, stored), pkgErrors.ErrLockHolderMismatch)
					}
					return nil
				}
			}
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, keys.lock, keys.deployment, keys.polling)
				return nil
			})
			return err
		}, keys.lock, keys.deployment)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("release deploy lock: %w", err)
}

// ForceRelease 无条件释放
func (c *Coordinator) ForceRelease(ctx context.Context, envID string) error {
	return c.Release(ctx, envID, "")
}

// CurrentDeploymentID 当前持锁部署；心跳超时则回收锁并返回空
func (c *Coordinator) CurrentDeploymentID(ctx context.Context, envID string) (string, error) {
	keys := keysFor(envID)
	id, err := c.rdb.Get(ctx, keys.deployment).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read deploy lock: %w", err)
	}

	stale, err := c.isStale(ctx, c.rdb, keys)
	if err != nil {
		return "", err
	}
	if stale {
		c.log.Warn("部署心跳超时，视为已终止",
			zap.String("env_id", envID),
			zap.String("deployment_id", id))
		if err := c.Release(ctx, envID, id); err != nil && !errors.Is(err, pkgErrors.ErrLockHolderMismatch) {
			return "", err
		}
		return "", nil
	}
	return id, nil
}

// CurrentDeployment 同 CurrentDeploymentID，并加载部署记录
func (c *Coordinator) CurrentDeployment(ctx context.Context, envID string, get DeploymentGetter) (*model.Deployment, error) {
	id, err := c.CurrentDeploymentID(ctx, envID)
	if err != nil || id == "" {
		return nil, err
	}
	return get(ctx, id)
}

// IsLocked 锁是否被占用（不做僵死检测）
func (c *Coordinator) IsLocked(ctx context.Context, envID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, keysFor(envID).lock).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// getter 同时满足 *redis.Tx 与普通客户端
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// isStale 有心跳时按心跳判断；尚未写入心跳时按加锁时间判断
func (c *Coordinator) isStale(ctx context.Context, g getter, keys envKeys) (bool, error) {
	ts, err := c.readSeconds(ctx, g, keys.polling)
	if err != nil {
		return false, err
	}
	if ts == 0 {
		if ts, err = c.readSeconds(ctx, g, keys.lock); err != nil {
			return false, err
		}
		if ts == 0 {
			return false, nil
		}
	}
	return c.now().Sub(time.Unix(ts, 0)) > c.pollTimeout, nil
}

func (c *Coordinator) readSeconds(ctx context.Context, g getter, key string) (int64, error) {
	raw, err := g.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, nil
	}
	return ts, nil
}

func (c *Coordinator) nowSeconds() string {
	return strconv.FormatInt(c.now().Unix(), 10)
}
