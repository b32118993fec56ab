// Package redis provides an execution instance store on Redis.
//
// Flows stay in a durable backend; only instances, which are hot and short
// lived, live here. Keys under the configured prefix:
//
//	<prefix>:instance:<id>                         instance JSON
//	<prefix>:active:<tenant>/<contact>/<flow>      id of the active instance
//	<prefix>:contact:<tenant>/<contact>            set of active instance ids
//	<prefix>:timeouts                              waiting ids scored by TimeoutAt (unix ms)
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
	redis "github.com/redis/go-redis/v9"
)

const (
	defaultPrefix     = "chatflow"
	defaultMaxRetries = 10
)

var ErrTooManyRetries = errors.New("redis transaction retries exhausted")

// Option configures an InstanceStore.
type Option func(*InstanceStore)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *InstanceStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithTerminalTTL expires completed and failed instances after ttl. Zero keeps them.
func WithTerminalTTL(ttl time.Duration) Option {
	return func(s *InstanceStore) {
		s.terminalTTL = ttl
	}
}

// InstanceStore implements persistence.InstanceRepository with optimistic
// WATCH/MULTI transactions.
type InstanceStore struct {
	client      redis.UniversalClient
	logger      *slog.Logger
	prefix      string
	terminalTTL time.Duration
}

func NewInstanceStore(client redis.UniversalClient, logger *slog.Logger, opts ...Option) *InstanceStore {
	s := &InstanceStore{
		client: client,
		logger: logger.With("module", "redis_instances"),
		prefix: defaultPrefix,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Open parses a redis:// URL, connects and pings the server.
func Open(ctx context.Context, logger *slog.Logger, url string, opts ...Option) (*InstanceStore, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(options)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to redis at %s: %w", options.Addr, err)
	}

	logger.InfoContext(ctx, "Connected to redis", "addr", options.Addr, "db", options.DB)

	return NewInstanceStore(client, logger, opts...), nil
}

func (s *InstanceStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	return nil
}

func (s *InstanceStore) Close(_ context.Context) error {
	return s.client.Close()
}

func (s *InstanceStore) instanceKey(id string) string {
	return s.prefix + ":instance:" + id
}

func (s *InstanceStore) activeKey(tenantID, contactID, flowID string) string {
	return s.prefix + ":active:" + persistence.ActiveKey(tenantID, contactID, flowID)
}

func (s *InstanceStore) contactKey(tenantID, contactID string) string {
	return s.prefix + ":contact:" + tenantID + "/" + contactID
}

func (s *InstanceStore) timeoutsKey() string {
	return s.prefix + ":timeouts"
}

func (s *InstanceStore) FindActive(ctx context.Context, tenantID, contactID, flowID string) (*models.Instance, error) {
	id, err := s.client.Get(ctx, s.activeKey(tenantID, contactID, flowID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	instance, err := s.load(ctx, s.client, id)
	if persistence.IsInstanceNotFound(err) {
		return nil, nil
	}

	if err != nil || !instance.IsActive() {
		return nil, err
	}

	return instance, nil
}

func (s *InstanceStore) ActiveByContact(ctx context.Context, tenantID, contactID string) ([]*models.Instance, error) {
	ids, err := s.client.SMembers(ctx, s.contactKey(tenantID, contactID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers failed: %w", err)
	}

	instances, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	active := make([]*models.Instance, 0, len(instances))

	for _, instance := range instances {
		if instance.IsActive() {
			active = append(active, instance)
		}
	}

	models.SortInstances(active)

	return active, nil
}

func (s *InstanceStore) CreateIfAbsent(ctx context.Context, instance *models.Instance) (*models.Instance, error) {
	activeKey := s.activeKey(instance.TenantID, instance.ContactID, instance.FlowID)

	var existing *models.Instance

	txf := func(tx *redis.Tx) error {
		existing = nil

		stored, err := s.load(ctx, tx, instance.ID)
		if err == nil {
			existing = stored

			return nil
		}

		if !persistence.IsInstanceNotFound(err) {
			return err
		}

		id, err := tx.Get(ctx, activeKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis get failed: %w", err)
		}

		if id != "" {
			current, err := s.load(ctx, tx, id)
			if err != nil && !persistence.IsInstanceNotFound(err) {
				return err
			}

			if current.IsActive() {
				existing = current

				return nil
			}
		}

		candidate := instance.Clone()
		candidate.Version = 1

		data, err := json.Marshal(candidate)
		if err != nil {
			return fmt.Errorf("failed to marshal instance: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.write(ctx, pipe, candidate, data)

			return nil
		})

		return err
	}

	if err := s.retry(ctx, txf, activeKey, s.instanceKey(instance.ID)); err != nil {
		return nil, persistence.NewInstanceError("CreateIfAbsent", instance.ID, err)
	}

	if existing != nil {
		return existing, persistence.ErrInstanceAlreadyExists
	}

	instance.Version = 1

	return instance.Clone(), nil
}

func (s *InstanceStore) Save(ctx context.Context, instance *models.Instance) error {
	key := s.instanceKey(instance.ID)
	activeKey := s.activeKey(instance.TenantID, instance.ContactID, instance.FlowID)

	txf := func(tx *redis.Tx) error {
		stored, err := s.load(ctx, tx, instance.ID)
		if err != nil {
			return err
		}

		if stored.Version != instance.Version {
			return persistence.ErrInstanceVersionConflict
		}

		next := instance.Clone()
		next.Version++

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal instance: %w", err)
		}

		holder, err := tx.Get(ctx, activeKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis get failed: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.write(ctx, pipe, next, data)

			if !next.IsActive() && holder == next.ID {
				pipe.Del(ctx, activeKey)
			}

			return nil
		})

		return err
	}

	if err := s.retry(ctx, txf, key, activeKey); err != nil {
		return persistence.NewInstanceError("Save", instance.ID, err)
	}

	instance.Version++

	return nil
}

// write queues the writes that keep the indexes consistent with instance.
func (s *InstanceStore) write(ctx context.Context, pipe redis.Pipeliner, instance *models.Instance, data []byte) {
	var ttl time.Duration
	if instance.IsTerminal() {
		ttl = s.terminalTTL
	}

	pipe.Set(ctx, s.instanceKey(instance.ID), data, ttl)

	contactKey := s.contactKey(instance.TenantID, instance.ContactID)

	if instance.IsActive() {
		pipe.Set(ctx, s.activeKey(instance.TenantID, instance.ContactID, instance.FlowID), instance.ID, 0)
		pipe.SAdd(ctx, contactKey, instance.ID)
	} else {
		pipe.SRem(ctx, contactKey, instance.ID)
	}

	if instance.IsWaiting() && instance.TimeoutAt != nil {
		pipe.ZAdd(ctx, s.timeoutsKey(), redis.Z{Score: float64(instance.TimeoutAt.UnixMilli()), Member: instance.ID})
	} else {
		pipe.ZRem(ctx, s.timeoutsKey(), instance.ID)
	}
}

func (s *InstanceStore) retry(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for range defaultMaxRetries {
		err := s.client.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.DebugContext(ctx, "Redis transaction conflict, retrying", "keys", keys)

			continue
		}

		return err
	}

	return ErrTooManyRetries
}

func (s *InstanceStore) InstanceByID(ctx context.Context, id string) (*models.Instance, error) {
	instance, err := s.load(ctx, s.client, id)
	if err != nil {
		return nil, persistence.NewInstanceError("InstanceByID", id, err)
	}

	return instance, nil
}

func (s *InstanceStore) DueForTimeout(ctx context.Context, now time.Time, limit int) ([]*models.Instance, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	if limit > 0 {
		by.Count = int64(limit)
	}

	ids, err := s.client.ZRangeByScore(ctx, s.timeoutsKey(), by).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore failed: %w", err)
	}

	instances, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	due := make([]*models.Instance, 0, len(instances))

	for _, instance := range instances {
		if instance.IsWaiting() && instance.TimeoutAt != nil && !instance.TimeoutAt.After(now) {
			due = append(due, instance)
		}
	}

	return due, nil
}

func (s *InstanceStore) load(ctx context.Context, c redis.Cmdable, id string) (*models.Instance, error) {
	data, err := c.Get(ctx, s.instanceKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, persistence.ErrInstanceNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var instance models.Instance
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance %s: %w", id, err)
	}

	return &instance, nil
}

// loadMany keeps the order of ids and skips instances that expired.
func (s *InstanceStore) loadMany(ctx context.Context, ids []string) ([]*models.Instance, error) {
	if len(ids) == 0 {
		return []*models.Instance{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.instanceKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget failed: %w", err)
	}

	instances := make([]*models.Instance, 0, len(values))

	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}

		var instance models.Instance
		if err := json.Unmarshal([]byte(raw), &instance); err != nil {
			return nil, fmt.Errorf("failed to unmarshal instance %s: %w", ids[i], err)
		}

		instances = append(instances, &instance)
	}

	return instances, nil
}
