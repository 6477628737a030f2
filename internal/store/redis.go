package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/avi3tal/campaigngraph/pkg/types"
)

const (
	defaultRedisPrefix = "campaigngraph"
	maxWatchRetries    = 8
)

// redisReader is the read subset shared by *redis.Client and *redis.Tx.
type redisReader interface {
	SIsMember(ctx context.Context, key string, member interface{}) *redis.BoolCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// RedisStore keeps campaigns in Redis hashes so several daemons can share
// them. Multi-key updates run in MULTI/EXEC under WATCH.
//
//	<prefix>:campaigns                 set of campaign IDs
//	<prefix>:campaign:<id>:nodes       hash node ID -> JSON GraphNode
//	<prefix>:campaign:<id>:execs       hash <node>/<attempt> -> JSON TaskExecution
//	<prefix>:campaign:<id>:run         JSON RunRecord
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL, prefix string) (*RedisStore, error) {
	if redisURL == "" {
		return nil, errors.New("redis URL is required")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStoreFromClient(client, prefix), nil
}

// NewRedisStoreFromClient wraps an existing client. The store owns it and
// closes it on Close.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) campaignsKey() string {
	return r.prefix + ":campaigns"
}

func (r *RedisStore) nodesKey(campaignID string) string {
	return fmt.Sprintf("%s:campaign:%s:nodes", r.prefix, url.PathEscape(campaignID))
}

func (r *RedisStore) execsKey(campaignID string) string {
	return fmt.Sprintf("%s:campaign:%s:execs", r.prefix, url.PathEscape(campaignID))
}

func (r *RedisStore) runKey(campaignID string) string {
	return fmt.Sprintf("%s:campaign:%s:run", r.prefix, url.PathEscape(campaignID))
}

func execField(nodeID string, attempt int) string {
	return fmt.Sprintf("%s/%06d", url.PathEscape(nodeID), attempt)
}

// watch runs fn under WATCH on keys and retries when another client changed
// them before EXEC.
func (r *RedisStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := r.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redis transaction kept conflicting on %s", strings.Join(keys, ", "))
}

func (r *RedisStore) CreateGraph(ctx context.Context, campaignID string, nodes []types.GraphNode) error {
	if err := checkNodes(campaignID, nodes); err != nil {
		return err
	}
	key := r.nodesKey(campaignID)
	return r.watch(ctx, func(tx *redis.Tx) error {
		member, err := tx.SIsMember(ctx, r.campaignsKey(), campaignID).Result()
		if err != nil {
			return err
		}
		if member {
			return fmt.Errorf("%w: %s", ErrCampaignExists, campaignID)
		}
		values, err := nodeValues(nodes)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key, r.execsKey(campaignID), r.runKey(campaignID))
			if len(values) > 0 {
				pipe.HSet(ctx, key, values...)
			}
			pipe.SAdd(ctx, r.campaignsKey(), campaignID)
			return nil
		})
		return err
	}, r.campaignsKey(), key)
}

func (r *RedisStore) GetNodes(ctx context.Context, campaignID string) ([]types.GraphNode, error) {
	if err := r.requireCampaign(ctx, r.client, campaignID); err != nil {
		return nil, err
	}
	raw, err := r.client.HGetAll(ctx, r.nodesKey(campaignID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load nodes: %w", err)
	}
	nodes := make([]types.GraphNode, 0, len(raw))
	for _, data := range raw {
		var n types.GraphNode
		if err := json.Unmarshal([]byte(data), &n); err != nil {
			return nil, fmt.Errorf("decode node: %w", err)
		}
		nodes = append(nodes, n)
	}
	sortNodes(nodes)
	return nodes, nil
}

func (r *RedisStore) UpsertNodes(ctx context.Context, campaignID string, nodes []types.GraphNode) error {
	if len(nodes) == 0 {
		return r.requireCampaign(ctx, r.client, campaignID)
	}
	key := r.nodesKey(campaignID)
	fields := make([]string, 0, len(nodes))
	for _, n := range nodes {
		fields = append(fields, n.NodeID)
	}
	return r.watch(ctx, func(tx *redis.Tx) error {
		if err := r.requireCampaign(ctx, tx, campaignID); err != nil {
			return err
		}
		existing, err := tx.HMGet(ctx, key, fields...).Result()
		if err != nil {
			return err
		}
		for i, v := range existing {
			if v == nil {
				return fmt.Errorf("%w: %s/%s", ErrNodeNotFound, campaignID, fields[i])
			}
		}
		values, err := nodeValues(nodes)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, values...)
			return nil
		})
		return err
	}, key)
}

func (r *RedisStore) AppendExecution(ctx context.Context, exec types.TaskExecution) error {
	key := r.execsKey(exec.CampaignID)
	return r.watch(ctx, func(tx *redis.Tx) error {
		if err := r.requireCampaign(ctx, tx, exec.CampaignID); err != nil {
			return err
		}
		known, err := tx.HExists(ctx, r.nodesKey(exec.CampaignID), exec.GraphNodeID).Result()
		if err != nil {
			return err
		}
		if !known {
			return fmt.Errorf("%w: %s/%s", ErrNodeNotFound, exec.CampaignID, exec.GraphNodeID)
		}
		history, err := r.executions(ctx, tx, exec.CampaignID, exec.GraphNodeID)
		if err != nil {
			return err
		}
		var last *types.TaskExecution
		if len(history) > 0 {
			last = &history[len(history)-1]
		}
		if err := checkAppend(last, exec); err != nil {
			return err
		}
		data, err := json.Marshal(exec)
		if err != nil {
			return fmt.Errorf("encode execution: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, execField(exec.GraphNodeID, exec.AttemptNumber), data)
			return nil
		})
		return err
	}, key)
}

func (r *RedisStore) CompleteExecution(ctx context.Context, exec types.TaskExecution) error {
	key := r.execsKey(exec.CampaignID)
	field := execField(exec.GraphNodeID, exec.AttemptNumber)
	return r.watch(ctx, func(tx *redis.Tx) error {
		var stored *types.TaskExecution
		data, err := tx.HGet(ctx, key, field).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var e types.TaskExecution
			if err := json.Unmarshal([]byte(data), &e); err != nil {
				return fmt.Errorf("decode execution: %w", err)
			}
			stored = &e
		}
		if err := checkComplete(stored, exec); err != nil {
			return err
		}
		encoded, err := json.Marshal(exec)
		if err != nil {
			return fmt.Errorf("encode execution: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, field, encoded)
			return nil
		})
		return err
	}, key)
}

func (r *RedisStore) ListExecutions(ctx context.Context, campaignID, nodeID string) ([]types.TaskExecution, error) {
	if err := r.requireCampaign(ctx, r.client, campaignID); err != nil {
		return nil, err
	}
	return r.executions(ctx, r.client, campaignID, nodeID)
}

func (r *RedisStore) SaveRun(ctx context.Context, run types.RunRecord) error {
	if err := r.requireCampaign(ctx, r.client, run.CampaignID); err != nil {
		return err
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run record: %w", err)
	}
	return r.client.Set(ctx, r.runKey(run.CampaignID), data, 0).Err()
}

func (r *RedisStore) GetRun(ctx context.Context, campaignID string) (types.RunRecord, error) {
	if err := r.requireCampaign(ctx, r.client, campaignID); err != nil {
		return types.RunRecord{}, err
	}
	data, err := r.client.Get(ctx, r.runKey(campaignID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, campaignID)
	} else if err != nil {
		return types.RunRecord{}, err
	}
	var run types.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return types.RunRecord{}, fmt.Errorf("decode run record: %w", err)
	}
	return run, nil
}

func (r *RedisStore) ListCampaigns(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.campaignsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) requireCampaign(ctx context.Context, c redisReader, campaignID string) error {
	member, err := c.SIsMember(ctx, r.campaignsKey(), campaignID).Result()
	if err != nil {
		return fmt.Errorf("failed to check campaign: %w", err)
	}
	if !member {
		return fmt.Errorf("%w: %s", ErrCampaignNotFound, campaignID)
	}
	return nil
}

func (r *RedisStore) executions(ctx context.Context, c redisReader, campaignID, nodeID string) ([]types.TaskExecution, error) {
	raw, err := c.HGetAll(ctx, r.execsKey(campaignID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load executions: %w", err)
	}
	prefix := ""
	if nodeID != "" {
		prefix = url.PathEscape(nodeID) + "/"
	}
	var out []types.TaskExecution
	for field, data := range raw {
		if !strings.HasPrefix(field, prefix) {
			continue
		}
		var e types.TaskExecution
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("decode execution: %w", err)
		}
		out = append(out, e)
	}
	sortExecutions(out)
	return out, nil
}

func nodeValues(nodes []types.GraphNode) ([]any, error) {
	values := make([]any, 0, 2*len(nodes))
	for _, n := range nodes {
		data, err := json.Marshal(n)
		if err != nil {
			return nil, fmt.Errorf("encode node %s: %w", n.NodeID, err)
		}
		values = append(values, n.NodeID, data)
	}
	return values, nil
}
