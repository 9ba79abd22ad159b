package storage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/tos-network/tos-pool-api/internal/util"
)

// Key patterns, relative to the coin namespace
const (
	keyHashrate          = "hashrate"
	keyStats             = "stats"
	keyBlocksCandidates  = "blocks:candidates"
	keyBlocksMatured     = "blocks:matured"
	keySharesRound       = "shares:roundCurrent"
	keyPaymentsAll       = "payments:all"
	keyPaymentsAddr      = "payments:%s"
	keyPaymentsPattern   = "payments:*"
	keyWorkers           = "workers:%s"
	keyWorkersPattern    = "workers:*"
	keyUniqueWorker      = "unique_workers:%s"
	keyUniqueWorkersAddr = "unique_workers:%s" + WorkerSeparator + "*"
	keyChart             = "charts:%s"
	keyChartAddr         = "charts:%s:%s"
	keyWhitelist         = "whitelist"
)

// RedisClient wraps Redis reads for the stats API
type RedisClient struct {
	client *redis.Client
	prefix string
}

// NewRedisClient creates a new Redis client with keys namespaced by coin
func NewRedisClient(url, password string, db int, coin string) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	util.Infof("Connected to Redis at %s (namespace %s)", url, coin)
	return &RedisClient{client: client, prefix: coin + ":"}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

func (r *RedisClient) key(pattern string, args ...interface{}) string {
	if len(args) == 0 {
		return r.prefix + pattern
	}
	return r.prefix + fmt.Sprintf(pattern, args...)
}

// FetchPoolData trims the hashrate series to samples newer than cutoff and
// reads everything a stats cycle needs in a single MULTI/EXEC.
func (r *RedisClient) FetchPoolData(ctx context.Context, cutoff time.Time, blocks, payments int64) (*PoolData, error) {
	pipe := r.client.TxPipeline()

	pipe.ZRemRangeByScore(ctx, r.key(keyHashrate), "-inf", "("+strconv.FormatInt(cutoff.Unix(), 10))
	samplesCmd := pipe.ZRange(ctx, r.key(keyHashrate), 0, -1)
	statsCmd := pipe.HGetAll(ctx, r.key(keyStats))
	candidatesCmd := pipe.ZRangeWithScores(ctx, r.key(keyBlocksCandidates), 0, -1)
	maturedCmd := pipe.ZRevRangeWithScores(ctx, r.key(keyBlocksMatured), 0, blocks-1)
	roundCmd := pipe.HGetAll(ctx, r.key(keySharesRound))
	maturedCountCmd := pipe.ZCard(ctx, r.key(keyBlocksMatured))
	paymentsCmd := pipe.ZRevRangeWithScores(ctx, r.key(keyPaymentsAll), 0, payments-1)
	paymentsCountCmd := pipe.ZCard(ctx, r.key(keyPaymentsAll))
	paidKeysCmd := pipe.Keys(ctx, r.key(keyPaymentsPattern))

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	data := &PoolData{
		Stats:         statsCmd.Val(),
		Candidates:    toScored(candidatesCmd.Val()),
		Matured:       toScored(maturedCmd.Val()),
		RoundShares:   make(map[string]uint64),
		MaturedCount:  maturedCountCmd.Val(),
		Payments:      toScored(paymentsCmd.Val()),
		PaymentsCount: paymentsCountCmd.Val(),
	}

	for _, member := range samplesCmd.Val() {
		sample, err := ParseHashrateSample(member)
		if err != nil {
			data.Malformed++
			continue
		}
		data.Samples = append(data.Samples, sample)
	}

	for participant, v := range roundCmd.Val() {
		shares, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			data.Malformed++
			continue
		}
		data.RoundShares[participant] = shares
	}

	// Stored in milliseconds by the share processor
	if v, ok := data.Stats["lastBlockFound"]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			data.LastBlockFound = ms / 1000
		}
	}

	// payments:all matches the pattern too
	if n := int64(len(paidKeysCmd.Val())); n > 0 {
		data.MinersPaid = n - 1
	}

	return data, nil
}

// FetchAddressData reads the workers hash, recent payments and the worker
// key set of one address in a single MULTI/EXEC. Record is nil when the
// address has no workers hash.
func (r *RedisClient) FetchAddressData(ctx context.Context, address string, payments int64) (*AddressData, error) {
	pipe := r.client.TxPipeline()
	recordCmd := pipe.HGetAll(ctx, r.key(keyWorkers, address))
	paymentsCmd := pipe.ZRevRangeWithScores(ctx, r.key(keyPaymentsAddr, address), 0, payments-1)
	workersCmd := pipe.Keys(ctx, r.key(keyUniqueWorkersAddr, address))

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	data := &AddressData{Payments: toScored(paymentsCmd.Val())}

	if fields := recordCmd.Val(); len(fields) > 0 {
		data.Record = &AddressRecord{Address: address, Fields: fields}
	}

	keyPrefix := r.key(keyUniqueWorker, "")
	for _, k := range workersCmd.Val() {
		p := ParseParticipant(strings.TrimPrefix(k, keyPrefix))
		if p.Address == address && p.IsWorker() {
			data.Workers = append(data.Workers, p.Worker)
		}
	}
	sort.Strings(data.Workers)

	return data, nil
}

// FetchWorkerDetails reads lifetime counters for the named workers of address
func (r *RedisClient) FetchWorkerDetails(ctx context.Context, address string, names []string) ([]WorkerDetail, error) {
	if len(names) == 0 {
		return nil, nil
	}

	pipe := r.client.TxPipeline()
	cmds := make([]*redis.StringStringMapCmd, len(names))
	for i, name := range names {
		p := Participant{Address: address, Worker: name}
		cmds[i] = pipe.HGetAll(ctx, r.key(keyUniqueWorker, p))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	details := make([]WorkerDetail, len(names))
	for i, cmd := range cmds {
		fields := cmd.Val()
		details[i].Name = names[i]
		details[i].LastShare, _ = strconv.ParseInt(fields["lastShare"], 10, 64)
		details[i].Hashes, _ = strconv.ParseUint(fields["hashes"], 10, 64)
	}
	return details, nil
}

// AddressExists reports whether address has a workers hash
func (r *RedisClient) AddressExists(ctx context.Context, address string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(keyWorkers, address)).Result()
	return n > 0, err
}

// PaymentsBefore returns up to limit payments strictly older than before,
// newest first. An empty address reads the pool-wide list.
func (r *RedisClient) PaymentsBefore(ctx context.Context, address string, before float64, limit int64) ([]ScoredMember, error) {
	key := r.key(keyPaymentsAll)
	if address != "" {
		key = r.key(keyPaymentsAddr, address)
	}
	return r.revRangeBelow(ctx, key, before, limit)
}

// BlocksBelow returns up to limit matured blocks strictly below height
func (r *RedisClient) BlocksBelow(ctx context.Context, height float64, limit int64) ([]ScoredMember, error) {
	return r.revRangeBelow(ctx, r.key(keyBlocksMatured), height, limit)
}

func (r *RedisClient) revRangeBelow(ctx context.Context, key string, max float64, limit int64) ([]ScoredMember, error) {
	upper := "+inf"
	if !math.IsInf(max, 1) {
		upper = "(" + strconv.FormatFloat(max, 'f', -1, 64)
	}

	res, err := r.client.ZRevRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Max:   upper,
		Min:   "-inf",
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	return toScored(res), nil
}

// MinerSummaries returns lifetime counters for every address with a workers hash
func (r *RedisClient) MinerSummaries(ctx context.Context) ([]MinerSummary, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, r.key(keyWorkersPattern), 1000).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HMGet(ctx, k, "lastShare", "hashes")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	keyPrefix := r.key(keyWorkers, "")
	summaries := make([]MinerSummary, 0, len(keys))
	for i, cmd := range cmds {
		vals := cmd.Val()
		s := MinerSummary{Address: strings.TrimPrefix(keys[i], keyPrefix)}
		if len(vals) == 2 {
			s.LastShare, _ = strconv.ParseInt(asString(vals[0]), 10, 64)
			s.Hashes, _ = strconv.ParseUint(asString(vals[1]), 10, 64)
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

// ChartData returns the raw JSON stored for each named chart series.
// With a non-empty address the per-address series are read. Missing
// series are omitted from the result.
func (r *RedisClient) ChartData(ctx context.Context, names []string, address string) (map[string]string, error) {
	if len(names) == 0 {
		return map[string]string{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(names))
	for i, name := range names {
		if address == "" {
			cmds[i] = pipe.Get(ctx, r.key(keyChart, name))
		} else {
			cmds[i] = pipe.Get(ctx, r.key(keyChartAddr, name, address))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	out := make(map[string]string, len(names))
	for i, cmd := range cmds {
		v, err := cmd.Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[names[i]] = v
	}
	return out, nil
}

// GetWhitelist returns all whitelisted IPs
func (r *RedisClient) GetWhitelist(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, r.key(keyWhitelist)).Result()
}

func toScored(zs []redis.Z) []ScoredMember {
	out := make([]ScoredMember, 0, len(zs))
	for _, z := range zs {
		out = append(out, ScoredMember{Member: asString(z.Member), Score: z.Score})
	}
	return out
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}
