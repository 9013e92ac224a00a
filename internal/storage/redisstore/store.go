// Package redisstore keeps authoritative engine states in Redis hashes, one per user.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/divijg19/pulse/internal/core"
)

const keyPrefix = "pulse:state:"

// Hash fields match the document keys.
const (
	fieldCurrentStatus      = "currentStatus"
	fieldLastCheckInAt      = "lastCheckInAt"
	fieldCooldownUntil      = "cooldownUntil"
	fieldNextAskAt          = "nextAskAt"
	fieldSilenceCount       = "silenceCount"
	fieldEmergencyArmed     = "emergencyArmed"
	fieldEmergencyLastAskAt = "emergencyLastAskAt"
	fieldLastTriggerSource  = "lastTriggerSource"
	fieldEscalationNeeded   = "escalationNeeded"
	fieldLastEventAt        = "lastEventAt"
)

// sortableTime matches the SQLite store so lastEventAt compares as text.
const sortableTime = "2006-01-02T15:04:05.000000000Z"

// saveStateScript replaces the state fields atomically.
// KEYS[1] = state hash
// ARGV[1] = event instant in sortableTime, or "" to leave lastEventAt alone
// ARGV[2..] = field/value pairs to set; document fields not listed are removed
var saveStateScript = redis.NewScript(`
local key = KEYS[1]
local eventAt = ARGV[1]

redis.call("HDEL", key, "lastCheckInAt", "cooldownUntil", "nextAskAt", "emergencyLastAskAt", "lastTriggerSource")
for i = 2, #ARGV, 2 do
    redis.call("HSET", key, ARGV[i], ARGV[i + 1])
end

if eventAt ~= "" then
    local last = redis.call("HGET", key, "lastEventAt")
    if not last or eventAt > last then
        redis.call("HSET", key, "lastEventAt", eventAt)
    end
end
return 1
`)

// Store implements the authority's state store on Redis.
type Store struct {
	client *redis.Client
}

// New creates a store connected to addr.
func New(addr, password string, db int) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Store{client: rdb}
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	return &Store{client: client}, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("ping: store is nil")
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// LoadState returns the stored state for userID. The bool is false when the
// user has no hash yet.
func (s *Store) LoadState(ctx context.Context, userID string) (core.State, bool, error) {
	if s == nil || s.client == nil {
		return core.State{}, false, fmt.Errorf("load state: store is nil")
	}
	if strings.TrimSpace(userID) == "" {
		return core.State{}, false, fmt.Errorf("load state: user id is empty")
	}

	fields, err := s.client.HGetAll(ctx, key(userID)).Result()
	if err != nil {
		return core.State{}, false, fmt.Errorf("load state: hgetall: %w", err)
	}
	if len(fields) == 0 {
		return core.NewState(), false, nil
	}

	doc, err := decode(fields)
	if err != nil {
		return core.State{}, false, fmt.Errorf("load state: %w", err)
	}
	state, err := core.FromDocument(doc)
	if err != nil {
		return core.State{}, false, fmt.Errorf("load state: %w", err)
	}
	return state, true, nil
}

// SaveState replaces the stored state for userID.
func (s *Store) SaveState(ctx context.Context, userID string, state core.State, eventAt time.Time) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("save state: store is nil")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("save state: user id is empty")
	}

	args := []any{""}
	if !eventAt.IsZero() {
		args[0] = eventAt.UTC().Format(sortableTime)
	}
	args = append(args, encode(core.ToDocument(state))...)

	if err := saveStateScript.Run(ctx, s.client, []string{key(userID)}, args...).Err(); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// LastEventAt returns the latest event instant recorded for userID.
func (s *Store) LastEventAt(ctx context.Context, userID string) (*time.Time, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("last event at: store is nil")
	}
	v, err := s.client.HGet(ctx, key(userID), fieldLastEventAt).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last event at: hget: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("last event at: parse: %w", err)
	}
	t = t.UTC()
	return &t, nil
}

func key(userID string) string {
	return keyPrefix + userID
}

// encode flattens doc into HSET field/value pairs. Null timestamps are omitted.
func encode(doc core.Document) []any {
	pairs := []any{
		fieldCurrentStatus, doc.CurrentStatus,
		fieldSilenceCount, strconv.Itoa(doc.SilenceCount),
		fieldEmergencyArmed, strconv.FormatBool(doc.EmergencyArmed),
		fieldEscalationNeeded, strconv.FormatBool(doc.EscalationNeeded),
	}
	optional := []struct {
		field string
		value *string
	}{
		{fieldLastCheckInAt, doc.LastCheckInAt},
		{fieldCooldownUntil, doc.CooldownUntil},
		{fieldNextAskAt, doc.NextAskAt},
		{fieldEmergencyLastAskAt, doc.EmergencyLastAskAt},
		{fieldLastTriggerSource, doc.LastTriggerSource},
	}
	for _, o := range optional {
		if o.value != nil {
			pairs = append(pairs, o.field, *o.value)
		}
	}
	return pairs
}

// decode rebuilds a document from HGETALL output.
func decode(fields map[string]string) (core.Document, error) {
	doc := core.Document{CurrentStatus: fields[fieldCurrentStatus]}

	if v, ok := fields[fieldSilenceCount]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return core.Document{}, fmt.Errorf("decode: %s: %w", fieldSilenceCount, err)
		}
		doc.SilenceCount = n
	}

	var err error
	if doc.EmergencyArmed, err = parseBool(fields, fieldEmergencyArmed); err != nil {
		return core.Document{}, err
	}
	if doc.EscalationNeeded, err = parseBool(fields, fieldEscalationNeeded); err != nil {
		return core.Document{}, err
	}

	doc.LastCheckInAt = lookup(fields, fieldLastCheckInAt)
	doc.CooldownUntil = lookup(fields, fieldCooldownUntil)
	doc.NextAskAt = lookup(fields, fieldNextAskAt)
	doc.EmergencyLastAskAt = lookup(fields, fieldEmergencyLastAskAt)
	doc.LastTriggerSource = lookup(fields, fieldLastTriggerSource)
	return doc, nil
}

func parseBool(fields map[string]string, field string) (bool, error) {
	v, ok := fields[field]
	if !ok {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("decode: %s: %w", field, err)
	}
	return b, nil
}

func lookup(fields map[string]string, field string) *string {
	v, ok := fields[field]
	if !ok {
		return nil
	}
	return &v
}
