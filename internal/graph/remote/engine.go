// Package remote implements graph.Store against a Dgraph cluster over gRPC.
// Records are stored as typed nodes carrying a JSON payload plus indexed
// scoping predicates, and MERGE semantics come from Dgraph upsert blocks.
package remote

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/dgraph-io/dgo/v240"
	"github.com/dgraph-io/dgo/v240/protos/api"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/memforge/memforge/internal/graph"
	"github.com/memforge/memforge/internal/jsonx"
)

// Config holds connection settings for the remote engine.
type Config struct {
	Address        string
	Username       string
	Password       string
	MaxRetries     int
	RetryInterval  time.Duration
	RequestTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Address:        "localhost:9080",
		MaxRetries:     5,
		RetryInterval:  2 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// timeoutInterceptor enforces a per-call deadline on every gRPC request that
// does not already carry one.
func timeoutInterceptor(timeout time.Duration) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{},
		cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// Engine is a graph.Store backed by Dgraph.
type Engine struct {
	conn   *grpc.ClientConn
	dg     *dgo.Dgraph
	logger *zap.Logger
	mu     sync.Mutex
}

var _ graph.Store = (*Engine)(nil)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.@-]*$`)

func validUser(userID string) error {
	if !userIDPattern.MatchString(userID) {
		return fmt.Errorf("%w: bad user id %q", graph.ErrInvalidInput, userID)
	}
	return nil
}

// Connect dials the cluster with retries and initializes the schema.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	var conn *grpc.ClientConn
	var err error
	for i := 0; i < cfg.MaxRetries; i++ {
		conn, err = grpc.DialContext(ctx, cfg.Address,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
			grpc.WithUnaryInterceptor(timeoutInterceptor(cfg.RequestTimeout)),
		)
		if err == nil {
			break
		}
		logger.Warn("graph connection failed, retrying",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(cfg.RetryInterval)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s after %d attempts: %w", cfg.Address, cfg.MaxRetries, err)
	}

	dg := dgo.NewDgraphClient(api.NewDgraphClient(conn))

	if cfg.Username != "" {
		if err := dg.LoginIntoNamespace(ctx, cfg.Username, cfg.Password, 0); err != nil {
			conn.Close()
			return nil, fmt.Errorf("graph login failed: %w", err)
		}
	}

	e := &Engine{conn: conn, dg: dg, logger: logger.Named("remote")}
	if err := e.initSchema(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("remote graph engine connected", zap.String("address", cfg.Address))
	return e, nil
}

// initSchema declares the record predicates. All domain structure lives in
// the JSON payload; the predicates only exist for indexed lookup.
func (e *Engine) initSchema(ctx context.Context) error {
	schema := `
		mf.kind: string @index(exact) .
		mf.user: string @index(exact) .
		mf.key: string @index(exact) .
		mf.alt: string @index(exact) .
		mf.alt2: string @index(exact) .
		mf.json: string .

		type Record {
			mf.kind
			mf.user
			mf.key
			mf.alt
			mf.alt2
			mf.json
		}
	`
	return e.dg.Alter(ctx, &api.Operation{Schema: schema})
}

// Close releases the gRPC connection.
func (e *Engine) Close() error {
	return e.conn.Close()
}

// Record kinds. Keys mirror what the embedded engine uses as key suffixes.
const (
	kindUser     = "user"     // key=userID
	kindMemory   = "memory"   // key=memoryID
	kindSup      = "sup"      // key=newID, json=oldID
	kindEntity   = "entity"   // key=entityID, alt=normalizedName
	kindCategory = "category" // key=lower(name), json=display name
	kindRel      = "rel"      // key=src|tgt|type, alt=src, alt2=tgt
	kindMention  = "mention"  // key=mem|ent, alt=mem, alt2=ent
	kindAccess   = "access"   // key=app|mem
	kindConfig   = "config"   // key=memforge, user=""
)

func pairKey(a, b string) string      { return a + "|" + b }
func tripleKey(a, b, c string) string { return a + "|" + b + "|" + c }

// record is the wire shape of one stored node.
type record struct {
	UID  string `json:"uid,omitempty"`
	Kind string `json:"mf.kind,omitempty"`
	User string `json:"mf.user"`
	Key  string `json:"mf.key,omitempty"`
	Alt  string `json:"mf.alt,omitempty"`
	Alt2 string `json:"mf.alt2,omitempty"`
	JSON string `json:"mf.json,omitempty"`
}

const recordFields = "uid mf.kind mf.user mf.key mf.alt mf.alt2 mf.json"

// queryRecords runs a DQL query expected to bind $result to a list of
// records.
func (e *Engine) queryRecords(ctx context.Context, q string, vars map[string]string) ([]record, error) {
	resp, err := e.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, vars)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Result []record `json:"result"`
	}
	if err := jsonx.Unmarshal(resp.Json, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse query response: %w", err)
	}
	return parsed.Result, nil
}

// getRecord fetches one record by (kind, user, key).
func (e *Engine) getRecord(ctx context.Context, kind, user, key string) (*record, error) {
	q := fmt.Sprintf(`query q($user: string, $key: string) {
		result(func: eq(mf.key, $key)) @filter(eq(mf.kind, %q) AND eq(mf.user, $user)) {
			%s
		}
	}`, kind, recordFields)
	recs, err := e.queryRecords(ctx, q, map[string]string{"$user": user, "$key": key})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

// listRecords fetches every record of (kind, user).
func (e *Engine) listRecords(ctx context.Context, kind, user string) ([]record, error) {
	q := fmt.Sprintf(`query q($user: string) {
		result(func: eq(mf.kind, %q)) @filter(eq(mf.user, $user)) {
			%s
		}
	}`, kind, recordFields)
	return e.queryRecords(ctx, q, map[string]string{"$user": user})
}

// listByAlt fetches records of (kind, user) whose alt key matches.
func (e *Engine) listByAlt(ctx context.Context, kind, user, alt string) ([]record, error) {
	q := fmt.Sprintf(`query q($user: string, $alt: string) {
		result(func: eq(mf.alt, $alt)) @filter(eq(mf.kind, %q) AND eq(mf.user, $user)) {
			%s
		}
	}`, kind, recordFields)
	return e.queryRecords(ctx, q, map[string]string{"$user": user, "$alt": alt})
}

// listByAlt2 fetches records of (kind, user) whose secondary alt matches.
func (e *Engine) listByAlt2(ctx context.Context, kind, user, alt2 string) ([]record, error) {
	q := fmt.Sprintf(`query q($user: string, $alt2: string) {
		result(func: eq(mf.alt2, $alt2)) @filter(eq(mf.kind, %q) AND eq(mf.user, $user)) {
			%s
		}
	}`, kind, recordFields)
	return e.queryRecords(ctx, q, map[string]string{"$user": user, "$alt2": alt2})
}

// putRecord creates or updates (kind, user, key) in one upsert block, so
// concurrent writers across processes converge on a single node.
func (e *Engine) putRecord(ctx context.Context, rec record, kind string) error {
	query := fmt.Sprintf(`query {
		node as var(func: eq(mf.key, %q)) @filter(eq(mf.kind, %q) AND eq(mf.user, %q))
	}`, rec.Key, kind, rec.User)

	existing := record{UID: "uid(node)", Alt: rec.Alt, Alt2: rec.Alt2, JSON: rec.JSON, User: rec.User}
	updateJSON, err := jsonx.Marshal(&existing)
	if err != nil {
		return err
	}

	fresh := rec
	fresh.UID = "_:new"
	fresh.Kind = kind
	createJSON, err := jsonx.Marshal(&fresh)
	if err != nil {
		return err
	}

	req := &api.Request{
		Query: query,
		Mutations: []*api.Mutation{
			{Cond: "@if(gt(len(node), 0))", SetJson: updateJSON},
			{Cond: "@if(eq(len(node), 0))", SetJson: createJSON},
		},
		CommitNow: true,
	}
	_, err = e.dg.NewTxn().Do(ctx, req)
	return err
}

// deleteUIDs removes whole nodes by uid.
func (e *Engine) deleteUIDs(ctx context.Context, uids []string) error {
	if len(uids) == 0 {
		return nil
	}
	payload := make([]map[string]string, 0, len(uids))
	for _, uid := range uids {
		payload = append(payload, map[string]string{"uid": uid})
	}
	deleteJSON, err := jsonx.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = e.dg.NewTxn().Mutate(ctx, &api.Mutation{
		DeleteJson: deleteJSON,
		CommitNow:  true,
	})
	return err
}

// putPayload marshals v into a record's JSON payload and writes it.
func (e *Engine) putPayload(ctx context.Context, kind, user, key, alt, alt2 string, v interface{}) error {
	data, err := jsonx.MarshalToString(v)
	if err != nil {
		return err
	}
	return e.putRecord(ctx, record{User: user, Key: key, Alt: alt, Alt2: alt2, JSON: data}, kind)
}

func decodePayload(rec *record, v interface{}) error {
	return jsonx.UnmarshalFromString(rec.JSON, v)
}
