// Package datanommer is the client for the archival message store: the
// database holding every past bus message, queried by badge criteria to
// answer questions like "how many updates has this user pushed".
package datanommer

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/atlasgurus/badgestone/condition"
	"github.com/atlasgurus/badgestone/types"
)

const defaultRowsPerPage = 25

// QueryArgs is the grep signature.  The filter tag names are what rule
// authors may use in a datanommer criteria filter; the set is introspected
// at startup rather than hardcoded in the rule layer, so extending this
// struct is all it takes to extend the rule language.
type QueryArgs struct {
	Topics        []string   `filter:"topics"`
	NotTopics     []string   `filter:"not_topics"`
	Users         []string   `filter:"users"`
	NotUsers      []string   `filter:"not_users"`
	Packages      []string   `filter:"packages"`
	NotPackages   []string   `filter:"not_packages"`
	Categories    []string   `filter:"categories"`
	NotCategories []string   `filter:"not_categories"`
	Contains      []string   `filter:"contains"`
	Start         *time.Time `filter:"start"`
	End           *time.Time `filter:"end"`
	RowsPerPage   int        `filter:"rows_per_page"`
	Page          int        `filter:"page"`
	Order         string     `filter:"order"`
}

// Signature returns the set of acceptable filter parameter names.
func Signature() map[string]bool {
	result := make(map[string]bool)
	t := reflect.TypeOf(QueryArgs{})
	for i := 0; i < t.NumField(); i++ {
		if name := t.Field(i).Tag.Get("filter"); name != "" {
			result[name] = true
		}
	}
	return result
}

// Store is a pooled connection to the archival database.
type Store struct {
	db     *sqlx.DB
	appctx *types.AppContext
}

func NewStore(appctx *types.AppContext, uri string) (*Store, error) {
	db, err := sqlx.Connect("postgres", uri)
	if err != nil {
		return nil, fmt.Errorf("connecting to datanommer db: %w", err)
	}
	return &Store{db: db, appctx: appctx}, nil
}

// NewStoreWithDB wraps an existing connection; used by tests.
func NewStoreWithDB(appctx *types.AppContext, db *sqlx.DB) *Store {
	return &Store{db: db, appctx: appctx}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Signature() map[string]bool {
	return Signature()
}

// Grep builds the query described by args and returns the total match count,
// the page count, and a reusable query handle.  args uses the rule-facing
// filter names; "defer" is consumed here and only means "do not fetch rows",
// which is the only mode the engine uses.
func (s *Store) Grep(ctx context.Context, args map[string]interface{}) (int64, int, condition.Query, error) {
	qa, err := decodeArgs(args)
	if err != nil {
		return 0, 0, nil, err
	}
	query := &Query{store: s, args: qa}
	total, err := query.count(ctx)
	if err != nil {
		return 0, 0, nil, err
	}
	rows := qa.RowsPerPage
	if rows <= 0 {
		rows = defaultRowsPerPage
	}
	pages := int(math.Ceil(float64(total) / float64(rows)))
	s.appctx.Log.Debug("datanommer grep",
		zap.Int64("total", total), zap.Int("pages", pages))
	return total, pages, query, nil
}

// Query is a deferred query handle.  It is condition.Query (and therefore
// expr.Callable) so criteria operations and lambdas can run against it.
type Query struct {
	store *Store
	args  QueryArgs

	// runCtx is bound during lambda evaluation, where the expression
	// evaluator has no context parameter to thread through.
	runCtx context.Context
}

func (q *Query) Run(ctx context.Context, operation string) (interface{}, error) {
	switch operation {
	case "count":
		return q.count(ctx)
	default:
		return nil, fmt.Errorf("unknown datanommer operation %q", operation)
	}
}

// CallMethod implements expr.Callable for lambda operations such as
// "query.count() >= 2".
func (q *Query) CallMethod(name string, args []interface{}) (interface{}, error) {
	if len(args) != 0 {
		return nil, fmt.Errorf("query.%s takes no arguments", name)
	}
	ctx := q.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	return q.Run(ctx, name)
}

// BindContext returns a shallow copy whose CallMethod uses ctx.
func (q *Query) BindContext(ctx context.Context) condition.Query {
	bound := *q
	bound.runCtx = ctx
	return &bound
}

func (q *Query) count(ctx context.Context) (int64, error) {
	where, params := q.buildWhere()
	sql := "SELECT count(*) FROM messages m"
	if where != "" {
		sql += " WHERE " + where
	}
	sql, args, err := sqlx.In(sql, params...)
	if err != nil {
		return 0, fmt.Errorf("building datanommer query: %w", err)
	}
	sql = q.store.db.Rebind(sql)
	var total int64
	if err := q.store.db.GetContext(ctx, &total, sql, args...); err != nil {
		return 0, fmt.Errorf("datanommer count query: %w", err)
	}
	return total, nil
}

func (q *Query) buildWhere() (string, []interface{}) {
	var clauses []string
	var params []interface{}

	add := func(clause string, values ...interface{}) {
		clauses = append(clauses, clause)
		params = append(params, values...)
	}

	if len(q.args.Topics) > 0 {
		add("m.topic IN (?)", q.args.Topics)
	}
	if len(q.args.NotTopics) > 0 {
		add("m.topic NOT IN (?)", q.args.NotTopics)
	}
	if len(q.args.Categories) > 0 {
		add("m.category IN (?)", q.args.Categories)
	}
	if len(q.args.NotCategories) > 0 {
		add("m.category NOT IN (?)", q.args.NotCategories)
	}
	if len(q.args.Users) > 0 {
		add("EXISTS (SELECT 1 FROM messages_users mu WHERE mu.message_id = m.id AND mu.username IN (?))",
			q.args.Users)
	}
	if len(q.args.NotUsers) > 0 {
		add("NOT EXISTS (SELECT 1 FROM messages_users mu WHERE mu.message_id = m.id AND mu.username IN (?))",
			q.args.NotUsers)
	}
	if len(q.args.Packages) > 0 {
		add("EXISTS (SELECT 1 FROM messages_packages mp WHERE mp.message_id = m.id AND mp.package IN (?))",
			q.args.Packages)
	}
	if len(q.args.NotPackages) > 0 {
		add("NOT EXISTS (SELECT 1 FROM messages_packages mp WHERE mp.message_id = m.id AND mp.package IN (?))",
			q.args.NotPackages)
	}
	for _, needle := range q.args.Contains {
		add("m.msg::text LIKE ?", "%"+needle+"%")
	}
	if q.args.Start != nil {
		add(`m."timestamp" >= ?`, *q.args.Start)
	}
	if q.args.End != nil {
		add(`m."timestamp" <= ?`, *q.args.End)
	}
	return strings.Join(clauses, " AND "), params
}

func decodeArgs(args map[string]interface{}) (QueryArgs, error) {
	var qa QueryArgs
	for key, value := range args {
		var err error
		switch key {
		case "defer":
			// Reserved by the engine; rows are never fetched anyway.
		case "topics":
			qa.Topics, err = toStringList(key, value)
		case "not_topics":
			qa.NotTopics, err = toStringList(key, value)
		case "users":
			qa.Users, err = toStringList(key, value)
		case "not_users":
			qa.NotUsers, err = toStringList(key, value)
		case "packages":
			qa.Packages, err = toStringList(key, value)
		case "not_packages":
			qa.NotPackages, err = toStringList(key, value)
		case "categories":
			qa.Categories, err = toStringList(key, value)
		case "not_categories":
			qa.NotCategories, err = toStringList(key, value)
		case "contains":
			qa.Contains, err = toStringList(key, value)
		case "start":
			qa.Start, err = toTime(key, value)
		case "end":
			qa.End, err = toTime(key, value)
		case "rows_per_page":
			qa.RowsPerPage, err = toInt(key, value)
		case "page":
			qa.Page, err = toInt(key, value)
		case "order":
			s, ok := value.(string)
			if !ok {
				err = fmt.Errorf("%q must be a string, got %T", key, value)
			}
			qa.Order = s
		default:
			return qa, fmt.Errorf("%q is not a grep parameter", key)
		}
		if err != nil {
			return qa, err
		}
	}
	return qa, nil
}

func toStringList(key string, value interface{}) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []interface{}:
		result := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				s = fmt.Sprintf("%v", item)
			}
			result[i] = s
		}
		return result, nil
	default:
		return nil, fmt.Errorf("%q must be a string or list, got %T", key, value)
	}
}

func toTime(key string, value interface{}) (*time.Time, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return &v, nil
	case string:
		t, err := dateparse.ParseAny(v)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", key, err)
		}
		return &t, nil
	case int:
		t := time.Unix(int64(v), 0).UTC()
		return &t, nil
	case int64:
		t := time.Unix(v, 0).UTC()
		return &t, nil
	case float64:
		sec, frac := math.Modf(v)
		t := time.Unix(int64(sec), int64(frac*1e9)).UTC()
		return &t, nil
	default:
		return nil, fmt.Errorf("%q must be a timestamp, got %T", key, value)
	}
}

func toInt(key string, value interface{}) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("%q must be an integer, got %T", key, value)
	}
}
