// Package kvstore implements a small key/value service over an SQL
// resource. It is served by rpcd when a database is configured.
package kvstore

import (
	"context"
	"database/sql"
	"errors"

	"unary-rpc/dispatch"
	"unary-rpc/lifecycle"
	"unary-rpc/status"
)

// ServiceName is the name under which the store is served.
const ServiceName = "kv.Store"

const schema = `CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

type PutRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type KeyRequest struct {
	Key string `json:"key"`
}

type GetResponse struct {
	Value string `json:"value"`
}

type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

// Controller serves methods put, get and delete.
type Controller struct {
	id dispatch.Identity
	db *lifecycle.SQL
}

// New constructs a controller storing its data in db.
func New(db *lifecycle.SQL) *Controller {
	return &Controller{id: dispatch.Identity{Kind: dispatch.KindController, Name: "kvstore"}, db: db}
}

func (c *Controller) Identity() dispatch.Identity { return c.id }

// Routes implements dispatch.Controller.
func (c *Controller) Routes(r *dispatch.Router) {
	r.Handle("put", dispatch.Unary(c.put)).
		Handle("get", dispatch.Unary(c.get)).
		Handle("delete", dispatch.Unary(c.delete))
}

// Migrate creates the table if it does not exist. The resource must be
// connected.
func (c *Controller) Migrate(ctx context.Context) error {
	db, err := c.db.DB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, schema)
	return err
}

// storeError maps a database failure to a status. A call whose context has
// ended reports that rather than Internal.
func storeError(c *dispatch.Context, err error) error {
	if cerr := c.Context().Err(); cerr != nil {
		return status.Convert(cerr)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.Convert(err)
	}
	return status.Wrap(status.Internal, err)
}

func checkKey(key string) error {
	if key == "" {
		return status.New(status.InvalidArgument, "empty key")
	}
	return nil
}

func (c *Controller) put(ctx *dispatch.Context, req PutRequest) (struct{}, error) {
	if err := checkKey(req.Key); err != nil {
		return struct{}{}, err
	}
	db, err := c.db.DB()
	if err != nil {
		return struct{}{}, err
	}
	_, err = db.ExecContext(ctx.Context(),
		`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		req.Key, req.Value)
	if err != nil {
		return struct{}{}, storeError(ctx, err)
	}
	return struct{}{}, nil
}

func (c *Controller) get(ctx *dispatch.Context, req KeyRequest) (GetResponse, error) {
	if err := checkKey(req.Key); err != nil {
		return GetResponse{}, err
	}
	db, err := c.db.DB()
	if err != nil {
		return GetResponse{}, err
	}
	var rsp GetResponse
	err = db.QueryRowContext(ctx.Context(), `SELECT value FROM kv WHERE key = ?`, req.Key).Scan(&rsp.Value)
	if errors.Is(err, sql.ErrNoRows) {
		return GetResponse{}, status.Newf(status.NotFound, "key %q not found", req.Key)
	} else if err != nil {
		return GetResponse{}, storeError(ctx, err)
	}
	return rsp, nil
}

func (c *Controller) delete(ctx *dispatch.Context, req KeyRequest) (DeleteResponse, error) {
	if err := checkKey(req.Key); err != nil {
		return DeleteResponse{}, err
	}
	db, err := c.db.DB()
	if err != nil {
		return DeleteResponse{}, err
	}
	res, err := db.ExecContext(ctx.Context(), `DELETE FROM kv WHERE key = ?`, req.Key)
	if err != nil {
		return DeleteResponse{}, storeError(ctx, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return DeleteResponse{}, storeError(ctx, err)
	}
	return DeleteResponse{Deleted: n > 0}, nil
}
