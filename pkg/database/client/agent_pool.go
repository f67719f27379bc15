/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
)

const (
	TAgentPool      = "agent_pools"
	TAgentPoolToken = "agent_pool_tokens"
)

var (
	getAgentPoolCmd       = fmt.Sprintf(`SELECT * FROM %s WHERE id = $1 LIMIT 1`, TAgentPool)
	getAgentPoolByNameCmd = fmt.Sprintf(`SELECT * FROM %s WHERE name = $1 LIMIT 1`, TAgentPool)
	insertAgentPoolFormat = `INSERT INTO ` + TAgentPool + ` (%s) VALUES (%s)`
	deleteAgentPoolCmd    = fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, TAgentPool)
	getTokenByHashCmd     = fmt.Sprintf(`SELECT * FROM %s WHERE token_hash = $1 LIMIT 1`, TAgentPoolToken)
	insertTokenFormat     = `INSERT INTO ` + TAgentPoolToken + ` (%s) VALUES (%s)`
	selectTokensByPoolCmd = fmt.Sprintf(`SELECT * FROM %s WHERE pool_id = $1 ORDER BY created_at DESC`, TAgentPoolToken)
	revokeTokenCmd        = fmt.Sprintf(`UPDATE %s SET is_revoked = true WHERE id = $1`, TAgentPoolToken)

	// consumeTokenCmd re-checks the validity predicate so the use-count
	// increment is atomic with validation: zero rows means invalid or spent.
	consumeTokenCmd = fmt.Sprintf(`UPDATE %s SET use_count = use_count + 1
		WHERE id = $1
		  AND is_revoked = false
		  AND (expires_at IS NULL OR expires_at > $2)
		  AND (max_uses IS NULL OR use_count < max_uses)`, TAgentPoolToken)
)

func (c *Client) InsertAgentPool(ctx context.Context, pool *AgentPool) error {
	if pool == nil {
		return nil
	}
	db := c.db.Unsafe()
	_, err := db.NamedExecContext(ctx, generateCommand(*pool, insertAgentPoolFormat, ""), pool)
	if err != nil {
		klog.ErrorS(err, "failed to insert agent pool", "name", pool.Name)
	}
	return err
}

func (c *Client) GetAgentPool(ctx context.Context, id uuid.UUID) (*AgentPool, error) {
	db := c.db.Unsafe()
	pool := &AgentPool{}
	err := db.GetContext(ctx, pool, getAgentPoolCmd, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commonerrors.NewNotFound("agent-pool", id.String())
	}
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func (c *Client) GetAgentPoolByName(ctx context.Context, name string) (*AgentPool, error) {
	db := c.db.Unsafe()
	pool := &AgentPool{}
	err := db.GetContext(ctx, pool, getAgentPoolByNameCmd, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commonerrors.NewNotFound("agent-pool", name)
	}
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func (c *Client) SelectAgentPools(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*AgentPool, error) {
	db := c.db.Unsafe()
	builder := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).From(TAgentPool)
	if query != nil {
		builder = builder.Where(query)
	}
	if len(orderBy) > 0 {
		builder = builder.OrderBy(orderBy...)
	}
	if limit > 0 {
		builder = builder.Limit(uint64(limit)).Offset(uint64(max(offset, 0)))
	}
	cmd, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	var pools []*AgentPool
	err = db.SelectContext(ctx, &pools, cmd, args...)
	return pools, err
}

func (c *Client) DeleteAgentPool(ctx context.Context, id uuid.UUID) error {
	_, err := c.db.ExecContext(ctx, deleteAgentPoolCmd, id)
	return err
}

func (c *Client) InsertAgentPoolToken(ctx context.Context, token *AgentPoolToken) error {
	if token == nil {
		return nil
	}
	db := c.db.Unsafe()
	_, err := db.NamedExecContext(ctx, generateCommand(*token, insertTokenFormat, ""), token)
	if err != nil {
		klog.ErrorS(err, "failed to insert agent pool token", "pool", token.PoolId)
	}
	return err
}

func (c *Client) GetAgentPoolTokenByHash(ctx context.Context, tokenHash string) (*AgentPoolToken, error) {
	db := c.db.Unsafe()
	token := &AgentPoolToken{}
	err := db.GetContext(ctx, token, getTokenByHashCmd, tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commonerrors.NewUnauthorized("Invalid join token")
	}
	if err != nil {
		return nil, err
	}
	return token, nil
}

func (c *Client) SelectAgentPoolTokens(ctx context.Context, poolId uuid.UUID) ([]*AgentPoolToken, error) {
	db := c.db.Unsafe()
	var tokens []*AgentPoolToken
	err := db.SelectContext(ctx, &tokens, selectTokensByPoolCmd, poolId)
	return tokens, err
}

// ConsumeAgentPoolToken atomically validates and increments the token use
// count. Returns false when the token is revoked, expired or spent.
func (c *Client) ConsumeAgentPoolToken(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	result, err := c.db.ExecContext(ctx, consumeTokenCmd, id, now)
	if err != nil {
		klog.ErrorS(err, "failed to consume agent pool token", "id", id)
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (c *Client) RevokeAgentPoolToken(ctx context.Context, id uuid.UUID) error {
	_, err := c.db.ExecContext(ctx, revokeTokenCmd, id)
	return err
}
