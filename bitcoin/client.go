// Package bitcoin wraps the JSON-RPC surface of a bitcoin daemon behind the
// narrow interface the bridge needs: block scanning, transaction lookup and
// raw transaction broadcast.
package bitcoin

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/syndtr/goleveldb/leveldb"
)

const scanHeightKey = "scan_block_height"

type Client struct {
	cfg    Config
	db     *leveldb.DB
	client *rpc.Client
	logger zerolog.Logger
}

func NewClient(cfg Config, db *leveldb.DB) (*Client, error) {
	client, err := newClient(cfg.Host, cfg.Port, cfg.RPCUser, cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc client: %w", err)
	}
	return &Client{
		cfg:    cfg,
		db:     db,
		client: client,
		logger: log.With().Str("module", "bitcoin_client").Logger(),
	}, nil
}

// newClient returns a client connection to a UTXO daemon.
func newClient(host string, port int64, user, password string) (*rpc.Client, error) {
	authFn := func(h http.Header) error {
		auth := base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
		h.Set("Authorization", fmt.Sprintf("Basic %s", auth))
		return nil
	}

	// default to http if no scheme is specified
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	if port != 80 && port != 443 {
		host = fmt.Sprintf("%s:%d", host, port)
	}
	c, err := rpc.DialOptions(context.Background(), host, rpc.WithHTTPAuth(authFn))
	if err != nil {
		return nil, err
	}

	return c, nil
}

// GetScanHeight returns the persisted block scan cursor, zero when the
// daemon has never scanned.
func (c *Client) GetScanHeight() (int64, error) {
	value, err := c.db.Get([]byte(scanHeightKey), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get scan block height: %w", err)
	}
	height, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse scan block height: %w", err)
	}
	return height, nil
}

// SetScanHeight persists the block scan cursor as a decimal string.
func (c *Client) SetScanHeight(height int64) error {
	b := []byte(fmt.Sprintf("%d", height))
	if err := c.db.Put([]byte(scanHeightKey), b, nil); err != nil {
		return fmt.Errorf("failed to set scan block height: %w", err)
	}
	return nil
}

// ShouldBackoff reports whether the error means the chain tip has not
// reached the requested height yet, in which case the caller should wait
// rather than treat it as a failure.
func (c *Client) ShouldBackoff(err error) bool {
	var rpcError *btcjson.RPCError
	ok := errors.As(err, &rpcError)
	if strings.Contains(err.Error(), "Block not available") || strings.Contains(err.Error(), "Block height out of range") {
		return true
	}
	return ok && (rpcError.Code == btcjson.ErrRPCBlockNotFound || strings.Contains(rpcError.Message, "Block not available"))
}

// GetBlockVerboseTxs returns information about the block with verbosity 2.
func (c *Client) GetBlockVerboseTxs(ctx context.Context, hash string) (*btcjson.GetBlockVerboseTxResult, error) {
	var block btcjson.GetBlockVerboseTxResult
	err := c.client.CallContext(ctx, &block, "getblock", hash, 2)
	return &block, extractBTCError(err)
}

// GetBlockHash returns the hash of the block in best-block-chain at the given height.
func (c *Client) GetBlockHash(ctx context.Context, height int64) (string, error) {
	var hash string
	err := c.client.CallContext(ctx, &hash, "getblockhash", height)
	return hash, extractBTCError(err)
}

// GetRawTransactionVerbose returns the decoded transaction with
// confirmation metadata.
func (c *Client) GetRawTransactionVerbose(ctx context.Context, txid string) (*btcjson.TxRawResult, error) {
	var tx btcjson.TxRawResult
	err := c.client.CallContext(ctx, &tx, "getrawtransaction", txid, true)
	return &tx, extractBTCError(err)
}

// GetConfirmations returns the confirmation count of the given transaction,
// zero when it is unconfirmed or unknown.
func (c *Client) GetConfirmations(ctx context.Context, txid string) (int64, error) {
	tx, err := c.GetRawTransactionVerbose(ctx, txid)
	if err != nil {
		var rpcError *btcjson.RPCError
		if errors.As(err, &rpcError) && rpcError.Code == btcjson.ErrRPCNoTxInfo {
			return 0, nil
		}
		return 0, err
	}
	return int64(tx.Confirmations), nil
}

// SendRawTransaction broadcasts the serialized transaction and returns its
// txid.
func (c *Client) SendRawTransaction(ctx context.Context, tx *wire.MsgTx) (string, error) {
	var buf strings.Builder
	encoder := hex.NewEncoder(&buf)
	if err := tx.Serialize(encoder); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	var txid string
	err := c.client.CallContext(ctx, &txid, "sendrawtransaction", buf.String())
	return txid, extractBTCError(err)
}

// TxWitnesses fetches a confirmed transaction and returns the witness stack
// of every input, decoded from the raw hex.
func (c *Client) TxWitnesses(ctx context.Context, txid string) ([]wire.TxWitness, error) {
	raw, err := c.GetRawTransactionVerbose(ctx, txid)
	if err != nil {
		return nil, err
	}
	txBytes, err := hex.DecodeString(raw.Hex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode raw transaction %s: %w", txid, err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(txBytes)); err != nil {
		return nil, fmt.Errorf("failed to deserialize transaction %s: %w", txid, err)
	}
	witnesses := make([]wire.TxWitness, 0, len(tx.TxIn))
	for _, in := range tx.TxIn {
		witnesses = append(witnesses, in.Witness)
	}
	return witnesses, nil
}

func (c *Client) Close() error {
	if c.client != nil {
		c.client.Close()
		c.logger.Info().Msg("rpc client closed")
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////////////////////

// Ethereum RPC returns an error with the response appended to the HTTP status like:
// 404 Not Found: {"error":{"code":-32601,"message":"Method not found"},"id":1}
//
// This makes best effort to extract and return the error as a btcjson.RPCError.
func extractBTCError(err error) error {
	if err == nil {
		return nil
	}

	// split the error into the HTTP status and the JSON response
	parts := strings.SplitN(err.Error(), ": ", 2)
	if len(parts) != 2 {
		return err
	}

	// parse the JSON response
	var response struct {
		Error struct {
			Code    btcjson.RPCErrorCode `json:"code"`
			Message string               `json:"message"`
		} `json:"error"`
	}
	if jsonErr := json.Unmarshal([]byte(parts[1]), &response); jsonErr != nil {
		return err
	}

	// return the error message
	return btcjson.NewRPCError(response.Error.Code, response.Error.Message)
}
