package evm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flare-foundation/contract-event-indexer/pkg/config"
	"github.com/flare-foundation/contract-event-indexer/pkg/indexer"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/sugawarayuuta/sonnet"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcErrorBody   `json:"error,omitempty"`
}

// reply is what the fake node answers to one method: a result, a JSON-RPC
// error or a bare HTTP status.
type reply struct {
	result interface{}
	err    *rpcErrorBody
	status int
}

type fakeNode struct {
	mu       sync.Mutex
	replies  map[string]reply
	requests []rpcRequest
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req rpcRequest
	if err := sonnet.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	n.requests = append(n.requests, req)
	rep, ok := n.replies[req.Method]
	n.mu.Unlock()

	if !ok {
		rep = reply{err: &rpcErrorBody{Code: -32601, Message: "method not found"}}
	}

	if rep.status != 0 {
		http.Error(w, http.StatusText(rep.status), rep.status)
		return
	}

	out, err := sonnet.Marshal(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: rep.result, Error: rep.err})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}

func (n *fakeNode) lastRequest() rpcRequest {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.requests[len(n.requests)-1]
}

type EVMTestSuite struct {
	suite.Suite
	node   *fakeNode
	server *httptest.Server
	client *Client
	ctx    context.Context
}

func TestEVMTestSuite(t *testing.T) {
	suite.Run(t, &EVMTestSuite{})
}

func (suite *EVMTestSuite) SetupTest() {
	suite.node = &fakeNode{replies: make(map[string]reply)}
	suite.server = httptest.NewServer(suite.node)
	suite.ctx = context.Background()

	var err error
	suite.client, err = New(suite.ctx, &config.Chain{RPCURL: suite.server.URL})
	suite.Require().NoError(err)
}

func (suite *EVMTestSuite) TearDownTest() {
	suite.client.Close()
	suite.server.Close()
}

func (suite *EVMTestSuite) TestLatestHeight() {
	suite.node.replies["eth_blockNumber"] = reply{result: "0x69"}

	height, err := suite.client.LatestHeight(suite.ctx)
	suite.Require().NoError(err)
	suite.Equal(uint64(105), height)
}

func (suite *EVMTestSuite) TestGetLogs() {
	address := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

	suite.node.replies["eth_getLogs"] = reply{result: []map[string]interface{}{
		{
			"address":          address.Hex(),
			"topics":           []string{common.HexToHash("0x01").Hex()},
			"data":             "0x",
			"blockNumber":      "0x65",
			"transactionHash":  common.HexToHash("0xaa").Hex(),
			"transactionIndex": "0x0",
			"blockHash":        common.HexToHash("0xbb").Hex(),
			"logIndex":         "0x3",
			"removed":          false,
		},
	}}

	logs, err := suite.client.GetLogs(suite.ctx, []common.Address{address}, 100, 105)
	suite.Require().NoError(err)
	suite.Require().Len(logs, 1)
	suite.Equal(address, logs[0].Address)
	suite.Equal(uint64(101), logs[0].BlockNumber)
	suite.Equal(uint(3), logs[0].Index)

	req := suite.node.lastRequest()
	suite.Require().Len(req.Params, 1)

	var filter struct {
		FromBlock string   `json:"fromBlock"`
		ToBlock   string   `json:"toBlock"`
		Address   []string `json:"address"`
	}
	suite.Require().NoError(sonnet.Unmarshal(req.Params[0], &filter))
	suite.Equal("0x64", filter.FromBlock)
	suite.Equal("0x69", filter.ToBlock)
	suite.Require().Len(filter.Address, 1)
	suite.Equal(address, common.HexToAddress(filter.Address[0]))
}

func (suite *EVMTestSuite) TestServerInfo() {
	suite.node.replies["web3_clientVersion"] = reply{result: "Geth/v1.13.15-stable/linux-amd64/go1.23.0"}

	version, err := suite.client.ServerInfo(suite.ctx)
	suite.Require().NoError(err)
	suite.Equal("Geth/v1.13.15-stable/linux-amd64/go1.23.0", version)
}

func (suite *EVMTestSuite) TestErrorClassification() {
	tests := []struct {
		name      string
		reply     reply
		rateLimit bool
		transport bool
	}{
		{name: "http 429", reply: reply{status: http.StatusTooManyRequests}, rateLimit: true},
		{name: "limit exceeded", reply: reply{err: &rpcErrorBody{Code: codeLimitExceeded, Message: "limit exceeded"}}, rateLimit: true},
		{name: "rate limit message", reply: reply{err: &rpcErrorBody{Code: -32000, Message: "Rate limit reached"}}, rateLimit: true},
		{name: "http 503", reply: reply{status: http.StatusServiceUnavailable}, transport: true},
		{name: "invalid params", reply: reply{err: &rpcErrorBody{Code: -32602, Message: "invalid argument 0"}}},
		{name: "http 400", reply: reply{status: http.StatusBadRequest}},
	}

	for _, test := range tests {
		suite.Run(test.name, func() {
			suite.node.replies["eth_blockNumber"] = test.reply

			_, err := suite.client.LatestHeight(suite.ctx)
			suite.Require().Error(err)
			suite.Equal(test.rateLimit, errors.Is(err, indexer.ErrRateLimited))
			suite.Equal(test.transport, errors.Is(err, indexer.ErrTransport))
		})
	}
}

func (suite *EVMTestSuite) TestUnreachableNodeIsTransportError() {
	suite.server.Close()

	_, err := suite.client.GetLogs(suite.ctx, nil, 1, 2)
	suite.Require().Error(err)
	suite.True(errors.Is(err, indexer.ErrTransport))
}

func TestRequestsPerSecondLimit(t *testing.T) {
	node := &fakeNode{replies: map[string]reply{"eth_blockNumber": {result: "0x1"}}}
	server := httptest.NewServer(node)
	defer server.Close()

	client, err := New(context.Background(), &config.Chain{RPCURL: server.URL, RequestsPerSecond: 0.1})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.LatestHeight(context.Background())
	require.NoError(t, err)

	// the next token is ten seconds away
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = client.LatestHeight(ctx)
	require.Error(t, err)
	require.False(t, errors.Is(err, indexer.ErrTransport))
	require.Len(t, node.requests, 1)
}

func TestEmptyURL(t *testing.T) {
	_, err := New(context.Background(), &config.Chain{})
	require.Error(t, err)
}
