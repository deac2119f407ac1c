package signer

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"stakeflow/internal/chain"
	"stakeflow/internal/model"
	"stakeflow/pkg/logger"
	"stakeflow/pkg/utils"
)

// 签名服务拒绝签名（用户拒绝、地址未授权等），不重试
var ErrRejected = errors.New("signing request rejected")

type signRequest struct {
	Chain   model.ChainID `json:"chain"`
	Holder  string        `json:"holder"`
	Payload string        `json:"payload"` // hex
}

type signResponse struct {
	Signature string `json:"signature"` // hex
	Error     string `json:"error,omitempty"`
}

// RemoteSigner 外部签名服务客户端，私钥不进入本服务
type RemoteSigner struct {
	url        string
	httpClient *http.Client

	maxRetries  int
	backoffBase time.Duration
}

var _ chain.Signer = (*RemoteSigner)(nil)

func NewRemoteSigner(rawUrl string, timeout time.Duration) (*RemoteSigner, error) {
	parsed, err := url.Parse(rawUrl)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid signer URL: %s", rawUrl)
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	return &RemoteSigner{
		url:         parsed.String(),
		httpClient:  &http.Client{Timeout: timeout},
		maxRetries:  3,
		backoffBase: 500 * time.Millisecond,
	}, nil
}

func (s *RemoteSigner) Sign(ctx context.Context, chainID model.ChainID, holder string, payload []byte) ([]byte, error) {
	body, err := json.Marshal(signRequest{
		Chain:   chainID,
		Holder:  holder,
		Payload: hex.EncodeToString(payload),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	var sig []byte
	attempt := 0
	err = utils.Retry(ctx, s.maxRetries, s.backoffBase, true, func() error {
		attempt++
		out, retry, err := s.do(ctx, body)
		if err != nil {
			if !retry || ctx.Err() != nil {
				return utils.Permanent(err)
			}
			logger.Warnf("[RemoteSigner] %s/%s attempt %d: %v", chainID, holder, attempt, err)
			return err
		}
		sig = out
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("signer %s: %w", s.url, err)
	}
	return sig, nil
}

// 单次请求，返回是否可以重试
func (s *RemoteSigner) do(ctx context.Context, body []byte) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/sign", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("failed to execute request (network error): %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("received %s", resp.Status)
	default:
		var out signResponse
		_ = json.Unmarshal(data, &out)
		return nil, false, fmt.Errorf("%w: %s %s", ErrRejected, resp.Status, out.Error)
	}

	var out signResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(out.Signature, "0x"))
	if err != nil || len(sig) == 0 {
		return nil, false, fmt.Errorf("invalid signature in response: %q", out.Signature)
	}
	return sig, false, nil
}
