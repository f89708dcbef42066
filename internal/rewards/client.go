// Package rewards 对接碳积分平台。
// 积分规则：每充 1 度电发放 1 积分，按度取整。
// 发放是支付链路的旁路动作，调用方吞掉错误只记日志。
package rewards

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/ev-charge-server/internal/config"
)

// CreditsPerKwh 每度电折算的碳积分
const CreditsPerKwh = 1

// grantRequest 发放请求体
type grantRequest struct {
	UserID    int64  `json:"userId"`
	OrderNo   string `json:"orderNo"`
	EnergyKwh string `json:"energyKwh"`
	Credits   int64  `json:"credits"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
}

// Client 碳积分平台客户端，请求带 HMAC-SHA256 签名头
type Client struct {
	client   *http.Client
	endpoint string
	apiKey   string
	secret   string
	retries  int
	backoff  []time.Duration
	logger   *zap.Logger
}

// NewClient 创建碳积分客户端
func NewClient(cfg cfgpkg.RewardsConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		client:   &http.Client{Timeout: 5 * time.Second},
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		secret:   cfg.Secret,
		retries:  3,
		backoff:  []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, time.Second},
		logger:   logger,
	}
}

// CreditsFor 充电量折算积分（向下取整）
func CreditsFor(energyKwh float64) int64 {
	if energyKwh <= 0 {
		return 0
	}
	return int64(math.Floor(energyKwh)) * CreditsPerKwh
}

// GrantForCharging 按订单发放碳积分。
// 零积分订单直接跳过；5xx 与网络错误重试，4xx 立即失败。
func (c *Client) GrantForCharging(ctx context.Context, userID int64, orderNo string, energyKwh float64) error {
	if c == nil || c.endpoint == "" {
		return nil
	}
	credits := CreditsFor(energyKwh)
	if credits == 0 {
		return nil
	}

	ts := time.Now().Unix()
	nonce := fmt.Sprintf("%08x", rand.Uint32())
	payload := grantRequest{
		UserID:    userID,
		OrderNo:   orderNo,
		EnergyKwh: fmt.Sprintf("%.2f", energyKwh),
		Credits:   credits,
		Timestamp: ts,
		Nonce:     nonce,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return err
	}
	sig := sign(c.secret, canonical(http.MethodPost, u.Path, ts, nonce, bodyHex(body)))

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(string(body)))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Api-Key", c.apiKey)
		req.Header.Set("X-Signature", sig)
		req.Header.Set("X-Timestamp", fmt.Sprintf("%d", ts))
		req.Header.Set("X-Nonce", nonce)

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			rb, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				c.logger.Info("carbon credits granted",
					zap.String("order_no", orderNo),
					zap.Int64("user_id", userID),
					zap.Int64("credits", credits))
				return nil
			}
			if resp.StatusCode < 500 {
				return fmt.Errorf("rewards endpoint rejected: http %d: %s", resp.StatusCode, string(rb))
			}
			lastErr = fmt.Errorf("http %d", resp.StatusCode)
		}
		if attempt == c.retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff[minInt(attempt, len(c.backoff)-1)]):
		}
	}
	if lastErr == nil {
		lastErr = errors.New("rewards grant failed")
	}
	return lastErr
}

// canonical 构建签名串: method\npath\ntimestamp\nnonce\nbodySha256Hex
func canonical(method, path string, ts int64, nonce, bodyHex string) string {
	return fmt.Sprintf("%s\n%s\n%d\n%s\n%s", strings.ToUpper(method), path, ts, nonce, bodyHex)
}

func bodyHex(body []byte) string {
	h := sha256.Sum256(body)
	return hex.EncodeToString(h[:])
}

// sign 生成 HMAC-SHA256 签名（hex）
func sign(secret, canonical string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
