package model

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"time"
)

type TaskMode string

const (
	// TaskModeMonitor 只检测补货并发送到货通知。
	TaskModeMonitor TaskMode = "monitor"
	// TaskModePurchase 走完整的加购、结算、支付流程。
	TaskModePurchase TaskMode = "purchase"
)

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"-"`
}

type RetryPolicy struct {
	MaxAttempts   int           `json:"maxAttempts"`
	BaseDelay     time.Duration `json:"baseDelay"`
	BackoffFactor float64       `json:"backoffFactor"`
	JitterMin     time.Duration `json:"jitterMin"`
	JitterMax     time.Duration `json:"jitterMax"`

	// VolumeBaseDelay/VolumeBackoffFactor 只用于结算限流（高峰弹窗）后的重试。
	VolumeBaseDelay     time.Duration `json:"volumeBaseDelay"`
	VolumeBackoffFactor float64       `json:"volumeBackoffFactor"`
}

// Backoff returns the deterministic part of the delay before attempt k (k >= 2).
func (p RetryPolicy) Backoff(k int, volumeLimited bool) time.Duration {
	if k < 2 {
		return 0
	}
	base, factor := p.BaseDelay, p.BackoffFactor
	if volumeLimited && p.VolumeBaseDelay > 0 {
		base = p.VolumeBaseDelay
		if p.VolumeBackoffFactor > 0 {
			factor = p.VolumeBackoffFactor
		}
	}
	if factor <= 0 {
		factor = 1
	}
	d := float64(base)
	for i := 2; i < k; i++ {
		d *= factor
	}
	return time.Duration(d)
}

type Task struct {
	ID            string       `json:"id"`
	Name          string       `json:"name,omitempty"`
	URL           string       `json:"url"`
	Variant       string       `json:"variant,omitempty"`
	Quantity      int          `json:"quantity"`
	Mode          TaskMode     `json:"mode"`
	PaymentMethod string       `json:"paymentMethod,omitempty"`
	Credentials   *Credentials `json:"credentials,omitempty"`
	Retry         RetryPolicy  `json:"retry"`
}

func (t Task) WantsPurchase() bool {
	return t.Mode != TaskModeMonitor
}

func (t Task) DisplayName() string {
	if s := strings.TrimSpace(t.Name); s != "" {
		return s
	}
	return t.URL
}

// TaskID 由 url+variant 生成稳定的任务 ID，保证重启后持久化状态还能对上。
func TaskID(url, variant string) string {
	sum := sha1.Sum([]byte(strings.TrimSpace(url) + "|" + strings.ToLower(strings.TrimSpace(variant))))
	return hex.EncodeToString(sum[:6])
}
