package media

import (
	"fmt"
	"math/big"
	"time"
)

// DefaultTimescale 合成时间戳使用的时间刻度 (纳秒)
const DefaultTimescale int32 = 1_000_000_000

// Time 有理数时间值 Value/Timescale 秒
type Time struct {
	Value     int64 `json:"value"`
	Timescale int32 `json:"timescale"`
}

// InvalidTime 无效时间
var InvalidTime = Time{}

// TimeFromDuration 将 time.Duration 转换为指定刻度的时间值
func TimeFromDuration(d time.Duration, timescale int32) Time {
	if timescale <= 0 {
		timescale = DefaultTimescale
	}
	v := new(big.Int).Mul(big.NewInt(int64(d)), big.NewInt(int64(timescale)))
	v.Quo(v, big.NewInt(int64(time.Second)))
	return Time{Value: v.Int64(), Timescale: timescale}
}

// IsValid 时间刻度为正即有效
func (t Time) IsValid() bool {
	return t.Timescale > 0
}

// Duration 转换为 time.Duration
func (t Time) Duration() time.Duration {
	if !t.IsValid() {
		return 0
	}
	v := new(big.Int).Mul(big.NewInt(t.Value), big.NewInt(int64(time.Second)))
	v.Quo(v, big.NewInt(int64(t.Timescale)))
	return time.Duration(v.Int64())
}

// Seconds 转换为秒
func (t Time) Seconds() float64 {
	if !t.IsValid() {
		return 0
	}
	return float64(t.Value) / float64(t.Timescale)
}

// Compare 比较两个时间值，返回 -1、0、1；无效时间总是小于有效时间
func (t Time) Compare(other Time) int {
	switch {
	case !t.IsValid() && !other.IsValid():
		return 0
	case !t.IsValid():
		return -1
	case !other.IsValid():
		return 1
	}
	l := new(big.Int).Mul(big.NewInt(t.Value), big.NewInt(int64(other.Timescale)))
	r := new(big.Int).Mul(big.NewInt(other.Value), big.NewInt(int64(t.Timescale)))
	return l.Cmp(r)
}

// Add 相加，结果使用 t 的时间刻度
func (t Time) Add(other Time) Time {
	if !t.IsValid() {
		return other
	}
	if !other.IsValid() {
		return t
	}
	if t.Timescale == other.Timescale {
		return Time{Value: t.Value + other.Value, Timescale: t.Timescale}
	}
	return Time{Value: t.Value + other.Rescale(t.Timescale).Value, Timescale: t.Timescale}
}

// Rescale 转换到新的时间刻度 (向零取整)
func (t Time) Rescale(timescale int32) Time {
	if !t.IsValid() || timescale <= 0 || t.Timescale == timescale {
		return t
	}
	v := new(big.Int).Mul(big.NewInt(t.Value), big.NewInt(int64(timescale)))
	v.Quo(v, big.NewInt(int64(t.Timescale)))
	return Time{Value: v.Int64(), Timescale: timescale}
}

func (t Time) String() string {
	if !t.IsValid() {
		return "invalid"
	}
	return fmt.Sprintf("%d/%d", t.Value, t.Timescale)
}

// TimingInfo 帧时间信息
type TimingInfo struct {
	Duration              Time `json:"duration"`
	PresentationTimestamp Time `json:"pts"`
	DecodeTimestamp       Time `json:"dts"`
}

// IsValid 展示时间戳有效即视为有效
func (ti TimingInfo) IsValid() bool {
	return ti.PresentationTimestamp.IsValid()
}

// MonotonicClock 为单个生产者保证展示时间戳不递减
type MonotonicClock struct {
	last Time
	base Time
}

// Rebase 建立新的单调基准 (如重连之后)，新时间戳都会叠加在 base 上
func (c *MonotonicClock) Rebase(base Time) {
	c.base = base
}

// Last 最近一次输出的时间戳
func (c *MonotonicClock) Last() Time {
	return c.last
}

// Stamp 将 pts 叠加基准并夹紧到不小于上一次输出
func (c *MonotonicClock) Stamp(pts Time) Time {
	out := pts
	if c.base.IsValid() {
		out = pts.Add(c.base)
	}
	if c.last.IsValid() && out.Compare(c.last) < 0 {
		out = c.last
	}
	c.last = out
	return out
}
